// Package report renders operator-facing summaries of batches and jobs in
// JSON and CSV.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

// FileLine is one per-file row of a job report.
type FileLine struct {
	FileID       string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Status       string `json:"status"`
	BatesStart   string `json:"batesStart,omitempty"`
	BatesEnd     string `json:"batesEnd,omitempty"`
	Units        int    `json:"units"`
	ElapsedMS    int64  `json:"elapsedMs"`
	Error        string `json:"error,omitempty"`
}

// JobReport is the full statistics view of a job.
type JobReport struct {
	JobID      string          `json:"jobId"`
	BatchID    string          `json:"batchId"`
	Status     model.JobStatus `json:"status"`
	BatesFirst string          `json:"batesFirst,omitempty"`
	BatesLast  string          `json:"batesLast,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Counts     map[string]int  `json:"counts"`
	Elapsed    time.Duration   `json:"elapsed"`
	Files      []FileLine      `json:"files"`
}

// BuildJob assembles a report from a job, its source records and its results.
func BuildJob(j *model.Job, files []*model.FileRecord, results []model.ProcessingResult) *JobReport {
	byID := make(map[string]*model.FileRecord, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	r := &JobReport{
		JobID:      j.ID,
		BatchID:    j.BatchID,
		Status:     j.Status,
		BatesFirst: j.BatesFirst,
		BatesLast:  j.BatesLast,
		Summary:    j.Summary,
		Counts:     make(map[string]int),
	}
	if j.StartedAt != nil && j.FinishedAt != nil {
		r.Elapsed = j.FinishedAt.Sub(*j.StartedAt)
	}
	for _, res := range results {
		r.Counts[string(res.Status)]++
		line := FileLine{
			FileID:     res.FileID,
			Status:     string(res.Status),
			BatesStart: res.BatesStart,
			BatesEnd:   res.BatesEnd,
			Units:      res.Units,
			ElapsedMS:  res.Elapsed.Milliseconds(),
			Error:      res.Error,
		}
		if f, ok := byID[res.FileID]; ok {
			line.OriginalName = f.OriginalName
		}
		r.Files = append(r.Files, line)
	}
	return r
}

// WriteJSON renders the report as indented JSON.
func (r *JobReport) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteCSV renders the per-file lines as CSV with a header row.
func (r *JobReport) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"file_id", "original_name", "status", "bates_start", "bates_end", "units", "elapsed_ms", "error"}); err != nil {
		return err
	}
	for _, line := range r.Files {
		rec := []string{
			line.FileID, line.OriginalName, line.Status,
			line.BatesStart, line.BatesEnd,
			fmt.Sprintf("%d", line.Units),
			fmt.Sprintf("%d", line.ElapsedMS),
			line.Error,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// BatchReport summarizes review progress for one batch.
type BatchReport struct {
	BatchID    string            `json:"batchId"`
	Name       string            `json:"name"`
	Total      int               `json:"total"`
	Counts     model.BatchCounts `json:"counts"`
	ByType     map[string]int    `json:"byType,omitempty"`
	TotalBytes int64             `json:"totalBytes"`
	Closed     bool              `json:"closed"`
}

// BuildBatch assembles a batch review summary from the member records.
func BuildBatch(b *model.ReviewBatch, files []*model.FileRecord) *BatchReport {
	r := &BatchReport{
		BatchID: b.ID,
		Name:    b.Name,
		Total:   len(files),
		ByType:  make(map[string]int),
	}
	for _, f := range files {
		switch f.Review.Status {
		case model.ReviewApproved:
			r.Counts.Approved++
		case model.ReviewRejected:
			r.Counts.Rejected++
		default:
			r.Counts.Pending++
		}
		if f.DetectedType != "" {
			r.ByType[string(f.DetectedType)]++
		}
		r.TotalBytes += f.SizeBytes
	}
	r.Closed = r.Counts.Closed(r.Total)
	return r
}
