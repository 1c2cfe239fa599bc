// Package model contains the data model shared across the intake, review and
// production packages.
package model

import (
	"time"
)

// FileType is the closed set of formats the pipeline knows how to process.
type FileType string

const (
	TypePDF  FileType = "pdf"
	TypeDOCX FileType = "docx"
	TypeXLSX FileType = "xlsx"
	TypeTXT  FileType = "txt"
	TypeCSV  FileType = "csv"
	TypeJPG  FileType = "jpg"
	TypePNG  FileType = "png"
	TypeTIFF FileType = "tiff"
	TypeEML  FileType = "eml"
)

// IntegrityStatus classifies a file before any heavy processing.
type IntegrityStatus string

const (
	IntegrityOK          IntegrityStatus = "ok"
	IntegrityCorrupt     IntegrityStatus = "corrupt"
	IntegrityUnsupported IntegrityStatus = "unsupported"
)

// ReviewStatus is the per-file verdict inside a review batch.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// JobStatus is the lifecycle of a production job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ResultStatus is the per-file outcome within a job.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
	ResultSkipped ResultStatus = "skipped"
)

// ReviewDecision is the verdict attached to a file within a batch.
//
// Priority is meaningful only when Status is approved and is validated to the
// 1..5 range at that transition. A rejected decision always carries a
// non-empty Note explaining the reason.
type ReviewDecision struct {
	Status     ReviewStatus `json:"status"`
	ReviewedBy string       `json:"reviewedBy,omitempty"`
	Note       string       `json:"note,omitempty"`
	Priority   int          `json:"priority,omitempty"`
	DecidedAt  *time.Time   `json:"decidedAt,omitempty"`
}

// FileRecord describes one uploaded input file. Hash and integrity are
// computed once on upload; the record is immutable once a job has consumed it
// and a re-upload creates a new record.
type FileRecord struct {
	ID           string            `json:"id"`
	BatchID      string            `json:"batchId"`
	OriginalName string            `json:"originalName"`
	SizeBytes    int64             `json:"sizeBytes"`
	ContentHash  string            `json:"contentHash"`
	DetectedType FileType          `json:"detectedType"`
	MIMEType     string            `json:"mimeType"`
	Integrity    IntegrityStatus   `json:"integrity"`
	Detail       string            `json:"detail,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// ObjectKey locates the raw bytes in blob storage.
	ObjectKey string `json:"-"`
	// UploadSeq is the arrival order within the batch, used as the
	// tie-breaker for deterministic processing order.
	UploadSeq int            `json:"uploadSeq"`
	Review    ReviewDecision `json:"review"`
	CreatedAt time.Time      `json:"createdAt"`
}

// ReviewBatch is a named collection of file records awaiting decisions.
// Closure is derived from member decisions, never stored.
type ReviewBatch struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CreatedBy string     `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	FileIDs   []string   `json:"fileIds"`
}

// BatchCounts aggregates member decisions.
type BatchCounts struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// Closed reports whether every member carries a terminal decision.
func (c BatchCounts) Closed(total int) bool {
	return total > 0 && c.Pending == 0
}

// NumberingConfig configures Bates identifier generation for a job.
type NumberingConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	// StartNumber seeds the sequence the first time the prefix is used.
	// An existing sequence never moves backwards.
	StartNumber uint64 `json:"startNumber" yaml:"start_number"`
	PadWidth    int    `json:"padWidth" yaml:"pad_width"`
}

// ProcessingConfig bounds resource usage during a job run.
type ProcessingConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	PerFileTimeout time.Duration `json:"perFileTimeout" yaml:"per_file_timeout"`
	JobTimeout     time.Duration `json:"jobTimeout" yaml:"job_timeout"`
	PDFRenderDPI   int           `json:"pdfRenderDpi" yaml:"pdf_render_dpi"`
	PageChunkSize  int           `json:"pageChunkSize" yaml:"page_chunk_size"`
}

// JobConfig is everything an operator supplies when committing an approved
// set to production.
type JobConfig struct {
	Volume     string           `json:"volume" yaml:"volume"`
	OutputDir  string           `json:"outputDir" yaml:"output_dir"`
	Numbering  NumberingConfig  `json:"numbering" yaml:"numbering"`
	Processing ProcessingConfig `json:"processing" yaml:"processing"`
}

// Job is one execution of the production pipeline over an approved file set.
type Job struct {
	ID         string     `json:"id"`
	BatchID    string     `json:"batchId"`
	Status     JobStatus  `json:"status"`
	Config     JobConfig  `json:"config"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	// BatesFirst/BatesLast are the rendered bounds of everything allocated
	// for this job, including burned ranges.
	BatesFirst string `json:"batesFirst,omitempty"`
	BatesLast  string `json:"batesLast,omitempty"`
	// Summary is the human-readable terminal description: counts by
	// outcome plus the first few error messages.
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProcessingResult is the per-file outcome of one job attempt. A retried file
// produces a new result superseding the prior one for reporting; Bates
// numbers allocated by the superseded attempt stay burned.
type ProcessingResult struct {
	JobID      string        `json:"jobId"`
	FileID     string        `json:"fileId"`
	Status     ResultStatus  `json:"status"`
	BatesStart string        `json:"batesStart,omitempty"`
	BatesEnd   string        `json:"batesEnd,omitempty"`
	Units      int           `json:"units"`
	Error      string        `json:"error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	Artifacts  []string      `json:"artifacts,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
	Attempt    int           `json:"attempt"`
}
