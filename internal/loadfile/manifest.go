package loadfile

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

// Manifest is the audit record enumerating every submitted file with its
// outcome and allocated Bates range. It is deterministic: regenerating it
// from the same job and results yields identical bytes (the generated
// timestamp is the job's finish time, not the wall clock).
type Manifest struct {
	JobID     string          `json:"jobId"`
	Volume    string          `json:"volume"`
	Generated time.Time       `json:"generated"`
	Files     []ManifestEntry `json:"files"`
}

// ManifestEntry is one submitted file.
type ManifestEntry struct {
	FileID       string `json:"fileId"`
	OriginalName string `json:"originalName"`
	Hash         string `json:"hash"`
	Status       string `json:"status"`
	BatesStart   string `json:"batesStart,omitempty"`
	BatesEnd     string `json:"batesEnd,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BuildManifest assembles the manifest from a job and its per-file results.
// Entries are ordered by Bates start, with unallocated files after, sorted by
// file id for stability.
func BuildManifest(job *model.Job, files map[string]*model.FileRecord, results []model.ProcessingResult) *Manifest {
	m := &Manifest{
		JobID:  job.ID,
		Volume: job.Config.Volume,
	}
	if job.FinishedAt != nil {
		m.Generated = job.FinishedAt.UTC()
	}
	for _, r := range results {
		entry := ManifestEntry{
			FileID:     r.FileID,
			Status:     string(r.Status),
			BatesStart: r.BatesStart,
			BatesEnd:   r.BatesEnd,
			Error:      r.Error,
		}
		if f, ok := files[r.FileID]; ok {
			entry.OriginalName = f.OriginalName
			entry.Hash = f.ContentHash
		}
		m.Files = append(m.Files, entry)
	}
	sort.Slice(m.Files, func(i, j int) bool {
		a, b := m.Files[i], m.Files[j]
		if (a.BatesStart == "") != (b.BatesStart == "") {
			return a.BatesStart != ""
		}
		if a.BatesStart != b.BatesStart {
			return a.BatesStart < b.BatesStart
		}
		return a.FileID < b.FileID
	})
	return m
}

// ReadManifest loads a manifest previously written by Write.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &m, nil
}

// Write serializes the manifest to path.
func (m *Manifest) Write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
