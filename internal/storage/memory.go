// Package storage contains the in-memory persistence layer: a single store
// that satisfies the review, job, Bates and blob interfaces. It backs tests
// and the single-binary mode; production deployments use the pgx repository
// and MinIO instead.
package storage

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/bates"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// burnRecord is one never-reuse log entry.
type burnRecord struct {
	Range  bates.Range
	Reason string
	At     time.Time
}

// commitRecord ties a range to the job that produced it.
type commitRecord struct {
	Range bates.Range
	JobID string
	At    time.Time
}

// MemoryStore keeps all state behind one RWMutex. Write operations are rare
// relative to status polling, so readers share a lock.
type MemoryStore struct {
	mu       sync.RWMutex
	batches  map[string]*model.ReviewBatch
	files    map[string]*model.FileRecord
	jobs     map[string]*model.Job
	results  map[string][]model.ProcessingResult
	cancels  map[string]bool
	counters map[string]uint64
	burns    []burnRecord
	commits  []commitRecord
	blobs    map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:  make(map[string]*model.ReviewBatch),
		files:    make(map[string]*model.FileRecord),
		jobs:     make(map[string]*model.Job),
		results:  make(map[string][]model.ProcessingResult),
		cancels:  make(map[string]bool),
		counters: make(map[string]uint64),
		blobs:    make(map[string][]byte),
	}
}

// --- review.Store ---

func (m *MemoryStore) CreateBatch(ctx context.Context, b *model.ReviewBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*model.ReviewBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *b
	cp.FileIDs = append([]string(nil), b.FileIDs...)
	return &cp, nil
}

func (m *MemoryStore) ListBatches(ctx context.Context) ([]*model.ReviewBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.ReviewBatch, 0, len(m.batches))
	for _, b := range m.batches {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) AddFile(ctx context.Context, rec *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[rec.BatchID]
	if !ok {
		return pipeline.ErrNotFound
	}
	cp := *rec
	m.files[rec.ID] = &cp
	b.FileIDs = append(b.FileIDs, rec.ID)
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) BatchFiles(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	out := make([]*model.FileRecord, 0, len(b.FileIDs))
	for _, id := range b.FileIDs {
		if rec, ok := m.files[id]; ok {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateDecision(ctx context.Context, fileID string, d model.ReviewDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[fileID]
	if !ok {
		return pipeline.ErrNotFound
	}
	rec.Review = d
	return nil
}

// --- job.Store ---

func (m *MemoryStore) CreateJob(ctx context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListJobs(ctx context.Context) ([]*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return pipeline.ErrNotFound
	}
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveResults(ctx context.Context, jobID string, results []model.ProcessingResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[jobID] = append([]model.ProcessingResult(nil), results...)
	return nil
}

func (m *MemoryStore) Results(ctx context.Context, jobID string) ([]model.ProcessingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.ProcessingResult(nil), m.results[jobID]...), nil
}

func (m *MemoryStore) RequestCancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return pipeline.ErrNotFound
	}
	m.cancels[jobID] = true
	return nil
}

func (m *MemoryStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancels[jobID], nil
}

// --- bates.Store ---

// Next advances the counter for prefix by n and returns the first value of
// the block. A fresh prefix is seeded at start; an existing counter never
// moves backwards even if a later job asks for a lower start.
func (m *MemoryStore) Next(ctx context.Context, prefix string, start, n uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, ok := m.counters[prefix]
	if !ok || next < start {
		next = start
	}
	m.counters[prefix] = next + n
	return next, nil
}

func (m *MemoryStore) RecordBurn(ctx context.Context, rng bates.Range, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.burns = append(m.burns, burnRecord{Range: rng, Reason: reason, At: time.Now().UTC()})
	return nil
}

func (m *MemoryStore) RecordCommit(ctx context.Context, rng bates.Range, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits = append(m.commits, commitRecord{Range: rng, JobID: jobID, At: time.Now().UTC()})
	return nil
}

// Burns returns the recorded burned ranges, oldest first.
func (m *MemoryStore) Burns() []bates.Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bates.Range, len(m.burns))
	for i, b := range m.burns {
		out[i] = b.Range
	}
	return out
}

// --- engine.BlobStore ---

// PutBlob stores raw upload bytes under an object key.
func (m *MemoryStore) PutBlob(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = append([]byte(nil), data...)
}

// UploadRaw stores an upload stream under an object key.
func (m *MemoryStore) UploadRaw(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	m.PutBlob(key, data)
	return nil
}

// Fetch returns the bytes stored under key.
func (m *MemoryStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
