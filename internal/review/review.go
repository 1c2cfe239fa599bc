// Package review implements the batch/file review workflow that gates which
// uploads enter production. Decisions move pending → approved or pending →
// rejected and are terminal; correcting one requires an explicit, logged
// reopen back to pending. Nothing here ever mutates file content, only the
// review field of a record.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// Store persists batches and file records. Implementations are the pgx
// repository and the in-memory store.
type Store interface {
	CreateBatch(ctx context.Context, b *model.ReviewBatch) error
	GetBatch(ctx context.Context, id string) (*model.ReviewBatch, error)
	ListBatches(ctx context.Context) ([]*model.ReviewBatch, error)
	// AddFile persists the record and appends its id to the batch member
	// list.
	AddFile(ctx context.Context, rec *model.FileRecord) error
	GetFile(ctx context.Context, id string) (*model.FileRecord, error)
	// BatchFiles returns members in upload order.
	BatchFiles(ctx context.Context, batchID string) ([]*model.FileRecord, error)
	UpdateDecision(ctx context.Context, fileID string, d model.ReviewDecision) error
}

// BulkResult reports the outcome of a batch-level action. Members already
// holding a terminal decision are left untouched and counted as skipped.
type BulkResult struct {
	Applied int `json:"applied"`
	Skipped int `json:"skipped"`
}

// Workflow coordinates review actions. Batch member lists are mutated only
// under a per-batch lock so bulk actions stay atomic with respect to
// concurrent individual decisions.
type Workflow struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Workflow over the given store.
func New(store Store, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{store: store, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func (w *Workflow) batchLock(batchID string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[batchID]
	if !ok {
		l = &sync.Mutex{}
		w.locks[batchID] = l
	}
	return l
}

// CreateBatch creates an empty named batch with an optional review deadline.
func (w *Workflow) CreateBatch(ctx context.Context, name, createdBy string, deadline *time.Time) (*model.ReviewBatch, error) {
	if name == "" {
		return nil, fmt.Errorf("batch name required")
	}
	b := &model.ReviewBatch{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		Deadline:  deadline,
	}
	if err := w.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	w.logger.Info("review batch created", "batch", b.ID, "name", name)
	return b, nil
}

// GetBatch returns a batch by id.
func (w *Workflow) GetBatch(ctx context.Context, id string) (*model.ReviewBatch, error) {
	return w.store.GetBatch(ctx, id)
}

// ListBatches returns all batches.
func (w *Workflow) ListBatches(ctx context.Context) ([]*model.ReviewBatch, error) {
	return w.store.ListBatches(ctx)
}

// AddFile attaches an inspected upload to a batch with a pending decision.
// The upload sequence records arrival order for the processing-order
// contract.
func (w *Workflow) AddFile(ctx context.Context, batchID string, rec *model.FileRecord) error {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()

	batch, err := w.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	rec.BatchID = batch.ID
	rec.UploadSeq = len(batch.FileIDs)
	rec.Review = model.ReviewDecision{Status: model.ReviewPending}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := w.store.AddFile(ctx, rec); err != nil {
		return fmt.Errorf("add file: %w", err)
	}
	w.logger.Info("file added to batch", "batch", batchID, "file", rec.ID, "name", rec.OriginalName)
	return nil
}

// GetFile returns a member record.
func (w *Workflow) GetFile(ctx context.Context, id string) (*model.FileRecord, error) {
	return w.store.GetFile(ctx, id)
}

// BatchFiles returns members in upload order.
func (w *Workflow) BatchFiles(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	if _, err := w.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return w.store.BatchFiles(ctx, batchID)
}

// Approve moves a pending member to approved. Priority is required and must
// be 1..5 exactly at this transition.
func (w *Workflow) Approve(ctx context.Context, batchID, fileID, by, note string, priority int) error {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()
	return w.approveLocked(ctx, batchID, fileID, by, note, priority)
}

func (w *Workflow) approveLocked(ctx context.Context, batchID, fileID, by, note string, priority int) error {
	if priority < 1 || priority > 5 {
		return fmt.Errorf("priority must be between 1 and 5, got %d", priority)
	}
	rec, err := w.member(ctx, batchID, fileID)
	if err != nil {
		return err
	}
	if rec.Review.Status != model.ReviewPending {
		return &pipeline.StateConflictError{Entity: "file " + fileID, From: string(rec.Review.Status), Action: "approve"}
	}
	now := time.Now().UTC()
	d := model.ReviewDecision{
		Status:     model.ReviewApproved,
		ReviewedBy: by,
		Note:       note,
		Priority:   priority,
		DecidedAt:  &now,
	}
	if err := w.store.UpdateDecision(ctx, fileID, d); err != nil {
		return fmt.Errorf("approve file: %w", err)
	}
	w.logger.Info("file approved", "batch", batchID, "file", fileID, "by", by, "priority", priority)
	return nil
}

// Reject moves a pending member to rejected. A non-empty reason is required.
func (w *Workflow) Reject(ctx context.Context, batchID, fileID, by, reason string) error {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()
	return w.rejectLocked(ctx, batchID, fileID, by, reason)
}

func (w *Workflow) rejectLocked(ctx context.Context, batchID, fileID, by, reason string) error {
	if reason == "" {
		return fmt.Errorf("rejection requires a reason")
	}
	rec, err := w.member(ctx, batchID, fileID)
	if err != nil {
		return err
	}
	if rec.Review.Status != model.ReviewPending {
		return &pipeline.StateConflictError{Entity: "file " + fileID, From: string(rec.Review.Status), Action: "reject"}
	}
	now := time.Now().UTC()
	d := model.ReviewDecision{
		Status:     model.ReviewRejected,
		ReviewedBy: by,
		Note:       reason,
		DecidedAt:  &now,
	}
	if err := w.store.UpdateDecision(ctx, fileID, d); err != nil {
		return fmt.Errorf("reject file: %w", err)
	}
	w.logger.Info("file rejected", "batch", batchID, "file", fileID, "by", by, "reason", reason)
	return nil
}

// Reopen returns a terminal member to pending so a correcting decision can be
// made. The transition is explicit and logged; the stale decision fields are
// cleared so a reopened file never carries a decision timestamp.
func (w *Workflow) Reopen(ctx context.Context, batchID, fileID, by string) error {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()

	rec, err := w.member(ctx, batchID, fileID)
	if err != nil {
		return err
	}
	if rec.Review.Status == model.ReviewPending {
		return &pipeline.StateConflictError{Entity: "file " + fileID, From: string(rec.Review.Status), Action: "reopen"}
	}
	prior := rec.Review.Status
	if err := w.store.UpdateDecision(ctx, fileID, model.ReviewDecision{Status: model.ReviewPending}); err != nil {
		return fmt.Errorf("reopen file: %w", err)
	}
	w.logger.Info("decision reopened", "batch", batchID, "file", fileID, "by", by, "was", prior)
	return nil
}

// BulkApprove applies the approve transition to every currently pending
// member. Members already decided are reported as skipped, not touched.
func (w *Workflow) BulkApprove(ctx context.Context, batchID, by string, priority int) (BulkResult, error) {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()

	files, err := w.memberFiles(ctx, batchID)
	if err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, f := range files {
		if f.Review.Status != model.ReviewPending {
			res.Skipped++
			continue
		}
		if err := w.approveLocked(ctx, batchID, f.ID, by, "", priority); err != nil {
			return res, err
		}
		res.Applied++
	}
	w.logger.Info("bulk approve", "batch", batchID, "approved", res.Applied, "skipped", res.Skipped)
	return res, nil
}

// BulkReject applies the reject transition to every currently pending member
// with the shared reason.
func (w *Workflow) BulkReject(ctx context.Context, batchID, by, reason string) (BulkResult, error) {
	l := w.batchLock(batchID)
	l.Lock()
	defer l.Unlock()

	files, err := w.memberFiles(ctx, batchID)
	if err != nil {
		return BulkResult{}, err
	}
	var res BulkResult
	for _, f := range files {
		if f.Review.Status != model.ReviewPending {
			res.Skipped++
			continue
		}
		if err := w.rejectLocked(ctx, batchID, f.ID, by, reason); err != nil {
			return res, err
		}
		res.Applied++
	}
	w.logger.Info("bulk reject", "batch", batchID, "rejected", res.Applied, "skipped", res.Skipped)
	return res, nil
}

// ApprovedFilesForProcessing returns the approved members ordered by
// descending priority, then ascending upload order. The job orchestrator
// relies on this ordering for deterministic Bates allocation, and repeated
// calls on an unchanged batch return the same list.
func (w *Workflow) ApprovedFilesForProcessing(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	files, err := w.BatchFiles(ctx, batchID)
	if err != nil {
		return nil, err
	}
	approved := make([]*model.FileRecord, 0, len(files))
	for _, f := range files {
		if f.Review.Status == model.ReviewApproved {
			approved = append(approved, f)
		}
	}
	sort.SliceStable(approved, func(i, j int) bool {
		if approved[i].Review.Priority != approved[j].Review.Priority {
			return approved[i].Review.Priority > approved[j].Review.Priority
		}
		return approved[i].UploadSeq < approved[j].UploadSeq
	})
	return approved, nil
}

// Counts aggregates member decisions. The batch is closed when every member
// is terminal; closure is derived here, never stored.
func (w *Workflow) Counts(ctx context.Context, batchID string) (model.BatchCounts, int, error) {
	files, err := w.BatchFiles(ctx, batchID)
	if err != nil {
		return model.BatchCounts{}, 0, err
	}
	var c model.BatchCounts
	for _, f := range files {
		switch f.Review.Status {
		case model.ReviewApproved:
			c.Approved++
		case model.ReviewRejected:
			c.Rejected++
		default:
			c.Pending++
		}
	}
	return c, len(files), nil
}

func (w *Workflow) member(ctx context.Context, batchID, fileID string) (*model.FileRecord, error) {
	rec, err := w.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.BatchID != batchID {
		return nil, &pipeline.StateConflictError{Entity: "file " + fileID, From: "non-member", Action: "decide"}
	}
	return rec, nil
}

func (w *Workflow) memberFiles(ctx context.Context, batchID string) ([]*model.FileRecord, error) {
	if _, err := w.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return w.store.BatchFiles(ctx, batchID)
}
