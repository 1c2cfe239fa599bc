// Package job owns the production job lifecycle: it turns an approved review
// batch into a running engine pass, aggregates per-file results, writes the
// loadfile package and persists the terminal job state.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/bates"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/config"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/engine"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/loadfile"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/review"
)

// Store persists jobs and their per-file results.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context) ([]*model.Job, error)
	UpdateJob(ctx context.Context, j *model.Job) error
	SaveResults(ctx context.Context, jobID string, results []model.ProcessingResult) error
	Results(ctx context.Context, jobID string) ([]model.ProcessingResult, error)
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Enqueuer hands a queued job to the worker fleet. Nil means Run is invoked
// directly by the caller (tests and the single-binary mode).
type Enqueuer func(ctx context.Context, jobID string) error

// Publisher mirrors a finished output package to object storage. Optional.
type Publisher interface {
	PublishDir(ctx context.Context, jobID, dir string) error
}

// Orchestrator drives jobs end to end.
type Orchestrator struct {
	store      Store
	workflow   *review.Workflow
	engine     *engine.Engine
	batesStore bates.Store
	enqueue    Enqueuer
	publisher  Publisher
	logger     *slog.Logger
}

// New creates an Orchestrator. enqueue and publisher may be nil.
func New(store Store, workflow *review.Workflow, eng *engine.Engine, batesStore bates.Store, enqueue Enqueuer, publisher Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		workflow:   workflow,
		engine:     eng,
		batesStore: batesStore,
		enqueue:    enqueue,
		publisher:  publisher,
		logger:     logger,
	}
}

// Submit commits the batch's approved set to production and returns the new
// job id. The job starts in queued and is picked up by a worker.
func (o *Orchestrator) Submit(ctx context.Context, batchID string, cfg model.JobConfig) (string, error) {
	approved, err := o.workflow.ApprovedFilesForProcessing(ctx, batchID)
	if err != nil {
		return "", err
	}
	if len(approved) == 0 {
		return "", fmt.Errorf("batch %s has no approved files", batchID)
	}
	if cfg.Numbering.Prefix == "" {
		return "", fmt.Errorf("numbering prefix required")
	}
	if cfg.Numbering.PadWidth <= 0 {
		cfg.Numbering.PadWidth = 8
	}
	if cfg.Numbering.StartNumber == 0 {
		cfg.Numbering.StartNumber = 1
	}
	cfg.Processing = config.WithProcessingDefaults(cfg.Processing)
	if cfg.Volume == "" {
		cfg.Volume = "VOL001"
	}
	if cfg.OutputDir == "" {
		return "", fmt.Errorf("output directory required")
	}

	j := &model.Job{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		Status:    model.JobQueued,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateJob(ctx, j); err != nil {
		return "", &pipeline.PersistenceError{Op: "create job", Err: err}
	}
	o.logger.Info("job submitted", "job", j.ID, "batch", batchID, "files", len(approved), "prefix", cfg.Numbering.Prefix)

	if o.enqueue != nil {
		if err := o.enqueue(ctx, j.ID); err != nil {
			return "", &pipeline.PersistenceError{Op: "enqueue job", Err: err}
		}
	}
	return j.ID, nil
}

// Run executes a queued job to a terminal state. It is what the worker
// invokes; rerunning a terminal job is a no-op.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	approved, err := o.workflow.ApprovedFilesForProcessing(ctx, j.BatchID)
	if err != nil {
		return o.fail(ctx, j, fmt.Errorf("load approved files: %w", err))
	}

	now := time.Now().UTC()
	j.Status = model.JobRunning
	j.StartedAt = &now
	if err := o.store.UpdateJob(ctx, j); err != nil {
		return &pipeline.PersistenceError{Op: "mark running", Err: err}
	}

	seq := bates.NewSequencer(o.batesStore, j.Config.Numbering.Prefix, j.Config.Numbering.PadWidth, j.Config.Numbering.StartNumber)
	cancelRequested := func() bool {
		requested, err := o.store.CancelRequested(ctx, j.ID)
		if err != nil {
			o.logger.Error("cancel check failed", "job", j.ID, "error", err)
			return false
		}
		return requested
	}

	report, err := o.engine.Run(ctx, j, approved, seq, cancelRequested)
	if err != nil {
		// Engine-level errors are fatal for the whole job (output dir or
		// store unavailable); per-file trouble never surfaces here.
		return o.fail(ctx, j, err)
	}

	results := make([]model.ProcessingResult, 0, len(report.Outcomes))
	docs := make([]*loadfile.Document, 0, len(report.Outcomes))
	for _, out := range report.Outcomes {
		results = append(results, out.Result)
		if out.Doc != nil {
			docs = append(docs, out.Doc)
		}
	}
	if err := o.store.SaveResults(ctx, j.ID, results); err != nil {
		return o.fail(ctx, j, &pipeline.PersistenceError{Op: "save results", Err: err})
	}

	finished := time.Now().UTC()
	j.FinishedAt = &finished
	if report.Allocated.Count() > 0 {
		j.BatesFirst = report.Allocated.First()
		j.BatesLast = report.Allocated.Last()
		if err := seq.Commit(ctx, report.Allocated, j.ID); err != nil {
			o.logger.Error("range commit failed", "job", j.ID, "error", err)
		}
	}

	switch {
	case cancelRequested():
		j.Status = model.JobCancelled
	case report.TimedOut:
		j.Status = model.JobFailed
		j.Error = (&pipeline.TimeoutError{Scope: "job", Limit: j.Config.Processing.JobTimeout}).Error()
	default:
		j.Status = model.JobCompleted
	}
	j.Summary = summarize(results)

	if err := o.writePackage(j, approved, results, docs); err != nil {
		o.logger.Error("package write failed", "job", j.ID, "error", err)
		j.Status = model.JobFailed
		j.Error = err.Error()
	}

	if err := o.store.UpdateJob(ctx, j); err != nil {
		return &pipeline.PersistenceError{Op: "finalize job", Err: err}
	}

	if o.publisher != nil && j.Status == model.JobCompleted {
		layout := loadfile.Layout{Root: j.Config.OutputDir, Volume: j.Config.Volume}
		if err := o.publisher.PublishDir(ctx, j.ID, layout.VolumeDir()); err != nil {
			o.logger.Error("package publish failed", "job", j.ID, "error", err)
		}
	}

	o.logger.Info("job finished", "job", j.ID, "status", j.Status, "summary", j.Summary)
	return nil
}

// writePackage renders the DAT, OPT and manifest from the run's outputs. The
// manifest covers every submitted file; the DAT and OPT only describe
// produced documents, in Bates order.
func (o *Orchestrator) writePackage(j *model.Job, files []*model.FileRecord, results []model.ProcessingResult, docs []*loadfile.Document) error {
	layout := loadfile.Layout{Root: j.Config.OutputDir, Volume: j.Config.Volume}

	byID := make(map[string]*model.FileRecord, len(files))
	for _, f := range files {
		byID[f.ID] = f
	}
	if err := loadfile.BuildManifest(j, byID, results).Write(layout.ManifestPath()); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}
	sortDocs(docs)
	if err := loadfile.WriteDAT(layout.DATPath(), docs); err != nil {
		return err
	}
	return loadfile.WriteOPT(layout.OPTPath(), j.Config.Volume, docs)
}

// StatusInfo is the polling view of a job.
type StatusInfo struct {
	Job     *model.Job                 `json:"job"`
	Counts  map[model.ResultStatus]int `json:"counts"`
	Elapsed time.Duration              `json:"elapsed"`
	Results []model.ProcessingResult   `json:"results"`
}

// Status reports current per-result counts, elapsed time and the
// latest-known Bates range.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*StatusInfo, error) {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	results, err := o.store.Results(ctx, jobID)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.ResultStatus]int)
	for _, r := range results {
		counts[r.Status]++
	}
	var elapsed time.Duration
	if j.StartedAt != nil {
		end := time.Now().UTC()
		if j.FinishedAt != nil {
			end = *j.FinishedAt
		}
		elapsed = end.Sub(*j.StartedAt)
	}
	return &StatusInfo{Job: j, Counts: counts, Elapsed: elapsed, Results: results}, nil
}

// Verify audits a finished job's output package against its manifest and
// committed Bates span. Only terminal jobs have a package worth auditing.
func (o *Orchestrator) Verify(ctx context.Context, jobID string) (*loadfile.VerifyReport, error) {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Status.Terminal() {
		return nil, &pipeline.StateConflictError{Entity: "job", From: string(j.Status), Action: "verify"}
	}
	rep, err := loadfile.Verify(j.Config.OutputDir, j.Config.Volume)
	if err != nil {
		return nil, err
	}
	if rep.BatesFirst != "" && (rep.BatesFirst < j.BatesFirst || rep.BatesLast > j.BatesLast) {
		rep.Problems = append(rep.Problems, fmt.Sprintf(
			"produced span %s..%s outside committed span %s..%s",
			rep.BatesFirst, rep.BatesLast, j.BatesFirst, j.BatesLast))
	}
	return rep, nil
}

// List returns all jobs.
func (o *Orchestrator) List(ctx context.Context) ([]*model.Job, error) {
	return o.store.ListJobs(ctx)
}

// Cancel asks the running job to stop at its next between-files checkpoint.
// Repeated calls are idempotent, including on already-terminal jobs.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	j, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	if err := o.store.RequestCancel(ctx, jobID); err != nil {
		return &pipeline.PersistenceError{Op: "request cancel", Err: err}
	}
	// A job that never reached a worker can finalize right away.
	if j.Status == model.JobQueued {
		now := time.Now().UTC()
		j.Status = model.JobCancelled
		j.FinishedAt = &now
		j.Summary = "cancelled before start"
		if err := o.store.UpdateJob(ctx, j); err != nil {
			return &pipeline.PersistenceError{Op: "finalize cancelled job", Err: err}
		}
	}
	o.logger.Info("cancel requested", "job", jobID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, j *model.Job, cause error) error {
	now := time.Now().UTC()
	j.Status = model.JobFailed
	j.FinishedAt = &now
	j.Error = cause.Error()
	if err := o.store.UpdateJob(ctx, j); err != nil {
		o.logger.Error("failed to persist job failure", "job", j.ID, "error", err)
	}
	o.logger.Error("job failed", "job", j.ID, "error", cause)
	return cause
}

// summarize renders the human-readable terminal description: counts by
// outcome plus the first few error messages.
func summarize(results []model.ProcessingResult) string {
	counts := make(map[model.ResultStatus]int)
	var errs []string
	for _, r := range results {
		counts[r.Status]++
		if r.Error != "" && len(errs) < 3 {
			errs = append(errs, fmt.Sprintf("%s: %s", r.FileID, r.Error))
		}
	}
	parts := []string{
		fmt.Sprintf("%d succeeded", counts[model.ResultSuccess]),
		fmt.Sprintf("%d failed", counts[model.ResultFailed]),
		fmt.Sprintf("%d timed out", counts[model.ResultTimeout]),
		fmt.Sprintf("%d skipped", counts[model.ResultSkipped]),
	}
	s := strings.Join(parts, ", ")
	if len(errs) > 0 {
		s += "; first errors: " + strings.Join(errs, " | ")
	}
	return s
}

func sortDocs(docs []*loadfile.Document) {
	for i := 1; i < len(docs); i++ {
		for j := i; j > 0 && docs[j-1].BegBates > docs[j].BegBates; j-- {
			docs[j-1], docs[j] = docs[j], docs[j-1]
		}
	}
}
