// Package engine runs the per-file production pipeline for a job: validate,
// extract metadata, convert, stamp, assemble. A bounded pool processes the
// approved list concurrently while Bates allocation stays serialized in list
// order, so numbering is deterministic even though completion order is not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/bates"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/convert"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/extract"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/loadfile"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/validate"
)

// BlobStore fetches raw upload bytes. Implemented by the MinIO storage and
// the in-memory store.
type BlobStore interface {
	Fetch(ctx context.Context, objectKey string) ([]byte, error)
}

// Engine executes production pipelines. It is stateless across jobs; all
// per-job state lives in Run.
type Engine struct {
	blobs     BlobStore
	extractor extract.Extractor
	logger    *slog.Logger

	// retryBackoff is the pause before the single retry of a transient
	// adapter failure. Overridden in tests.
	retryBackoff time.Duration
}

// New creates an Engine.
func New(blobs BlobStore, extractor extract.Extractor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{blobs: blobs, extractor: extractor, logger: logger, retryBackoff: 2 * time.Second}
}

// Outcome is the engine's answer for one file: the persisted result plus, on
// success, the loadfile document describing the assembled artifacts.
type Outcome struct {
	Result model.ProcessingResult
	Doc    *loadfile.Document
}

// RunReport aggregates a full engine run.
type RunReport struct {
	Outcomes []Outcome
	// Allocated is the overall Bates span touched by the job, including
	// burned ranges. Zero Count means nothing was allocated.
	Allocated bates.Range
	// TimedOut reports that the whole-job deadline expired before every
	// file reached a natural terminal state.
	TimedOut bool
}

// Run processes files in the submission order produced by the review
// workflow. cancelRequested is consulted between files, never mid-file; the
// job timeout, by contrast, aborts running pipelines. The returned report
// always contains a terminal outcome for every submitted file.
func (e *Engine) Run(ctx context.Context, job *model.Job, files []*model.FileRecord, seq *bates.Sequencer, cancelRequested func() bool) (*RunReport, error) {
	cfg := job.Config.Processing
	layout := loadfile.Layout{Root: job.Config.OutputDir, Volume: job.Config.Volume}
	if err := os.MkdirAll(layout.VolumeDir(), 0o750); err != nil {
		return nil, &pipeline.PersistenceError{Op: "create output dir", Err: err}
	}

	jobCtx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	// turns[i] closes when file i may allocate; closing happens strictly
	// in list order, which is what makes allocation order deterministic.
	turns := make([]chan struct{}, len(files)+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	close(turns[0])

	outcomes := make([]Outcome, len(files))
	var mu sync.Mutex
	var allocated bates.Range

	recordAllocation := func(rng bates.Range) {
		mu.Lock()
		defer mu.Unlock()
		if allocated.Count() == 0 {
			allocated = rng
			return
		}
		if rng.Start < allocated.Start {
			allocated.Start = rng.Start
		}
		if rng.End > allocated.End {
			allocated.End = rng.End
		}
	}

	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	for i, rec := range files {
		// The cancel checkpoint sits between files: everything not yet
		// started is skipped, anything in flight finishes its pipeline.
		if cancelRequested() || jobCtx.Err() != nil {
			for j := i; j < len(files); j++ {
				outcomes[j] = skippedOutcome(job.ID, files[j].ID)
				releaseTurn(turns, j)
			}
			break
		}
		i, rec := i, rec
		g.Go(func() error {
			outcomes[i] = e.processFile(jobCtx, job, layout, rec, i, turns, seq, recordAllocation)
			return nil
		})
	}
	_ = g.Wait()

	// Files the pool never reached (pool slots freed after the deadline)
	// still need terminal results.
	for i := range outcomes {
		if outcomes[i].Result.FileID == "" {
			outcomes[i] = skippedOutcome(job.ID, files[i].ID)
		}
	}

	mu.Lock()
	report := &RunReport{
		Outcomes:  outcomes,
		Allocated: allocated,
		TimedOut:  errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil,
	}
	mu.Unlock()
	return report, nil
}

func skippedOutcome(jobID, fileID string) Outcome {
	return Outcome{Result: model.ProcessingResult{
		JobID:  jobID,
		FileID: fileID,
		Status: model.ResultSkipped,
	}}
}

// releaseTurn passes the allocation turn to the next file. Each index is
// released exactly once: by its own pipeline, or by the skip loop for files
// that never start.
func releaseTurn(turns []chan struct{}, i int) {
	close(turns[i+1])
}

// processFile runs the fixed pipeline for one file under its own deadline.
// Whatever happens, the file's allocation turn is released so later files
// are never blocked.
func (e *Engine) processFile(jobCtx context.Context, job *model.Job, layout loadfile.Layout, rec *model.FileRecord, index int, turns []chan struct{}, seq *bates.Sequencer, recordAllocation func(bates.Range)) Outcome {
	started := time.Now()
	turnReleased := false
	release := func() {
		if !turnReleased {
			turnReleased = true
			releaseTurn(turns, index)
		}
	}
	defer release()

	fileCtx, cancel := context.WithTimeout(jobCtx, job.Config.Processing.PerFileTimeout)
	defer cancel()

	doc, rng, warnings, err := e.pipeline(fileCtx, job, layout, rec, index, turns, seq, recordAllocation, release)
	elapsed := time.Since(started)

	result := model.ProcessingResult{
		JobID:    job.ID,
		FileID:   rec.ID,
		Elapsed:  elapsed,
		Warnings: warnings,
		Attempt:  1,
		Units:    int(rng.Count()),
	}
	if rng.Count() > 0 {
		result.BatesStart = rng.First()
		result.BatesEnd = rng.Last()
	}

	switch {
	case err == nil:
		result.Status = model.ResultSuccess
		result.Artifacts = artifactPaths(layout, doc)
		e.logger.Info("file produced", "job", job.ID, "file", rec.ID, "bates", result.BatesStart, "units", result.Units, "elapsed", elapsed)
		return Outcome{Result: result, Doc: doc}
	case errors.Is(err, context.DeadlineExceeded):
		// Distinguish the per-file deadline from the job-wide one: a file
		// overrunning its own budget is a timeout, a file cut short by the
		// job deadline is skipped with partial results discarded.
		if jobCtx.Err() != nil {
			result.Status = model.ResultSkipped
		} else {
			result.Status = model.ResultTimeout
			result.Error = (&pipeline.TimeoutError{Scope: "file", Limit: job.Config.Processing.PerFileTimeout}).Error()
		}
	case errors.Is(err, context.Canceled):
		result.Status = model.ResultSkipped
	default:
		result.Status = model.ResultFailed
		result.Error = err.Error()
	}

	// Any range allocated for a file that did not complete is burned, never
	// rolled back: two files must never share a Bates number.
	if rng.Count() > 0 {
		burnCtx, burnCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer burnCancel()
		if burnErr := seq.Burn(burnCtx, rng, fmt.Sprintf("job %s file %s: %s", job.ID, rec.ID, result.Status)); burnErr != nil {
			e.logger.Error("burn failed", "job", job.ID, "file", rec.ID, "error", burnErr)
		}
	}
	e.logger.Warn("file not produced", "job", job.ID, "file", rec.ID, "status", result.Status, "error", result.Error)
	return Outcome{Result: result}
}

// pipeline is the fixed sequence: re-validate, extract, convert, allocate,
// stamp, assemble. It returns the allocated range even on failure so the
// caller can burn it.
func (e *Engine) pipeline(ctx context.Context, job *model.Job, layout loadfile.Layout, rec *model.FileRecord, index int, turns []chan struct{}, seq *bates.Sequencer, recordAllocation func(bates.Range), release func()) (*loadfile.Document, bates.Range, []string, error) {
	var warnings []string
	var none bates.Range

	data, err := withRetry(ctx, e.retryBackoff, func() ([]byte, error) {
		return e.blobs.Fetch(ctx, rec.ObjectKey)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, none, warnings, ctx.Err()
		}
		return nil, none, warnings, fmt.Errorf("fetch upload: %w", err)
	}

	// Cheap re-check; upload-time classification could predate a corrupted
	// copy in blob storage.
	cls := validate.Inspect(data, rec.OriginalName)
	if cls.Status != model.IntegrityOK {
		return nil, none, warnings, &pipeline.ValidationError{FileID: rec.ID, Status: string(cls.Status), Reason: cls.Detail}
	}
	if cls.ContentHash != rec.ContentHash {
		return nil, none, warnings, &pipeline.ValidationError{FileID: rec.ID, Status: string(model.IntegrityCorrupt), Reason: "stored bytes do not match recorded hash"}
	}

	// Metadata extraction failure is never fatal; the file proceeds with
	// metadata absent and the failure recorded as a warning.
	metadata, err := withRetry(ctx, e.retryBackoff, func() (extract.Metadata, error) {
		return e.extractor.Extract(ctx, data, rec.MIMEType)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, none, warnings, ctx.Err()
		}
		warnings = append(warnings, fmt.Sprintf("metadata extraction failed: %v", err))
		metadata = nil
	}

	stage := layout.StagingDir(rec.ID)
	if err := os.MkdirAll(filepath.Join(stage, "work"), 0o750); err != nil {
		return nil, none, warnings, &pipeline.PersistenceError{Op: "create staging dir", Err: err}
	}
	defer os.RemoveAll(stage)

	nativeStaged := filepath.Join(stage, "native"+ext(rec))
	if err := os.WriteFile(nativeStaged, data, 0o640); err != nil {
		return nil, none, warnings, &pipeline.PersistenceError{Op: "stage native", Err: err}
	}

	conv, err := withRetry(ctx, e.retryBackoff, func() (*convert.Result, error) {
		return convert.Convert(ctx, rec.DetectedType, nativeStaged, filepath.Join(stage, "work"), convert.Options{
			DPI:           job.Config.Processing.PDFRenderDPI,
			PageChunkSize: job.Config.Processing.PageChunkSize,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, none, warnings, ctx.Err()
		}
		return nil, none, warnings, err
	}

	// Wait for this file's allocation turn, then draw the block in a single
	// synchronous call. The sequencer serializes callers; the turn channels
	// guarantee the serialization happens in list order.
	select {
	case <-turns[index]:
	case <-ctx.Done():
		return nil, none, warnings, ctx.Err()
	}
	rng, err := seq.Allocate(ctx, len(conv.Units))
	release()
	if err != nil {
		return nil, none, warnings, err
	}
	recordAllocation(rng)

	doc, err := e.assemble(ctx, layout, rec, conv, rng, metadata, stage)
	if err != nil {
		return nil, rng, warnings, err
	}
	return doc, rng, warnings, nil
}

// assemble stamps every output unit and writes the file's artifacts into
// staging, then promotes them into the final volume layout in one pass.
// Nothing is promoted unless everything staged cleanly, so a cancelled or
// failed file leaves no partial artifact behind.
func (e *Engine) assemble(ctx context.Context, layout loadfile.Layout, rec *model.FileRecord, conv *convert.Result, rng bates.Range, metadata extract.Metadata, stage string) (*loadfile.Document, error) {
	beg := rng.First()
	end := rng.Last()
	extension := ext(rec)

	doc := &loadfile.Document{
		FileID:        rec.ID,
		BegBates:      beg,
		EndBates:      end,
		Filename:      rec.OriginalName,
		FileExtension: string(rec.DetectedType),
		HashValue:     rec.ContentHash,
		TextLocation:  layout.TextRel(beg),
		Metadata:      mergeMetadata(metadata, conv),
	}
	if isImage(rec.DetectedType) {
		doc.NativeLocation = layout.ImageNativeRel(beg, extension)
	} else {
		doc.NativeLocation = layout.NativeRel(beg, extension)
	}

	type staged struct {
		src string
		rel string
	}
	var promotions []staged

	// Native copy.
	promotions = append(promotions, staged{filepath.Join(stage, "native"+extension), doc.NativeLocation})

	// Text artifact.
	text := conv.Text
	if text == "" {
		text = loadfile.NoText
	}
	textStaged := filepath.Join(stage, "text.txt")
	if err := os.WriteFile(textStaged, []byte(text), 0o640); err != nil {
		return nil, &pipeline.PersistenceError{Op: "stage text", Err: err}
	}
	promotions = append(promotions, staged{textStaged, doc.TextLocation})

	// Image formats deliver the native under IMAGES; each frame keeps its
	// own Bates id, with the cross-reference rows pointing at the shared
	// multi-frame file.
	if isImage(rec.DetectedType) {
		for _, unit := range conv.Units {
			id := rng.Format(rng.Start + uint64(unit.Index))
			doc.Pages = append(doc.Pages, loadfile.PageRef{Bates: id, ImageLocation: doc.NativeLocation})
		}
	}

	// Stamped page units for paginated formats.
	if rec.DetectedType == model.TypePDF {
		pagesDir := filepath.Join(stage, "pages")
		if err := os.MkdirAll(pagesDir, 0o750); err != nil {
			return nil, &pipeline.PersistenceError{Op: "stage pages", Err: err}
		}
		for _, unit := range conv.Units {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := rng.Format(rng.Start + uint64(unit.Index))
			stampedPath := filepath.Join(pagesDir, id+".pdf")
			if err := loadfile.StampPDF(unit.Path, stampedPath, id); err != nil {
				return nil, err
			}
			rel := layout.ImageRel(id)
			doc.Pages = append(doc.Pages, loadfile.PageRef{Bates: id, ImageLocation: rel})
			promotions = append(promotions, staged{stampedPath, rel})
		}
	}

	for _, p := range promotions {
		if err := layout.Promote(p.src, p.rel); err != nil {
			return nil, &pipeline.PersistenceError{Op: "promote artifact", Err: err}
		}
	}
	return doc, nil
}

// withRetry runs fn and retries exactly once, after a backoff, when the
// failure is a transient adapter error. Non-transient errors are returned
// as-is.
func withRetry[T any](ctx context.Context, backoff time.Duration, fn func() (T, error)) (T, error) {
	out, err := fn()
	if err == nil || !pipeline.IsTransient(err) {
		return out, err
	}
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return fn()
}

func artifactPaths(layout loadfile.Layout, doc *loadfile.Document) []string {
	paths := []string{doc.NativeLocation, doc.TextLocation}
	for _, p := range doc.Pages {
		paths = append(paths, p.ImageLocation)
	}
	return paths
}

// loadfileColumns renames extractor properties to the DAT column names.
var loadfileColumns = map[string]string{
	"Creation-Date": "DateCreated",
	"Last-Modified": "DateLastModified",
}

func mergeMetadata(md extract.Metadata, conv *convert.Result) map[string]string {
	merged := make(map[string]string, len(md)+1)
	for k, v := range md {
		if col, ok := loadfileColumns[k]; ok {
			k = col
		}
		merged[k] = v
	}
	if conv.PageCount > 0 {
		merged["Page Count"] = fmt.Sprintf("%d", conv.PageCount)
	}
	return merged
}

func ext(rec *model.FileRecord) string {
	if e := filepath.Ext(rec.OriginalName); e != "" {
		return e
	}
	return "." + string(rec.DetectedType)
}

func isImage(ft model.FileType) bool {
	return ft == model.TypeJPG || ft == model.TypePNG || ft == model.TypeTIFF
}
