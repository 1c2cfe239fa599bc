package job

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/engine"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/extract"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/loadfile"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/review"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/storage"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/validate"
)

type fixture struct {
	mem      *storage.MemoryStore
	workflow *review.Workflow
	orch     *Orchestrator
	batch    *model.ReviewBatch
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storage.NewMemoryStore()
	w := review.New(mem, nil)
	b, err := w.CreateBatch(context.Background(), "acme v. initech", "alice", nil)
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	eng := engine.New(mem, extract.NewLocal(), nil)
	return &fixture{
		mem:      mem,
		workflow: w,
		orch:     New(mem, w, eng, mem, nil, nil, nil),
		batch:    b,
	}
}

// approveTextFile uploads a txt blob, records it and approves it.
func (f *fixture) approveTextFile(t *testing.T, name, content string, priority int) *model.FileRecord {
	t.Helper()
	return f.approveFile(t, name, []byte(content), priority)
}

// approveFile uploads raw bytes under the given name and approves the record.
// Approval does not gate on integrity, so corrupt uploads pass through here
// and are caught by the engine's re-validation.
func (f *fixture) approveFile(t *testing.T, name string, data []byte, priority int) *model.FileRecord {
	t.Helper()
	cls := validate.Inspect(data, name)
	rec := &model.FileRecord{
		ID:           "file-" + name,
		OriginalName: name,
		SizeBytes:    cls.SizeBytes,
		ContentHash:  cls.ContentHash,
		DetectedType: cls.Type,
		MIMEType:     cls.MIMEType,
		Integrity:    cls.Status,
		ObjectKey:    "uploads/file-" + name + "/" + name,
	}
	f.mem.PutBlob(rec.ObjectKey, data)
	if err := f.workflow.AddFile(context.Background(), f.batch.ID, rec); err != nil {
		t.Fatalf("add file %s: %v", name, err)
	}
	if err := f.workflow.Approve(context.Background(), f.batch.ID, rec.ID, "bob", "", priority); err != nil {
		t.Fatalf("approve %s: %v", name, err)
	}
	return rec
}

func jobConfig(t *testing.T) model.JobConfig {
	t.Helper()
	return model.JobConfig{
		OutputDir: t.TempDir(),
		Numbering: model.NumberingConfig{Prefix: "ABC"},
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.orch.Submit(ctx, f.batch.ID, jobConfig(t)); err == nil {
		t.Fatalf("submit with no approved files accepted")
	}

	f.approveTextFile(t, "doc.txt", "hello\n", 3)

	cfg := jobConfig(t)
	cfg.Numbering.Prefix = ""
	if _, err := f.orch.Submit(ctx, f.batch.ID, cfg); err == nil {
		t.Fatalf("submit without prefix accepted")
	}

	cfg = jobConfig(t)
	cfg.OutputDir = ""
	if _, err := f.orch.Submit(ctx, f.batch.ID, cfg); err == nil {
		t.Fatalf("submit without output dir accepted")
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	f := newFixture(t)
	f.approveTextFile(t, "doc.txt", "hello\n", 3)

	id, err := f.orch.Submit(context.Background(), f.batch.ID, jobConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, err := f.mem.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != model.JobQueued {
		t.Errorf("status = %s", j.Status)
	}
	if j.Config.Numbering.PadWidth != 8 || j.Config.Numbering.StartNumber != 1 {
		t.Errorf("numbering defaults = %+v", j.Config.Numbering)
	}
	if j.Config.Volume != "VOL001" {
		t.Errorf("volume = %s", j.Config.Volume)
	}
	if j.Config.Processing.Workers == 0 || j.Config.Processing.JobTimeout == 0 {
		t.Errorf("processing defaults = %+v", j.Config.Processing)
	}
}

func TestRunCompletesAndWritesPackage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Priorities 5, 3, 1: the high-priority file gets the first Bates block.
	f.approveTextFile(t, "low.txt", "low priority\n", 1)
	f.approveTextFile(t, "high.txt", "high priority\n", 5)
	f.approveTextFile(t, "mid.txt", "mid priority\n", 3)

	cfg := jobConfig(t)
	id, err := f.orch.Submit(ctx, f.batch.ID, cfg)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}

	j, _ := f.mem.GetJob(ctx, id)
	if j.Status != model.JobCompleted {
		t.Fatalf("status = %s (%s)", j.Status, j.Error)
	}
	if j.BatesFirst != "ABC00000001" || j.BatesLast != "ABC00000003" {
		t.Fatalf("bates span = %s..%s", j.BatesFirst, j.BatesLast)
	}
	if !strings.HasPrefix(j.Summary, "3 succeeded, 0 failed") {
		t.Fatalf("summary = %q", j.Summary)
	}
	if j.FinishedAt == nil {
		t.Fatalf("finished job missing timestamp")
	}

	layout := loadfile.Layout{Root: cfg.OutputDir, Volume: "VOL001"}
	raw, err := os.ReadFile(layout.DATPath())
	if err != nil {
		t.Fatalf("read dat: %v", err)
	}
	rows := strings.Split(string(raw), "\r\n")
	if len(rows) != 5 {
		t.Fatalf("dat has %d rows", len(rows))
	}
	// Rows follow Bates order, which followed priority order.
	if !strings.Contains(rows[1], "high.txt") || !strings.Contains(rows[2], "mid.txt") || !strings.Contains(rows[3], "low.txt") {
		t.Fatalf("dat rows out of order:\n%s\n%s\n%s", rows[1], rows[2], rows[3])
	}
	if _, err := os.Stat(layout.OPTPath()); err != nil {
		t.Fatalf("opt missing: %v", err)
	}
	if _, err := os.Stat(layout.ManifestPath()); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}

	results, err := f.mem.Results(ctx, id)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	for _, r := range results {
		if r.Status != model.ResultSuccess {
			t.Errorf("result %s = %s (%s)", r.FileID, r.Status, r.Error)
		}
	}

	// Rerunning a terminal job changes nothing.
	finished := *j.FinishedAt
	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	j2, _ := f.mem.GetJob(ctx, id)
	if j2.Status != model.JobCompleted || !j2.FinishedAt.Equal(finished) {
		t.Fatalf("rerun mutated a terminal job: %+v", j2)
	}
}

// pdfBytes builds a minimal well-formed PDF with the given number of empty
// pages, including a correct cross-reference table.
func pdfBytes(t *testing.T, pages int) []byte {
	t.Helper()
	var buf bytes.Buffer
	offsets := []int{0}
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
	}
	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, pages)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", 3+2*i)
	}
	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", strings.Join(kids, " "), pages))
	for i := 0; i < pages; i++ {
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << >> /Contents %d 0 R >>\nendobj\n", 3+2*i, 4+2*i))
		writeObj(fmt.Sprintf("%d 0 obj\n<< /Length 4 >>\nstream\nq Q\nendstream\nendobj\n", 4+2*i))
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets))
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets[1:] {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets), xref)
	return buf.Bytes()
}

func TestRunStampsPDFPagesAndSkipsCorruptUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The corrupt upload outranks the good one, so with a single worker the
	// failure path runs first and must not consume any Bates numbers.
	f.approveFile(t, "broken.pdf", []byte("not a pdf at all"), 5)
	good := f.approveFile(t, "filing.pdf", pdfBytes(t, 3), 3)

	cfg := jobConfig(t)
	cfg.Processing.Workers = 1
	id, err := f.orch.Submit(ctx, f.batch.ID, cfg)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}

	j, _ := f.mem.GetJob(ctx, id)
	if j.Status != model.JobCompleted {
		t.Fatalf("status = %s (%s)", j.Status, j.Error)
	}
	if !strings.HasPrefix(j.Summary, "1 succeeded, 1 failed") {
		t.Fatalf("summary = %q", j.Summary)
	}
	if j.BatesFirst != "ABC00000001" || j.BatesLast != "ABC00000003" {
		t.Fatalf("bates span = %s..%s", j.BatesFirst, j.BatesLast)
	}

	results, err := f.mem.Results(ctx, id)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	byFile := make(map[string]model.ProcessingResult, len(results))
	for _, r := range results {
		byFile[r.FileID] = r
	}
	bad := byFile["file-broken.pdf"]
	if bad.Status != model.ResultFailed || !strings.Contains(bad.Error, "validation") {
		t.Fatalf("corrupt result = %s (%s)", bad.Status, bad.Error)
	}
	if bad.BatesStart != "" {
		t.Fatalf("failed file allocated %s..%s", bad.BatesStart, bad.BatesEnd)
	}
	got := byFile[good.ID]
	if got.Status != model.ResultSuccess || got.Units != 3 {
		t.Fatalf("pdf result = %s, units %d (%s)", got.Status, got.Units, got.Error)
	}
	if got.BatesStart != "ABC00000001" || got.BatesEnd != "ABC00000003" {
		t.Fatalf("pdf range = %s..%s", got.BatesStart, got.BatesEnd)
	}

	// Every allocated page exists as its own stamped single-page PDF.
	layout := loadfile.Layout{Root: cfg.OutputDir, Volume: "VOL001"}
	for i := 1; i <= 3; i++ {
		stamp := fmt.Sprintf("ABC0000000%d", i)
		page, err := os.ReadFile(filepath.Join(cfg.OutputDir, layout.ImageRel(stamp)))
		if err != nil {
			t.Fatalf("stamped page %s: %v", stamp, err)
		}
		if !bytes.HasPrefix(page, []byte("%PDF")) {
			t.Fatalf("stamped page %s is not a pdf", stamp)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, layout.TextRel("ABC00000001"))); err != nil {
		t.Fatalf("text artifact: %v", err)
	}

	optRaw, err := os.ReadFile(layout.OPTPath())
	if err != nil {
		t.Fatalf("read opt: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(optRaw), "\r\n"), "\r\n")
	if len(lines) != 3 {
		t.Fatalf("opt has %d lines: %q", len(lines), optRaw)
	}
	if lines[0] != "ABC00000001,VOL001,"+layout.ImageRel("ABC00000001")+",Y,,,3" {
		t.Fatalf("opt first line = %q", lines[0])
	}
	if lines[1] != "ABC00000002,VOL001,"+layout.ImageRel("ABC00000002")+",,,," {
		t.Fatalf("opt continuation = %q", lines[1])
	}

	// The manifest records the upload hash for the produced file and the
	// failure for the corrupt one.
	m, err := loadfile.ReadManifest(layout.ManifestPath())
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	entries := make(map[string]loadfile.ManifestEntry, len(m.Files))
	for _, e := range m.Files {
		entries[e.FileID] = e
	}
	if e := entries[good.ID]; e.Hash != good.ContentHash || e.BatesStart != "ABC00000001" || e.BatesEnd != "ABC00000003" {
		t.Fatalf("manifest entry = %+v", e)
	}
	if e := entries["file-broken.pdf"]; e.Status != string(model.ResultFailed) || e.BatesStart != "" {
		t.Fatalf("corrupt manifest entry = %+v", e)
	}

	// The finished volume passes its own audit, and the audit notices a
	// stamped page going missing afterwards.
	rep, err := f.orch.Verify(ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("verify problems: %v", rep.Problems)
	}
	if rep.Documents != 1 || rep.Pages != 3 {
		t.Fatalf("verify counted %d documents, %d pages", rep.Documents, rep.Pages)
	}
	if err := os.Remove(filepath.Join(cfg.OutputDir, layout.ImageRel("ABC00000002"))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	rep, err = f.orch.Verify(ctx, id)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.OK() {
		t.Fatal("missing stamped page not reported")
	}
}

func TestRunJobsDoNotShareBatesNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveTextFile(t, "a.txt", "aaa\n", 3)
	f.approveTextFile(t, "b.txt", "bbb\n", 3)

	first, err := f.orch.Submit(ctx, f.batch.ID, jobConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.orch.Run(ctx, first); err != nil {
		t.Fatalf("run: %v", err)
	}
	second, err := f.orch.Submit(ctx, f.batch.ID, jobConfig(t))
	if err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if err := f.orch.Run(ctx, second); err != nil {
		t.Fatalf("run second: %v", err)
	}

	j1, _ := f.mem.GetJob(ctx, first)
	j2, _ := f.mem.GetJob(ctx, second)
	if j1.BatesLast != "ABC00000002" || j2.BatesFirst != "ABC00000003" {
		t.Fatalf("ranges overlap or gap: job1 %s..%s, job2 %s..%s",
			j1.BatesFirst, j1.BatesLast, j2.BatesFirst, j2.BatesLast)
	}
}

func TestRunWithAllTimeoutsStillCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveTextFile(t, "a.txt", "aaa\n", 3)
	f.approveTextFile(t, "b.txt", "bbb\n", 3)

	cfg := jobConfig(t)
	// An explicit zero per-file budget survives submission defaults, so every
	// file starts past its deadline.
	cfg.Processing.PerFileTimeout = 0
	id, err := f.orch.Submit(ctx, f.batch.ID, cfg)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}

	j, _ := f.mem.GetJob(ctx, id)
	// Per-file timeouts are recorded results, not a job failure.
	if j.Status != model.JobCompleted {
		t.Fatalf("status = %s (%s)", j.Status, j.Error)
	}
	if j.BatesFirst != "" {
		t.Fatalf("nothing allocated but span = %s..%s", j.BatesFirst, j.BatesLast)
	}
	if !strings.Contains(j.Summary, "2 timed out") {
		t.Fatalf("summary = %q", j.Summary)
	}

	layout := loadfile.Layout{Root: cfg.OutputDir, Volume: "VOL001"}
	if _, err := os.Stat(layout.ManifestPath()); err != nil {
		t.Fatalf("manifest missing: %v", err)
	}
	// No documents, no loadfiles.
	if _, err := os.Stat(layout.DATPath()); !os.IsNotExist(err) {
		t.Fatalf("dat written for a run with no documents")
	}
}

func TestCancelQueuedJobFinalizesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approveTextFile(t, "doc.txt", "hello\n", 3)

	id, err := f.orch.Submit(ctx, f.batch.ID, jobConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	j, _ := f.mem.GetJob(ctx, id)
	if j.Status != model.JobCancelled {
		t.Fatalf("status = %s", j.Status)
	}
	if j.Summary != "cancelled before start" {
		t.Fatalf("summary = %q", j.Summary)
	}

	// Cancel is idempotent on terminal jobs, and the worker's Run is a no-op.
	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("run after cancel: %v", err)
	}
	j, _ = f.mem.GetJob(ctx, id)
	if j.Status != model.JobCancelled {
		t.Fatalf("cancelled job restarted: %s", j.Status)
	}
	if results, _ := f.mem.Results(ctx, id); len(results) != 0 {
		t.Fatalf("cancelled-before-start job has %d results", len(results))
	}
}

func TestStatusReportsCountsAndElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.approveTextFile(t, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("body %d\n", i), 3)
	}

	id, err := f.orch.Submit(ctx, f.batch.ID, jobConfig(t))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Before the run: queued, no results.
	info, err := f.orch.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Job.Status != model.JobQueued || len(info.Results) != 0 {
		t.Fatalf("queued status = %+v", info)
	}

	if err := f.orch.Run(ctx, id); err != nil {
		t.Fatalf("run: %v", err)
	}
	info, err = f.orch.Status(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.Counts[model.ResultSuccess] != 3 {
		t.Fatalf("counts = %+v", info.Counts)
	}
	if info.Elapsed < 0 {
		t.Fatalf("elapsed = %v", info.Elapsed)
	}
	if len(info.Results) != 3 {
		t.Fatalf("got %d results", len(info.Results))
	}

	jobs, err := f.orch.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != id {
		t.Fatalf("list = %+v", jobs)
	}
}

func TestSummarizeIncludesFirstErrors(t *testing.T) {
	results := []model.ProcessingResult{
		{FileID: "f1", Status: model.ResultSuccess},
		{FileID: "f2", Status: model.ResultFailed, Error: "validation: corrupt (bad magic)"},
		{FileID: "f3", Status: model.ResultFailed, Error: "convert failed"},
		{FileID: "f4", Status: model.ResultFailed, Error: "also failed"},
		{FileID: "f5", Status: model.ResultFailed, Error: "and again"},
	}
	s := summarize(results)
	if !strings.HasPrefix(s, "1 succeeded, 4 failed, 0 timed out, 0 skipped") {
		t.Fatalf("summary = %q", s)
	}
	if !strings.Contains(s, "f2: validation: corrupt (bad magic)") {
		t.Fatalf("summary missing first error: %q", s)
	}
	// Only the first three errors are quoted.
	if strings.Contains(s, "f5") {
		t.Fatalf("summary should cap quoted errors: %q", s)
	}
}
