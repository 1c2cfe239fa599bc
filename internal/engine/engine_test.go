package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/bates"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/extract"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/storage"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/validate"
)

func neverCancel() bool { return false }

func testJob(t *testing.T, workers int) *model.Job {
	t.Helper()
	return &model.Job{
		ID:      "job-1",
		BatchID: "batch-1",
		Status:  model.JobRunning,
		Config: model.JobConfig{
			Volume:    "VOL001",
			OutputDir: t.TempDir(),
			Numbering: model.NumberingConfig{Prefix: "ABC", PadWidth: 8, StartNumber: 1},
			Processing: model.ProcessingConfig{
				Workers:        workers,
				PerFileTimeout: 30 * time.Second,
				JobTimeout:     time.Minute,
				PageChunkSize:  5,
			},
		},
	}
}

// addTextFile stores a txt blob and returns its approved record.
func addTextFile(t *testing.T, mem *storage.MemoryStore, id, name, content string) *model.FileRecord {
	t.Helper()
	data := []byte(content)
	cls := validate.Inspect(data, name)
	if cls.Status != model.IntegrityOK {
		t.Fatalf("fixture %s not ok: %s", name, cls.Detail)
	}
	key := "uploads/" + id + "/" + name
	mem.PutBlob(key, data)
	return &model.FileRecord{
		ID:           id,
		BatchID:      "batch-1",
		OriginalName: name,
		SizeBytes:    cls.SizeBytes,
		ContentHash:  cls.ContentHash,
		DetectedType: cls.Type,
		MIMEType:     cls.MIMEType,
		Integrity:    cls.Status,
		ObjectKey:    key,
		Review:       model.ReviewDecision{Status: model.ReviewApproved, Priority: 3},
	}
}

func TestRunAllocatesInListOrder(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 2)
	var files []*model.FileRecord
	for i := 0; i < 5; i++ {
		files = append(files, addTextFile(t, mem, fmt.Sprintf("f%d", i), fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("content of file %d\n", i)))
	}
	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)

	report, err := eng.Run(context.Background(), j, files, seq, neverCancel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Outcomes) != 5 {
		t.Fatalf("got %d outcomes", len(report.Outcomes))
	}
	for i, out := range report.Outcomes {
		res := out.Result
		if res.Status != model.ResultSuccess {
			t.Fatalf("file %d: status %s (%s)", i, res.Status, res.Error)
		}
		want := bates.FormatID("ABC", 8, uint64(i+1))
		if res.BatesStart != want {
			t.Errorf("file %d allocated %s, want %s", i, res.BatesStart, want)
		}
		if res.Units != 1 {
			t.Errorf("file %d units = %d", i, res.Units)
		}
	}
	if report.Allocated.Start != 1 || report.Allocated.End != 5 {
		t.Fatalf("allocated span = %d..%d", report.Allocated.Start, report.Allocated.End)
	}
	if report.TimedOut {
		t.Fatalf("unexpected job timeout")
	}

	// Artifacts landed in the final layout with the expected content.
	for i, out := range report.Outcomes {
		doc := out.Doc
		if doc == nil {
			t.Fatalf("file %d has no document", i)
		}
		native, err := os.ReadFile(filepath.Join(j.Config.OutputDir, doc.NativeLocation))
		if err != nil {
			t.Fatalf("native missing: %v", err)
		}
		if string(native) != fmt.Sprintf("content of file %d\n", i) {
			t.Errorf("native content mismatch for file %d", i)
		}
		text, err := os.ReadFile(filepath.Join(j.Config.OutputDir, doc.TextLocation))
		if err != nil {
			t.Fatalf("text missing: %v", err)
		}
		if string(text) != string(native) {
			t.Errorf("text artifact should mirror txt native")
		}
	}
	// Staging left nothing behind.
	if _, err := os.Stat(filepath.Join(j.Config.OutputDir, ".staging")); err == nil {
		entries, _ := os.ReadDir(filepath.Join(j.Config.OutputDir, ".staging"))
		if len(entries) != 0 {
			t.Fatalf("staging dir not empty: %d entries", len(entries))
		}
	}
}

func TestRunZeroFileTimeoutTimesOutEveryFile(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 2)
	j.Config.Processing.PerFileTimeout = 0
	files := []*model.FileRecord{
		addTextFile(t, mem, "f0", "a.txt", "aaa\n"),
		addTextFile(t, mem, "f1", "b.txt", "bbb\n"),
	}
	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)

	report, err := eng.Run(context.Background(), j, files, seq, neverCancel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, out := range report.Outcomes {
		if out.Result.Status != model.ResultTimeout {
			t.Errorf("file %d status = %s, want timeout", i, out.Result.Status)
		}
		if out.Doc != nil {
			t.Errorf("file %d produced a document despite timeout", i)
		}
	}
	// Timeouts hit before allocation, so the counter is untouched and the
	// next job starts at 1.
	next, err := seq.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if next.Start != 1 {
		t.Fatalf("counter moved to %d without any allocation", next.Start)
	}
}

func TestRunCancelSkipsEverythingCleanly(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 1)
	files := []*model.FileRecord{
		addTextFile(t, mem, "f0", "a.txt", "aaa\n"),
		addTextFile(t, mem, "f1", "b.txt", "bbb\n"),
		addTextFile(t, mem, "f2", "c.txt", "ccc\n"),
	}
	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)

	report, err := eng.Run(context.Background(), j, files, seq, func() bool { return true })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for i, out := range report.Outcomes {
		if out.Result.Status != model.ResultSkipped {
			t.Errorf("file %d status = %s, want skipped", i, out.Result.Status)
		}
	}
	// No artifacts appear under the volume.
	var produced []string
	_ = filepath.Walk(filepath.Join(j.Config.OutputDir, j.Config.Volume), func(path string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			produced = append(produced, path)
		}
		return nil
	})
	if len(produced) != 0 {
		t.Fatalf("cancelled job produced artifacts: %v", produced)
	}
}

func TestRunCorruptBlobFailsOnlyThatFile(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 1)
	good := addTextFile(t, mem, "f0", "good.txt", "fine\n")
	bad := addTextFile(t, mem, "f1", "bad.txt", "original\n")
	// The stored bytes drift from the recorded hash.
	mem.PutBlob(bad.ObjectKey, []byte("tampered\n"))
	tail := addTextFile(t, mem, "f2", "tail.txt", "still fine\n")

	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)

	report, err := eng.Run(context.Background(), j, []*model.FileRecord{good, bad, tail}, seq, neverCancel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcomes[0].Result.Status != model.ResultSuccess {
		t.Fatalf("good file failed: %s", report.Outcomes[0].Result.Error)
	}
	if report.Outcomes[1].Result.Status != model.ResultFailed {
		t.Fatalf("tampered file status = %s", report.Outcomes[1].Result.Status)
	}
	if report.Outcomes[2].Result.Status != model.ResultSuccess {
		t.Fatalf("tail file failed: %s", report.Outcomes[2].Result.Error)
	}
	// The failed file never allocated, so the survivors are contiguous.
	if report.Outcomes[0].Result.BatesStart != "ABC00000001" ||
		report.Outcomes[2].Result.BatesStart != "ABC00000002" {
		t.Fatalf("allocation skipped a number: %s then %s",
			report.Outcomes[0].Result.BatesStart, report.Outcomes[2].Result.BatesStart)
	}
}

// multiFrameTIFF builds a little-endian TIFF with the given number of
// frames, each an empty-entry image directory.
func multiFrameTIFF(frames int) []byte {
	var buf []byte
	le := binary.LittleEndian
	buf = append(buf, 'I', 'I')
	buf = le.AppendUint16(buf, 42)
	const ifdSize = 2 + 4
	buf = le.AppendUint32(buf, 8)
	for i := 0; i < frames; i++ {
		buf = le.AppendUint16(buf, 0)
		if i == frames-1 {
			buf = le.AppendUint32(buf, 0)
		} else {
			buf = le.AppendUint32(buf, uint32(8+ifdSize*(i+1)))
		}
	}
	return buf
}

func TestRunAllocatesPerTiffFrame(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 1)
	data := multiFrameTIFF(2)
	cls := validate.Inspect(data, "scan.tif")
	if cls.Status != model.IntegrityOK {
		t.Fatalf("fixture not ok: %s", cls.Detail)
	}
	mem.PutBlob("uploads/f0/scan.tif", data)
	rec := &model.FileRecord{
		ID:           "f0",
		BatchID:      "batch-1",
		OriginalName: "scan.tif",
		SizeBytes:    cls.SizeBytes,
		ContentHash:  cls.ContentHash,
		DetectedType: cls.Type,
		MIMEType:     cls.MIMEType,
		Integrity:    cls.Status,
		ObjectKey:    "uploads/f0/scan.tif",
		Review:       model.ReviewDecision{Status: model.ReviewApproved, Priority: 3},
	}
	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)

	report, err := eng.Run(context.Background(), j, []*model.FileRecord{rec}, seq, neverCancel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := report.Outcomes[0].Result
	if res.Status != model.ResultSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	// Two frames, two Bates numbers.
	if res.Units != 2 || res.BatesStart != "ABC00000001" || res.BatesEnd != "ABC00000002" {
		t.Fatalf("allocation = %d units, %s..%s", res.Units, res.BatesStart, res.BatesEnd)
	}
	doc := report.Outcomes[0].Doc
	if doc == nil || len(doc.Pages) != 2 {
		t.Fatalf("document pages = %+v", doc)
	}
	if doc.Pages[0].Bates != "ABC00000001" || doc.Pages[1].Bates != "ABC00000002" {
		t.Fatalf("page ids = %s, %s", doc.Pages[0].Bates, doc.Pages[1].Bates)
	}
	for _, p := range doc.Pages {
		if p.ImageLocation != doc.NativeLocation {
			t.Errorf("page %s points at %s, want %s", p.Bates, p.ImageLocation, doc.NativeLocation)
		}
	}
	// The native lands under IMAGES named by its first Bates id.
	if !strings.Contains(doc.NativeLocation, filepath.Join("IMAGES", "0000", "ABC00000001.tif")) {
		t.Fatalf("native location = %s", doc.NativeLocation)
	}
	if _, err := os.Stat(filepath.Join(j.Config.OutputDir, doc.NativeLocation)); err != nil {
		t.Fatalf("native missing: %v", err)
	}
}

func TestRunEmptyFileList(t *testing.T) {
	mem := storage.NewMemoryStore()
	j := testJob(t, 2)
	eng := New(mem, extract.NewLocal(), nil)
	seq := bates.NewSequencer(mem, "ABC", 8, 1)
	report, err := eng.Run(context.Background(), j, nil, seq, neverCancel)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Outcomes) != 0 || report.Allocated.Count() != 0 {
		t.Fatalf("empty run produced outcomes")
	}
}
