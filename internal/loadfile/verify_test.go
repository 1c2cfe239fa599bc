package loadfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeArtifact(t *testing.T, root, rel string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
	if err := os.WriteFile(full, []byte("x"), 0o640); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// producedVolume writes a consistent two-document volume with DAT, OPT,
// manifest and all referenced artifacts on disk.
func producedVolume(t *testing.T) (string, Layout) {
	t.Helper()
	root := t.TempDir()
	l := Layout{Root: root, Volume: "VOL001"}

	docs := []*Document{
		{
			FileID: "f1", BegBates: "ABC00000001", EndBates: "ABC00000002",
			Filename: "scan.pdf", FileExtension: "pdf", HashValue: "h1",
			NativeLocation: "VOL001/NATIVES/0000/ABC00000001.pdf",
			TextLocation:   "VOL001/TEXT/0000/ABC00000001.txt",
			Pages: []PageRef{
				{Bates: "ABC00000001", ImageLocation: "VOL001/IMAGES/0000/ABC00000001.pdf"},
				{Bates: "ABC00000002", ImageLocation: "VOL001/IMAGES/0000/ABC00000002.pdf"},
			},
		},
		{
			FileID: "f2", BegBates: "ABC00000003", EndBates: "ABC00000003",
			Filename: "notes.txt", FileExtension: "txt", HashValue: "h2",
			NativeLocation: "VOL001/NATIVES/0000/ABC00000003.txt",
			TextLocation:   "VOL001/TEXT/0000/ABC00000003.txt",
		},
	}
	for _, d := range docs {
		writeArtifact(t, root, d.NativeLocation)
		writeArtifact(t, root, d.TextLocation)
		for _, p := range d.Pages {
			writeArtifact(t, root, p.ImageLocation)
		}
	}
	if err := WriteDAT(l.DATPath(), docs); err != nil {
		t.Fatalf("write dat: %v", err)
	}
	if err := WriteOPT(l.OPTPath(), "VOL001", docs); err != nil {
		t.Fatalf("write opt: %v", err)
	}

	m := &Manifest{
		JobID:     "job-1",
		Volume:    "VOL001",
		Generated: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Files: []ManifestEntry{
			{FileID: "f1", OriginalName: "scan.pdf", Hash: "h1", Status: "success", BatesStart: "ABC00000001", BatesEnd: "ABC00000002"},
			{FileID: "f2", OriginalName: "notes.txt", Hash: "h2", Status: "success", BatesStart: "ABC00000003", BatesEnd: "ABC00000003"},
			{FileID: "f3", OriginalName: "broken.docx", Hash: "h3", Status: "failed", Error: "validation: zip container"},
		},
	}
	if err := m.Write(l.ManifestPath()); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return root, l
}

func hasProblem(rep *VerifyReport, substr string) bool {
	for _, p := range rep.Problems {
		if strings.Contains(p, substr) {
			return true
		}
	}
	return false
}

func TestVerifyCleanVolume(t *testing.T) {
	root, _ := producedVolume(t)

	rep, err := Verify(root, "VOL001")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.OK() {
		t.Fatalf("problems on a clean volume: %v", rep.Problems)
	}
	if rep.Documents != 2 || rep.Pages != 2 {
		t.Fatalf("documents = %d, pages = %d", rep.Documents, rep.Pages)
	}
	if rep.BatesFirst != "ABC00000001" || rep.BatesLast != "ABC00000003" {
		t.Fatalf("span = %s..%s", rep.BatesFirst, rep.BatesLast)
	}
}

func TestVerifyDetectsMissingArtifact(t *testing.T) {
	root, _ := producedVolume(t)
	if err := os.Remove(filepath.Join(root, "VOL001", "TEXT", "0000", "ABC00000003.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	rep, err := Verify(root, "VOL001")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.OK() {
		t.Fatal("missing text artifact not reported")
	}
	if !hasProblem(rep, "artifact VOL001/TEXT/0000/ABC00000003.txt missing") {
		t.Fatalf("problems = %v", rep.Problems)
	}
}

func TestVerifyDetectsOverlappingRanges(t *testing.T) {
	root, l := producedVolume(t)
	m, err := ReadManifest(l.ManifestPath())
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	// Pull f2's start back inside f1's range.
	for i := range m.Files {
		if m.Files[i].FileID == "f2" {
			m.Files[i].BatesStart = "ABC00000002"
		}
	}
	if err := m.Write(l.ManifestPath()); err != nil {
		t.Fatalf("rewrite manifest: %v", err)
	}

	rep, err := Verify(root, "VOL001")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !hasProblem(rep, "ranges overlap") {
		t.Fatalf("problems = %v", rep.Problems)
	}
}

func TestVerifyDetectsShortOPTGroup(t *testing.T) {
	root, l := producedVolume(t)
	raw, err := os.ReadFile(l.OPTPath())
	if err != nil {
		t.Fatalf("read opt: %v", err)
	}
	// Drop the continuation row so the group lists one page but declares two.
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n")
	if err := os.WriteFile(l.OPTPath(), []byte(lines[0]+"\r\n"), 0o640); err != nil {
		t.Fatalf("rewrite opt: %v", err)
	}

	rep, err := Verify(root, "VOL001")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !hasProblem(rep, "opt group ABC00000001 declares 2 pages, lists 1") {
		t.Fatalf("problems = %v", rep.Problems)
	}
}
