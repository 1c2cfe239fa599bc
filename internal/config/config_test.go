package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CASEDOXX_CONFIG", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":8080" {
		t.Errorf("address = %s", cfg.Address)
	}
	if cfg.Numbering.PadWidth != 8 || cfg.Numbering.StartNumber != 1 {
		t.Errorf("numbering defaults = %+v", cfg.Numbering)
	}
	if cfg.Processing.Workers != 4 {
		t.Errorf("workers = %d", cfg.Processing.Workers)
	}
	if cfg.Processing.PerFileTimeout != 5*time.Minute {
		t.Errorf("per-file timeout = %v", cfg.Processing.PerFileTimeout)
	}
	if cfg.Processing.JobTimeout != time.Hour {
		t.Errorf("job timeout = %v", cfg.Processing.JobTimeout)
	}
	if cfg.Processing.PDFRenderDPI != 150 || cfg.Processing.PageChunkSize != 5 {
		t.Errorf("pdf defaults = %+v", cfg.Processing)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CASEDOXX_CONFIG", "")
	t.Setenv("CASEDOXX_ADDRESS", ":9999")
	t.Setenv("CASEDOXX_BATES_PREFIX", "DEF")
	t.Setenv("CASEDOXX_BATES_WIDTH", "6")
	t.Setenv("CASEDOXX_WORKERS", "2")
	t.Setenv("CASEDOXX_FILE_TIMEOUT", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":9999" {
		t.Errorf("address = %s", cfg.Address)
	}
	if cfg.Numbering.Prefix != "DEF" || cfg.Numbering.PadWidth != 6 {
		t.Errorf("numbering = %+v", cfg.Numbering)
	}
	if cfg.Processing.Workers != 2 || cfg.Processing.PerFileTimeout != 90*time.Second {
		t.Errorf("processing = %+v", cfg.Processing)
	}
}

func TestLoadYAMLFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
address: ":7070"
raw_bucket: from-file
numbering:
  prefix: FILE
  pad_width: 5
processing:
  workers: 9
`
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CASEDOXX_CONFIG", path)
	t.Setenv("CASEDOXX_RAW_BUCKET", "from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Address != ":7070" {
		t.Errorf("address = %s", cfg.Address)
	}
	if cfg.RawBucket != "from-env" {
		t.Errorf("env should win over file: %s", cfg.RawBucket)
	}
	if cfg.Numbering.Prefix != "FILE" || cfg.Numbering.PadWidth != 5 {
		t.Errorf("numbering = %+v", cfg.Numbering)
	}
	if cfg.Processing.Workers != 9 {
		t.Errorf("workers = %d", cfg.Processing.Workers)
	}
}

func TestWithProcessingDefaultsKeepsExplicitZeroFileTimeout(t *testing.T) {
	p := WithProcessingDefaults(model.ProcessingConfig{})
	if p.Workers != 4 || p.JobTimeout != time.Hour {
		t.Errorf("defaults = %+v", p)
	}
	// A zero per-file timeout stays zero: the submission meant it, and the
	// engine treats it as an already-expired deadline.
	if p.PerFileTimeout != 0 {
		t.Errorf("per-file timeout = %v, want 0", p.PerFileTimeout)
	}
}
