// Package loadfile assembles the delivered production package: the stamped
// artifacts laid out under a volume directory, the Concordance DAT loadfile,
// the Opticon page cross-reference and the JSON manifest that serves as the
// audit record.
package loadfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Document is the loadfile view of one successfully produced file.
type Document struct {
	FileID        string
	BegBates      string
	EndBates      string
	Filename      string
	FileExtension string
	HashValue     string
	// NativeLocation and TextLocation are volume-relative paths recorded
	// in the DAT file.
	NativeLocation string
	TextLocation   string
	// Pages lists the stamped per-page artifacts for paginated formats,
	// in page order. Empty for single-unit documents.
	Pages    []PageRef
	Metadata map[string]string
}

// PageRef is one stamped output page.
type PageRef struct {
	Bates string
	// ImageLocation is the volume-relative path of the stamped page.
	ImageLocation string
}

// Layout computes the output package paths for one job. All artifact writes
// go through a staging directory first and are renamed into the final tree
// only on full success, so the final directory never holds a partial
// artifact.
type Layout struct {
	Root   string
	Volume string
}

// VolumeDir is the output root for the volume.
func (l Layout) VolumeDir() string { return filepath.Join(l.Root, l.Volume) }

// StagingDir is the per-file scratch area inside the output root. Keeping it
// on the same filesystem makes the final rename atomic.
func (l Layout) StagingDir(fileID string) string {
	return filepath.Join(l.Root, ".staging", fileID)
}

// NativeRel returns the volume-relative native path for a Bates id.
func (l Layout) NativeRel(bates, ext string) string {
	return filepath.Join(l.Volume, "NATIVES", "0000", bates+ext)
}

// TextRel returns the volume-relative text path for a Bates id.
func (l Layout) TextRel(bates string) string {
	return filepath.Join(l.Volume, "TEXT", "0000", bates+".txt")
}

// ImageRel returns the volume-relative stamped-page path for a Bates id.
func (l Layout) ImageRel(bates string) string {
	return filepath.Join(l.Volume, "IMAGES", "0000", bates+".pdf")
}

// ImageNativeRel returns the volume-relative path for an image-format native
// that is delivered under IMAGES with its original extension.
func (l Layout) ImageNativeRel(bates, ext string) string {
	return filepath.Join(l.Volume, "IMAGES", "0000", bates+ext)
}

// DATPath is the loadfile location.
func (l Layout) DATPath() string { return filepath.Join(l.VolumeDir(), l.Volume+".dat") }

// OPTPath is the Opticon cross-reference location.
func (l Layout) OPTPath() string { return filepath.Join(l.VolumeDir(), l.Volume+".opt") }

// ManifestPath is the audit manifest location.
func (l Layout) ManifestPath() string { return filepath.Join(l.VolumeDir(), "manifest.json") }

// Promote moves a staged artifact into its final volume-relative location,
// creating parents as needed.
func (l Layout) Promote(stagedPath, rel string) error {
	final := filepath.Join(l.Root, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(final), err)
	}
	if err := os.Rename(stagedPath, final); err != nil {
		return fmt.Errorf("promote %s: %w", rel, err)
	}
	return nil
}

// NoText is written as the TEXT artifact when a document yields no
// extractable text.
const NoText = "NO TEXT AVAILABLE\n"
