// Package convert turns a validated native file into its output units: one
// unit per page for paginated formats, one unit for the whole file otherwise,
// plus the extracted text that accompanies the production. Dispatch is a
// closed enumeration over the supported formats; there is no plugin
// registration.
package convert

import (
	"context"
	"fmt"
	"os"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// Options bounds a conversion run. DPI is forwarded to the page renderer;
// PageChunkSize caps how many pages are held in memory at once during text
// extraction.
type Options struct {
	DPI           int
	PageChunkSize int
}

// Unit is one stampable artifact. For paginated formats Path names a
// single-page PDF in the conversion work directory; for everything else it
// names the native file itself.
type Unit struct {
	Index int
	Page  int
	Path  string
}

// Result is the outcome of converting one file.
type Result struct {
	Units     []Unit
	Text      string
	PageCount int
}

// Convert dispatches on the detected type. nativePath is the staged copy of
// the original bytes; workDir receives intermediate page files and is
// discarded by the caller on failure.
func Convert(ctx context.Context, ft model.FileType, nativePath, workDir string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.PageChunkSize <= 0 {
		opts.PageChunkSize = 5
	}
	switch ft {
	case model.TypePDF:
		return convertPDF(ctx, nativePath, workDir, opts)
	case model.TypeDOCX:
		return convertDocx(nativePath)
	case model.TypeXLSX:
		return convertXlsx(nativePath)
	case model.TypeTXT, model.TypeCSV:
		return convertText(nativePath)
	case model.TypeEML:
		return convertEmail(nativePath)
	case model.TypeTIFF:
		return convertTIFF(nativePath)
	case model.TypeJPG, model.TypePNG:
		// Single-frame images are one unit with no text layer.
		return &Result{Units: []Unit{{Index: 0, Page: 1, Path: nativePath}}, PageCount: 1}, nil
	default:
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("no converter for type %q", ft)}
	}
}

func readNative(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("read native: %w", err)}
	}
	return data, nil
}
