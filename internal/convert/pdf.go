package convert

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// convertPDF optimizes the document, splits it into one PDF per page and
// extracts the text layer. Page files land in workDir named
// optimized_<n>.pdf; text extraction walks the document in chunks of
// PageChunkSize pages so large documents stay within bounded memory.
func convertPDF(ctx context.Context, nativePath, workDir string, opts Options) (*Result, error) {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed

	optimized := filepath.Join(workDir, "optimized.pdf")
	if err := api.OptimizeFile(nativePath, optimized, conf); err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("optimize pdf: %w", err)}
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("page count: %w", err)}
	}
	if pageCount == 0 {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("pdf has no pages")}
	}
	if err := api.SplitFile(optimized, workDir, 1, conf); err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("split pdf: %w", err)}
	}

	base := strings.TrimSuffix(optimized, filepath.Ext(optimized))
	units := make([]Unit, 0, pageCount)
	for page := 1; page <= pageCount; page++ {
		pagePath := fmt.Sprintf("%s_%d.pdf", base, page)
		if _, err := os.Stat(pagePath); err != nil {
			return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: fmt.Errorf("split page %d: %w", page, err)}
		}
		units = append(units, Unit{Index: page - 1, Page: page, Path: pagePath})
	}

	text, err := extractPDFText(ctx, nativePath, pageCount, opts.PageChunkSize)
	if err != nil {
		// A missing or broken text layer does not fail the conversion;
		// the production falls back to the no-text placeholder.
		text = ""
	}
	return &Result{Units: units, Text: text, PageCount: pageCount}, nil
}

// extractPDFText pulls the plain-text layer page by page, honoring the chunk
// size between context checks.
func extractPDFText(ctx context.Context, path string, pageCount, chunkSize int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	for start := 1; start <= pageCount; start += chunkSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := start + chunkSize - 1
		if end > pageCount {
			end = pageCount
		}
		for page := start; page <= end; page++ {
			p := doc.Page(page)
			if p.V.IsNull() {
				continue
			}
			content, err := p.GetPlainText(nil)
			if err != nil {
				continue
			}
			builder.WriteString(content)
			builder.WriteString("\n")
		}
	}
	return builder.String(), nil
}
