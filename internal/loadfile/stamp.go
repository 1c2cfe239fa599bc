package loadfile

import (
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// StampPDF writes outPath as a copy of the single-page PDF at inPath with the
// Bates identifier stamped in the bottom-right corner.
func StampPDF(inPath, outPath, batesID string) error {
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	desc := "fontname:Helvetica, points:10, scale:1 abs, pos:br, off:-12 12, rot:0, fillcolor:#000000"
	if err := api.AddTextWatermarksFile(inPath, outPath, nil, true, batesID, desc, conf); err != nil {
		return &pipeline.AdapterError{Op: "stamp", Transient: false, Err: fmt.Errorf("stamp %s: %w", batesID, err)}
	}
	return nil
}
