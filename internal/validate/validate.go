// Package validate classifies a single input file before any heavy
// processing: type detection, size, content hash and structural
// well-formedness. Inspect is pure and deterministic over the given bytes;
// malformation is a reported status, never an error.
package validate

import (
	"archive/zip"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/mail"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	pdfmodel "github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

// Classification is the outcome of inspecting one file.
type Classification struct {
	Type        model.FileType
	MIMEType    string
	SizeBytes   int64
	ContentHash string
	Status      model.IntegrityStatus
	Detail      string
}

var typeByExt = map[string]model.FileType{
	".pdf":  model.TypePDF,
	".docx": model.TypeDOCX,
	".xlsx": model.TypeXLSX,
	".txt":  model.TypeTXT,
	".csv":  model.TypeCSV,
	".jpg":  model.TypeJPG,
	".jpeg": model.TypeJPG,
	".png":  model.TypePNG,
	".tif":  model.TypeTIFF,
	".tiff": model.TypeTIFF,
	".eml":  model.TypeEML,
}

var mimeByType = map[model.FileType]string{
	model.TypePDF:  "application/pdf",
	model.TypeDOCX: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	model.TypeXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	model.TypeTXT:  "text/plain",
	model.TypeCSV:  "text/csv",
	model.TypeJPG:  "image/jpeg",
	model.TypePNG:  "image/png",
	model.TypeTIFF: "image/tiff",
	model.TypeEML:  "message/rfc822",
}

// Inspect classifies raw file bytes under their declared filename. The
// content hash is computed here exactly once and cached on the file record by
// the caller.
func Inspect(data []byte, filename string) Classification {
	sum := md5.Sum(data)
	c := Classification{
		SizeBytes:   int64(len(data)),
		ContentHash: hex.EncodeToString(sum[:]),
	}

	ext := strings.ToLower(filepath.Ext(filename))
	ft, ok := typeByExt[ext]
	if !ok {
		c.Status = model.IntegrityUnsupported
		c.Detail = "unsupported extension " + ext
		return c
	}
	c.Type = ft
	c.MIMEType = mimeByType[ft]

	if len(data) == 0 {
		c.Status = model.IntegrityCorrupt
		c.Detail = "empty file"
		return c
	}
	if detail := checkStructure(ft, data); detail != "" {
		c.Status = model.IntegrityCorrupt
		c.Detail = detail
		return c
	}
	c.Status = model.IntegrityOK
	return c
}

// checkStructure runs the cheap container / magic-number check for the
// detected type. Empty return means the structure is plausible.
func checkStructure(ft model.FileType, data []byte) string {
	switch ft {
	case model.TypePDF:
		return checkPDF(data)
	case model.TypeDOCX:
		return checkZipEntry(data, "word/document.xml")
	case model.TypeXLSX:
		return checkZipEntry(data, "xl/workbook.xml")
	case model.TypeJPG, model.TypePNG:
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return "image header: " + err.Error()
		}
	case model.TypeTIFF:
		if !bytes.HasPrefix(data, []byte("II*\x00")) && !bytes.HasPrefix(data, []byte("MM\x00*")) {
			return "missing TIFF magic"
		}
	case model.TypeEML:
		if _, err := mail.ReadMessage(bytes.NewReader(data)); err != nil {
			return "rfc822 header: " + err.Error()
		}
	case model.TypeTXT, model.TypeCSV:
		if !utf8.Valid(data) && bytes.ContainsRune(data, 0) {
			return "binary content in text file"
		}
	}
	return ""
}

func checkPDF(data []byte) string {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "missing %PDF header"
	}
	conf := pdfmodel.NewDefaultConfiguration()
	conf.ValidationMode = pdfmodel.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return "pdf structure: " + err.Error()
	}
	return ""
}

func checkZipEntry(data []byte, entry string) string {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "zip container: " + err.Error()
	}
	for _, f := range zr.File {
		if f.Name == entry {
			return ""
		}
	}
	return entry + " missing from archive"
}
