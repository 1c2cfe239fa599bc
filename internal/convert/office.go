package convert

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/pipeline"
)

// convertDocx reads word/document.xml from the archive and flattens paragraph
// runs into text. The document is a single non-paginated unit.
func convertDocx(nativePath string) (*Result, error) {
	data, err := readNative(nativePath)
	if err != nil {
		return nil, err
	}
	text, err := docxText(data)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: err}
	}
	return &Result{Units: []Unit{{Index: 0, Path: nativePath}}, Text: text, PageCount: 1}, nil
}

func docxText(data []byte) (string, error) {
	rc, err := openZipEntry(data, "word/document.xml")
	if err != nil {
		return "", err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var out strings.Builder
	var inParagraph bool
	var paragraph strings.Builder
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "p" {
				inParagraph = true
				paragraph.Reset()
			}
		case xml.CharData:
			if inParagraph {
				paragraph.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "p" && inParagraph {
				inParagraph = false
				if s := strings.TrimSpace(paragraph.String()); s != "" {
					out.WriteString(s)
					out.WriteString("\n")
				}
			}
		}
	}
	return out.String(), nil
}

// convertXlsx extracts the shared-strings table, which carries the textual
// cell content of the workbook.
func convertXlsx(nativePath string) (*Result, error) {
	data, err := readNative(nativePath)
	if err != nil {
		return nil, err
	}
	text, err := xlsxText(data)
	if err != nil {
		return nil, &pipeline.AdapterError{Op: "convert", Transient: false, Err: err}
	}
	return &Result{Units: []Unit{{Index: 0, Path: nativePath}}, Text: text, PageCount: 1}, nil
}

func xlsxText(data []byte) (string, error) {
	rc, err := openZipEntry(data, "xl/sharedStrings.xml")
	if err != nil {
		// A workbook with purely numeric content has no shared strings.
		return "", nil
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var out strings.Builder
	var inText bool
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "t" && inText {
				inText = false
				out.WriteString("\n")
			}
		}
	}
	return out.String(), nil
}

func openZipEntry(data []byte, name string) (io.ReadCloser, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			return rc, nil
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}
