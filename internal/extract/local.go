package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// Local is the built-in extractor used when no external service is
// configured. It understands a useful subset of what the real service
// returns: document properties for PDF and Office files, RFC-5322 headers for
// email, character counts for text.
type Local struct{}

// NewLocal returns the built-in extractor.
func NewLocal() *Local { return &Local{} }

// Extract dispatches on MIME type. Unknown types yield empty metadata rather
// than an error; absence of properties is not a failure.
func (l *Local) Extract(ctx context.Context, data []byte, mimeType string) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.Contains(mimeType, "pdf"):
		return pdfMetadata(data)
	case strings.Contains(mimeType, "wordprocessingml"), strings.Contains(mimeType, "spreadsheetml"):
		return officeMetadata(data)
	case strings.Contains(mimeType, "rfc822"):
		return emailMetadata(data)
	case strings.HasPrefix(mimeType, "text/"):
		return Metadata{"charcount": strconv.Itoa(len(data))}, nil
	default:
		return Metadata{}, nil
	}
}

func pdfMetadata(data []byte) (Metadata, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("new pdf reader: %w", err)
	}
	md := Metadata{"Page Count": strconv.Itoa(doc.NumPage())}
	return md, nil
}

// coreProperties mirrors docProps/core.xml in OOXML archives.
type coreProperties struct {
	Title    string `xml:"title"`
	Creator  string `xml:"creator"`
	Subject  string `xml:"subject"`
	Created  string `xml:"created"`
	Modified string `xml:"modified"`
}

func officeMetadata(data []byte) (Metadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "docProps/core.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open core.xml: %w", err)
		}
		defer rc.Close()
		var props coreProperties
		if err := xml.NewDecoder(rc).Decode(&props); err != nil {
			return nil, fmt.Errorf("decode core.xml: %w", err)
		}
		md := Metadata{}
		if props.Title != "" {
			md["Title"] = props.Title
		}
		if props.Creator != "" {
			md["Author"] = props.Creator
		}
		if props.Subject != "" {
			md["Subject"] = props.Subject
		}
		if props.Created != "" {
			md["Creation-Date"] = props.Created
		}
		if props.Modified != "" {
			md["Last-Modified"] = props.Modified
		}
		return md, nil
	}
	return Metadata{}, nil
}

func emailMetadata(data []byte) (Metadata, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	md := Metadata{}
	for key, target := range map[string]string{
		"Subject":      "Subject",
		"From":         "From",
		"To":           "To",
		"Cc":           "CC",
		"Bcc":          "BCC",
		"Date":         "DateSent",
		"Message-Id":   "Message-ID",
		"Thread-Index": "Thread-Index",
	} {
		if v := msg.Header.Get(key); v != "" {
			md[target] = v
		}
	}
	return md, nil
}
