package loadfile

import (
	"fmt"
	"os"
	"strings"
)

// Concordance DAT delimiters: every field is wrapped in 0xFE and fields are
// joined with 0x14, matching what downstream review platforms ingest.
const (
	datWrapper   = "\xfe"
	datDelimiter = "\x14"
)

// datFields is the fixed column order of the loadfile. The first seven are
// the required production fields; the rest carry extracted metadata when
// present.
var datFields = []string{
	"BegBates", "EndBates", "NativeLocation", "TextLocation",
	"Filename", "FileExtension", "HashValue",
	"Title", "Author", "Subject", "DateCreated", "DateLastModified",
	"From", "To", "CC", "DateSent", "Message-ID", "Page Count",
}

// WriteDAT renders the loadfile for docs in the order given. Document order
// is the Bates allocation order, so the loadfile reads in sequence.
func WriteDAT(path string, docs []*Document) error {
	var b strings.Builder
	writeDATRow(&b, datFields)
	for _, d := range docs {
		row := []string{
			d.BegBates, d.EndBates, d.NativeLocation, d.TextLocation,
			d.Filename, d.FileExtension, d.HashValue,
		}
		for _, key := range datFields[7:] {
			row = append(row, d.Metadata[key])
		}
		writeDATRow(&b, row)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write dat: %w", err)
	}
	return nil
}

func writeDATRow(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteString(datDelimiter)
		}
		b.WriteString(datWrapper)
		// The wrapper byte cannot appear inside a value.
		b.WriteString(strings.ReplaceAll(f, datWrapper, ""))
		b.WriteString(datWrapper)
	}
	b.WriteString("\r\n")
}
