package loadfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteOPT renders the Opticon cross-reference: one line per stamped page,
// with the document-break flag and page count on the first page of each
// document. Documents without page images are omitted, as Opticon only
// describes imaged pages.
func WriteOPT(path, volume string, docs []*Document) error {
	var b strings.Builder
	for _, d := range docs {
		for i, page := range d.Pages {
			breakFlag := ""
			pageCount := ""
			if i == 0 {
				breakFlag = "Y"
				pageCount = fmt.Sprintf("%d", len(d.Pages))
			}
			// BATES,VOLUME,PATH,DOCBREAK,FOLDERBREAK,BOXBREAK,PAGES
			fmt.Fprintf(&b, "%s,%s,%s,%s,,,%s\r\n",
				page.Bates, volume, filepath.ToSlash(page.ImageLocation), breakFlag, pageCount)
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return fmt.Errorf("write opt: %w", err)
	}
	return nil
}
