package loadfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

// VerifyReport is the outcome of auditing a finished volume against its
// manifest.
type VerifyReport struct {
	Volume     string   `json:"volume"`
	Documents  int      `json:"documents"`
	Pages      int      `json:"pages"`
	BatesFirst string   `json:"batesFirst,omitempty"`
	BatesLast  string   `json:"batesLast,omitempty"`
	Problems   []string `json:"problems,omitempty"`
}

// OK reports whether the audit found no problems.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

func (r *VerifyReport) problem(format string, args ...any) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// Verify audits a produced volume: allocated Bates ranges must be ordered and
// non-overlapping, every DAT row must match a produced manifest entry and
// reference artifacts that exist on disk, and the OPT page groups must agree
// with their declared page counts. Gaps between ranges are legitimate, they
// are burned numbers.
func Verify(root, volume string) (*VerifyReport, error) {
	l := Layout{Root: root, Volume: volume}
	r := &VerifyReport{Volume: volume}

	m, err := ReadManifest(l.ManifestPath())
	if err != nil {
		return nil, err
	}

	produced := make(map[string]ManifestEntry)
	var allocated []ManifestEntry
	for _, e := range m.Files {
		if e.BatesStart == "" {
			continue
		}
		allocated = append(allocated, e)
		if e.Status == string(model.ResultSuccess) {
			produced[e.BatesStart] = e
		}
	}
	// Fixed-width padding makes lexical order the numeric order.
	sort.Slice(allocated, func(i, j int) bool { return allocated[i].BatesStart < allocated[j].BatesStart })
	for i, e := range allocated {
		if e.BatesEnd < e.BatesStart {
			r.problem("entry %s has inverted range %s..%s", e.FileID, e.BatesStart, e.BatesEnd)
		}
		if i > 0 && e.BatesStart <= allocated[i-1].BatesEnd {
			r.problem("ranges overlap: %s..%s and %s..%s",
				allocated[i-1].BatesStart, allocated[i-1].BatesEnd, e.BatesStart, e.BatesEnd)
		}
	}
	if len(allocated) > 0 {
		r.BatesFirst = allocated[0].BatesStart
		r.BatesLast = allocated[len(allocated)-1].BatesEnd
	}

	if len(produced) == 0 {
		return r, nil
	}

	rows, err := readDATRows(l.DATPath())
	if err != nil {
		r.problem("dat unreadable: %v", err)
		return r, nil
	}
	r.Documents = len(rows)
	if len(rows) != len(produced) {
		r.problem("dat lists %d documents, manifest lists %d produced", len(rows), len(produced))
	}
	for _, row := range rows {
		beg := row["BegBates"]
		entry, ok := produced[beg]
		if !ok {
			r.problem("dat row %s has no produced manifest entry", beg)
			continue
		}
		if entry.BatesEnd != row["EndBates"] {
			r.problem("dat row %s ends at %s, manifest says %s", beg, row["EndBates"], entry.BatesEnd)
		}
		if entry.Hash != row["HashValue"] {
			r.problem("dat row %s hash mismatch against manifest", beg)
		}
		for _, col := range []string{"NativeLocation", "TextLocation"} {
			rel := row[col]
			if rel == "" {
				r.problem("dat row %s missing %s", beg, col)
				continue
			}
			if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(rel))); err != nil {
				r.problem("dat row %s: artifact %s missing", beg, rel)
			}
		}
	}

	r.Pages = verifyOPT(l, root, r)
	return r, nil
}

// verifyOPT walks the Opticon cross-reference, checking group sizes against
// the declared page counts and that every referenced image exists. Returns
// the number of page rows.
func verifyOPT(l Layout, root string, r *VerifyReport) int {
	raw, err := os.ReadFile(l.OPTPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		r.problem("opt unreadable: %v", err)
		return 0
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n")
	if len(lines) == 1 && lines[0] == "" {
		return 0
	}

	pages := 0
	groupStart := ""
	groupSize, groupWant := 0, 0
	flush := func() {
		if groupStart != "" && groupSize != groupWant {
			r.problem("opt group %s declares %d pages, lists %d", groupStart, groupWant, groupSize)
		}
	}
	for i, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) != 7 {
			r.problem("opt line %d malformed: %q", i+1, line)
			continue
		}
		pages++
		if fields[3] == "Y" {
			flush()
			groupStart = fields[0]
			groupSize = 0
			groupWant = 0
			fmt.Sscanf(fields[6], "%d", &groupWant)
		} else if groupStart == "" {
			r.problem("opt line %d continues a group that never started", i+1)
		}
		groupSize++
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(fields[2]))); err != nil {
			r.problem("opt row %s: image %s missing", fields[0], fields[2])
		}
	}
	flush()
	return pages
}

// readDATRows parses the loadfile back into header-keyed rows.
func readDATRows(path string) ([]map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\r\n"), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, fmt.Errorf("empty loadfile")
	}
	header := splitDATRow(lines[0])
	var rows []map[string]string
	for _, line := range lines[1:] {
		fields := splitDATRow(line)
		if len(fields) != len(header) {
			return nil, fmt.Errorf("row has %d fields, header has %d", len(fields), len(header))
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			row[name] = fields[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func splitDATRow(line string) []string {
	fields := strings.Split(line, datDelimiter)
	for i, f := range fields {
		fields[i] = strings.Trim(f, datWrapper)
	}
	return fields
}
