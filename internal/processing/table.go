package processing

import (
	"strings"
	"time"
)

// Table is a parsed input sheet. Rows have exactly len(Header) cells.
type Table struct {
	Header         []string
	Rows           [][]string
	EngagementName string
	ReferenceDates []string
	ProcessedAt    time.Time
}

// AnnotatedTable is the transform output. Cells hold string, float64, int,
// bool or nil.
type AnnotatedTable struct {
	Columns []string
	Rows    [][]any
}

// Index returns the position of column name, or -1.
func (t *AnnotatedTable) Index(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Column returns the values of column name, or nil if it is absent.
func (t *AnnotatedTable) Column(name string) []any {
	idx := t.Index(name)
	if idx < 0 {
		return nil
	}
	out := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[idx]
	}
	return out
}

func checkHeader(header []string) error {
	seen := make(map[string]int, len(header))
	for i, name := range header {
		if name == "" {
			return malformed("column %d has an empty name", i+1)
		}
		key := strings.ToLower(name)
		if prev, ok := seen[key]; ok {
			return malformed("column %q appears twice (columns %d and %d)", name, prev+1, i+1)
		}
		seen[key] = i
	}
	return nil
}

// missingColumns lists required names absent from header, ignoring case.
func missingColumns(header, required []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.ToLower(h)] = true
	}
	var missing []string
	for _, r := range required {
		if !have[strings.ToLower(strings.TrimSpace(r))] {
			missing = append(missing, r)
		}
	}
	return missing
}
