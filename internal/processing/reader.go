package processing

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidate delimiters, in preference order
var delimiters = []rune{',', ';', '\t'}

// readTable parses r according to the extension of name.
func readTable(ctx context.Context, name string, r io.Reader) (*Table, error) {
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, transient("read input", err)
	}

	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".csv":
		return parseCSV(data)
	case ".xlsx":
		return parseXLSX(data)
	case ".xls":
		return nil, malformed("legacy .xls workbooks cannot be processed; re-export as .xlsx or CSV")
	default:
		return nil, malformed("unsupported file type %q", ext)
	}
}

func parseCSV(data []byte) (*Table, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		data = latin1ToUTF8(data)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = detectDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var t Table
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, malformed("line %d: %v", pe.Line, pe.Err)
			}
			return nil, transient("read csv", err)
		}
		trimCells(rec)
		if blank(rec) {
			continue
		}
		if t.Header == nil {
			t.Header = rec
			continue
		}
		if len(rec) != len(t.Header) {
			line, _ := cr.FieldPos(0)
			return nil, malformed("line %d has %d fields, header has %d", line, len(rec), len(t.Header))
		}
		t.Rows = append(t.Rows, rec)
	}
	if t.Header == nil {
		return nil, malformed("file has no header row")
	}
	return &t, nil
}

// detectDelimiter picks the first candidate that splits the header line into
// more than one column.
func detectDelimiter(data []byte) rune {
	line := firstLine(data)
	for _, d := range delimiters {
		cr := csv.NewReader(strings.NewReader(line))
		cr.Comma = d
		cr.LazyQuotes = true
		rec, err := cr.Read()
		if err == nil && len(rec) > 1 {
			return d
		}
	}
	return ','
}

func firstLine(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r")
		}
	}
	return ""
}

// latin1ToUTF8 reinterprets each byte as a Latin-1 code point.
func latin1ToUTF8(data []byte) []byte {
	buf := make([]byte, 0, len(data)+len(data)/8)
	for _, b := range data {
		buf = utf8.AppendRune(buf, rune(b))
	}
	return buf
}

func parseXLSX(data []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, malformed("file is not a readable .xlsx workbook: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, malformed("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, malformed("read sheet %q: %v", sheets[0], err)
	}

	var t Table
	for i, row := range rows {
		trimCells(row)
		if blank(row) {
			continue
		}
		if t.Header == nil {
			t.Header = trimTrailingEmpty(row)
			continue
		}
		if len(row) > len(t.Header) {
			if !blank(row[len(t.Header):]) {
				return nil, malformed("row %d has values beyond the last header column", i+1)
			}
			row = row[:len(t.Header)]
		}
		for len(row) < len(t.Header) {
			row = append(row, "")
		}
		t.Rows = append(t.Rows, row)
	}
	if t.Header == nil {
		return nil, malformed("sheet %q is empty", sheets[0])
	}
	return &t, nil
}

func trimCells(row []string) {
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}
}

func trimTrailingEmpty(row []string) []string {
	for len(row) > 0 && row[len(row)-1] == "" {
		row = row[:len(row)-1]
	}
	return row
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
