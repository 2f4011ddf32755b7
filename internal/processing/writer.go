package processing

import (
	"fmt"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
)

const (
	DataSheet    = "Processed_Data"
	SummarySheet = "Summary"

	headerFill    = "CCCCFF"
	maxColumnWide = 50
)

// writeWorkbook renders the annotated table and summary as an XLSX file.
// Row fills come from the winning rule per row.
func writeWorkbook(t *AnnotatedTable, rules *RuleSet, metrics []Metric) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", DataSheet); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(SummarySheet); err != nil {
		return nil, fmt.Errorf("add summary sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#" + headerFill}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return nil, fmt.Errorf("header style: %w", err)
	}

	columns := append(append([]string{}, t.Columns...), ColFormatStyle)
	lastCol, err := excelize.ColumnNumberToName(len(columns))
	if err != nil {
		return nil, err
	}

	header := make([]any, len(columns))
	widths := make([]int, len(columns))
	for i, c := range columns {
		header[i] = c
		widths[i] = utf8.RuneCountInString(c)
	}
	if err := f.SetSheetRow(DataSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := f.SetCellStyle(DataSheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	fillStyles := map[string]int{}
	for r, row := range t.Rows {
		rule := rules.Match(t, row)
		style := StyleNormal
		if rule != nil {
			style = rule.Style
		}

		cells := make([]any, 0, len(columns))
		cells = append(cells, row...)
		cells = append(cells, style)
		for i, v := range cells {
			if w := utf8.RuneCountInString(formatCell(v)); w > widths[i] {
				widths[i] = w
			}
		}

		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(DataSheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("write row %d: %w", r+1, err)
		}

		if rule == nil {
			continue
		}
		id, ok := fillStyles[rule.Fill]
		if !ok {
			id, err = f.NewStyle(&excelize.Style{
				Fill: excelize.Fill{Type: "pattern", Color: []string{"#" + rule.Fill}, Pattern: 1},
			})
			if err != nil {
				return nil, fmt.Errorf("row style: %w", err)
			}
			fillStyles[rule.Fill] = id
		}
		end := fmt.Sprintf("%s%d", lastCol, r+2)
		if err := f.SetCellStyle(DataSheet, cell, end, id); err != nil {
			return nil, fmt.Errorf("style row %d: %w", r+1, err)
		}
	}

	for i, w := range widths {
		name, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(DataSheet, name, name, float64(min(w+2, maxColumnWide))); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	if err := f.SetSheetRow(SummarySheet, "A1", &[]any{"Metric", "Value"}); err != nil {
		return nil, fmt.Errorf("write summary header: %w", err)
	}
	for i, m := range metrics {
		if err := f.SetSheetRow(SummarySheet, fmt.Sprintf("A%d", i+2), &[]any{m.Name, m.Value}); err != nil {
			return nil, fmt.Errorf("write summary row: %w", err)
		}
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}
