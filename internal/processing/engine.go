// Package processing parses uploaded sheets, applies a Transform and renders
// the annotated result as an XLSX workbook.
package processing

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// Input is one file to process.
type Input struct {
	Name           string
	Reader         io.Reader
	EngagementName string
	ReferenceDates []string
}

// Result is a successful run. LineCount excludes the header.
type Result struct {
	LineCount int
	Output    []byte
}

// Engine runs parse, transform and serialize for one file at a time. It is
// safe for concurrent use.
type Engine struct {
	transform Transform
	rules     *RuleSet
	required  []string
	maxRows   int
	now       func() time.Time
}

// NewEngine builds an Engine. A nil transform uses ScoringTransform and nil
// rules use DefaultRules. Required columns from rules are added to required.
func NewEngine(transform Transform, rules *RuleSet, required []string) *Engine {
	if transform == nil {
		transform = ScoringTransform{}
	}
	if rules == nil {
		rules = DefaultRules()
	}
	req := append(append([]string{}, required...), rules.RequiredColumns...)
	return &Engine{
		transform: transform,
		rules:     rules,
		required:  req,
		maxRows:   excelize.TotalRows - 1,
		now:       time.Now,
	}
}

// Process returns a *Error for every failure.
func (e *Engine) Process(ctx context.Context, in Input) (*Result, error) {
	table, err := readTable(ctx, in.Name, in.Reader)
	if err != nil {
		return nil, classify("read input", err)
	}

	if err := checkHeader(table.Header); err != nil {
		return nil, err
	}
	if missing := missingColumns(table.Header, e.required); len(missing) > 0 {
		return nil, malformed("missing required column(s): %s", strings.Join(missing, ", "))
	}
	if len(table.Rows) == 0 {
		return nil, malformed("file has a header but no data rows")
	}
	if len(table.Rows) > e.maxRows {
		return nil, malformed("file has %d data rows; an XLSX sheet holds at most %d", len(table.Rows), e.maxRows)
	}

	table.EngagementName = in.EngagementName
	table.ReferenceDates = in.ReferenceDates
	table.ProcessedAt = e.now().UTC()

	annotated, err := e.transform.Apply(ctx, table)
	if err != nil {
		return nil, classify("transform", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, transient("processing interrupted", err)
	}

	metrics := summarize(annotated, in.EngagementName, table.ProcessedAt.Format(processingDateFmt))
	out, err := writeWorkbook(annotated, e.rules, metrics)
	if err != nil {
		return nil, transformFailed("write workbook", err)
	}

	return &Result{
		LineCount: len(table.Rows),
		Output:    out,
	}, nil
}
