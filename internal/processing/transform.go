package processing

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Transform turns a parsed table into annotated rows. Returning an *Error
// keeps its kind; any other error is recorded as TRANSFORM_FAILED.
type Transform interface {
	Apply(ctx context.Context, t *Table) (*AnnotatedTable, error)
}

// Columns added by ScoringTransform.
const (
	ColEngagementName   = "engagement_name"
	ColProcessingDate   = "processing_date"
	ColRowIndex         = "row_index"
	ColTotalSum         = "total_sum"
	ColAverage          = "average"
	ColMaxValue         = "max_value"
	ColMinValue         = "min_value"
	ColVariance         = "variance"
	ColStdDeviation     = "std_deviation"
	ColHighVarianceFlag = "high_variance_flag"
	ColProcessingScore  = "processing_score"
	ColQualityCategory  = "quality_category"
	ColRequiresReview   = "requires_review"
	ColPriorityScore    = "priority_score"

	percentileSuffix = "_percentile"
)

// Quality categories, lowest first.
const (
	QualityPoor      = "Poor"
	QualityFair      = "Fair"
	QualityGood      = "Good"
	QualityExcellent = "Excellent"
)

var QualityCategories = []string{QualityPoor, QualityFair, QualityGood, QualityExcellent}

const (
	baseScore         = 50
	textCellPoints    = 5
	positiveCellPoint = 3
	maxScore          = 100
	reviewBelowScore  = 40
	reviewPriority    = 3
	defaultPriority   = 1
	varianceQuantile  = 0.75
	processingDateFmt = "2006-01-02 15:04:05"
)

var reservedColumns = map[string]bool{
	ColEngagementName: true, ColProcessingDate: true, ColRowIndex: true,
	ColTotalSum: true, ColAverage: true, ColMaxValue: true, ColMinValue: true,
	ColVariance: true, ColStdDeviation: true, ColHighVarianceFlag: true,
	ColProcessingScore: true, ColQualityCategory: true, ColRequiresReview: true,
	ColPriorityScore: true, ColFormatStyle: true,
	"date_1": true, "date_2": true, "date_3": true, "date_4": true,
}

// checkPercentileNames rejects inputs where a computed {col}_percentile
// column would repeat an existing header.
func checkPercentileNames(header []string, numericIdx []int) error {
	names := make(map[string]bool, len(header))
	for _, h := range header {
		names[strings.ToLower(h)] = true
	}
	for _, c := range numericIdx {
		if out := header[c] + percentileSuffix; names[strings.ToLower(out)] {
			return malformed("column %q collides with the computed percentile of %q; rename it", out, header[c])
		}
	}
	return nil
}

// ScoringTransform is the default transform. It cleans cells, computes per-row
// statistics over the numeric columns, scores and categorizes each row, flags
// rows for review and orders the result by priority.
type ScoringTransform struct{}

type columnKind int

const (
	textColumn columnKind = iota
	numericColumn
)

func (ScoringTransform) Apply(ctx context.Context, t *Table) (*AnnotatedTable, error) {
	for _, h := range t.Header {
		if reservedColumns[strings.ToLower(h)] {
			return nil, malformed("column %q is reserved for computed output; rename it", h)
		}
	}

	kinds, numbers := classifyColumns(t)
	var numericIdx []int
	for i, k := range kinds {
		if k == numericColumn {
			numericIdx = append(numericIdx, i)
		}
	}
	if err := checkPercentileNames(t.Header, numericIdx); err != nil {
		return nil, err
	}
	withStats := len(numericIdx) >= 2
	n := len(t.Rows)

	rows := make([]scoredRow, n)
	for r := range t.Rows {
		if r%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		rows[r] = scoreRow(t, r, kinds, numbers, numericIdx)
	}

	if withStats {
		variances := make([]float64, n)
		for i := range rows {
			variances[i] = rows[i].variance
		}
		threshold := quantile(variances, varianceQuantile)
		for i := range rows {
			rows[i].highVariance = rows[i].variance > threshold
		}
	}

	percentiles := make(map[int][]float64, len(numericIdx))
	for _, c := range numericIdx {
		percentiles[c] = percentileRanks(numbers[c])
	}

	for i := range rows {
		row := &rows[i]
		row.category = qualityCategory(row.score)
		row.review = row.highVariance || row.score < reviewBelowScore
		row.priority = defaultPriority
		if row.review {
			row.priority = reviewPriority
		}
	}

	columns := append([]string{}, t.Header...)
	columns = append(columns, ColEngagementName, ColProcessingDate)
	for i := range t.ReferenceDates {
		columns = append(columns, "date_"+strconv.Itoa(i+1))
	}
	columns = append(columns, ColRowIndex)
	if withStats {
		columns = append(columns, ColTotalSum, ColAverage, ColMaxValue, ColMinValue,
			ColVariance, ColStdDeviation, ColHighVarianceFlag)
	}
	columns = append(columns, ColProcessingScore)
	for _, c := range numericIdx {
		columns = append(columns, t.Header[c]+percentileSuffix)
	}
	columns = append(columns, ColQualityCategory, ColRequiresReview, ColPriorityScore)

	processedAt := t.ProcessedAt.Format(processingDateFmt)
	out := &AnnotatedTable{Columns: columns, Rows: make([][]any, n)}
	for r := range rows {
		row := rows[r]
		cells := make([]any, 0, len(columns))
		for c, kind := range kinds {
			if kind == numericColumn {
				cells = append(cells, numbers[c][r])
				continue
			}
			cells = append(cells, textCell(t.Rows[r][c]))
		}
		cells = append(cells, t.EngagementName, processedAt)
		for _, d := range t.ReferenceDates {
			cells = append(cells, d)
		}
		cells = append(cells, r+1)
		if withStats {
			cells = append(cells, row.sum, row.mean, row.max, row.min,
				row.variance, row.stdDev, row.highVariance)
		}
		cells = append(cells, row.score)
		for _, c := range numericIdx {
			cells = append(cells, percentiles[c][r])
		}
		cells = append(cells, row.category, row.review, row.priority)
		out.Rows[r] = cells
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := rows[order[a]], rows[order[b]]
		if ra.priority != rb.priority {
			return ra.priority > rb.priority
		}
		return ra.score > rb.score
	})
	sorted := make([][]any, n)
	for i, idx := range order {
		sorted[i] = out.Rows[idx]
	}
	out.Rows = sorted
	return out, nil
}

type scoredRow struct {
	sum, mean, max, min, variance, stdDev float64
	highVariance                         bool
	score                                int
	category                             string
	review                               bool
	priority                             int
}

// classifyColumns marks a column numeric when it has at least one value and
// every non-empty cell parses as a number. Empty numeric cells become 0.
func classifyColumns(t *Table) ([]columnKind, map[int][]float64) {
	kinds := make([]columnKind, len(t.Header))
	numbers := make(map[int][]float64)
	for c := range t.Header {
		vals := make([]float64, len(t.Rows))
		seen := false
		numeric := true
		for r, row := range t.Rows {
			cell := row[c]
			if cell == "" {
				continue
			}
			f, ok := parseNumber(cell)
			if !ok {
				numeric = false
				break
			}
			vals[r] = f
			seen = true
		}
		if numeric && seen {
			kinds[c] = numericColumn
			numbers[c] = vals
		}
	}
	return kinds, numbers
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func scoreRow(t *Table, r int, kinds []columnKind, numbers map[int][]float64, numericIdx []int) scoredRow {
	var row scoredRow
	score := baseScore
	for c, kind := range kinds {
		switch kind {
		case textColumn:
			if t.Rows[r][c] != "" {
				score += textCellPoints
			}
		case numericColumn:
			if numbers[c][r] > 0 {
				score += positiveCellPoint
			}
		}
	}
	row.score = min(score, maxScore)

	if len(numericIdx) < 2 {
		return row
	}
	vals := make([]float64, len(numericIdx))
	for i, c := range numericIdx {
		vals[i] = numbers[c][r]
	}
	row.max, row.min = vals[0], vals[0]
	for _, v := range vals {
		row.sum += v
		row.max = math.Max(row.max, v)
		row.min = math.Min(row.min, v)
	}
	row.mean = row.sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - row.mean) * (v - row.mean)
	}
	row.variance = sq / float64(len(vals)-1)
	row.stdDev = math.Sqrt(row.variance)
	return row
}

func textCell(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func qualityCategory(score int) string {
	switch {
	case score <= 30:
		return QualityPoor
	case score <= 60:
		return QualityFair
	case score <= 80:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// quantile uses linear interpolation between closest ranks.
func quantile(vals []float64, q float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]float64{}, vals...)
	sort.Float64s(s)
	pos := q * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	return s[lo] + (s[hi]-s[lo])*(pos-float64(lo))
}

// percentileRanks returns average-rank percentiles in (0, 100].
func percentileRanks(vals []float64) []float64 {
	n := len(vals)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return vals[order[a]] < vals[order[b]] })
	for i := 0; i < n; {
		j := i
		for j+1 < n && vals[order[j+1]] == vals[order[i]] {
			j++
		}
		// ranks i+1..j+1 share their mean
		avg := float64(i+j+2) / 2
		for k := i; k <= j; k++ {
			out[order[k]] = avg / float64(n) * 100
		}
		i = j + 1
	}
	return out
}
