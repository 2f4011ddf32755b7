package processing

import (
	"sort"
	"strconv"
)

// Metric is one row of the summary sheet.
type Metric struct {
	Name  string
	Value any
}

// summarize builds the Metric/Value rows for the summary sheet.
func summarize(t *AnnotatedTable, engagement string, processedAt string) []Metric {
	metrics := []Metric{
		{"Engagement Name", engagement},
		{"Processing Date", processedAt},
		{"Total Records", len(t.Rows)},
	}

	review := 0
	for _, v := range t.Column(ColRequiresReview) {
		if b, ok := v.(bool); ok && b {
			review++
		}
	}
	metrics = append(metrics, Metric{"Records Requiring Review", review})

	if scores := t.Column(ColProcessingScore); len(scores) > 0 {
		var total float64
		for _, v := range scores {
			total += toFloat(v)
		}
		metrics = append(metrics, Metric{"Average Processing Score", strconv.FormatFloat(total/float64(len(scores)), 'f', 2, 64)})
	} else {
		metrics = append(metrics, Metric{"Average Processing Score", "N/A"})
	}

	if cats := t.Column(ColQualityCategory); cats != nil {
		counts := make(map[string]int, len(QualityCategories))
		for _, v := range cats {
			if s, ok := v.(string); ok {
				counts[s]++
			}
		}
		order := append([]string{}, QualityCategories...)
		sort.SliceStable(order, func(a, b int) bool { return counts[order[a]] > counts[order[b]] })
		for _, c := range order {
			metrics = append(metrics, Metric{"Records - " + c, counts[c]})
		}
	}
	return metrics
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	case string:
		f, _ := parseNumber(x)
		return f
	}
	return 0
}
