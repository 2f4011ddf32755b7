package processing

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ColFormatStyle names the style applied to each output row.
const ColFormatStyle = "format_style"

const (
	StyleNormal         = "normal"
	StyleHighlightRed   = "highlight_red"
	StyleHighlightGreen = "highlight_green"

	FillRed   = "FFCCCC"
	FillGreen = "CCFFCC"
)

// Rule highlights rows whose Column compares true against Value.
type Rule struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	Op       string `yaml:"op"`
	Value    string `yaml:"value"`
	Style    string `yaml:"style"`
	Fill     string `yaml:"fill"`
	Priority int    `yaml:"priority"`
}

// RuleSet is the highlight configuration plus extra required columns.
// When several rules match a row, the one with the largest Priority wins;
// equal priorities go to the later rule.
type RuleSet struct {
	RequiredColumns []string `yaml:"required_columns"`
	Rules           []Rule   `yaml:"rules"`
}

var validOps = map[string]bool{
	"==": true, "!=": true, ">": true, ">=": true, "<": true, "<=": true, "contains": true,
}

// DefaultRules flags review rows red, then lets quality categories override:
// Excellent rows green and Poor rows red.
func DefaultRules() *RuleSet {
	return &RuleSet{
		Rules: []Rule{
			{Name: "needs review", Column: ColRequiresReview, Op: "==", Value: "true",
				Style: StyleHighlightRed, Fill: FillRed, Priority: 1},
			{Name: "excellent quality", Column: ColQualityCategory, Op: "==", Value: QualityExcellent,
				Style: StyleHighlightGreen, Fill: FillGreen, Priority: 2},
			{Name: "poor quality", Column: ColQualityCategory, Op: "==", Value: QualityPoor,
				Style: StyleHighlightRed, Fill: FillRed, Priority: 3},
		},
	}
}

// LoadRules reads a YAML rule file. An empty path yields DefaultRules.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) validate() error {
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Column == "" {
			return fmt.Errorf("rule %d: column is required", i+1)
		}
		if r.Op == "" {
			r.Op = "=="
		}
		if !validOps[r.Op] {
			return fmt.Errorf("rule %d: unknown op %q", i+1, r.Op)
		}
		r.Fill = strings.ToUpper(strings.TrimPrefix(r.Fill, "#"))
		if !isHexColor(r.Fill) {
			return fmt.Errorf("rule %d: fill %q must be a 6-digit hex color", i+1, r.Fill)
		}
		if r.Style == "" {
			r.Style = "rule_" + strconv.Itoa(i+1)
		}
	}
	return nil
}

// Match returns the winning rule for a row, or nil.
func (rs *RuleSet) Match(t *AnnotatedTable, row []any) *Rule {
	var best *Rule
	for i := range rs.Rules {
		r := &rs.Rules[i]
		idx := t.Index(r.Column)
		if idx < 0 || !r.matches(row[idx]) {
			continue
		}
		if best == nil || r.Priority >= best.Priority {
			best = r
		}
	}
	return best
}

func (r *Rule) matches(cell any) bool {
	if cell == nil {
		return r.Op == "!=" && r.Value != ""
	}
	text := formatCell(cell)
	switch r.Op {
	case "==":
		return strings.EqualFold(text, r.Value)
	case "!=":
		return !strings.EqualFold(text, r.Value)
	case "contains":
		return strings.Contains(strings.ToLower(text), strings.ToLower(r.Value))
	}

	a, ok := parseNumber(text)
	if !ok {
		return false
	}
	b, ok := parseNumber(r.Value)
	if !ok {
		return false
	}
	switch r.Op {
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}

// formatCell renders a cell the way it is compared and measured.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func isHexColor(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
