package domain

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// Format controls how a metric value is displayed.
type Format string

const (
	FormatCount    Format = "count"
	FormatCurrency Format = "currency"
	FormatPercent  Format = "percent"
	FormatRatio    Format = "ratio"
	FormatDecimal  Format = "decimal"
)

// ParseFormat validates a format name. An empty name means count.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatCount, nil
	case FormatCount, FormatCurrency, FormatPercent, FormatRatio, FormatDecimal:
		return f, nil
	default:
		return "", fmt.Errorf("unknown format %q", s)
	}
}

// Display renders v for tables: 1,234 / $1,234 / 12.34% / 0.46 / 0.456.
func (f Format) Display(v float64) string {
	switch f {
	case FormatCurrency:
		if v < 0 {
			return "-$" + humanize.Comma(int64(math.Round(-v)))
		}
		return "$" + humanize.Comma(int64(math.Round(v)))
	case FormatPercent:
		return fmt.Sprintf("%.2f%%", v*100)
	case FormatRatio:
		return fmt.Sprintf("%.2f", v)
	case FormatDecimal:
		return fmt.Sprintf("%.3f", v)
	default:
		return humanize.Comma(int64(math.Round(v)))
	}
}

// TickFormat returns the d3-format string a chart axis should use.
func (f Format) TickFormat() string {
	switch f {
	case FormatCurrency:
		return "$,.0f"
	case FormatPercent:
		return ".0%"
	case FormatRatio:
		return ".2f"
	case FormatDecimal:
		return ".3f"
	default:
		return ",.0f"
	}
}

// MetricDef declares how a named metric is computed from raw variables.
//
// With a denominator the metric is Scale * sum(Numerator) / sum(Denominator).
// Without one it is the value of Variable, or the sum of Numerator.
type MetricDef struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Format      Format   `yaml:"format" json:"format"`
	Variable    string   `yaml:"variable,omitempty" json:"variable,omitempty"`
	Numerator   []string `yaml:"numerator,omitempty" json:"numerator,omitempty"`
	Denominator []string `yaml:"denominator,omitempty" json:"denominator,omitempty"`
	Scale       float64  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Inputs lists every variable the metric reads, in declaration order.
func (m MetricDef) Inputs() []string {
	var out []string
	if m.Variable != "" {
		out = append(out, m.Variable)
	}
	out = append(out, m.Numerator...)
	out = append(out, m.Denominator...)
	return out
}

// IsRatio reports whether the metric divides by a denominator.
func (m MetricDef) IsRatio() bool { return len(m.Denominator) > 0 }

// Evaluate computes the metric for one row. It returns false when an input
// is missing or the denominator is zero.
func (m MetricDef) Evaluate(r Row) (float64, bool) {
	if !m.IsRatio() {
		if m.Variable != "" {
			return r.Value(m.Variable)
		}
		return sumVars(r, m.Numerator)
	}

	num, ok := sumVars(r, m.numerator())
	if !ok {
		return 0, false
	}
	den, ok := sumVars(r, m.Denominator)
	if !ok || den == 0 {
		return 0, false
	}
	scale := m.Scale
	if scale == 0 {
		scale = 1
	}
	return scale * num / den, true
}

func (m MetricDef) numerator() []string {
	if len(m.Numerator) > 0 {
		return m.Numerator
	}
	if m.Variable != "" {
		return []string{m.Variable}
	}
	return nil
}

func sumVars(r Row, vars []string) (float64, bool) {
	if len(vars) == 0 {
		return 0, false
	}
	var total float64
	for _, v := range vars {
		x, ok := r.Value(v)
		if !ok {
			return 0, false
		}
		total += x
	}
	return total, true
}
