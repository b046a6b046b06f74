package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Derive evaluates every metric for every row of the table. Undefined values
// are skipped. Output is ordered by row (see Table.Rows) then metric.
func Derive(t Table, dataset Dataset, metrics []MetricDef) []MetricValue {
	var out []MetricValue
	for _, r := range t.Rows() {
		for _, m := range metrics {
			v, ok := m.Evaluate(r)
			if !ok {
				continue
			}
			out = append(out, MetricValue{
				Dataset:  dataset,
				Year:     r.Year,
				Entity:   r.Entity,
				MetricID: m.ID,
				Value:    v,
			})
		}
	}
	return out
}

// Point is one year of a series.
type Point struct {
	Year  int     `json:"year"`
	Value float64 `json:"value"`
}

// EntitySeries is a metric's year series for one entity.
type EntitySeries struct {
	Entity Entity  `json:"entity"`
	Points []Point `json:"points"`
}

// Series returns the metric's year series for each entity that has at least
// one defined value. Entities are ordered as Table.Entities, points by year.
// Rows are grouped by level and GeoID, so a renamed entity keeps one series.
func Series(t Table, m MetricDef) []EntitySeries {
	byEntity := make(map[entityKey][]Point)
	for _, r := range t.Rows() {
		if v, ok := m.Evaluate(r); ok {
			k := keyOf(r.Entity)
			byEntity[k] = append(byEntity[k], Point{Year: r.Year, Value: v})
		}
	}
	var out []EntitySeries
	for _, e := range t.Entities() {
		pts, ok := byEntity[keyOf(e)]
		if !ok {
			continue
		}
		slices.SortFunc(pts, func(a, b Point) int { return a.Year - b.Year })
		out = append(out, EntitySeries{Entity: e, Points: pts})
	}
	return out
}

// CumulativeDef groups metrics whose change since a base year is charted
// together.
type CumulativeDef struct {
	ID     string      `yaml:"id" json:"id"`
	Name   string      `yaml:"name" json:"name"`
	Series []MetricDef `yaml:"series" json:"series"`
}

// CumulativeSeries is the cumulative change of one metric for one entity.
type CumulativeSeries struct {
	Entity   Entity  `json:"entity"`
	MetricID string  `json:"metric"`
	Name     string  `json:"name"`
	BaseYear int     `json:"base_year"`
	Points   []Point `json:"points"`
}

// CumulativeChange computes (v - base) / base for every series of def and
// every entity, where base is the entity's earliest defined value. Series
// without a usable base (missing or zero) are omitted.
func CumulativeChange(t Table, def CumulativeDef) []CumulativeSeries {
	var out []CumulativeSeries
	for _, m := range def.Series {
		for _, s := range Series(t, m) {
			base := s.Points[0]
			if base.Value == 0 {
				continue
			}
			pts := make([]Point, len(s.Points))
			for i, p := range s.Points {
				pts[i] = Point{Year: p.Year, Value: (p.Value - base.Value) / base.Value}
			}
			out = append(out, CumulativeSeries{
				Entity:   s.Entity,
				MetricID: m.ID,
				Name:     m.Name,
				BaseYear: base.Year,
				Points:   pts,
			})
		}
	}
	return out
}

// ChartKind names the chart a breakdown is drawn as.
type ChartKind string

const (
	ChartLine       ChartKind = "line"
	ChartBar        ChartKind = "bar"
	ChartStackedBar ChartKind = "stacked_bar"
	ChartPie        ChartKind = "pie"
)

// ParseChartKind validates a chart kind. An empty name means bar.
func ParseChartKind(s string) (ChartKind, error) {
	switch k := ChartKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return ChartBar, nil
	case ChartLine, ChartBar, ChartStackedBar, ChartPie:
		return k, nil
	default:
		return "", fmt.Errorf("unknown chart kind %q", s)
	}
}

// Breakdown splits one quantity across labelled series, e.g. median income
// by age bracket or burden share by income bracket.
type Breakdown struct {
	ID         string      `yaml:"id" json:"id"`
	Name       string      `yaml:"name" json:"name"`
	Chart      ChartKind   `yaml:"chart" json:"chart"`
	Format     Format      `yaml:"format" json:"format"`
	LatestOnly bool        `yaml:"latest_only,omitempty" json:"latest_only,omitempty"`
	FixedRange []float64   `yaml:"fixed_range,omitempty" json:"fixed_range,omitempty"`
	Series     []MetricDef `yaml:"series" json:"series"`
}

// LabeledValue is one series value of a breakdown.
type LabeledValue struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// BreakdownYear is a breakdown evaluated for one year.
type BreakdownYear struct {
	Year   int            `json:"year"`
	Values []LabeledValue `json:"values"`
}

// EvaluateBreakdown evaluates b for one entity, per year in ascending order
// (only the latest year when LatestOnly). Undefined series are left out of a
// year; years with nothing defined are dropped.
func EvaluateBreakdown(t Table, b Breakdown, entity string) []BreakdownYear {
	rows := t.Filter([]string{entity}, 0, 0).Rows()
	if b.LatestOnly && len(rows) > 0 {
		rows = rows[len(rows)-1:]
	}

	var out []BreakdownYear
	for _, r := range rows {
		var vals []LabeledValue
		for _, m := range b.Series {
			if v, ok := m.Evaluate(r); ok {
				vals = append(vals, LabeledValue{Label: m.Name, Value: v})
			}
		}
		if len(vals) > 0 {
			out = append(out, BreakdownYear{Year: r.Year, Values: vals})
		}
	}
	return out
}

// Comparison is the county-versus-reference table.
type Comparison struct {
	Year    int             `json:"year"`
	Columns []string        `json:"columns"`
	Rows    []ComparisonRow `json:"rows"`
}

// ComparisonRow is one metric with both entities' formatted values. Empty
// strings mark undefined values.
type ComparisonRow struct {
	MetricID  string `json:"metric"`
	Metric    string `json:"name"`
	Subject   string `json:"subject"`
	Reference string `json:"reference"`
}

// Compare builds the comparison table for subject and reference in the
// latest year the subject has data. Metrics keep their given order.
func Compare(t Table, metrics []MetricDef, subject, reference string) (Comparison, error) {
	year := t.Filter([]string{subject}, 0, 0).LatestYear()
	if year == 0 {
		return Comparison{}, fmt.Errorf("compare %q: %w", subject, ErrNoData)
	}
	subj, _ := t.Find(subject, year)
	ref, ok := t.Find(reference, year)
	if !ok {
		return Comparison{}, fmt.Errorf("compare reference %q in %d: %w", reference, year, ErrNoData)
	}

	subjectTitle := subj.Entity.Name
	if subj.Entity.Level == LevelCounty {
		subjectTitle = CountyName(subjectTitle)
	}
	c := Comparison{
		Year:    year,
		Columns: []string{"Metric", subjectTitle, ref.Entity.Name + " Overall"},
	}
	for _, m := range metrics {
		row := ComparisonRow{MetricID: m.ID, Metric: m.Name}
		if v, ok := m.Evaluate(subj); ok {
			row.Subject = m.Format.Display(v)
		}
		if v, ok := m.Evaluate(ref); ok {
			row.Reference = m.Format.Display(v)
		}
		c.Rows = append(c.Rows, row)
	}
	return c, nil
}

// MapValue is one entity's value for a choropleth.
type MapValue struct {
	Entity  Entity  `json:"entity"`
	Value   float64 `json:"value"`
	Display string  `json:"display"`
}

// MapValues evaluates m for every entity in year (the latest year when year
// is zero), sorted by value descending then name.
func MapValues(t Table, m MetricDef, year int) ([]MapValue, int) {
	if year == 0 {
		year = t.LatestYear()
	}
	var out []MapValue
	for _, r := range t.Filter(nil, year, year).Rows() {
		if v, ok := m.Evaluate(r); ok {
			out = append(out, MapValue{Entity: r.Entity, Value: v, Display: m.Format.Display(v)})
		}
	}
	slices.SortStableFunc(out, func(a, b MapValue) int {
		switch {
		case a.Value > b.Value:
			return -1
		case a.Value < b.Value:
			return 1
		}
		return strings.Compare(a.Entity.Name, b.Entity.Name)
	})
	return out, year
}
