package chart

import (
	"math"
	"slices"
	"strconv"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

const (
	linePad        = 0.15
	cumulativeLow  = 0.025
	cumulativeHigh = 0.15
	barHeadroom    = 1.2
	pieHole        = 0.4
	scaleStep      = 20 // choropleth bounds snap to 1/20
)

// MetricLine charts a metric's series for several entities.
func MetricLine(m domain.MetricDef, series []domain.EntitySeries) LineSpec {
	spec := LineSpec{
		Kind:  domain.ChartLine,
		Title: m.Name,
		Y:     Axis{Title: m.Name, TickFormat: m.Format.TickFormat(), Format: m.Format},
	}
	var all []float64
	for i, s := range series {
		spec.Series = append(spec.Series, LineSeries{Name: s.Entity.Name, Color: PaletteColor(i), Points: s.Points})
		for _, p := range s.Points {
			all = append(all, p.Value)
		}
	}
	spec.Y.Range = paddedRange(all, linePad, linePad)
	return spec
}

// CumulativeLine charts cumulative change since each series' base year.
// Series are named by metric, prefixed with the entity when more than one
// entity is present.
func CumulativeLine(def domain.CumulativeDef, series []domain.CumulativeSeries) LineSpec {
	spec := LineSpec{
		Kind:  domain.ChartLine,
		Title: def.Name,
		Y:     Axis{TickFormat: domain.FormatPercent.TickFormat(), Format: domain.FormatPercent},
	}
	entities := make(map[string]bool)
	for _, s := range series {
		entities[s.Entity.GeoID] = true
	}

	var all []float64
	for i, s := range series {
		name := s.Name
		if len(entities) > 1 {
			name = s.Entity.Name + ": " + s.Name
		}
		spec.Series = append(spec.Series, LineSeries{Name: name, Color: PaletteColor(i), Points: s.Points})
		for _, p := range s.Points {
			all = append(all, p.Value)
		}
	}
	if len(series) > 0 {
		spec.Y.Title = "Cumulative Change since " + strconv.Itoa(series[0].BaseYear)
	}
	spec.Y.Range = paddedRange(all, cumulativeLow, cumulativeHigh)
	return spec
}

// BreakdownChart builds the chart named by the breakdown's kind from its
// evaluated years.
func BreakdownChart(b domain.Breakdown, years []domain.BreakdownYear) Spec {
	axis := Axis{Title: b.Name, TickFormat: b.Format.TickFormat(), Format: b.Format}
	if len(b.FixedRange) == 2 {
		axis.Range = slices.Clone(b.FixedRange)
	}
	labels := seriesLabels(b)

	switch b.Chart {
	case domain.ChartLine:
		spec := LineSpec{Kind: domain.ChartLine, Title: b.Name, Y: axis}
		var all []float64
		for i, label := range labels {
			ls := LineSeries{Name: label, Color: PaletteColor(i)}
			for _, y := range years {
				if v, ok := lookup(y.Values, label); ok {
					ls.Points = append(ls.Points, domain.Point{Year: y.Year, Value: v})
					all = append(all, v)
				}
			}
			if len(ls.Points) > 0 {
				spec.Series = append(spec.Series, ls)
			}
		}
		if spec.Y.Range == nil {
			spec.Y.Range = paddedRange(all, linePad, linePad)
		}
		return spec

	case domain.ChartStackedBar:
		spec := StackedBarSpec{Kind: domain.ChartStackedBar, Title: b.Name, Y: axis}
		for _, y := range years {
			spec.Categories = append(spec.Categories, strconv.Itoa(y.Year))
		}
		for i, label := range labels {
			bs := BarSeries{Name: label, Color: PaletteColor(i), Values: make([]float64, len(years))}
			for j, y := range years {
				bs.Values[j], _ = lookup(y.Values, label)
			}
			spec.Series = append(spec.Series, bs)
		}
		return spec

	case domain.ChartPie:
		spec := PieSpec{Kind: domain.ChartPie, Title: b.Name, Hole: pieHole, TickFormat: b.Format.TickFormat()}
		if len(years) == 0 {
			return spec
		}
		latest := years[len(years)-1]
		spec.Year = latest.Year
		for i, lv := range latest.Values {
			spec.Slices = append(spec.Slices, Slice{Label: lv.Label, Value: lv.Value, Color: PaletteColor(i)})
		}
		return spec

	default:
		spec := BarSpec{Kind: domain.ChartBar, Title: b.Name, Categories: labels, Y: axis}
		maxV := 0.0
		for i, y := range years {
			bs := BarSeries{Name: strconv.Itoa(y.Year), Color: PaletteColor(i), Values: make([]float64, len(labels))}
			for j, label := range labels {
				v, _ := lookup(y.Values, label)
				bs.Values[j] = v
				maxV = math.Max(maxV, v)
			}
			spec.Series = append(spec.Series, bs)
		}
		if spec.Y.Range == nil {
			spec.Y.Range = []float64{0, maxV * barHeadroom}
		}
		return spec
	}
}

// Choropleth shades map values on the sequential scale. The colour range is
// widened to the nearest multiple of 0.05 on both ends.
func Choropleth(m domain.MetricDef, level domain.Level, year int, values []domain.MapValue) ChoroplethSpec {
	spec := ChoroplethSpec{
		Kind:       "choropleth",
		Title:      m.Name,
		Year:       year,
		Level:      level,
		TickFormat: m.Format.TickFormat(),
		Colors:     ColorScale(),
	}
	if len(values) == 0 {
		return spec
	}

	lo, hi := values[0].Value, values[0].Value
	for _, v := range values {
		lo = math.Min(lo, v.Value)
		hi = math.Max(hi, v.Value)
	}
	lo = math.Floor(lo*scaleStep) / scaleStep
	hi = math.Ceil(hi*scaleStep) / scaleStep
	spec.Range = [2]float64{lo, hi}

	for _, v := range values {
		spec.Values = append(spec.Values, ChoroplethValue{
			GeoID:   v.Entity.GeoID,
			Name:    v.Entity.Name,
			Value:   v.Value,
			Display: v.Display,
			Color:   spec.Colors[bucket(v.Value, lo, hi, len(spec.Colors))],
		})
	}
	return spec
}

func bucket(v, lo, hi float64, n int) int {
	if hi <= lo {
		return 0
	}
	i := int((v - lo) / (hi - lo) * float64(n))
	return min(max(i, 0), n-1)
}

// paddedRange extends [min, max] by the given fractions of its span below
// and above. It returns nil for no values.
func paddedRange(vals []float64, below, above float64) []float64 {
	if len(vals) == 0 {
		return nil
	}
	lo, hi := slices.Min(vals), slices.Max(vals)
	span := hi - lo
	if span == 0 {
		// flat series: pad relative to the value itself
		span = math.Abs(lo)
		if span == 0 {
			span = 1
		}
	}
	return []float64{lo - below*span, hi + above*span}
}

func seriesLabels(b domain.Breakdown) []string {
	labels := make([]string, len(b.Series))
	for i, s := range b.Series {
		labels[i] = s.Name
	}
	return labels
}

func lookup(vals []domain.LabeledValue, label string) (float64, bool) {
	for _, lv := range vals {
		if lv.Label == label {
			return lv.Value, true
		}
	}
	return 0, false
}
