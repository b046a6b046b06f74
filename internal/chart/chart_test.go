package chart

import (
	"bytes"
	"encoding/json"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

var (
	colorado = domain.Entity{Level: domain.LevelState, GeoID: "08", Name: "Colorado"}
	texas    = domain.Entity{Level: domain.LevelState, GeoID: "48", Name: "Texas"}
)

var homeownership = domain.MetricDef{ID: "homeownership_rate", Name: "Homeownership Rate", Format: domain.FormatPercent}

func TestColorScale(t *testing.T) {
	scale := ColorScale()
	require.Len(t, scale, 10)
	assert.Equal(t, "#ffffcc", scale[0])
	assert.Equal(t, "#245d38", scale[9])
}

func TestPaletteColorWraps(t *testing.T) {
	assert.Equal(t, "#c3002f", PaletteColor(0))
	assert.Equal(t, "#c3002f", PaletteColor(7))
	assert.Equal(t, "#35647e", PaletteColor(6))
}

func TestMetricLine(t *testing.T) {
	spec := MetricLine(homeownership, []domain.EntitySeries{
		{Entity: colorado, Points: []domain.Point{{Year: 2021, Value: 0.60}, {Year: 2022, Value: 0.70}}},
		{Entity: texas, Points: []domain.Point{{Year: 2022, Value: 0.62}}},
	})

	assert.Equal(t, domain.ChartLine, spec.ChartKind())
	assert.Equal(t, ".0%", spec.Y.TickFormat)
	require.Len(t, spec.Series, 2)
	assert.Equal(t, "Colorado", spec.Series[0].Name)
	assert.Equal(t, "#001970", spec.Series[1].Color)
	require.Len(t, spec.Y.Range, 2)
	assert.InDelta(t, 0.585, spec.Y.Range[0], 1e-9)
	assert.InDelta(t, 0.715, spec.Y.Range[1], 1e-9)
}

func TestMetricLine_FlatSeries(t *testing.T) {
	spec := MetricLine(homeownership, []domain.EntitySeries{
		{Entity: colorado, Points: []domain.Point{{Year: 2021, Value: 0.6}, {Year: 2022, Value: 0.6}}},
	})
	require.Len(t, spec.Y.Range, 2)
	assert.InDelta(t, 0.51, spec.Y.Range[0], 1e-9)
	assert.InDelta(t, 0.69, spec.Y.Range[1], 1e-9)

	spec = CumulativeLine(domain.CumulativeDef{ID: "c", Name: "C"}, []domain.CumulativeSeries{
		{Entity: colorado, MetricID: "rent", Name: "Rent", BaseYear: 2022, Points: []domain.Point{{Year: 2022, Value: 0}}},
	})
	require.Len(t, spec.Y.Range, 2)
	assert.InDelta(t, -0.025, spec.Y.Range[0], 1e-9)
	assert.InDelta(t, 0.15, spec.Y.Range[1], 1e-9)
}

func TestMetricLine_Empty(t *testing.T) {
	spec := MetricLine(homeownership, nil)
	assert.Nil(t, spec.Y.Range)
	assert.Empty(t, spec.Series)
}

func TestCumulativeLine(t *testing.T) {
	def := domain.CumulativeDef{ID: "affordability", Name: "Housing Costs and Incomes"}
	series := []domain.CumulativeSeries{
		{Entity: colorado, MetricID: "rent", Name: "Median Contract Rent", BaseYear: 2015,
			Points: []domain.Point{{Year: 2015, Value: 0}, {Year: 2022, Value: 0.4}}},
		{Entity: colorado, MetricID: "income", Name: "Median Household Income", BaseYear: 2015,
			Points: []domain.Point{{Year: 2015, Value: 0}, {Year: 2022, Value: 0.2}}},
	}

	spec := CumulativeLine(def, series)
	assert.Equal(t, "Cumulative Change since 2015", spec.Y.Title)
	assert.Equal(t, ".0%", spec.Y.TickFormat)
	assert.Equal(t, "Median Contract Rent", spec.Series[0].Name)
	assert.InDelta(t, -0.01, spec.Y.Range[0], 1e-9)
	assert.InDelta(t, 0.46, spec.Y.Range[1], 1e-9)

	series[1].Entity = texas
	spec = CumulativeLine(def, series)
	assert.Equal(t, "Texas: Median Household Income", spec.Series[1].Name)
}

func burdenBreakdown(kind domain.ChartKind) domain.Breakdown {
	return domain.Breakdown{
		ID:     "burden",
		Name:   "Share Housing Burdened",
		Chart:  kind,
		Format: domain.FormatPercent,
		Series: []domain.MetricDef{{Name: "Less than $20,000"}, {Name: "$20,000 to $34,999"}},
	}
}

var burdenYears = []domain.BreakdownYear{
	{Year: 2021, Values: []domain.LabeledValue{{Label: "Less than $20,000", Value: 0.9}, {Label: "$20,000 to $34,999", Value: 0.8}}},
	{Year: 2022, Values: []domain.LabeledValue{{Label: "Less than $20,000", Value: 0.85}}},
}

func TestBreakdownChart_LineFixedRange(t *testing.T) {
	b := burdenBreakdown(domain.ChartLine)
	b.FixedRange = []float64{0, 1.1}

	spec, ok := BreakdownChart(b, burdenYears).(LineSpec)
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1.1}, spec.Y.Range)
	require.Len(t, spec.Series, 2)
	assert.Len(t, spec.Series[0].Points, 2)
	assert.Equal(t, []domain.Point{{Year: 2021, Value: 0.8}}, spec.Series[1].Points)
}

func TestBreakdownChart_Bar(t *testing.T) {
	b := burdenBreakdown(domain.ChartBar)
	b.Format = domain.FormatCurrency

	spec, ok := BreakdownChart(b, burdenYears).(BarSpec)
	require.True(t, ok)
	assert.Equal(t, []string{"Less than $20,000", "$20,000 to $34,999"}, spec.Categories)
	assert.Equal(t, "$,.0f", spec.Y.TickFormat)
	require.Len(t, spec.Series, 2)
	assert.Equal(t, "2021", spec.Series[0].Name)
	assert.Equal(t, []float64{0.85, 0}, spec.Series[1].Values)
	assert.InDelta(t, 1.08, spec.Y.Range[1], 1e-9)
	assert.Equal(t, 0.0, spec.Y.Range[0])
}

func TestBreakdownChart_StackedBar(t *testing.T) {
	spec, ok := BreakdownChart(burdenBreakdown(domain.ChartStackedBar), burdenYears).(StackedBarSpec)
	require.True(t, ok)
	assert.Equal(t, []string{"2021", "2022"}, spec.Categories)
	assert.Equal(t, []float64{0.9, 0.85}, spec.Series[0].Values)
	assert.Equal(t, []float64{0.8, 0}, spec.Series[1].Values)
}

func TestBreakdownChart_Pie(t *testing.T) {
	spec, ok := BreakdownChart(burdenBreakdown(domain.ChartPie), burdenYears).(PieSpec)
	require.True(t, ok)
	assert.Equal(t, 2022, spec.Year)
	assert.Equal(t, 0.4, spec.Hole)
	assert.Equal(t, []Slice{{Label: "Less than $20,000", Value: 0.85, Color: "#c3002f"}}, spec.Slices)

	empty, ok := BreakdownChart(burdenBreakdown(domain.ChartPie), nil).(PieSpec)
	require.True(t, ok)
	assert.Empty(t, empty.Slices)
}

func TestChoropleth(t *testing.T) {
	values := []domain.MapValue{
		{Entity: colorado, Value: 0.53, Display: "53.00%"},
		{Entity: texas, Value: 0.41, Display: "41.00%"},
	}
	spec := Choropleth(homeownership, domain.LevelState, 2022, values)

	assert.Equal(t, [2]float64{0.4, 0.55}, spec.Range)
	assert.Len(t, spec.Colors, 10)
	require.Len(t, spec.Values, 2)
	assert.Equal(t, spec.Colors[8], spec.Values[0].Color)
	assert.Equal(t, spec.Colors[0], spec.Values[1].Color)

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"choropleth"`)
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 0, bucket(0.4, 0.4, 0.5, 10))
	assert.Equal(t, 9, bucket(0.5, 0.4, 0.5, 10))
	assert.Equal(t, 0, bucket(1, 1, 1, 10))
}

func TestRenderPNG(t *testing.T) {
	line := MetricLine(homeownership, []domain.EntitySeries{
		{Entity: colorado, Points: []domain.Point{{Year: 2021, Value: 0.60}, {Year: 2022, Value: 0.70}}},
	})
	bar := BreakdownChart(burdenBreakdown(domain.ChartBar), burdenYears)

	for _, spec := range []Spec{line, bar} {
		data, err := RenderPNG(spec)
		require.NoError(t, err)
		img, err := png.Decode(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Positive(t, img.Bounds().Dx())
	}

	_, err := RenderPNG(BreakdownChart(burdenBreakdown(domain.ChartPie), burdenYears))
	assert.ErrorIs(t, err, ErrUnsupported)
}
