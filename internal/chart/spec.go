// Package chart maps reshaped ACS tables to JSON chart specifications that a
// web front end renders, and renders line and bar specs to PNG.
package chart

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// Palette is the series colour sequence.
var Palette = []string{"#c3002f", "#001970", "#245d38", "#6d3a5d", "#ffd100", "#7a853b", "#35647e"}

const (
	scaleLow   = "#ffffcc"
	scaleHigh  = "#245d38"
	scaleSteps = 10
)

// Spec is any chart specification.
type Spec interface {
	ChartKind() domain.ChartKind
}

// Axis describes a value axis. Range is empty when the renderer should
// choose it.
type Axis struct {
	Title      string        `json:"title,omitempty"`
	TickFormat string        `json:"tick_format"`
	Format     domain.Format `json:"value_format,omitempty"`
	Range      []float64     `json:"range,omitempty"`
}

// LineSeries is one coloured line.
type LineSeries struct {
	Name   string         `json:"name"`
	Color  string         `json:"color"`
	Points []domain.Point `json:"points"`
}

// LineSpec is a multi-series line chart over years.
type LineSpec struct {
	Kind   domain.ChartKind `json:"kind"`
	Title  string           `json:"title"`
	Y      Axis             `json:"y"`
	Series []LineSeries     `json:"series"`
}

func (LineSpec) ChartKind() domain.ChartKind { return domain.ChartLine }

// BarSeries is one coloured group of bars, one value per category.
type BarSeries struct {
	Name   string    `json:"name"`
	Color  string    `json:"color"`
	Values []float64 `json:"values"`
}

// BarSpec is a grouped bar chart.
type BarSpec struct {
	Kind       domain.ChartKind `json:"kind"`
	Title      string           `json:"title"`
	Categories []string         `json:"categories"`
	Y          Axis             `json:"y"`
	Series     []BarSeries      `json:"series"`
}

func (BarSpec) ChartKind() domain.ChartKind { return domain.ChartBar }

// StackedBarSpec stacks its series on each category. Missing values stack
// as zero.
type StackedBarSpec struct {
	Kind       domain.ChartKind `json:"kind"`
	Title      string           `json:"title"`
	Categories []string         `json:"categories"`
	Y          Axis             `json:"y"`
	Series     []BarSeries      `json:"series"`
}

func (StackedBarSpec) ChartKind() domain.ChartKind { return domain.ChartStackedBar }

// Slice is one pie segment.
type Slice struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// PieSpec is a donut chart of one year.
type PieSpec struct {
	Kind       domain.ChartKind `json:"kind"`
	Title      string           `json:"title"`
	Year       int              `json:"year"`
	Hole       float64          `json:"hole"`
	TickFormat string           `json:"tick_format"`
	Slices     []Slice          `json:"slices"`
}

func (PieSpec) ChartKind() domain.ChartKind { return domain.ChartPie }

// ChoroplethValue is one entity's shaded value.
type ChoroplethValue struct {
	GeoID   string  `json:"geo_id"`
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Display string  `json:"display"`
	Color   string  `json:"color"`
}

// ChoroplethSpec carries map data and its colour scale. Drawing the map
// itself is left to the client.
type ChoroplethSpec struct {
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	Year       int               `json:"year"`
	Level      domain.Level      `json:"level"`
	TickFormat string            `json:"tick_format"`
	Range      [2]float64        `json:"range"`
	Colors     []string          `json:"colors"`
	Values     []ChoroplethValue `json:"values"`
}

func (ChoroplethSpec) ChartKind() domain.ChartKind { return "choropleth" }

// PaletteColor returns the palette colour for the i-th series.
func PaletteColor(i int) string {
	return Palette[i%len(Palette)]
}

// ColorScale returns the sequential choropleth scale from light to dark.
func ColorScale() []string {
	lo, _ := parseHex(scaleLow)
	hi, _ := parseHex(scaleHigh)
	out := make([]string, scaleSteps)
	for i := range out {
		t := float64(i) / float64(scaleSteps-1)
		out[i] = hexColor(color.RGBA{
			R: lerp(lo.R, hi.R, t),
			G: lerp(lo.G, hi.G, t),
			B: lerp(lo.B, hi.B, t),
			A: 0xff,
		})
	}
	return out
}

func lerp(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
}

func hexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

func parseHex(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("invalid colour %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
