package chart

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// ErrUnsupported reports a spec kind RenderPNG cannot draw.
var ErrUnsupported = errors.New("chart kind cannot be rendered")

const (
	pngWidth  = 8 * vg.Inch
	pngHeight = 5 * vg.Inch
)

// RenderPNG draws a line or bar spec.
func RenderPNG(spec Spec) ([]byte, error) {
	var (
		p   *plot.Plot
		err error
	)
	switch s := spec.(type) {
	case LineSpec:
		p, err = linePlot(s)
	case BarSpec:
		p, err = barPlot(s)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, spec.ChartKind())
	}
	if err != nil {
		return nil, err
	}

	wt, err := p.WriterTo(pngWidth, pngHeight, "png")
	if err != nil {
		return nil, fmt.Errorf("png writer: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("render png: %w", err)
	}
	return buf.Bytes(), nil
}

func newPlot(title string, y Axis) *plot.Plot {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = y.Title
	p.Y.Tick.Marker = formatTicker{format: y.Format}
	p.Legend.Top = true
	if len(y.Range) == 2 {
		p.Y.Min, p.Y.Max = y.Range[0], y.Range[1]
	}
	p.Add(plotter.NewGrid())
	return p
}

func linePlot(s LineSpec) (*plot.Plot, error) {
	p := newPlot(s.Title, s.Y)
	p.X.Tick.Marker = yearTicker{}
	for _, ls := range s.Series {
		xys := make(plotter.XYs, len(ls.Points))
		for i, pt := range ls.Points {
			xys[i].X = float64(pt.Year)
			xys[i].Y = pt.Value
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", ls.Name, err)
		}
		c, err := parseHex(ls.Color)
		if err != nil {
			return nil, err
		}
		line.Color = c
		line.Width = vg.Points(2)
		points.Color = c
		points.Shape = draw.CircleGlyph{}
		p.Add(line, points)
		p.Legend.Add(ls.Name, line)
	}
	return p, nil
}

func barPlot(s BarSpec) (*plot.Plot, error) {
	p := newPlot(s.Title, s.Y)
	if len(s.Series) == 0 {
		return p, nil
	}
	width := vg.Points(40 / float64(len(s.Series)))
	for i, bs := range s.Series {
		bars, err := plotter.NewBarChart(plotter.Values(bs.Values), width)
		if err != nil {
			return nil, fmt.Errorf("series %q: %w", bs.Name, err)
		}
		c, err := parseHex(bs.Color)
		if err != nil {
			return nil, err
		}
		bars.Color = c
		bars.LineStyle.Width = 0
		bars.Offset = width * vg.Length(float64(i)-float64(len(s.Series)-1)/2)
		p.Add(bars)
		p.Legend.Add(bs.Name, bars)
	}
	p.NominalX(s.Categories...)
	return p, nil
}

// formatTicker labels the default ticks with a metric format.
type formatTicker struct {
	format domain.Format
}

func (t formatTicker) Ticks(lo, hi float64) []plot.Tick {
	ticks := plot.DefaultTicks{}.Ticks(lo, hi)
	f := t.format
	if f == "" {
		f = domain.FormatDecimal
	}
	for i := range ticks {
		if ticks[i].Label != "" {
			ticks[i].Label = f.Display(ticks[i].Value)
		}
	}
	return ticks
}

// yearTicker puts a labelled tick on every whole year.
type yearTicker struct{}

func (yearTicker) Ticks(lo, hi float64) []plot.Tick {
	var ticks []plot.Tick
	for y := int(lo); y <= int(hi); y++ {
		if float64(y) < lo {
			continue
		}
		ticks = append(ticks, plot.Tick{Value: float64(y), Label: strconv.Itoa(y)})
	}
	return ticks
}
