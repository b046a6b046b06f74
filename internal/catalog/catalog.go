// Package catalog loads the declarative mapping from raw ACS variable codes to
// named housing metrics, breakdowns and harvest jobs.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

//go:embed catalog.yaml
var defaultYAML []byte

var (
	ErrUnknownMetric     = errors.New("unknown metric")
	ErrUnknownBreakdown  = errors.New("unknown breakdown")
	ErrUnknownCumulative = errors.New("unknown cumulative series")
	ErrUnknownJob        = errors.New("unknown job")
)

// YearsMode selects the vintages a job fetches.
type YearsMode string

const (
	// YearsRange fetches every vintage from the start year to the latest.
	YearsRange YearsMode = "range"
	// YearsLatest fetches only the latest vintage.
	YearsLatest YearsMode = "latest"
)

// GeoDef is a geography as written in the catalog.
type GeoDef struct {
	For string `yaml:"for" json:"for"`
	In  string `yaml:"in,omitempty" json:"in,omitempty"`
}

// JobDef is a harvest plan as written in the catalog.
type JobDef struct {
	Name        string         `yaml:"name" json:"name"`
	Dataset     domain.Dataset `yaml:"dataset" json:"dataset"`
	Years       YearsMode      `yaml:"years" json:"years"`
	Groups      []string       `yaml:"variables" json:"variables"`
	Geographies []GeoDef       `yaml:"geographies" json:"geographies"`
}

// Catalog is the full metric mapping.
type Catalog struct {
	Variables  map[string][]string    `yaml:"variables" json:"variables"`
	Metrics    []domain.MetricDef     `yaml:"metrics" json:"metrics"`
	Breakdowns []domain.Breakdown     `yaml:"breakdowns" json:"breakdowns"`
	Cumulative []domain.CumulativeDef `yaml:"cumulative" json:"cumulative"`
	Comparison []string               `yaml:"comparison" json:"comparison"`
	Jobs       []JobDef               `yaml:"jobs" json:"jobs"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog file. An empty path returns the embedded default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks references and normalizes formats and chart kinds.
func (c *Catalog) Validate() error {
	known := make(map[string]bool)
	for _, vars := range c.Variables {
		for _, v := range vars {
			known[v] = true
		}
	}

	// AllMetrics keeps one definition per id, so every reuse of an id must
	// compute the same value.
	defined := make(map[string]domain.MetricDef)
	checkMetric := func(where string, m *domain.MetricDef) error {
		if m.ID == "" {
			return fmt.Errorf("catalog: %s: metric without id", where)
		}
		inputs := m.Inputs()
		if len(inputs) == 0 {
			return fmt.Errorf("catalog: %s: metric %q has no inputs", where, m.ID)
		}
		if prev, ok := defined[m.ID]; ok {
			if !slices.Equal(prev.Inputs(), inputs) || !slices.Equal(prev.Denominator, m.Denominator) || prev.Scale != m.Scale {
				return fmt.Errorf("catalog: %s: metric %q redefined with different inputs or scale", where, m.ID)
			}
		} else {
			defined[m.ID] = *m
		}
		if len(m.Denominator) > 0 && m.Variable != "" && len(m.Numerator) > 0 {
			return fmt.Errorf("catalog: %s: metric %q sets both variable and numerator", where, m.ID)
		}
		for _, v := range inputs {
			if !known[v] {
				return fmt.Errorf("catalog: %s: metric %q reads %s, which no variable group fetches", where, m.ID, v)
			}
		}
		f, err := domain.ParseFormat(string(m.Format))
		if err != nil {
			return fmt.Errorf("catalog: %s: metric %q: %w", where, m.ID, err)
		}
		m.Format = f
		if m.Name == "" {
			m.Name = m.ID
		}
		return nil
	}

	seen := make(map[string]bool)
	for i := range c.Metrics {
		m := &c.Metrics[i]
		if err := checkMetric("metrics", m); err != nil {
			return err
		}
		if seen[m.ID] {
			return fmt.Errorf("catalog: duplicate metric %q", m.ID)
		}
		seen[m.ID] = true
	}

	seenBreakdown := make(map[string]bool)
	for i := range c.Breakdowns {
		b := &c.Breakdowns[i]
		if b.ID == "" || seenBreakdown[b.ID] {
			return fmt.Errorf("catalog: breakdown id %q missing or duplicated", b.ID)
		}
		seenBreakdown[b.ID] = true
		if len(b.Series) == 0 {
			return fmt.Errorf("catalog: breakdown %q has no series", b.ID)
		}
		kind, err := domain.ParseChartKind(string(b.Chart))
		if err != nil {
			return fmt.Errorf("catalog: breakdown %q: %w", b.ID, err)
		}
		b.Chart = kind
		f, err := domain.ParseFormat(string(b.Format))
		if err != nil {
			return fmt.Errorf("catalog: breakdown %q: %w", b.ID, err)
		}
		b.Format = f
		if len(b.FixedRange) != 0 && len(b.FixedRange) != 2 {
			return fmt.Errorf("catalog: breakdown %q: fixed_range needs two values", b.ID)
		}
		for j := range b.Series {
			b.Series[j].Format = f
			if err := checkMetric("breakdown "+b.ID, &b.Series[j]); err != nil {
				return err
			}
		}
	}

	seenCumulative := make(map[string]bool)
	for i := range c.Cumulative {
		cd := &c.Cumulative[i]
		if cd.ID == "" || seenCumulative[cd.ID] {
			return fmt.Errorf("catalog: cumulative id %q missing or duplicated", cd.ID)
		}
		seenCumulative[cd.ID] = true
		if len(cd.Series) == 0 {
			return fmt.Errorf("catalog: cumulative %q has no series", cd.ID)
		}
		for j := range cd.Series {
			if err := checkMetric("cumulative "+cd.ID, &cd.Series[j]); err != nil {
				return err
			}
		}
	}

	for _, id := range c.Comparison {
		if !seen[id] {
			return fmt.Errorf("catalog: comparison: %w %q", ErrUnknownMetric, id)
		}
	}

	seenJob := make(map[string]bool)
	for _, j := range c.Jobs {
		if j.Name == "" || seenJob[j.Name] {
			return fmt.Errorf("catalog: job name %q missing or duplicated", j.Name)
		}
		seenJob[j.Name] = true
		if _, err := domain.ParseDataset(string(j.Dataset)); err != nil {
			return fmt.Errorf("catalog: job %q: %w", j.Name, err)
		}
		if j.Years != YearsRange && j.Years != YearsLatest {
			return fmt.Errorf("catalog: job %q: years must be %q or %q", j.Name, YearsRange, YearsLatest)
		}
		if len(j.Geographies) == 0 {
			return fmt.Errorf("catalog: job %q has no geographies", j.Name)
		}
		for _, g := range j.Geographies {
			if _, err := domain.ParseGeography(g.For, g.In); err != nil {
				return fmt.Errorf("catalog: job %q: %w", j.Name, err)
			}
		}
		for _, grp := range j.Groups {
			if _, ok := c.Variables[grp]; !ok {
				return fmt.Errorf("catalog: job %q: unknown variable group %q", j.Name, grp)
			}
		}
	}
	return nil
}

// Metric returns a metric by id.
func (c *Catalog) Metric(id string) (domain.MetricDef, error) {
	for _, m := range c.Metrics {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.MetricDef{}, fmt.Errorf("%w %q", ErrUnknownMetric, id)
}

// Breakdown returns a breakdown by id.
func (c *Catalog) Breakdown(id string) (domain.Breakdown, error) {
	for _, b := range c.Breakdowns {
		if b.ID == id {
			return b, nil
		}
	}
	return domain.Breakdown{}, fmt.Errorf("%w %q", ErrUnknownBreakdown, id)
}

// CumulativeDef returns a cumulative-change definition by id.
func (c *Catalog) CumulativeDef(id string) (domain.CumulativeDef, error) {
	for _, cd := range c.Cumulative {
		if cd.ID == id {
			return cd, nil
		}
	}
	return domain.CumulativeDef{}, fmt.Errorf("%w %q", ErrUnknownCumulative, id)
}

// ComparisonMetrics returns the comparison-table metrics in table order.
func (c *Catalog) ComparisonMetrics() []domain.MetricDef {
	out := make([]domain.MetricDef, 0, len(c.Comparison))
	for _, id := range c.Comparison {
		if m, err := c.Metric(id); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// MetricVariables returns the deduplicated variables the named metrics read, in
// first-seen order. With no ids it covers every metric.
func (c *Catalog) MetricVariables(ids ...string) ([]string, error) {
	metrics := c.Metrics
	if len(ids) > 0 {
		metrics = make([]domain.MetricDef, 0, len(ids))
		for _, id := range ids {
			m, err := c.Metric(id)
			if err != nil {
				return nil, err
			}
			metrics = append(metrics, m)
		}
	}
	var out []string
	for _, m := range metrics {
		out = appendUnique(out, m.Inputs()...)
	}
	return out, nil
}

// Group returns the codes of a variable group.
func (c *Catalog) Group(name string) ([]string, bool) {
	vars, ok := c.Variables[name]
	return vars, ok
}

// Job returns a job definition by name.
func (c *Catalog) Job(name string) (JobDef, error) {
	for _, j := range c.Jobs {
		if j.Name == name {
			return j, nil
		}
	}
	return JobDef{}, fmt.Errorf("%w %q", ErrUnknownJob, name)
}

// AllMetrics returns the top-level metrics followed by every breakdown and
// cumulative series, deduplicated by id. These are the values a harvest
// derives and publishes.
func (c *Catalog) AllMetrics() []domain.MetricDef {
	seen := make(map[string]bool)
	var out []domain.MetricDef
	add := func(ms []domain.MetricDef) {
		for _, m := range ms {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	add(c.Metrics)
	for _, b := range c.Breakdowns {
		add(b.Series)
	}
	for _, cd := range c.Cumulative {
		add(cd.Series)
	}
	return out
}

// Resolve turns a job definition into a concrete job for the given start
// year and latest available vintage.
func (c *Catalog) Resolve(def JobDef, startYear, latest int) (domain.Job, error) {
	dataset, err := domain.ParseDataset(string(def.Dataset))
	if err != nil {
		return domain.Job{}, err
	}
	job := domain.Job{Name: def.Name, Dataset: dataset}
	for _, g := range def.Geographies {
		geo, err := domain.ParseGeography(g.For, g.In)
		if err != nil {
			return domain.Job{}, fmt.Errorf("job %q: %w", def.Name, err)
		}
		job.Geographies = append(job.Geographies, geo)
	}
	for _, grp := range def.Groups {
		vars, ok := c.Variables[grp]
		if !ok {
			return domain.Job{}, fmt.Errorf("job %q: unknown variable group %q", def.Name, grp)
		}
		job.Variables = appendUnique(job.Variables, vars...)
	}

	switch def.Years {
	case YearsLatest:
		job.Years = []int{latest}
	default:
		job.Years = domain.FetchYears(dataset, startYear, latest)
	}
	return job, nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		if !slices.Contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
