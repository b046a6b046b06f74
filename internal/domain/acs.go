package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNoData reports that the Census API had nothing for a request
	// (unknown variable, unreleased vintage, empty geography).
	ErrNoData = errors.New("no data")

	// ErrVintageNotFound reports that no released vintage was found.
	ErrVintageNotFound = errors.New("no available vintage")

	// ErrUnknownGeography reports an unsupported geography clause.
	ErrUnknownGeography = errors.New("unknown geography")
)

// Dataset identifies an ACS product.
type Dataset string

const (
	ACS1 Dataset = "acs1"
	ACS5 Dataset = "acs5"
)

// ParseDataset validates a dataset name.
func ParseDataset(s string) (Dataset, error) {
	switch d := Dataset(strings.ToLower(strings.TrimSpace(s))); d {
	case ACS1, ACS5:
		return d, nil
	default:
		return "", fmt.Errorf("unknown dataset %q", s)
	}
}

// Level is the geographic summary level of an entity.
type Level string

const (
	LevelUS     Level = "us"
	LevelState  Level = "state"
	LevelCounty Level = "county"
)

// ParseLevel validates a summary level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case LevelUS, LevelState, LevelCounty:
		return l, nil
	default:
		return "", fmt.Errorf("%w: level %q", ErrUnknownGeography, s)
	}
}

// Geography is a Census "for"/"in" clause pair, e.g. county:* in state:08.
type Geography struct {
	Level  Level
	Code   string // "*" or a FIPS code
	Within string // optional "in" clause, e.g. "state:08"
}

// ParseGeography parses a "for" clause and an optional "in" clause.
func ParseGeography(forClause, inClause string) (Geography, error) {
	level, code, ok := strings.Cut(strings.TrimSpace(forClause), ":")
	if !ok || code == "" {
		return Geography{}, fmt.Errorf("%w: %q", ErrUnknownGeography, forClause)
	}
	l, err := ParseLevel(level)
	if err != nil {
		return Geography{}, err
	}
	inClause = strings.TrimSpace(inClause)
	if inClause != "" {
		if _, _, ok := strings.Cut(inClause, ":"); !ok {
			return Geography{}, fmt.Errorf("%w: in clause %q", ErrUnknownGeography, inClause)
		}
	}
	return Geography{Level: l, Code: code, Within: inClause}, nil
}

// String returns the "for" clause.
func (g Geography) String() string {
	return string(g.Level) + ":" + g.Code
}

// Entity is one geographic unit in a response.
type Entity struct {
	Level Level  `json:"level"`
	GeoID string `json:"geo_id"` // concatenated FIPS, "1" for the nation
	Name  string `json:"name"`
}

// Observation is one long-format (entity, year, variable, value) row.
type Observation struct {
	Dataset  Dataset `json:"dataset"`
	Year     int     `json:"year"`
	Entity   Entity  `json:"entity"`
	Variable string  `json:"variable"`
	Label    string  `json:"label,omitempty"`
	Concept  string  `json:"concept,omitempty"`
	Value    float64 `json:"value"`
}

// VariableMeta is the definition the Census API publishes for a variable.
type VariableMeta struct {
	Dataset Dataset `json:"dataset"`
	Year    int     `json:"year"`
	Code    string  `json:"code"`
	Label   string  `json:"label"`
	Concept string  `json:"concept"`
}

// MetricValue is a derived metric for one entity and year.
type MetricValue struct {
	Dataset  Dataset `json:"dataset"`
	Year     int     `json:"year"`
	Entity   Entity  `json:"entity"`
	MetricID string  `json:"metric"`
	Value    float64 `json:"value"`
}

// Job is one harvest plan: a dataset, the geographies to fetch, and the
// variables every geography needs.
type Job struct {
	Name        string
	Dataset     Dataset
	Geographies []Geography
	Variables   []string
	Years       []int
}

// Extract is the raw result of fetching a job.
type Extract struct {
	Job          Job
	Observations []Observation
	Variables    []VariableMeta
}

// Batch is a transformed job ready for loading.
type Batch struct {
	RunID        string
	Job          Job
	Observations []Observation
	Variables    []VariableMeta
	Metrics      []MetricValue
	HarvestedAt  time.Time
}

// HarvestEvent reports the outcome of one job within a harvest run.
type HarvestEvent struct {
	RunID        string    `json:"run_id"`
	Job          string    `json:"job"`
	Dataset      Dataset   `json:"dataset"`
	Years        []int     `json:"years,omitempty"`
	Observations int       `json:"observations"`
	Metrics      int       `json:"metrics"`
	Error        string    `json:"error,omitempty"`
	HarvestedAt  time.Time `json:"harvested_at"`
}
