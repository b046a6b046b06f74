package domain

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// nameColumn is the Census display-name column requested with every chunk.
const nameColumn = "NAME"

// geoColumns are the geography columns the API appends to each response.
var geoColumns = map[string]bool{"us": true, "state": true, "county": true}

// sentinels are the Census annotation values that stand in for a missing
// estimate (e.g. -666666666 = "too few sample observations").
var sentinels = map[float64]bool{
	-666666666: true,
	-999999999: true,
	-888888888: true,
	-222222222: true,
	-333333333: true,
	-555555555: true,
}

// MeltResponse converts a Census API response (header row first) into
// long-format observations. Values that are null, unparseable or a Census
// sentinel are dropped.
func MeltResponse(dataset Dataset, year int, geo Geography, rows [][]*string) ([]Observation, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("melt response: %w: empty body", ErrNoData)
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		if h == nil {
			return nil, fmt.Errorf("melt response: null header at column %d", i)
		}
		header[i] = *h
	}

	var out []Observation
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			return nil, fmt.Errorf("melt response: row has %d columns, header has %d", len(row), len(header))
		}
		entity := entityFromRow(geo.Level, header, row)
		for i, col := range header {
			if col == nameColumn || geoColumns[col] {
				continue
			}
			v, ok := parseEstimate(row[i])
			if !ok {
				continue
			}
			out = append(out, Observation{
				Dataset:  dataset,
				Year:     year,
				Entity:   entity,
				Variable: col,
				Value:    v,
			})
		}
	}
	return out, nil
}

func entityFromRow(level Level, header []string, row []*string) Entity {
	cols := make(map[string]string, len(header))
	for i, h := range header {
		if row[i] != nil {
			cols[h] = *row[i]
		}
	}

	var geoID string
	switch level {
	case LevelUS:
		geoID = cols["us"]
	case LevelState:
		geoID = cols["state"]
	case LevelCounty:
		geoID = cols["state"] + cols["county"]
	}

	name := cols[nameColumn]
	if name == "" {
		name = geoID
	}
	return Entity{Level: level, GeoID: geoID, Name: name}
}

func parseEstimate(s *string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if sentinels[v] {
		return 0, false
	}
	return v, true
}

// AttachMetadata fills Label and Concept from variable definitions matched on
// (variable, year). Observations without a definition keep empty labels.
func AttachMetadata(obs []Observation, metas []VariableMeta) []Observation {
	type key struct {
		code string
		year int
	}
	index := make(map[key]VariableMeta, len(metas))
	for _, m := range metas {
		index[key{m.Code, m.Year}] = m
	}
	for i := range obs {
		if m, ok := index[key{obs[i].Variable, obs[i].Year}]; ok {
			obs[i].Label = m.Label
			obs[i].Concept = m.Concept
		}
	}
	return obs
}

// Row is one entity-year of a pivoted table.
type Row struct {
	Entity Entity
	Year   int
	Values map[string]float64
}

// Value returns a variable and whether it is present.
func (r Row) Value(variable string) (float64, bool) {
	v, ok := r.Values[variable]
	return v, ok
}

type rowKey struct {
	level Level
	geoID string
	year  int
}

// Table is the wide form of a set of observations: one row per entity and
// year with a column per variable.
type Table struct {
	rows map[rowKey]*Row
}

// Pivot turns long observations into a wide table. A later observation for
// the same entity, year and variable replaces an earlier one.
func Pivot(obs []Observation) Table {
	t := Table{rows: make(map[rowKey]*Row)}
	for _, o := range obs {
		k := rowKey{o.Entity.Level, o.Entity.GeoID, o.Year}
		r, ok := t.rows[k]
		if !ok {
			r = &Row{Entity: o.Entity, Year: o.Year, Values: make(map[string]float64)}
			t.rows[k] = r
		}
		r.Values[o.Variable] = o.Value
	}
	return t
}

// Len returns the number of rows.
func (t Table) Len() int { return len(t.rows) }

// Rows returns the rows ordered by level, entity name and year.
func (t Table) Rows() []Row {
	out := make([]Row, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Row) int {
		if c := strings.Compare(string(a.Entity.Level), string(b.Entity.Level)); c != 0 {
			return c
		}
		if c := strings.Compare(a.Entity.Name, b.Entity.Name); c != 0 {
			return c
		}
		return a.Year - b.Year
	})
	return out
}

// Filter keeps rows whose entity matches one of names (by name or GeoID)
// and whose year is within [from, to]. An empty names list keeps every
// entity; a zero bound is open.
func (t Table) Filter(names []string, from, to int) Table {
	out := Table{rows: make(map[rowKey]*Row)}
	for k, r := range t.rows {
		if len(names) > 0 && !matchesEntity(r.Entity, names) {
			continue
		}
		if from != 0 && r.Year < from {
			continue
		}
		if to != 0 && r.Year > to {
			continue
		}
		out.rows[k] = r
	}
	return out
}

// FilterLevel keeps rows at the given summary level.
func (t Table) FilterLevel(level Level) Table {
	out := Table{rows: make(map[rowKey]*Row)}
	for k, r := range t.rows {
		if r.Entity.Level == level {
			out.rows[k] = r
		}
	}
	return out
}

func matchesEntity(e Entity, names []string) bool {
	for _, n := range names {
		if strings.EqualFold(e.Name, n) || e.GeoID == n {
			return true
		}
	}
	return false
}

// Years returns the distinct years in ascending order.
func (t Table) Years() []int {
	seen := make(map[int]bool)
	for _, r := range t.rows {
		seen[r.Year] = true
	}
	years := make([]int, 0, len(seen))
	for y := range seen {
		years = append(years, y)
	}
	slices.Sort(years)
	return years
}

// entityKey identifies an entity independently of its display name, which
// the Census API may spell differently between vintages.
type entityKey struct {
	level Level
	geoID string
}

func keyOf(e Entity) entityKey { return entityKey{level: e.Level, geoID: e.GeoID} }

// Entities returns the distinct entities, one per level and GeoID, ordered by
// level and name. An entity whose name changed between years carries the
// name of its latest year.
func (t Table) Entities() []Entity {
	type named struct {
		entity Entity
		year   int
	}
	seen := make(map[entityKey]named)
	for _, r := range t.rows {
		k := keyOf(r.Entity)
		cur, ok := seen[k]
		if !ok || r.Year > cur.year || (r.Year == cur.year && r.Entity.Name < cur.entity.Name) {
			seen[k] = named{entity: r.Entity, year: r.Year}
		}
	}
	out := make([]Entity, 0, len(seen))
	for _, n := range seen {
		out = append(out, n.entity)
	}
	slices.SortFunc(out, func(a, b Entity) int {
		if c := strings.Compare(string(a.Level), string(b.Level)); c != 0 {
			return c
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.GeoID, b.GeoID)
	})
	return out
}

// Find returns the row for an entity (matched by name or GeoID) and year.
func (t Table) Find(entity string, year int) (Row, bool) {
	for _, r := range t.rows {
		if r.Year == year && matchesEntity(r.Entity, []string{entity}) {
			return *r, true
		}
	}
	return Row{}, false
}

// LatestYear returns the most recent year in the table, or 0 when empty.
func (t Table) LatestYear() int {
	years := t.Years()
	if len(years) == 0 {
		return 0
	}
	return years[len(years)-1]
}
