package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/chart"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/export"
)

var errUnknownDataset = errors.New("unknown dataset")

const (
	contentTypePNG  = "image/png"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

func (s *Server) handleCatalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog)
}

func (s *Server) handleLastHarvest(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.LastHarvest(r.Context(), r.URL.Query().Get("job"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	level, err := levelParam(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entities, err := s.store.Entities(r.Context(), dataset, level)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dataset": dataset, "entities": entities})
}

// handleMetric returns a metric's year series per entity, as data, a line
// spec (chart=line) or a PNG (format=png).
func (s *Server) handleMetric(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.catalog.Metric(chi.URLParam(r, "metric"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := rangeQuery(r, dataset, m.Inputs())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.table(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	series := domain.Series(table, m)
	if wantsPNG(r) || r.URL.Query().Get("chart") == string(domain.ChartLine) {
		s.writeSpec(w, r, chart.MetricLine(m, series))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metric": m, "series": series})
}

func (s *Server) handleCumulative(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	def, err := s.catalog.CumulativeDef(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var vars []string
	for _, m := range def.Series {
		vars = append(vars, m.Inputs()...)
	}
	q, err := rangeQuery(r, dataset, vars)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.table(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	series := domain.CumulativeChange(table, def)
	if wantsPNG(r) || r.URL.Query().Get("chart") == string(domain.ChartLine) {
		s.writeSpec(w, r, chart.CumulativeLine(def, series))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cumulative": def.ID, "name": def.Name, "series": series})
}

// handleBreakdown evaluates a breakdown for one entity and returns both the
// data and its chart spec.
func (s *Server) handleBreakdown(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := s.catalog.Breakdown(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		s.writeError(w, r, badRequest{"entity is required"})
		return
	}
	var vars []string
	for _, m := range b.Series {
		vars = append(vars, m.Inputs()...)
	}
	q, err := rangeQuery(r, dataset, vars)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q.Entities = []string{entity}
	table, err := s.table(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	years := domain.EvaluateBreakdown(table, b, entity)
	spec := chart.BreakdownChart(b, years)
	if wantsPNG(r) {
		s.writeSpec(w, r, spec)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakdown": b.ID, "name": b.Name, "years": years, "chart": spec})
}

// handleMap returns choropleth data for one level and year, optionally
// limited to the counties of one state, as JSON or XLSX.
func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.catalog.Metric(chi.URLParam(r, "metric"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	level, err := levelParam(r, domain.LevelState)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	year, err := intParam(r, "year")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := sqlite.Query{Dataset: dataset, Level: level, Variables: m.Inputs(), From: year, To: year}
	obs, err := s.store.Observations(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if st := r.URL.Query().Get("state"); st != "" {
		state, ok := domain.LookupState(st)
		if !ok {
			s.writeError(w, r, badRequest{fmt.Sprintf("unknown state %q", st)})
			return
		}
		obs = withinState(obs, state)
	}
	if len(obs) == 0 {
		s.writeError(w, r, fmt.Errorf("%s %s: %w", dataset, m.ID, domain.ErrNoData))
		return
	}

	values, year := domain.MapValues(domain.Pivot(obs), m, year)
	if r.URL.Query().Get("format") == "xlsx" {
		var buf bytes.Buffer
		if err := export.MapTableXLSX(&buf, m.Name, year, values); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeFile(w, contentTypeXLSX, fmt.Sprintf("%s-%s-%d.xlsx", m.ID, level, year), buf.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"choropleth": chart.Choropleth(m, level, year, values),
		"table":      values,
	})
}

// handleCompare builds the county-versus-state table. The reference defaults
// to the entity's state, or the nation for a state.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	dataset, err := datasetParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entity := r.URL.Query().Get("entity")
	if entity == "" {
		s.writeError(w, r, badRequest{"entity is required"})
		return
	}
	metrics := s.catalog.ComparisonMetrics()
	var vars []string
	for _, m := range metrics {
		vars = append(vars, m.Inputs()...)
	}

	subject, err := s.table(r.Context(), sqlite.Query{Dataset: dataset, Entities: []string{entity}, Variables: vars})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reference := r.URL.Query().Get("reference")
	if reference == "" {
		reference = defaultReference(subject.Entities()[0])
	}
	table, err := s.table(r.Context(), sqlite.Query{Dataset: dataset, Entities: []string{entity, reference}, Variables: vars})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cmp, err := domain.Compare(table, metrics, entity, reference)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "xlsx" {
		var buf bytes.Buffer
		if err := export.ComparisonXLSX(&buf, cmp); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeFile(w, contentTypeXLSX, fmt.Sprintf("compare-%d.xlsx", cmp.Year), buf.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

// table loads a query into a pivoted table. An empty result is ErrNoData.
func (s *Server) table(ctx context.Context, q sqlite.Query) (domain.Table, error) {
	obs, err := s.store.Observations(ctx, q)
	if err != nil {
		return domain.Table{}, err
	}
	if len(obs) == 0 {
		return domain.Table{}, fmt.Errorf("%s %s: %w", q.Dataset, strings.Join(q.Entities, ","), domain.ErrNoData)
	}
	return domain.Pivot(obs), nil
}

// writeSpec answers with the spec as JSON or, for format=png, rendered.
func (s *Server) writeSpec(w http.ResponseWriter, r *http.Request, spec chart.Spec) {
	if !wantsPNG(r) {
		writeJSON(w, http.StatusOK, spec)
		return
	}
	data, err := chart.RenderPNG(spec)
	if err != nil {
		if errors.Is(err, chart.ErrUnsupported) {
			err = badRequest{err.Error()}
		}
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentTypePNG)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeFile(w http.ResponseWriter, contentType, name string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func wantsPNG(r *http.Request) bool {
	return r.URL.Query().Get("format") == "png"
}

func datasetParam(r *http.Request) (domain.Dataset, error) {
	d, err := domain.ParseDataset(chi.URLParam(r, "dataset"))
	if err != nil {
		return "", fmt.Errorf("%w: %w", errUnknownDataset, err)
	}
	return d, nil
}

func levelParam(r *http.Request, def domain.Level) (domain.Level, error) {
	raw := r.URL.Query().Get("level")
	if raw == "" {
		return def, nil
	}
	level, err := domain.ParseLevel(raw)
	if err != nil {
		return "", badRequest{err.Error()}
	}
	return level, nil
}

func intParam(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest{fmt.Sprintf("invalid %s %q", key, raw)}
	}
	return n, nil
}

// rangeQuery reads entity (repeatable or comma separated), from and to.
func rangeQuery(r *http.Request, dataset domain.Dataset, vars []string) (sqlite.Query, error) {
	q := sqlite.Query{Dataset: dataset, Variables: vars}
	for _, v := range r.URL.Query()["entity"] {
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				q.Entities = append(q.Entities, e)
			}
		}
	}
	var err error
	if q.From, err = intParam(r, "from"); err != nil {
		return q, err
	}
	if q.To, err = intParam(r, "to"); err != nil {
		return q, err
	}
	if q.From != 0 && q.To != 0 && q.From > q.To {
		return q, badRequest{fmt.Sprintf("from %d is after to %d", q.From, q.To)}
	}
	return q, nil
}

func withinState(obs []domain.Observation, state domain.State) []domain.Observation {
	out := obs[:0:0]
	for _, o := range obs {
		if strings.HasPrefix(o.Entity.GeoID, state.FIPS) && o.Entity.Level != domain.LevelUS {
			out = append(out, o)
		}
	}
	return out
}

func defaultReference(e domain.Entity) string {
	if e.Level == domain.LevelCounty && len(e.GeoID) >= 2 {
		if st, ok := domain.LookupState(e.GeoID[:2]); ok {
			return st.Name
		}
	}
	return "United States"
}
