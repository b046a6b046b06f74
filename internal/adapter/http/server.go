package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// Store is the read side of the observation store.
type Store interface {
	Observations(ctx context.Context, q sqlite.Query) ([]domain.Observation, error)
	Entities(ctx context.Context, dataset domain.Dataset, level domain.Level) ([]domain.Entity, error)
	LastHarvest(ctx context.Context, job string) (sqlite.Harvest, error)
}

// Server exposes the chart API plus health, readiness, metrics and the
// harvest event stream.
type Server struct {
	httpServer *http.Server
	store      Store
	catalog    *catalog.Catalog
	logger     *slog.Logger
}

// NewServer creates an HTTP server. events serves /ws and may be nil.
func NewServer(addr string, store Store, cat *catalog.Catalog, ready sharedobs.ReadinessChecker, events http.Handler, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		store:   store,
		catalog: cat,
		logger:  logger,
	}

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(ready))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if events != nil {
		r.Method(http.MethodGet, "/ws", events)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/catalog", s.handleCatalog)
		r.Get("/harvests/latest", s.handleLastHarvest)
		r.Route("/datasets/{dataset}", func(r chi.Router) {
			r.Get("/entities", s.handleEntities)
			r.Get("/metrics/{metric}", s.handleMetric)
			r.Get("/cumulative/{id}", s.handleCumulative)
			r.Get("/breakdowns/{id}", s.handleBreakdown)
			r.Get("/maps/{metric}", s.handleMap)
			r.Get("/compare", s.handleCompare)
		})
	})

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// badRequest marks a client parameter error.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

// writeError maps an error to a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var br badRequest
	switch {
	case errors.As(err, &br):
		status = http.StatusBadRequest
	case errors.Is(err, errUnknownDataset),
		errors.Is(err, catalog.ErrUnknownMetric),
		errors.Is(err, catalog.ErrUnknownBreakdown),
		errors.Is(err, catalog.ErrUnknownCumulative),
		errors.Is(err, catalog.ErrUnknownJob),
		errors.Is(err, domain.ErrNoData):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client may have gone away
}
