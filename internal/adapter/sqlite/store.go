// Package sqlite persists harvested ACS observations, variable metadata,
// derived metric values and harvest history in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// Store is a SQLite-backed observation store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:" for a throwaway database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger = logger.With("component", "sqlite")
	logger.Info("opening sqlite store", "path", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %q: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS observations (
			dataset  TEXT NOT NULL,
			year     INTEGER NOT NULL,
			level    TEXT NOT NULL,
			geo_id   TEXT NOT NULL,
			name     TEXT NOT NULL,
			variable TEXT NOT NULL,
			value    REAL NOT NULL,
			PRIMARY KEY (dataset, year, level, geo_id, variable)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_observations_variable ON observations (dataset, variable, year)`,
		`CREATE TABLE IF NOT EXISTS variables (
			dataset TEXT NOT NULL,
			year    INTEGER NOT NULL,
			code    TEXT NOT NULL,
			label   TEXT NOT NULL,
			concept TEXT NOT NULL,
			PRIMARY KEY (dataset, year, code)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_values (
			dataset TEXT NOT NULL,
			year    INTEGER NOT NULL,
			level   TEXT NOT NULL,
			geo_id  TEXT NOT NULL,
			name    TEXT NOT NULL,
			metric  TEXT NOT NULL,
			value   REAL NOT NULL,
			PRIMARY KEY (dataset, year, level, geo_id, metric)
		)`,
		`CREATE TABLE IF NOT EXISTS harvests (
			run_id       TEXT NOT NULL,
			job          TEXT NOT NULL,
			dataset      TEXT NOT NULL,
			years        TEXT NOT NULL,
			observations INTEGER NOT NULL,
			metrics      INTEGER NOT NULL,
			harvested_at INTEGER NOT NULL, -- unix nanoseconds
			PRIMARY KEY (run_id, job)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SaveObservations upserts long-format observations.
func (s *Store) SaveObservations(ctx context.Context, obs []domain.Observation) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveObservations(ctx, tx, obs)
	})
}

func saveObservations(ctx context.Context, tx *sql.Tx, obs []domain.Observation) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO observations (dataset, year, level, geo_id, name, variable, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, year, level, geo_id, variable)
		DO UPDATE SET name = excluded.name, value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare observation insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		if _, err := stmt.ExecContext(ctx, string(o.Dataset), o.Year, string(o.Entity.Level), o.Entity.GeoID, o.Entity.Name, o.Variable, o.Value); err != nil {
			return fmt.Errorf("insert observation %s %d %s: %w", o.Variable, o.Year, o.Entity.GeoID, err)
		}
	}
	return nil
}

// SaveVariables upserts variable metadata.
func (s *Store) SaveVariables(ctx context.Context, metas []domain.VariableMeta) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveVariables(ctx, tx, metas)
	})
}

func saveVariables(ctx context.Context, tx *sql.Tx, metas []domain.VariableMeta) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO variables (dataset, year, code, label, concept)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dataset, year, code)
		DO UPDATE SET label = excluded.label, concept = excluded.concept`)
	if err != nil {
		return fmt.Errorf("prepare variable insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range metas {
		if _, err := stmt.ExecContext(ctx, string(m.Dataset), m.Year, m.Code, m.Label, m.Concept); err != nil {
			return fmt.Errorf("insert variable %s %d: %w", m.Code, m.Year, err)
		}
	}
	return nil
}

// SaveMetrics upserts derived metric values.
func (s *Store) SaveMetrics(ctx context.Context, values []domain.MetricValue) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return saveMetrics(ctx, tx, values)
	})
}

func saveMetrics(ctx context.Context, tx *sql.Tx, values []domain.MetricValue) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_values (dataset, year, level, geo_id, name, metric, value)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset, year, level, geo_id, metric)
		DO UPDATE SET name = excluded.name, value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare metric insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, string(v.Dataset), v.Year, string(v.Entity.Level), v.Entity.GeoID, v.Entity.Name, v.MetricID, v.Value); err != nil {
			return fmt.Errorf("insert metric %s %d %s: %w", v.MetricID, v.Year, v.Entity.GeoID, err)
		}
	}
	return nil
}

// Query selects observations. Zero fields do not filter.
type Query struct {
	Dataset   domain.Dataset
	Level     domain.Level
	Entities  []string // names (case-insensitive) or GeoIDs
	Variables []string
	From, To  int
}

// Observations returns matching observations with labels joined from the
// variables table, ordered by entity name, year and variable.
func (s *Store) Observations(ctx context.Context, q Query) ([]domain.Observation, error) {
	var (
		where []string
		args  []any
	)
	if q.Dataset != "" {
		where = append(where, "o.dataset = ?")
		args = append(args, string(q.Dataset))
	}
	if q.Level != "" {
		where = append(where, "o.level = ?")
		args = append(args, string(q.Level))
	}
	if len(q.Entities) > 0 {
		ph := placeholders(len(q.Entities))
		where = append(where, "(lower(o.name) IN ("+ph+") OR o.geo_id IN ("+ph+"))")
		for _, e := range q.Entities {
			args = append(args, strings.ToLower(e))
		}
		for _, e := range q.Entities {
			args = append(args, e)
		}
	}
	if len(q.Variables) > 0 {
		where = append(where, "o.variable IN ("+placeholders(len(q.Variables))+")")
		for _, v := range q.Variables {
			args = append(args, v)
		}
	}
	if q.From != 0 {
		where = append(where, "o.year >= ?")
		args = append(args, q.From)
	}
	if q.To != 0 {
		where = append(where, "o.year <= ?")
		args = append(args, q.To)
	}

	query := `
		SELECT o.dataset, o.year, o.level, o.geo_id, o.name, o.variable, o.value,
		       COALESCE(v.label, ''), COALESCE(v.concept, '')
		FROM observations o
		LEFT JOIN variables v ON v.dataset = o.dataset AND v.year = o.year AND v.code = o.variable`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY o.name, o.year, o.variable"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query observations: %w", err)
	}
	defer rows.Close()

	var out []domain.Observation
	for rows.Next() {
		var (
			o              domain.Observation
			dataset, level string
		)
		if err := rows.Scan(&dataset, &o.Year, &level, &o.Entity.GeoID, &o.Entity.Name, &o.Variable, &o.Value, &o.Label, &o.Concept); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		o.Dataset = domain.Dataset(dataset)
		o.Entity.Level = domain.Level(level)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MetricValues returns stored derived values of one metric for a dataset.
func (s *Store) MetricValues(ctx context.Context, dataset domain.Dataset, metric string) ([]domain.MetricValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, level, geo_id, name, value FROM metric_values
		WHERE dataset = ? AND metric = ?
		ORDER BY name, year`, string(dataset), metric)
	if err != nil {
		return nil, fmt.Errorf("query metric values: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricValue
	for rows.Next() {
		v := domain.MetricValue{Dataset: dataset, MetricID: metric}
		var level string
		if err := rows.Scan(&v.Year, &level, &v.Entity.GeoID, &v.Entity.Name, &v.Value); err != nil {
			return nil, fmt.Errorf("scan metric value: %w", err)
		}
		v.Entity.Level = domain.Level(level)
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestYear returns the most recent year stored for a dataset, or
// domain.ErrNoData when the dataset is empty.
func (s *Store) LatestYear(ctx context.Context, dataset domain.Dataset) (int, error) {
	var year sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(year) FROM observations WHERE dataset = ?`, string(dataset)).Scan(&year)
	if err != nil {
		return 0, fmt.Errorf("latest year: %w", err)
	}
	if !year.Valid {
		return 0, fmt.Errorf("latest year %s: %w", dataset, domain.ErrNoData)
	}
	return int(year.Int64), nil
}

// Entities lists the distinct entities stored for a dataset, optionally
// limited to one level, ordered by level and name.
func (s *Store) Entities(ctx context.Context, dataset domain.Dataset, level domain.Level) ([]domain.Entity, error) {
	query := `SELECT DISTINCT level, geo_id, name FROM observations WHERE dataset = ?`
	args := []any{string(dataset)}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, string(level))
	}
	query += ` ORDER BY level, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		var (
			e     domain.Entity
			level string
		)
		if err := rows.Scan(&level, &e.GeoID, &e.Name); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Level = domain.Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Harvest is one recorded job run.
type Harvest struct {
	RunID        string    `json:"run_id"`
	Job          string    `json:"job"`
	Dataset      string    `json:"dataset"`
	Years        string    `json:"years"`
	Observations int       `json:"observations"`
	Metrics      int       `json:"metrics"`
	HarvestedAt  time.Time `json:"harvested_at"`
}

// RecordHarvest stores a harvest row.
func (s *Store) RecordHarvest(ctx context.Context, h Harvest) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return recordHarvest(ctx, tx, h)
	})
}

func recordHarvest(ctx context.Context, tx *sql.Tx, h Harvest) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO harvests (run_id, job, dataset, years, observations, metrics, harvested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.RunID, h.Job, h.Dataset, h.Years, h.Observations, h.Metrics, h.HarvestedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record harvest %s: %w", h.Job, err)
	}
	return nil
}

// LastHarvest returns the most recent harvest of a job, or of any job when
// job is empty. It returns domain.ErrNoData when nothing was recorded.
func (s *Store) LastHarvest(ctx context.Context, job string) (Harvest, error) {
	query := `SELECT run_id, job, dataset, years, observations, metrics, harvested_at FROM harvests`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY harvested_at DESC LIMIT 1`

	var (
		h     Harvest
		nanos int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&h.RunID, &h.Job, &h.Dataset, &h.Years, &h.Observations, &h.Metrics, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Harvest{}, fmt.Errorf("last harvest %q: %w", job, domain.ErrNoData)
	}
	if err != nil {
		return Harvest{}, fmt.Errorf("last harvest %q: %w", job, err)
	}
	h.HarvestedAt = time.Unix(0, nanos).UTC()
	return h, nil
}

// Load writes a harvested batch (observations, metadata, derived metrics and
// the harvest record) in a single transaction.
func (s *Store) Load(ctx context.Context, batch domain.Batch) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := saveObservations(ctx, tx, batch.Observations); err != nil {
			return err
		}
		if err := saveVariables(ctx, tx, batch.Variables); err != nil {
			return err
		}
		if err := saveMetrics(ctx, tx, batch.Metrics); err != nil {
			return err
		}
		return recordHarvest(ctx, tx, Harvest{
			RunID:        batch.RunID,
			Job:          batch.Job.Name,
			Dataset:      string(batch.Job.Dataset),
			Years:        formatYears(batch.Job.Years),
			Observations: len(batch.Observations),
			Metrics:      len(batch.Metrics),
			HarvestedAt:  batch.HarvestedAt,
		})
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", batch.Job.Name, err)
	}
	s.logger.Info("stored batch",
		"job", batch.Job.Name,
		"run_id", batch.RunID,
		"observations", len(batch.Observations),
		"metrics", len(batch.Metrics),
	)
	return nil
}

func formatYears(years []int) string {
	parts := make([]string, len(years))
	for i, y := range years {
		parts[i] = fmt.Sprint(y)
	}
	return strings.Join(parts, ",")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
