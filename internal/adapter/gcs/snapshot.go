// Package gcs writes harvest snapshots to Google Cloud Storage as gzip
// compressed JSON lines, one object per job and vintage.
package gcs

import (
	"cmp"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"time"

	"cloud.google.com/go/storage"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

type openFunc func(ctx context.Context, name string) io.WriteCloser

// Snapshotter implements pipeline.Loader by exporting the long-format
// observations of every batch.
type Snapshotter struct {
	client *storage.Client
	open   openFunc
	bucket string
	prefix string
	logger *slog.Logger
}

// NewSnapshotter connects to GCS with application default credentials.
func NewSnapshotter(ctx context.Context, bucket, prefix string, logger *slog.Logger) (*Snapshotter, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	open := func(ctx context.Context, name string) io.WriteCloser {
		w := client.Bucket(bucket).Object(name).NewWriter(ctx)
		w.ContentType = "application/gzip"
		return w
	}
	return &Snapshotter{client: client, open: open, bucket: bucket, prefix: prefix, logger: logger}, nil
}

// ObjectName returns the object a job's vintage is written to.
func ObjectName(prefix, job string, year int) string {
	return path.Join(prefix, job, strconv.Itoa(year)+".jsonl.gz")
}

// Load writes one object per year in the batch, replacing earlier snapshots
// of the same job and year.
func (s *Snapshotter) Load(ctx context.Context, batch domain.Batch) error {
	byYear := make(map[int][]domain.Observation)
	for _, o := range batch.Observations {
		byYear[o.Year] = append(byYear[o.Year], o)
	}
	years := make([]int, 0, len(byYear))
	for y := range byYear {
		years = append(years, y)
	}
	slices.Sort(years)

	for _, year := range years {
		name := ObjectName(s.prefix, batch.Job.Name, year)
		if err := s.writeObject(ctx, name, byYear[year], batch.RunID, batch.HarvestedAt); err != nil {
			return fmt.Errorf("snapshot gs://%s/%s: %w", s.bucket, name, err)
		}
		s.logger.Debug("wrote snapshot", "job", batch.Job.Name, "year", year, "object", name, "rows", len(byYear[year]))
	}
	s.logger.Info("snapshot exported", "job", batch.Job.Name, "run_id", batch.RunID, "objects", len(years))
	return nil
}

// writeObject cancels the upload when encoding fails so a partial object is
// never committed.
func (s *Snapshotter) writeObject(ctx context.Context, name string, obs []domain.Observation, runID string, harvestedAt time.Time) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.open(ctx, name)
	if err := encodeSnapshot(w, obs, runID, harvestedAt); err != nil {
		cancel()
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (s *Snapshotter) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// snapshotRecord is one JSON line of a snapshot.
type snapshotRecord struct {
	Dataset     domain.Dataset `json:"dataset"`
	Year        int            `json:"year"`
	Level       domain.Level   `json:"level"`
	GeoID       string         `json:"geo_id"`
	Name        string         `json:"name"`
	Variable    string         `json:"variable"`
	Label       string         `json:"label,omitempty"`
	Concept     string         `json:"concept,omitempty"`
	Value       float64        `json:"value"`
	RunID       string         `json:"run_id"`
	HarvestedAt time.Time      `json:"harvested_at"`
}

// encodeSnapshot writes observations as gzip JSON lines ordered by entity
// then variable.
func encodeSnapshot(w io.Writer, obs []domain.Observation, runID string, harvestedAt time.Time) error {
	sorted := slices.Clone(obs)
	slices.SortStableFunc(sorted, func(a, b domain.Observation) int {
		return cmp.Or(
			cmp.Compare(a.Entity.GeoID, b.Entity.GeoID),
			cmp.Compare(a.Variable, b.Variable),
		)
	})

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	for _, o := range sorted {
		rec := snapshotRecord{
			Dataset:     o.Dataset,
			Year:        o.Year,
			Level:       o.Entity.Level,
			GeoID:       o.Entity.GeoID,
			Name:        o.Entity.Name,
			Variable:    o.Variable,
			Label:       o.Label,
			Concept:     o.Concept,
			Value:       o.Value,
			RunID:       runID,
			HarvestedAt: harvestedAt.UTC(),
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode %s %s: %w", o.Entity.GeoID, o.Variable, err)
		}
	}
	return gz.Close()
}
