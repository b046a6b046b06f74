package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// Fetcher pulls observations for one geography across vintages.
type Fetcher interface {
	Fetch(ctx context.Context, dataset domain.Dataset, geo domain.Geography, years []int, vars []string) ([]domain.Observation, []domain.VariableMeta, error)
}

// CensusExtractor implements Extractor by fetching each geography of a job in turn.
type CensusExtractor struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewExtractor creates a CensusExtractor.
func NewExtractor(f Fetcher, logger *slog.Logger) *CensusExtractor {
	return &CensusExtractor{fetcher: f, logger: logger}
}

// Extract fetches every geography of the job. Variable metadata repeated
// across geographies is kept once per (year, code).
func (e *CensusExtractor) Extract(ctx context.Context, job domain.Job) (domain.Extract, error) {
	ext := domain.Extract{Job: job}
	type metaKey struct {
		year int
		code string
	}
	seen := make(map[metaKey]bool)

	for _, geo := range job.Geographies {
		obs, metas, err := e.fetcher.Fetch(ctx, job.Dataset, geo, job.Years, job.Variables)
		if err != nil {
			return domain.Extract{}, err
		}
		e.logger.Debug("fetched geography", "job", job.Name, "geo", geo.String(), "observations", len(obs))
		ext.Observations = append(ext.Observations, obs...)
		for _, m := range metas {
			k := metaKey{m.Year, m.Code}
			if seen[k] {
				continue
			}
			seen[k] = true
			ext.Variables = append(ext.Variables, m)
		}
	}
	return ext, nil
}
