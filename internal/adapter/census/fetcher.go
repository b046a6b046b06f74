package census

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

// Fetcher pulls many variables for many vintages of one geography, splitting
// the variable list into request-sized chunks and fetching years in parallel.
type Fetcher struct {
	api         API
	chunkSize   int
	concurrency int
	logger      *slog.Logger
}

// NewFetcher creates a fetcher. Non-positive sizes fall back to 10 variables
// per chunk and 5 concurrent years.
func NewFetcher(api API, chunkSize, concurrency int, logger *slog.Logger) *Fetcher {
	if chunkSize <= 0 {
		chunkSize = 10
	}
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Fetcher{api: api, chunkSize: chunkSize, concurrency: concurrency, logger: logger}
}

type yearResult struct {
	obs   []domain.Observation
	metas []domain.VariableMeta
}

// Fetch returns long-format observations with labels attached, plus the
// variable metadata that was found. A chunk that fails for a year is logged
// and skipped; only context cancellation aborts the fetch. Results are
// ordered by year then chunk regardless of completion order.
func (f *Fetcher) Fetch(ctx context.Context, dataset domain.Dataset, geo domain.Geography, years []int, vars []string) ([]domain.Observation, []domain.VariableMeta, error) {
	chunks := Chunk(vars, f.chunkSize)
	results := make([]yearResult, len(years))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(f.concurrency)
	for i, year := range years {
		eg.Go(func() error {
			res, err := f.fetchYear(egCtx, dataset, geo, year, chunks)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, nil, err
	}

	var (
		obs   []domain.Observation
		metas []domain.VariableMeta
	)
	for _, r := range results {
		obs = append(obs, r.obs...)
		metas = append(metas, r.metas...)
	}
	return domain.AttachMetadata(obs, metas), metas, nil
}

func (f *Fetcher) fetchYear(ctx context.Context, dataset domain.Dataset, geo domain.Geography, year int, chunks [][]string) (yearResult, error) {
	var res yearResult
	for _, chunk := range chunks {
		rows, err := f.api.FetchTable(ctx, dataset, year, geo, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			f.logger.Warn("census fetch failed, skipping chunk",
				"dataset", dataset, "year", year, "geo", geo.String(), "variables", len(chunk), "error", err)
			continue
		}
		obs, err := domain.MeltResponse(dataset, year, geo, rows)
		if err != nil {
			f.logger.Warn("census response malformed, skipping chunk",
				"dataset", dataset, "year", year, "geo", geo.String(), "error", err)
			continue
		}
		res.obs = append(res.obs, obs...)

		for _, code := range chunk {
			meta, err := f.api.FetchVariable(ctx, dataset, year, code)
			if err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				if !errors.Is(err, domain.ErrNoData) {
					f.logger.Warn("variable metadata unavailable",
						"dataset", dataset, "year", year, "variable", code, "error", err)
				}
				continue
			}
			res.metas = append(res.metas, meta)
		}
	}
	f.logger.Debug("fetched year", "dataset", dataset, "year", year, "geo", geo.String(), "observations", len(res.obs))
	return res, nil
}

// Chunk splits vars into groups of at most size, dropping NAME, which every
// request carries anyway.
func Chunk(vars []string, size int) [][]string {
	var clean []string
	for _, v := range vars {
		if v != "NAME" && v != "" {
			clean = append(clean, v)
		}
	}
	var out [][]string
	for start := 0; start < len(clean); start += size {
		end := min(start+size, len(clean))
		out = append(out, clean[start:end])
	}
	return out
}
