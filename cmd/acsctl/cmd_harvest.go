package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/census"
	"github.com/couchcryptid/acs-housing-etl/internal/pipeline"
)

var harvestJobs []string

// harvestCmd runs a single harvest into the store
var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Run one harvest of the catalog jobs into the SQLite store",
	RunE:  runHarvest,
}

func init() {
	harvestCmd.Flags().StringSliceVar(&harvestJobs, "job", nil, "Catalog job(s) to run (default: all)")
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := census.NewClient(cfg, metrics, logger)
	fetcher := census.NewFetcher(newCachedClient(client), cfg.CensusChunkSize, cfg.CensusConcurrent, logger)
	p := pipeline.New(cat, client,
		pipeline.NewExtractor(fetcher, logger),
		pipeline.NewTransformer(cat.AllMetrics(), logger),
		store,
		logger, metrics,
		pipeline.WithStartYear(cfg.StartYear),
		pipeline.WithJobs(harvestJobs...),
	)

	report, runErr := p.RunOnce(ctx)
	out := cmd.OutOrStdout()
	for _, e := range report.Events {
		status := "ok"
		if e.Error != "" {
			status = "FAILED: " + e.Error
		}
		fmt.Fprintf(out, "%-24s %-5s years=%v observations=%d metrics=%d %s\n",
			e.Job, e.Dataset, e.Years, e.Observations, e.Metrics, status)
	}
	if runErr != nil {
		return fmt.Errorf("harvest %s: %w", report.RunID, runErr)
	}
	return nil
}
