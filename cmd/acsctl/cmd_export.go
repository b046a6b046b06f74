package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/export"
)

var (
	exportDataset   string
	exportOut       string
	exportEntity    string
	exportReference string
	exportMetric    string
	exportLevel     string
	exportState     string
	exportYear      int
)

// exportCmd groups the XLSX exports
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored tables as XLSX",
}

var exportCompareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Export the comparison table of an entity against a reference",
	RunE:  runExportCompare,
}

var exportMapCmd = &cobra.Command{
	Use:   "map",
	Short: "Export a metric's ranked map table for one level and year",
	RunE:  runExportMap,
}

func init() {
	exportCmd.PersistentFlags().StringVar(&exportDataset, "dataset", string(domain.ACS5), "Dataset (acs1 or acs5)")
	exportCmd.PersistentFlags().StringVarP(&exportOut, "out", "o", "", "Output file (required)")
	_ = exportCmd.MarkPersistentFlagRequired("out")

	exportCompareCmd.Flags().StringVar(&exportEntity, "entity", "", "Entity name or GEOID (required)")
	exportCompareCmd.Flags().StringVar(&exportReference, "reference", "United States", "Reference entity")
	_ = exportCompareCmd.MarkFlagRequired("entity")

	exportMapCmd.Flags().StringVar(&exportMetric, "metric", "", "Metric id (required)")
	exportMapCmd.Flags().StringVar(&exportLevel, "level", string(domain.LevelState), "Level (state or county)")
	exportMapCmd.Flags().StringVar(&exportState, "state", "", "Limit counties to one state")
	exportMapCmd.Flags().IntVar(&exportYear, "year", 0, "Year (default: latest)")
	_ = exportMapCmd.MarkFlagRequired("metric")
}

func runExportCompare(cmd *cobra.Command, _ []string) error {
	dataset, err := domain.ParseDataset(exportDataset)
	if err != nil {
		return err
	}
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

	cmpMetrics := cat.ComparisonMetrics()
	vars, err := cat.MetricVariables(cat.Comparison...)
	if err != nil {
		return err
	}
	obs, err := store.Observations(ctx, sqlite.Query{
		Dataset:   dataset,
		Entities:  []string{exportEntity, exportReference},
		Variables: vars,
	})
	if err != nil {
		return err
	}
	c, err := domain.Compare(domain.Pivot(obs), cmpMetrics, exportEntity, exportReference)
	if err != nil {
		return err
	}
	return writeXLSX(func(f *os.File) error { return export.ComparisonXLSX(f, c) })
}

func runExportMap(cmd *cobra.Command, _ []string) error {
	dataset, err := domain.ParseDataset(exportDataset)
	if err != nil {
		return err
	}
	level, err := domain.ParseLevel(exportLevel)
	if err != nil {
		return err
	}
	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	m, err := cat.Metric(exportMetric)
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

	obs, err := store.Observations(ctx, sqlite.Query{
		Dataset:   dataset,
		Level:     level,
		Variables: m.Inputs(),
		From:      exportYear,
		To:        exportYear,
	})
	if err != nil {
		return err
	}
	if exportState != "" {
		st, ok := domain.LookupState(exportState)
		if !ok {
			return fmt.Errorf("unknown state %q", exportState)
		}
		kept := obs[:0]
		for _, o := range obs {
			if strings.HasPrefix(o.Entity.GeoID, st.FIPS) {
				kept = append(kept, o)
			}
		}
		obs = kept
	}
	if len(obs) == 0 {
		return fmt.Errorf("%s %s: %w", dataset, m.ID, domain.ErrNoData)
	}

	values, year := domain.MapValues(domain.Pivot(obs), m, exportYear)
	return writeXLSX(func(f *os.File) error { return export.MapTableXLSX(f, m.Name, year, values) })
}

func writeXLSX(write func(*os.File) error) error {
	f, err := os.Create(exportOut)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Info("export written", "path", exportOut)
	return nil
}
