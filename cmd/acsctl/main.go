// Command acsctl is operator tooling for the ACS housing harvest: one-off
// fetches, manual harvests, XLSX exports and store validation.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/config"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
)

var (
	// Global flags
	catalogPath string
	dbPath      string
	timeout     time.Duration

	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "acsctl",
	Short: "Operate the ACS housing metrics harvest",
	Long: `acsctl drives the same Census client, catalog and SQLite store as the
harvest service. Configuration comes from the service's environment
variables; --catalog and --db override CATALOG_PATH and SQLITE_PATH.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if catalogPath != "" {
			cfg.CatalogPath = catalogPath
		}
		if dbPath != "" {
			cfg.SQLitePath = dbPath
		}
		logger = observability.NewLogger(cfg)
		metrics = observability.NewMetrics()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "Catalog YAML (default: CATALOG_PATH or the embedded catalog)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite store path (default: SQLITE_PATH)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Operation timeout")

	exportCmd.AddCommand(exportCompareCmd)
	exportCmd.AddCommand(exportMapCmd)

	rootCmd.AddCommand(vintageCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(harvestCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(validateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadCatalog() (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return cat, nil
}

func openStore() (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.SQLitePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.SQLitePath, err)
	}
	return store, nil
}
