package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/census"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

var (
	fetchDataset string
	fetchGeo     string
	fetchIn      string
	fetchYears   string
	fetchVars    []string
	fetchGroup   string
	fetchOut     string
)

// vintageCmd prints the latest released year of a dataset
var vintageCmd = &cobra.Command{
	Use:   "vintage",
	Short: "Print the latest available vintage of a dataset",
	RunE:  runVintage,
}

// fetchCmd runs a one-off Census fetch
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch variables for a geography and write long-format JSON lines",
	Long: `Fetch raw ACS estimates without touching the store.

Examples:
  acsctl fetch --dataset acs5 --geo 'county:*' --in state:08 --group tenure
  acsctl fetch --dataset acs1 --geo state:08 --years 2015-2022 --vars B25001_001E,B01003_001E`,
	RunE: runFetch,
}

func init() {
	vintageCmd.Flags().StringVar(&fetchDataset, "dataset", string(domain.ACS1), "Dataset (acs1 or acs5)")

	fetchCmd.Flags().StringVar(&fetchDataset, "dataset", string(domain.ACS1), "Dataset (acs1 or acs5)")
	fetchCmd.Flags().StringVar(&fetchGeo, "geo", "us:1", "Geography for clause, e.g. state:08 or county:*")
	fetchCmd.Flags().StringVar(&fetchIn, "in", "", "Geography in clause, e.g. state:08")
	fetchCmd.Flags().StringVar(&fetchYears, "years", "latest", "Years: latest, 2022, 2019,2021 or 2015-2022")
	fetchCmd.Flags().StringSliceVar(&fetchVars, "vars", nil, "Variable codes")
	fetchCmd.Flags().StringVar(&fetchGroup, "group", "", "Catalog variable group")
	fetchCmd.Flags().StringVarP(&fetchOut, "out", "o", "", "Output file (default: stdout)")
}

func runVintage(cmd *cobra.Command, _ []string) error {
	dataset, err := domain.ParseDataset(fetchDataset)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	year, err := census.NewClient(cfg, metrics, logger).LatestVintage(ctx, dataset)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), year)
	return nil
}

func runFetch(cmd *cobra.Command, _ []string) error {
	dataset, err := domain.ParseDataset(fetchDataset)
	if err != nil {
		return err
	}
	geo, err := domain.ParseGeography(fetchGeo, fetchIn)
	if err != nil {
		return err
	}
	vars, err := fetchVariables()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client := census.NewClient(cfg, metrics, logger)
	years, err := parseYears(fetchYears, dataset, func() (int, error) { return client.LatestVintage(ctx, dataset) })
	if err != nil {
		return err
	}

	fetcher := census.NewFetcher(newCachedClient(client), cfg.CensusChunkSize, cfg.CensusConcurrent, logger)
	obs, _, err := fetcher.Fetch(ctx, dataset, geo, years, vars)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if fetchOut != "" {
		f, err := os.Create(fetchOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := writeJSONLines(w, obs); err != nil {
		return err
	}
	logger.Info("fetch complete", "dataset", dataset, "geo", geo.String(), "years", len(years), "observations", len(obs))
	return nil
}

// newCachedClient puts the configured LRU in front of client so variable
// metadata is fetched once per code and year across geographies.
func newCachedClient(client *census.Client) *census.CachedClient {
	return census.NewCachedClient(client, cfg.CensusCacheSize, cfg.CensusCacheTTL, clockwork.NewRealClock(), metrics)
}

func fetchVariables() ([]string, error) {
	vars := fetchVars
	if fetchGroup != "" {
		cat, err := loadCatalog()
		if err != nil {
			return nil, err
		}
		group, ok := cat.Group(fetchGroup)
		if !ok {
			return nil, fmt.Errorf("unknown variable group %q", fetchGroup)
		}
		vars = append(vars, group...)
	}
	if len(vars) == 0 {
		return nil, fmt.Errorf("one of --vars or --group is required")
	}
	return vars, nil
}

// parseYears reads "latest", a single year, a comma list or an inclusive
// range. Ranges skip vintages the dataset never released. latest is only
// called for "latest".
func parseYears(s string, dataset domain.Dataset, latest func() (int, error)) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "latest" {
		y, err := latest()
		if err != nil {
			return nil, err
		}
		return []int{y}, nil
	}
	if from, to, ok := strings.Cut(s, "-"); ok {
		start, err1 := strconv.Atoi(strings.TrimSpace(from))
		end, err2 := strconv.Atoi(strings.TrimSpace(to))
		if err1 != nil || err2 != nil || start > end {
			return nil, fmt.Errorf("invalid year range %q", s)
		}
		return domain.FetchYears(dataset, start, end), nil
	}
	var years []int
	for _, part := range strings.Split(s, ",") {
		y, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", part)
		}
		years = append(years, y)
	}
	return years, nil
}

func writeJSONLines(w io.Writer, obs []domain.Observation) error {
	enc := json.NewEncoder(w)
	for _, o := range obs {
		if err := enc.Encode(o); err != nil {
			return fmt.Errorf("encode observation: %w", err)
		}
	}
	return nil
}
