package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

const maxReportedErrors = 20

var errValidationFailed = errors.New("validation failed")

// validateCmd checks the integrity of the harvested store
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run integrity checks over the SQLite store",
	Long: `Validate the harvested store against the catalog:

  Phase 1  every catalog job has a recorded harvest
  Phase 2  estimates are finite and non-negative (no leaked sentinels)
  Phase 3  every observation carries variable metadata
  Phase 4  every geography level a job requests is present
  Phase 5  percentage metrics fall within [0, 1]

Exits non-zero when any phase fails.`,
	RunE: runValidate,
}

// validationStore is the read side of the store the checks need.
type validationStore interface {
	Observations(ctx context.Context, q sqlite.Query) ([]domain.Observation, error)
	LastHarvest(ctx context.Context, job string) (sqlite.Harvest, error)
}

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

func runValidate(cmd *cobra.Command, _ []string) error {
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

	phases, err := validateStore(ctx, store, cat)
	if err != nil {
		return err
	}
	if !report(cmd.OutOrStdout(), phases) {
		return errValidationFailed
	}
	return nil
}

// validateStore loads each job dataset once and runs every phase over it.
func validateStore(ctx context.Context, store validationStore, cat *catalog.Catalog) ([]*phase, error) {
	byDataset := make(map[domain.Dataset][]domain.Observation)
	for _, j := range cat.Jobs {
		if _, ok := byDataset[j.Dataset]; ok {
			continue
		}
		obs, err := store.Observations(ctx, sqlite.Query{Dataset: j.Dataset})
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", j.Dataset, err)
		}
		byDataset[j.Dataset] = obs
	}

	harvests := &phase{name: "Phase 1: Harvest Records"}
	for _, j := range cat.Jobs {
		h, err := store.LastHarvest(ctx, j.Name)
		switch {
		case errors.Is(err, domain.ErrNoData):
			harvests.errorf("job %s: never harvested", j.Name)
		case err != nil:
			return nil, err
		case h.Observations == 0:
			harvests.errorf("job %s: last harvest %s loaded no observations", j.Name, h.RunID)
		}
	}

	return []*phase{
		harvests,
		validateEstimates(byDataset),
		validateMetadata(byDataset),
		validateCoverage(cat.Jobs, byDataset),
		validateRatios(cat.AllMetrics(), byDataset),
	}, nil
}

func validateEstimates(byDataset map[domain.Dataset][]domain.Observation) *phase {
	p := &phase{name: "Phase 2: Estimates (finite, non-negative)"}
	for _, obs := range byDataset {
		for _, o := range obs {
			if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) || o.Value < 0 {
				p.errorf("%s %d %s %s: value %v", o.Dataset, o.Year, o.Entity.Name, o.Variable, o.Value)
			}
		}
	}
	return p
}

func validateMetadata(byDataset map[domain.Dataset][]domain.Observation) *phase {
	p := &phase{name: "Phase 3: Variable Metadata"}
	type key struct {
		dataset  domain.Dataset
		year     int
		variable string
	}
	seen := make(map[key]bool)
	for _, obs := range byDataset {
		for _, o := range obs {
			k := key{o.Dataset, o.Year, o.Variable}
			if o.Label != "" || seen[k] {
				continue
			}
			seen[k] = true
			p.errorf("%s %d %s: no label", o.Dataset, o.Year, o.Variable)
		}
	}
	return p
}

func validateCoverage(jobs []catalog.JobDef, byDataset map[domain.Dataset][]domain.Observation) *phase {
	p := &phase{name: "Phase 4: Geographic Coverage"}
	for _, j := range jobs {
		levels := make(map[domain.Level]bool)
		for _, o := range byDataset[j.Dataset] {
			levels[o.Entity.Level] = true
		}
		for _, g := range j.Geographies {
			geo, err := domain.ParseGeography(g.For, g.In)
			if err != nil {
				p.errorf("job %s: %v", j.Name, err)
				continue
			}
			if !levels[geo.Level] {
				p.errorf("job %s: no %s observations in %s", j.Name, geo.Level, j.Dataset)
			}
		}
	}
	return p
}

func validateRatios(metrics []domain.MetricDef, byDataset map[domain.Dataset][]domain.Observation) *phase {
	p := &phase{name: "Phase 5: Percentage Bounds"}
	for dataset, obs := range byDataset {
		rows := domain.Pivot(obs).Rows()
		for _, m := range metrics {
			if m.Format != domain.FormatPercent {
				continue
			}
			for _, r := range rows {
				v, ok := m.Evaluate(r)
				if ok && (v < 0 || v > 1) {
					p.errorf("%s %d %s %s: %.4f outside [0, 1]", dataset, r.Year, r.Entity.Name, m.ID, v)
				}
			}
		}
	}
	return p
}

// report prints the phase table and the first errors of each failed phase.
// It returns true when every phase passed.
func report(w io.Writer, phases []*phase) bool {
	fmt.Fprintln(w, "=== ACS Store Validation ===")
	fmt.Fprintln(w)

	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(w, "  %-42s %s\n", p.name, status)
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			if i == maxReportedErrors {
				fmt.Fprintf(w, "  ... and %d more\n", len(p.errors)-maxReportedErrors)
				break
			}
			fmt.Fprintf(w, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(w, "\nAll validations passed.")
		return true
	}
	fmt.Fprintln(w, "\nValidation FAILED.")
	return false
}
