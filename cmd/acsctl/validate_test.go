package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/acs-housing-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
)

const validateCatalog = `
variables:
  tenure: [B25003_001E, B25003_002E]
metrics:
  - id: homeownership_rate
    format: percent
    numerator: [B25003_002E]
    denominator: [B25003_001E]
jobs:
  - name: co
    dataset: acs5
    years: latest
    variables: [tenure]
    geographies:
      - {for: "state:08"}
      - {for: "county:*", in: "state:08"}
`

var (
	colorado = domain.Entity{Level: domain.LevelState, GeoID: "08", Name: "Colorado"}
	denver   = domain.Entity{Level: domain.LevelCounty, GeoID: "08031", Name: "Denver County, Colorado"}
)

func newValidationStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "acs.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tenureBatch(entities map[domain.Entity][2]float64) domain.Batch {
	b := domain.Batch{
		RunID:       "run-1",
		Job:         domain.Job{Name: "co", Dataset: domain.ACS5, Years: []int{2022}},
		HarvestedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Variables: []domain.VariableMeta{
			{Dataset: domain.ACS5, Year: 2022, Code: "B25003_001E", Label: "Estimate!!Total:"},
			{Dataset: domain.ACS5, Year: 2022, Code: "B25003_002E", Label: "Estimate!!Total:!!Owner occupied"},
		},
	}
	for e, v := range entities {
		b.Observations = append(b.Observations,
			domain.Observation{Dataset: domain.ACS5, Year: 2022, Entity: e, Variable: "B25003_001E", Value: v[0]},
			domain.Observation{Dataset: domain.ACS5, Year: 2022, Entity: e, Variable: "B25003_002E", Value: v[1]},
		)
	}
	return b
}

func phaseErrors(phases []*phase) map[string][]string {
	out := make(map[string][]string)
	for _, p := range phases {
		if !p.passed() {
			out[p.name] = p.errors
		}
	}
	return out
}

func TestValidateStore_Passes(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Parse([]byte(validateCatalog))
	require.NoError(t, err)
	store := newValidationStore(t)
	require.NoError(t, store.Load(ctx, tenureBatch(map[domain.Entity][2]float64{
		colorado: {2300000, 1495000},
		denver:   {330000, 165000},
	})))

	phases, err := validateStore(ctx, store, cat)
	require.NoError(t, err)
	assert.Len(t, phases, 5)
	assert.Empty(t, phaseErrors(phases))

	var buf bytes.Buffer
	assert.True(t, report(&buf, phases))
	assert.Contains(t, buf.String(), "All validations passed.")
}

func TestValidateStore_EmptyStoreFails(t *testing.T) {
	cat, err := catalog.Parse([]byte(validateCatalog))
	require.NoError(t, err)

	phases, err := validateStore(context.Background(), newValidationStore(t), cat)
	require.NoError(t, err)

	failed := phaseErrors(phases)
	assert.Equal(t, []string{"job co: never harvested"}, failed["Phase 1: Harvest Records"])
	assert.Len(t, failed["Phase 4: Geographic Coverage"], 2)
}

func TestValidateStore_DetectsBadData(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Parse([]byte(validateCatalog))
	require.NoError(t, err)
	store := newValidationStore(t)

	batch := tenureBatch(map[domain.Entity][2]float64{
		colorado: {2300000, 2400000}, // more owners than households
		denver:   {330000, -666666666},
	})
	batch.Variables = batch.Variables[:1]
	require.NoError(t, store.Load(ctx, batch))

	phases, err := validateStore(ctx, store, cat)
	require.NoError(t, err)

	failed := phaseErrors(phases)
	assert.NotContains(t, failed, "Phase 1: Harvest Records")
	assert.Equal(t, []string{"acs5 2022 Denver County, Colorado B25003_002E: value -6.66666666e+08"},
		failed["Phase 2: Estimates (finite, non-negative)"])
	assert.Equal(t, []string{"acs5 2022 B25003_002E: no label"}, failed["Phase 3: Variable Metadata"])
	assert.NotContains(t, failed, "Phase 4: Geographic Coverage")
	require.Len(t, failed["Phase 5: Percentage Bounds"], 2)

	var buf bytes.Buffer
	assert.False(t, report(&buf, phases))
	assert.Contains(t, buf.String(), "Validation FAILED.")
}

type failingStore struct{}

func (failingStore) Observations(context.Context, sqlite.Query) ([]domain.Observation, error) {
	return nil, errors.New("database is locked")
}

func (failingStore) LastHarvest(context.Context, string) (sqlite.Harvest, error) {
	return sqlite.Harvest{}, nil
}

func TestValidateStore_StoreError(t *testing.T) {
	cat, err := catalog.Parse([]byte(validateCatalog))
	require.NoError(t, err)

	_, err = validateStore(context.Background(), failingStore{}, cat)
	assert.ErrorContains(t, err, "database is locked")
}

func TestReportTruncatesErrors(t *testing.T) {
	p := &phase{name: "Phase X"}
	for i := 0; i < maxReportedErrors+5; i++ {
		p.errorf("problem %d", i)
	}
	var buf bytes.Buffer
	assert.False(t, report(&buf, []*phase{p}))
	assert.Contains(t, buf.String(), "... and 5 more")
	assert.NotContains(t, buf.String(), "problem 21")
}

func TestParseYears(t *testing.T) {
	latest := func() (int, error) { return 2023, nil }
	tests := []struct {
		in      string
		dataset domain.Dataset
		want    []int
		wantErr bool
	}{
		{in: "latest", want: []int{2023}},
		{in: "", want: []int{2023}},
		{in: "2019", want: []int{2019}},
		{in: "2019, 2021", want: []int{2019, 2021}},
		{in: "2020-2022", dataset: domain.ACS5, want: []int{2020, 2021, 2022}},
		{in: "2018-2022", dataset: domain.ACS1, want: []int{2018, 2019, 2021, 2022}},
		{in: "2022-2020", wantErr: true},
		{in: "twenty", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in+"/"+string(tt.dataset), func(t *testing.T) {
			dataset := tt.dataset
			if dataset == "" {
				dataset = domain.ACS1
			}
			got, err := parseYears(tt.in, dataset, latest)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
