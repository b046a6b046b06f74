package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
	"github.com/couchcryptid/acs-housing-etl/internal/pipeline"
)

const testCatalog = `
variables:
  tenure: [B25003_001E, B25003_002E]
metrics:
  - id: homeownership_rate
    name: Homeownership Rate
    format: percent
    numerator: [B25003_002E]
    denominator: [B25003_001E]
jobs:
  - name: state-range
    dataset: acs1
    years: range
    variables: [tenure]
    geographies: [{for: "state:08"}]
  - name: county-latest
    dataset: acs5
    years: latest
    variables: [tenure]
    geographies: [{for: "county:*", in: "state:08"}]
  - name: state-latest
    dataset: acs1
    years: latest
    variables: [tenure]
    geographies: [{for: "state:08"}]
`

var (
	colorado = domain.Entity{Level: domain.LevelState, GeoID: "08", Name: "Colorado"}
	denver   = domain.Entity{Level: domain.LevelCounty, GeoID: "08031", Name: "Denver County, Colorado"}
	fixedNow = time.Date(2024, 10, 1, 12, 0, 0, 0, time.UTC)
)

// --- mocks ---

type fakeVintages struct {
	mu     sync.Mutex
	latest map[domain.Dataset]int
	calls  map[domain.Dataset]int
}

func (f *fakeVintages) LatestVintage(_ context.Context, d domain.Dataset) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[domain.Dataset]int)
	}
	f.calls[d]++
	year, ok := f.latest[d]
	if !ok {
		return 0, domain.ErrVintageNotFound
	}
	return year, nil
}

// mockExtractor answers every job with tenure counts for each of its years,
// failing the first failFirst calls and any job listed in failJobs.
type mockExtractor struct {
	mu        sync.Mutex
	failFirst int
	failJobs  map[string]bool
	empty     bool
	calls     int
	jobs      []domain.Job
}

func (m *mockExtractor) Extract(_ context.Context, job domain.Job) (domain.Extract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.jobs = append(m.jobs, job)
	if m.calls <= m.failFirst || m.failJobs[job.Name] {
		return domain.Extract{}, errors.New("census unavailable")
	}
	ext := domain.Extract{Job: job}
	if m.empty {
		return ext, nil
	}
	entity := colorado
	if job.Geographies[0].Level == domain.LevelCounty {
		entity = denver
	}
	for _, year := range job.Years {
		ext.Observations = append(ext.Observations,
			domain.Observation{Dataset: job.Dataset, Year: year, Entity: entity, Variable: "B25003_001E", Value: 200},
			domain.Observation{Dataset: job.Dataset, Year: year, Entity: entity, Variable: "B25003_002E", Value: 130},
		)
	}
	return ext, nil
}

type mockLoader struct {
	mu      sync.Mutex
	err     error
	batches []domain.Batch
	loaded  chan struct{}
}

func (m *mockLoader) Load(_ context.Context, batch domain.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, batch)
	if m.loaded != nil {
		m.loaded <- struct{}{}
	}
	return nil
}

type mockNotifier struct {
	events []domain.HarvestEvent
}

func (m *mockNotifier) Notify(e domain.HarvestEvent) { m.events = append(m.events, e) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPipeline(t *testing.T, ext pipeline.Extractor, ldr pipeline.Loader, metrics *observability.Metrics, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	vintages := &fakeVintages{latest: map[domain.Dataset]int{domain.ACS1: 2022, domain.ACS5: 2022}}
	opts = append([]pipeline.Option{
		pipeline.WithClock(clockwork.NewFakeClockAt(fixedNow)),
		pipeline.WithStartYear(2019),
	}, opts...)
	return pipeline.New(cat, vintages, ext, pipeline.NewTransformer(cat.AllMetrics(), discardLogger()), ldr, discardLogger(), metrics, opts...)
}

// --- tests ---

func TestPipeline_RunOnce_HappyPath(t *testing.T) {
	ext := &mockExtractor{}
	ldr := &mockLoader{}
	notifier := &mockNotifier{}
	metrics := observability.NewMetricsForTesting()
	p := testPipeline(t, ext, ldr, metrics, pipeline.WithNotifier(notifier))

	require.Error(t, p.CheckReadiness(context.Background()))

	report, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.CheckReadiness(context.Background()))

	require.Len(t, ldr.batches, 3)
	rangeBatch := ldr.batches[0]
	assert.Equal(t, report.RunID, rangeBatch.RunID)
	assert.Equal(t, fixedNow, rangeBatch.HarvestedAt)
	assert.Equal(t, []int{2019, 2021, 2022}, rangeBatch.Job.Years, "acs1 skips 2020")
	assert.Len(t, rangeBatch.Observations, 6)

	want := []domain.MetricValue{
		{Dataset: domain.ACS1, Year: 2019, Entity: colorado, MetricID: "homeownership_rate", Value: 0.65},
		{Dataset: domain.ACS1, Year: 2021, Entity: colorado, MetricID: "homeownership_rate", Value: 0.65},
		{Dataset: domain.ACS1, Year: 2022, Entity: colorado, MetricID: "homeownership_rate", Value: 0.65},
	}
	if diff := cmp.Diff(want, rangeBatch.Metrics); diff != "" {
		t.Fatalf("derived metrics mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []int{2022}, ldr.batches[1].Job.Years)
	assert.Equal(t, denver, ldr.batches[1].Metrics[0].Entity)

	require.Len(t, notifier.events, 3)
	assert.Equal(t, report.Events, notifier.events)
	assert.Equal(t, domain.HarvestEvent{
		RunID:        report.RunID,
		Job:          "county-latest",
		Dataset:      domain.ACS5,
		Years:        []int{2022},
		Observations: 2,
		Metrics:      1,
		HarvestedAt:  fixedNow,
	}, notifier.events[1])
	assert.Empty(t, report.Failed())

	assert.Equal(t, 10.0, testutil.ToFloat64(metrics.ObservationsLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("state-range", "success")))
}

func TestPipeline_RunOnce_VintageResolvedOncePerDataset(t *testing.T) {
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	vintages := &fakeVintages{latest: map[domain.Dataset]int{domain.ACS1: 2023, domain.ACS5: 2022}}
	p := pipeline.New(cat, vintages, &mockExtractor{}, pipeline.NewTransformer(cat.AllMetrics(), discardLogger()),
		&mockLoader{}, discardLogger(), observability.NewMetricsForTesting())

	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[domain.Dataset]int{domain.ACS1: 1, domain.ACS5: 1}, vintages.calls)
}

func TestPipeline_RunOnce_JobFailureDoesNotStopOthers(t *testing.T) {
	ext := &mockExtractor{failJobs: map[string]bool{"state-range": true}}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()
	p := testPipeline(t, ext, ldr, metrics)

	report, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job state-range")
	assert.Contains(t, err.Error(), "census unavailable")

	assert.Len(t, ldr.batches, 2)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "state-range", failed[0].Job)
	assert.Equal(t, "extract: census unavailable", failed[0].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.JobRuns.WithLabelValues("state-range", "error")))
	assert.NoError(t, p.CheckReadiness(context.Background()), "other jobs loaded")
}

func TestPipeline_RunOnce_EmptyExtractFails(t *testing.T) {
	ldr := &mockLoader{}
	p := testPipeline(t, &mockExtractor{empty: true}, ldr, observability.NewMetricsForTesting(), pipeline.WithJobs("state-latest"))

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.ErrNoData.Error())
	assert.Empty(t, ldr.batches)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_RunOnce_LoadError(t *testing.T) {
	ldr := &mockLoader{err: errors.New("disk full")}
	p := testPipeline(t, &mockExtractor{}, ldr, observability.NewMetricsForTesting(), pipeline.WithJobs("state-latest"))

	report, err := p.RunOnce(context.Background())
	require.Error(t, err)
	require.Len(t, report.Events, 1)
	assert.Equal(t, "load: disk full", report.Events[0].Error)
}

func TestPipeline_RunOnce_UnknownJob(t *testing.T) {
	p := testPipeline(t, &mockExtractor{}, &mockLoader{}, observability.NewMetricsForTesting(), pipeline.WithJobs("nope"))

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, catalog.ErrUnknownJob)
}

func TestPipeline_RunOnce_MissingVintage(t *testing.T) {
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	vintages := &fakeVintages{latest: map[domain.Dataset]int{domain.ACS1: 2022}}
	p := pipeline.New(cat, vintages, &mockExtractor{}, pipeline.NewTransformer(cat.AllMetrics(), discardLogger()),
		&mockLoader{}, discardLogger(), observability.NewMetricsForTesting())

	report, err := p.RunOnce(context.Background())
	require.ErrorContains(t, err, "county-latest")
	require.Len(t, report.Failed(), 1)
	assert.Contains(t, report.Failed()[0].Error, "vintage")
}

func TestPipeline_Run_RetriesThenRefreshes(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := clockwork.NewFakeClockAt(fixedNow)
	ext := &mockExtractor{failFirst: 1}
	ldr := &mockLoader{loaded: make(chan struct{}, 4)}
	metrics := observability.NewMetricsForTesting()
	p := testPipeline(t, ext, ldr, metrics,
		pipeline.WithClock(clock),
		pipeline.WithJobs("state-latest"),
		pipeline.WithInterval(time.Hour),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	// First run fails and waits out the initial backoff.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineRunning))
	clock.Advance(200 * time.Millisecond)

	select {
	case <-ldr.loaded:
	case <-ctx.Done():
		t.Fatal("timed out waiting for retried harvest")
	}

	// Next harvest waits for the refresh interval.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)

	select {
	case <-ldr.loaded:
	case <-ctx.Done():
		t.Fatal("timed out waiting for scheduled harvest")
	}

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, 3, ext.calls)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning))
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ldr := &mockLoader{}
	p := testPipeline(t, &mockExtractor{}, ldr, observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.batches)
}

func TestMetricTransformer_Transform(t *testing.T) {
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	tfm := pipeline.NewTransformer(cat.AllMetrics(), discardLogger())

	job := domain.Job{Name: "j", Dataset: domain.ACS5}
	ext := domain.Extract{
		Job: job,
		Observations: []domain.Observation{
			{Dataset: domain.ACS5, Year: 2022, Entity: denver, Variable: "B25003_001E", Value: 0},
			{Dataset: domain.ACS5, Year: 2022, Entity: denver, Variable: "B25003_002E", Value: 10},
		},
		Variables: []domain.VariableMeta{{Dataset: domain.ACS5, Year: 2022, Code: "B25003_001E"}},
	}

	batch, err := tfm.Transform(context.Background(), ext)
	require.NoError(t, err)
	assert.Equal(t, job, batch.Job)
	assert.Len(t, batch.Observations, 2)
	assert.Len(t, batch.Variables, 1)
	assert.Empty(t, batch.Metrics, "zero denominator yields no metric")
}

type geoFetcher struct {
	err error
}

func (g geoFetcher) Fetch(_ context.Context, dataset domain.Dataset, geo domain.Geography, years []int, vars []string) ([]domain.Observation, []domain.VariableMeta, error) {
	if g.err != nil {
		return nil, nil, g.err
	}
	entity := colorado
	if geo.Level == domain.LevelCounty {
		entity = denver
	}
	var obs []domain.Observation
	var metas []domain.VariableMeta
	for _, y := range years {
		for _, v := range vars {
			obs = append(obs, domain.Observation{Dataset: dataset, Year: y, Entity: entity, Variable: v, Value: 1})
			metas = append(metas, domain.VariableMeta{Dataset: dataset, Year: y, Code: v})
		}
	}
	return obs, metas, nil
}

func TestCensusExtractor_Extract(t *testing.T) {
	job := domain.Job{
		Name:    "acs5-recent-co",
		Dataset: domain.ACS5,
		Geographies: []domain.Geography{
			{Level: domain.LevelCounty, Code: "*", Within: "state:08"},
			{Level: domain.LevelState, Code: "08"},
		},
		Variables: []string{"A", "B"},
		Years:     []int{2022},
	}

	ext, err := pipeline.NewExtractor(geoFetcher{}, discardLogger()).Extract(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, job, ext.Job)
	assert.Len(t, ext.Observations, 4)
	assert.Len(t, ext.Variables, 2, "metadata deduplicated across geographies")

	_, err = pipeline.NewExtractor(geoFetcher{err: context.Canceled}, discardLogger()).Extract(context.Background(), job)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiLoader(t *testing.T) {
	a := &mockLoader{}
	b := &mockLoader{err: errors.New("kafka down")}
	c := &mockLoader{}

	err := pipeline.MultiLoader{a, b, c}.Load(context.Background(), domain.Batch{RunID: "r"})
	require.ErrorContains(t, err, "kafka down")
	assert.Len(t, a.batches, 1)
	assert.Len(t, c.batches, 1, "later loaders still run")
}
