package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/acs-housing-etl/internal/catalog"
	"github.com/couchcryptid/acs-housing-etl/internal/domain"
	"github.com/couchcryptid/acs-housing-etl/internal/observability"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// VintageSource reports the most recent released vintage of a dataset.
type VintageSource interface {
	LatestVintage(ctx context.Context, dataset domain.Dataset) (int, error)
}

// Extractor fetches the raw observations of a resolved job.
type Extractor interface {
	Extract(ctx context.Context, job domain.Job) (domain.Extract, error)
}

// Transformer turns an extract into a batch of observations and derived metrics.
type Transformer interface {
	Transform(ctx context.Context, ext domain.Extract) (domain.Batch, error)
}

// Loader writes a batch to a destination.
type Loader interface {
	Load(ctx context.Context, batch domain.Batch) error
}

// Notifier receives the outcome of every job in a harvest.
type Notifier interface {
	Notify(event domain.HarvestEvent)
}

// Report summarizes one harvest run.
type Report struct {
	RunID  string
	Events []domain.HarvestEvent
}

// Failed returns the events of jobs that did not load.
func (r Report) Failed() []domain.HarvestEvent {
	var out []domain.HarvestEvent
	for _, e := range r.Events {
		if e.Error != "" {
			out = append(out, e)
		}
	}
	return out
}

// Pipeline orchestrates the harvest of every catalog job.
type Pipeline struct {
	catalog     *catalog.Catalog
	vintages    VintageSource
	extractor   Extractor
	transformer Transformer
	loader      Loader
	notifier    Notifier
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
	startYear   int
	interval    time.Duration
	jobs        []string
	ready       atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the time source for run timestamps, the refresh interval and
// retry backoff.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithNotifier sets the harvest event receiver.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithStartYear sets the first vintage of range jobs.
func WithStartYear(year int) Option {
	return func(p *Pipeline) { p.startYear = year }
}

// WithInterval sets the delay between harvests in Run.
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithJobs restricts a harvest to the named catalog jobs.
func WithJobs(names ...string) Option {
	return func(p *Pipeline) { p.jobs = names }
}

// New creates a Pipeline with the given stages and observability.
func New(cat *catalog.Catalog, v VintageSource, e Extractor, t Transformer, l Loader, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalog:     cat,
		vintages:    v,
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		clock:       clockwork.NewRealClock(),
		startYear:   domain.MinVintage,
		interval:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness returns nil once a harvest has loaded at least one job,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no harvest has completed yet")
	}
	return nil
}

// Run harvests immediately and then once per interval until the context is
// cancelled. A run with failed jobs is retried with exponential backoff
// before the next interval starts.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "interval", p.interval.String(), "start_year", p.startYear)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	backoff := initialBackoff
	for {
		_, err := p.RunOnce(ctx)
		if ctx.Err() != nil {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}
		wait := p.interval
		if err != nil {
			p.logger.Error("harvest failed, retrying", "error", err, "backoff", backoff.String())
			wait = backoff
			backoff = nextBackoff(backoff)
		} else {
			backoff = initialBackoff
		}
		if !p.sleep(ctx, wait) {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce harvests every selected job once. A failing job is logged, counted
// and reported without stopping the others; the returned error joins every
// job failure.
func (p *Pipeline) RunOnce(ctx context.Context) (Report, error) {
	start := p.clock.Now()
	report := Report{RunID: uuid.NewString()}

	defs, err := p.selectJobs()
	if err != nil {
		return report, err
	}

	latest := make(map[domain.Dataset]int)
	var errs []error
	for _, def := range defs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		event := p.runJob(ctx, report.RunID, def, latest)
		report.Events = append(report.Events, event)
		if p.notifier != nil {
			p.notifier.Notify(event)
		}
		if event.Error != "" {
			errs = append(errs, fmt.Errorf("job %s: %s", def.Name, event.Error))
		}
	}

	p.metrics.HarvestDuration.Observe(p.clock.Since(start).Seconds())
	p.logger.Info("harvest finished",
		"run_id", report.RunID,
		"jobs", len(report.Events),
		"failed", len(errs),
		"duration", p.clock.Since(start).String(),
	)
	return report, errors.Join(errs...)
}

func (p *Pipeline) selectJobs() ([]catalog.JobDef, error) {
	if len(p.jobs) == 0 {
		return p.catalog.Jobs, nil
	}
	defs := make([]catalog.JobDef, 0, len(p.jobs))
	for _, name := range p.jobs {
		def, err := p.catalog.Job(name)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// runJob resolves, extracts, transforms and loads one job. The latest map
// caches vintage lookups across the jobs of a run.
func (p *Pipeline) runJob(ctx context.Context, runID string, def catalog.JobDef, latest map[domain.Dataset]int) domain.HarvestEvent {
	event := domain.HarvestEvent{RunID: runID, Job: def.Name, Dataset: def.Dataset, HarvestedAt: p.clock.Now().UTC()}
	logger := p.logger.With("job", def.Name, "run_id", runID)

	fail := func(stage string, err error) domain.HarvestEvent {
		logger.Error(stage+" failed", "error", err)
		p.metrics.JobRuns.WithLabelValues(def.Name, "error").Inc()
		event.Error = fmt.Sprintf("%s: %v", stage, err)
		return event
	}

	year, ok := latest[def.Dataset]
	if !ok {
		var err error
		year, err = p.vintages.LatestVintage(ctx, def.Dataset)
		if err != nil {
			return fail("vintage", err)
		}
		latest[def.Dataset] = year
	}

	job, err := p.catalog.Resolve(def, p.startYear, year)
	if err != nil {
		return fail("resolve", err)
	}
	event.Years = slices.Clone(job.Years)

	ext, err := p.extractor.Extract(ctx, job)
	if err != nil {
		return fail("extract", err)
	}
	if len(ext.Observations) == 0 {
		return fail("extract", domain.ErrNoData)
	}

	batch, err := p.transformer.Transform(ctx, ext)
	if err != nil {
		return fail("transform", err)
	}
	batch.RunID = runID
	batch.HarvestedAt = event.HarvestedAt

	if err := p.loader.Load(ctx, batch); err != nil {
		return fail("load", err)
	}

	event.Observations = len(batch.Observations)
	event.Metrics = len(batch.Metrics)
	p.metrics.ObservationsLoaded.Add(float64(event.Observations))
	p.metrics.JobRuns.WithLabelValues(def.Name, "success").Inc()
	p.ready.Store(true)
	logger.Info("job loaded", "dataset", job.Dataset, "years", len(job.Years),
		"observations", event.Observations, "metrics", event.Metrics)
	return event
}

func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
