package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acs_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the harvest pipeline.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Harvest metrics.
	JobRuns            *prometheus.CounterVec // labels: job, outcome={success,error}
	HarvestDuration    prometheus.Histogram
	ObservationsLoaded prometheus.Counter
	MetricsPublished   prometheus.Counter
	LatestVintage      *prometheus.GaugeVec // labels: dataset

	// Census API metrics.
	CensusRequests    *prometheus.CounterVec   // labels: endpoint={data,variable,dataset}, outcome={success,error,empty}
	CensusRetries     *prometheus.CounterVec   // labels: endpoint
	CensusCache       *prometheus.CounterVec   // labels: endpoint, result={hit,miss}
	CensusAPIDuration *prometheus.HistogramVec // labels: endpoint
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PipelineRunning,
		m.JobRuns,
		m.HarvestDuration,
		m.ObservationsLoaded,
		m.MetricsPublished,
		m.LatestVintage,
		m.CensusRequests,
		m.CensusRetries,
		m.CensusCache,
		m.CensusAPIDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the harvest loop is active, 0 when shut down.",
		}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Harvest job runs by job and outcome.",
		}, []string{"job", "outcome"}),
		HarvestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "harvest_duration_seconds",
			Help:      "Duration of a complete harvest across all jobs.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		ObservationsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_loaded_total",
			Help:      "Total long-format observations written to the store.",
		}),
		MetricsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_values_published_total",
			Help:      "Total derived metric values written to the sink topic.",
		}),
		LatestVintage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latest_vintage_year",
			Help:      "Most recent ACS release year found per dataset.",
		}, []string{"dataset"}),
		CensusRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "census_requests_total",
			Help:      "Census API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		CensusRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "census_retries_total",
			Help:      "Census API request retries by endpoint.",
		}, []string{"endpoint"}),
		CensusCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "census_cache_total",
			Help:      "Census response cache lookups by endpoint and result.",
		}, []string{"endpoint", "result"}),
		CensusAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "census_api_duration_seconds",
			Help:      "Census API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"endpoint"}),
	}
}
