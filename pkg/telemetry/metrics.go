package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the scheduler.
type Metrics struct {
	config MetricsConfig

	// Job metrics
	jobsCreated *prometheus.CounterVec
	jobsClaimed *prometheus.CounterVec

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Intention metrics
	intentionsArchived *prometheus.CounterVec

	// Token metrics
	tokensExhausted prometheus.Counter

	// System metrics
	activeJobs prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		jobsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_created_total",
				Help:      "Total number of jobs created",
			},
			[]string{"kind"},
		),
		jobsClaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_claimed_total",
				Help:      "Total number of jobs claimed by workers",
			},
			[]string{"kind"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of job runs by outcome",
			},
			[]string{"kind", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of job runs in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "outcome"},
		),

		intentionsArchived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intentions_archived_total",
				Help:      "Total number of intentions archived by status",
			},
			[]string{"kind", "status"},
		),

		tokensExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_exhausted_total",
				Help:      "Total number of token rate-limit exhaustions",
			},
		),

		activeJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Current number of jobs held by workers",
			},
		),
	}

	registry.MustRegister(
		m.jobsCreated,
		m.jobsClaimed,
		m.runsCompleted,
		m.runDuration,
		m.intentionsArchived,
		m.tokensExhausted,
		m.activeJobs,
	)

	return m, nil
}

// RecordJobCreated increments the counter for created jobs.
func (m *Metrics) RecordJobCreated(kind string) {
	if m.jobsCreated == nil {
		return
	}
	m.jobsCreated.WithLabelValues(kind).Inc()
	m.activeJobs.Inc()
}

// RecordJobClaimed increments the counter for claimed jobs.
func (m *Metrics) RecordJobClaimed(kind string) {
	if m.jobsClaimed == nil {
		return
	}
	m.jobsClaimed.WithLabelValues(kind).Inc()
	m.activeJobs.Inc()
}

// RecordRun records a completed job run with its outcome and duration.
func (m *Metrics) RecordRun(kind, outcome string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(kind, outcome).Inc()
	m.runDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
	m.activeJobs.Dec()
}

// RecordArchived records an archived intention by final status.
func (m *Metrics) RecordArchived(kind, status string) {
	if m.intentionsArchived == nil {
		return
	}
	m.intentionsArchived.WithLabelValues(kind, status).Inc()
}

// RecordTokenExhausted records a token hitting its rate limit.
func (m *Metrics) RecordTokenExhausted() {
	if m.tokensExhausted == nil {
		return
	}
	m.tokensExhausted.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
