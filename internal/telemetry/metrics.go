package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for workflow runs.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	activeRuns   prometheus.Gauge

	// Step metrics
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepRetries   *prometheus.CounterVec
	stepErrors    *prometheus.CounterVec

	// Fan-out metrics
	fanOutTargets prometheus.Histogram
	fanOutWidth   prometheus.Histogram

	// Trigger metrics
	triggers *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry. A disabled
// config yields a collector whose recorders do nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	sizes := prometheus.ExponentialBuckets(1, 2, 10)

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of workflow runs started",
			},
			[]string{"workflow"},
		),
		runsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of workflow runs finished, by status",
			},
			[]string{"workflow", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of workflow runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of executing runs, nested runs included",
			},
		),

		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of steps finished, by type and status",
			},
			[]string{"type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		stepRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Total number of retries scheduled",
			},
			[]string{"workflow"},
		),
		stepErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_errors_total",
				Help:      "Total number of step failures, by error code",
			},
			[]string{"code"},
		),

		fanOutTargets: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_targets",
				Help:      "Number of targets per fan-out step",
				Buckets:   sizes,
			},
		),
		fanOutWidth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fanout_width",
				Help:      "Concurrency width per fan-out step",
				Buckets:   sizes,
			},
		),

		triggers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Total number of sensor and policy firings, by outcome",
			},
			[]string{"reason", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsFinished,
		m.runDuration,
		m.activeRuns,
		m.stepsFinished,
		m.stepDuration,
		m.stepRetries,
		m.stepErrors,
		m.fanOutTargets,
		m.fanOutWidth,
		m.triggers,
	)
	return m
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted(workflow string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.activeRuns.Inc()
}

// RecordRunFinished records a finished run with its status and duration.
func (m *Metrics) RecordRunFinished(workflow, status string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsFinished.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
	m.activeRuns.Dec()
}

// RecordStep records a finished step. code is the failure code, if any.
func (m *Metrics) RecordStep(stepType, status, code string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsFinished.WithLabelValues(stepType, status).Inc()
	if status != "skipped" {
		m.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
	}
	if code != "" {
		m.stepErrors.WithLabelValues(code).Inc()
	}
}

// RecordRetry counts a scheduled retry.
func (m *Metrics) RecordRetry(workflow string) {
	if !m.enabled() {
		return
	}
	m.stepRetries.WithLabelValues(workflow).Inc()
}

// RecordFanOut records the size and width of a fan-out.
func (m *Metrics) RecordFanOut(targets, width int) {
	if !m.enabled() {
		return
	}
	m.fanOutTargets.Observe(float64(targets))
	m.fanOutWidth.Observe(float64(width))
}

// RecordTrigger counts a sensor or policy firing.
func (m *Metrics) RecordTrigger(reason, outcome string) {
	if !m.enabled() {
		return
	}
	m.triggers.WithLabelValues(reason, outcome).Inc()
}

// Registry returns the registry metrics are registered on, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
