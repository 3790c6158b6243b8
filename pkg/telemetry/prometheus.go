package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Metrics holds the Prometheus collectors exposed by the metrics endpoint.
type Metrics struct {
	stageRuns       *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	prunedOutputs   *prometheus.CounterVec
	conversions     *prometheus.CounterVec
	releases        prometheus.Counter
	releaseFailures prometheus.Counter
	runs            *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsg_stage_runs_total",
				Help: "Total number of stage invocations by stage type and outcome",
			},
			[]string{"stage", "outcome"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upsg_stage_duration_seconds",
				Help:    "Stage execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),

		prunedOutputs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsg_pruned_outputs_total",
				Help: "Stage outputs released without a consumer",
			},
			[]string{"stage"},
		),

		conversions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsg_handle_conversions_total",
				Help: "Data handle conversions by source and target backend",
			},
			[]string{"from", "to", "status"},
		),

		releases: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "upsg_handle_releases_total",
				Help: "Data handles released by the executor",
			},
		),

		releaseFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "upsg_handle_release_failures_total",
				Help: "Handle releases that reported a cleanup error",
			},
		),

		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upsg_pipeline_runs_total",
				Help: "Pipeline runs by outcome",
			},
			[]string{"outcome"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.stageRuns,
		m.stageDuration,
		m.prunedOutputs,
		m.conversions,
		m.releases,
		m.releaseFailures,
		m.runs,
	)

	return m
}

// RecordStage records one stage invocation.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.WithLabelValues(stage, outcome).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordPruned counts outputs released right after their producer finished.
func (m *Metrics) RecordPruned(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedOutputs.WithLabelValues(stage).Add(float64(n))
}

// RecordConversion counts one conversion step.
func (m *Metrics) RecordConversion(from, to string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.conversions.WithLabelValues(from, to, status).Inc()
}

// RecordRelease counts a handle release and whether its cleanup failed.
func (m *Metrics) RecordRelease(err error) {
	if m == nil {
		return
	}
	m.releases.Inc()
	if err != nil {
		m.releaseFailures.Inc()
	}
}

// RecordRun counts a finished pipeline run.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format, traced
// through otelhttp.
func (m *Metrics) Handler() http.Handler {
	return otelhttp.NewHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}), "upsg.metrics")
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
