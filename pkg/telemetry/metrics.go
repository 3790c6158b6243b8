package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage outcomes recorded on upsg.stage.executions_total.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	stageExecutionCount   metric.Int64Counter
	stageDurationHist     metric.Float64Histogram
	stagePrunedCount      metric.Int64Counter
	handleConversionCount metric.Int64Counter
)

// StageMetrics captures the fields recorded for one stage execution.
type StageMetrics struct {
	Pipeline string
	NodeID   int
	NodeName string
	Stage    string
	Outcome  string
	Duration time.Duration
	Pruned   int
}

// RecordStageMetrics emits counters and histograms that describe a stage run.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Pipeline),
		attribute.Int("node.id", m.NodeID),
		attribute.String("node.name", m.NodeName),
		attribute.String("stage.type", m.Stage),
		attribute.String("stage.outcome", m.Outcome),
	)

	stageExecutionCount.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		stageDurationHist.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Pruned > 0 {
		stagePrunedCount.Add(ctx, int64(m.Pruned), attrs)
	}
}

// RecordConversion counts one handle conversion step between two backends.
func RecordConversion(ctx context.Context, from, to string, failed bool) {
	if err := ensureMetrics(); err != nil {
		return
	}
	handleConversionCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conversion.from", from),
		attribute.String("conversion.to", to),
		attribute.Bool("conversion.failed", failed),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("upsg.pipeline")

		stageExecutionCount, metricsInitErr = meter.Int64Counter(
			"upsg.stage.executions_total",
			metric.WithDescription("Stage executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageDurationHist, metricsInitErr = meter.Float64Histogram(
			"upsg.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		stagePrunedCount, metricsInitErr = meter.Int64Counter(
			"upsg.stage.pruned_outputs_total",
			metric.WithDescription("Stage outputs released because nothing consumed them"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		handleConversionCount, metricsInitErr = meter.Int64Counter(
			"upsg.handle.conversions_total",
			metric.WithDescription("Data handle conversions between backends"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
