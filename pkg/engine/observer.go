package engine

import (
	"context"
	"time"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/telemetry"
)

// ConversionObserver records handle conversions as otel metrics and, when
// metrics is non-nil, on the Prometheus registry.
func ConversionObserver(metrics *telemetry.Metrics) data.ConversionObserver {
	return func(ctx context.Context, from, to data.Kind, _ time.Duration, err error) {
		telemetry.RecordConversion(ctx, string(from), string(to), err != nil)
		metrics.RecordConversion(string(from), string(to), err)
	}
}
