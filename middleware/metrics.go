package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/delay/message"
)

// meterName is the instrumentation scope name for delay metrics.
const meterName = "github.com/xraph/delay"

// Metrics returns middleware that records per-forward metrics using the
// global OTel MeterProvider. If no MeterProvider is configured, noop
// instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - delay.forward.duration (Float64Histogram): forwarding time in seconds,
//     with attribute status ("ok" or "error")
//   - delay.forward.count (Int64Counter): total forwards,
//     with attribute status ("ok" or "error")
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// OTel returns noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"delay.forward.duration",
		metric.WithDescription("Duration of message forwarding in seconds"),
		metric.WithUnit("s"),
	)

	forwards, _ := meter.Int64Counter(
		"delay.forward.count",
		metric.WithDescription("Total number of forwarded messages"),
		metric.WithUnit("{message}"),
	)

	return func(ctx context.Context, _ *message.Message, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(attribute.String("status", status))

		duration.Record(ctx, elapsed, attrs)
		forwards.Add(ctx, 1, attrs)

		return err
	}
}
