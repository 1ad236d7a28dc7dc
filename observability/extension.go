package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/delay/ext"
	"github.com/xraph/delay/message"
	"github.com/xraph/delay/pending"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*MetricsExtension)(nil)
	_ ext.MessageDeferred      = (*MetricsExtension)(nil)
	_ ext.MessageForwarded     = (*MetricsExtension)(nil)
	_ ext.MessageReleased      = (*MetricsExtension)(nil)
	_ ext.MessageReleaseFailed = (*MetricsExtension)(nil)
	_ ext.ReleaseRetrying      = (*MetricsExtension)(nil)
	_ ext.ReleaseAbandoned     = (*MetricsExtension)(nil)
	_ ext.MessageRestored      = (*MetricsExtension)(nil)
	_ ext.RecoveryCompleted    = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/delay/observability"

// MetricsExtension records endpoint lifecycle metrics through an OTel
// meter. Register it as a delay extension to track deferral rates,
// release counts and hold time, failures, retries and recovery activity.
type MetricsExtension struct {
	Deferred        metric.Int64Counter
	Forwarded       metric.Int64Counter
	Released        metric.Int64Counter
	HoldTime        metric.Float64Histogram
	ReleaseFailed   metric.Int64Counter
	Retried         metric.Int64Counter
	Abandoned       metric.Int64Counter
	Restored        metric.Int64Counter
	Recoveries      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// OTel returns noop instruments alongside any error.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{message}"))
		return c
	}
	held, _ := meter.Float64Histogram(
		"delay.message.hold_time",
		metric.WithDescription("Time between message arrival and release"),
		metric.WithUnit("s"),
	)
	recoveries, _ := meter.Int64Counter(
		"delay.recovery.runs",
		metric.WithDescription("Completed recovery passes"),
		metric.WithUnit("{run}"),
	)

	return &MetricsExtension{
		Deferred:        counter("delay.message.deferred", "Messages persisted for later release"),
		Forwarded:       counter("delay.message.forwarded", "Messages forwarded without delay"),
		Released:        counter("delay.message.released", "Messages released after their delay"),
		HoldTime:        held,
		ReleaseFailed:   counter("delay.message.release.failed", "Failed release attempts"),
		Retried:         counter("delay.message.release.retried", "Release retries scheduled"),
		Abandoned:       counter("delay.message.release.abandoned", "Entries that exhausted their release attempts"),
		Restored:        counter("delay.message.restored", "Entries rescheduled by recovery"),
		Recoveries:      recoveries,
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Message lifecycle hooks ─────────────────────────

// OnMessageDeferred implements ext.MessageDeferred.
func (m *MetricsExtension) OnMessageDeferred(ctx context.Context, e *pending.Entry) error {
	m.Deferred.Add(ctx, 1, metric.WithAttributes(attribute.String("group", e.GroupID)))
	return nil
}

// OnMessageForwarded implements ext.MessageForwarded.
func (m *MetricsExtension) OnMessageForwarded(ctx context.Context, _ *message.Message) error {
	m.Forwarded.Add(ctx, 1)
	return nil
}

// OnMessageReleased implements ext.MessageReleased.
func (m *MetricsExtension) OnMessageReleased(ctx context.Context, _ *message.Message, held time.Duration) error {
	m.Released.Add(ctx, 1)
	m.HoldTime.Record(ctx, held.Seconds())
	return nil
}

// OnMessageReleaseFailed implements ext.MessageReleaseFailed.
func (m *MetricsExtension) OnMessageReleaseFailed(ctx context.Context, _ *message.Message, _ error, restored bool) error {
	m.ReleaseFailed.Add(ctx, 1, metric.WithAttributes(attribute.Bool("restored", restored)))
	return nil
}

// OnReleaseRetrying implements ext.ReleaseRetrying.
func (m *MetricsExtension) OnReleaseRetrying(ctx context.Context, _ *message.Message, _ int, _ time.Time) error {
	m.Retried.Add(ctx, 1)
	return nil
}

// OnReleaseAbandoned implements ext.ReleaseAbandoned.
func (m *MetricsExtension) OnReleaseAbandoned(ctx context.Context, _ *message.Message, _ int, _ error) error {
	m.Abandoned.Add(ctx, 1)
	return nil
}

// ── Recovery hooks ──────────────────────────────────

// OnMessageRestored implements ext.MessageRestored.
func (m *MetricsExtension) OnMessageRestored(ctx context.Context, _ *pending.Entry, due bool) error {
	m.Restored.Add(ctx, 1, metric.WithAttributes(attribute.Bool("due", due)))
	return nil
}

// OnRecoveryCompleted implements ext.RecoveryCompleted.
func (m *MetricsExtension) OnRecoveryCompleted(ctx context.Context, groupID string, _, _ int) error {
	m.Recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("group", groupID)))
	return nil
}
