package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/delay/message"
)

// tracerName is the instrumentation scope name for delay tracing.
const tracerName = "github.com/xraph/delay"

// Tracing returns middleware that wraps forwarding in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: delay.message.id, delay.message.payload_size,
// delay.message.headers. On error, the span status is set to codes.Error
// with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, m *message.Message, next Handler) error {
		ctx, span := tracer.Start(ctx, "delay.message.forward",
			trace.WithAttributes(
				attribute.String("delay.message.id", m.ID().String()),
				attribute.Int("delay.message.payload_size", len(m.Payload())),
				attribute.Int("delay.message.headers", len(m.Headers())),
			),
			trace.WithSpanKind(trace.SpanKindProducer),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
