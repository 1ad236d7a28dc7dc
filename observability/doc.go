// Package observability provides an OpenTelemetry metrics extension for
// delay endpoints. The MetricsExtension implements lifecycle hooks to
// record counters for deferred, forwarded, released, failed, retried and
// abandoned messages, plus recovery activity.
//
// For per-forward tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
