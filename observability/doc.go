// Package observability provides an OpenTelemetry-based metrics
// extension for voxpipe. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for task queueing, completion, failure,
// retry, DLQ, batch terminal, and cleanup events.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
