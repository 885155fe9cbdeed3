// Package observability provides an OpenTelemetry metrics extension for
// mailq. MetricsExtension implements the lifecycle hooks and records
// system-wide counters for enqueues, deliveries, retries, failures,
// cancellations and startup recoveries, plus end-to-end delivery latency.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
