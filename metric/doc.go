// Package metric holds the gateway's Prometheus registry and the per-service
// metrics collector.
//
// MetricsRegistry wraps a private prometheus.Registry with Go runtime and
// process collectors plus the core gateway metrics (fedgate_gateway_*).
// Components register their own collectors under an owner name so duplicate
// registrations are reported as invalid errors rather than panics.
//
// Collector keeps rolling per-service counters and latency samples. Every
// collection tick it recomputes the average latency and success rate for the
// finished window and clears the samples, so Snapshot reflects the last
// completed window plus live counters.
package metric
