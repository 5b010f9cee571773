// Package telemetry records routing decisions.
//
// Recorder is the router's only sink. It keeps lock-free counters
// (selections per tier, fallbacks, unavailable outcomes, reroutes) and a
// bounded ring of recent decisions for the admin API. Recording never
// blocks and never fails: Prometheus instruments are updated in place and
// audit sinks accept decisions through a non-blocking Offer, dropping and
// counting when full.
//
// Metrics registers the decision instruments on a caller-supplied
// registry. BackendCollector exports tracker snapshots (lag, circuit
// state, failure counts) at scrape time rather than on every change.
//
// RedisStreamSink appends each decision to a Redis stream with XADD from
// its own goroutine, for audit and SLA verification outside the process.
package telemetry
