// Package prometheus exposes goMFA engine counters as a
// prometheus.Collector.
//
// [NewPrometheusExporter] registers the collector in a private registry
// and [PrometheusExporter.Handler] serves it. Counter names are
// gomfa_*_total; the check latency histogram is
// gomfa_check_latency_seconds.
package prometheus
