// Package otel publishes goMFA engine counters through OpenTelemetry
// asynchronous instruments. The caller owns the MeterProvider.
package otel
