// Package telemetry wires OpenTelemetry tracing and metrics for pipeline runs.
//
// It owns trace provider setup, the otel instruments recorded per stage
// execution and per handle conversion, and a Prometheus registry that the CLI
// can serve over HTTP.
package telemetry
