// Package telemetry wires OpenTelemetry exporters and meters for the pipeline
// executor.
//
// It centralises trace provider setup and owns the metric instruments that
// describe processor work and pipeline runs, so the executor only reports
// plain values and never handles meters directly.
package telemetry
