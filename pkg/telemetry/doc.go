// Package telemetry provides observability primitives for OpsForge:
// structured logging built on zerolog, Prometheus metrics for the
// trigger/approval/dispatch pipeline, and OpenTelemetry tracing around
// engine invocations.
package telemetry
