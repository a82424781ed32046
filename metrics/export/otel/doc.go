// Package otel bridges engine metric snapshots into OpenTelemetry observable
// instruments via a meter callback.
package otel
