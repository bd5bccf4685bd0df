// Package telemetry feeds robot telemetry samples into the bridge. A
// sample maps catalog variable names to their current values; the
// orchestrator turns each sample into a telemetry snapshot.
package telemetry
