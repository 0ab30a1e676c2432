// Package metrics provides Prometheus metrics for BOS.
//
// Package-level collectors are registered at init and shared across the
// operators, external clients, and the API server. The Collector scans the
// store on a fixed cadence to publish fleet-level gauges (components by
// phase/status, sessions by status).
package metrics
