// Package metrics defines the observability hooks of the ingest pipeline.
// Core code records through the Recorder interface; the Prometheus
// implementation lives in infra/metrics.
package metrics
