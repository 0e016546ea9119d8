// Package metrics exports broker and stream statistics as Prometheus
// collectors. A single Collector satisfies both broker.StatsRecorder and
// stream.StatsRecorder, so one instance can be shared across every
// component of a pipeline.
package metrics
