// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import "time"

// Recorder is the narrow view of metrics the reconciliation pipeline needs.
// It keeps the core independent of the collector implementation and lets
// tests pass NopRecorder.
type Recorder interface {
	// RecordOperation counts a finished operation and observes its duration.
	RecordOperation(kind, outcome string, duration time.Duration)

	// RecordAddresses adds count to the per-category address counter.
	RecordAddresses(kind, category string, count int)

	// IncrementRollbacks counts a rolled back operation.
	IncrementRollbacks(kind string)

	// IncrementTeardownFailures counts a staging table that could not be dropped.
	IncrementTeardownFailures()

	// AddAggregatesRecomputed counts recomputed country or asn counter rows.
	AddAggregatesRecomputed(scope string, rows int64)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) RecordOperation(string, string, time.Duration) {}
func (NopRecorder) RecordAddresses(string, string, int)           {}
func (NopRecorder) IncrementRollbacks(string)                     {}
func (NopRecorder) IncrementTeardownFailures()                    {}
func (NopRecorder) AddAggregatesRecomputed(string, int64)         {}

// Ensure that both implementations satisfy Recorder.
var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = NopRecorder{}
)
