// Package metrics provides observability hooks for checkpoint loads.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so no nil checks are needed at call sites. The CLI swaps in a
// PrometheusRecorder and writes its registry to a node-exporter textfile.
package metrics

import "time"

// Intent labels the entry point of a load.
type Intent string

const (
	IntentResume Intent = "resume"
	IntentTune   Intent = "tune"
)

// Outcome labels the result of a load or fetch.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Recorder defines observability hooks for checkpoint reconciliation.
type Recorder interface {
	ObserveLoad(intent Intent, outcome Outcome, d time.Duration)
	ObserveMatch(matched, missed, unmatched int)
	IncHeadAdjustment(result string)              // result: adjusted|not_adjusted|dropped|failed
	IncComponentRestore(component, result string) // result: restored|fallback|skipped
	AddFetchedBytes(origin string, n int64)       // origin: remote|cache|local
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveLoad(Intent, Outcome, time.Duration) {}
func (NoopRecorder) ObserveMatch(int, int, int)                 {}
func (NoopRecorder) IncHeadAdjustment(string)                   {}
func (NoopRecorder) IncComponentRestore(string, string)         {}
func (NoopRecorder) AddFetchedBytes(string, int64)              {}
