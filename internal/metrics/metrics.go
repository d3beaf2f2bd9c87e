// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from the ingestion pipeline.
//
// The core code depends only on Backend. A global backend defaults to a no-op
// implementation, so every Record* helper is safe to call when no real backend
// is configured. Concrete systems live in subpackages (datadog, prom).
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by every backend.
const (
	StepTotal       = "ingest_step_total"
	StepDuration    = "ingest_step_duration_seconds"
	RecordsTotal    = "ingest_records_total"
	BatchesTotal    = "ingest_batches_total"
	UploadsTotal    = "ingest_uploads_total"
	ImportDuration  = "ingest_import_duration_seconds"
	SweepRemovedTot = "ingest_sweep_removed_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep records latency and success/failure of one pipeline step.
func RecordStep(job, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status,
	}

	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRow increments a record-level counter. Typical kinds:
//   - "imported"
//   - "failed"
//   - "column_mismatch"
//   - "sanitized"
func RecordRow(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments the batch counter. outcome is "ok" or "fallback".
func RecordBatches(job, outcome string, delta int64) {
	if delta <= 0 {
		return
	}
	current().IncCounter(BatchesTotal, float64(delta), Labels{
		"job":     job,
		"outcome": outcome,
	})
}

// RecordUpload counts chunk-store events. event is "chunk", "assembled",
// "rejected" or "discarded".
func RecordUpload(job, event string) {
	current().IncCounter(UploadsTotal, 1, Labels{
		"job":   job,
		"event": event,
	})
}

// RecordImport observes the duration of one bulk load. strategy is "copy" or
// "resilient".
func RecordImport(job, strategy, table string, d time.Duration) {
	current().ObserveHistogram(ImportDuration, d.Seconds(), Labels{
		"job":      job,
		"strategy": strategy,
		"table":    table,
	})
}

// RecordSweep counts directories removed by the upload sweep.
func RecordSweep(job, group string, removed int) {
	if removed <= 0 {
		return
	}
	current().IncCounter(SweepRemovedTot, float64(removed), Labels{
		"job":   job,
		"group": group,
	})
}
