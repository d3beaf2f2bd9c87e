// Package prom exposes the ingestion metrics in Prometheus text format.
//
// Unlike the Datadog backend nothing is buffered: each call updates a
// collector in a private registry, and Handler serves it on /metrics.
// Metric names not listed in the metrics package are ignored.
package prom

import (
	"net/http"

	"cobranza/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend implements metrics.Backend on top of client_golang collectors.
type Backend struct {
	reg *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewBackend registers every ingest collector in a fresh registry, together
// with the Go runtime and process collectors.
func NewBackend() *Backend {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	b := &Backend{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}

	b.counter(metrics.StepTotal, "Pipeline steps executed, by outcome.", "job", "step", "status")
	b.counter(metrics.RecordsTotal, "Rows handled by the importers, by kind.", "job", "kind")
	b.counter(metrics.BatchesTotal, "Resilient import batches, by outcome.", "job", "outcome")
	b.counter(metrics.UploadsTotal, "Chunk store events.", "job", "event")
	b.counter(metrics.SweepRemovedTot, "Upload directories removed by the sweep.", "job", "group")

	b.histogram(metrics.StepDuration, "Pipeline step duration in seconds.",
		prometheus.ExponentialBuckets(0.05, 2, 14), "job", "step", "status")
	b.histogram(metrics.ImportDuration, "Bulk load duration in seconds.",
		prometheus.ExponentialBuckets(0.1, 2, 14), "job", "strategy", "table")

	return b
}

func (b *Backend) counter(name, help string, labels ...string) {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(v)
	b.counters[name] = v
	b.labelNames[name] = labels
}

func (b *Backend) histogram(name, help string, buckets []float64, labels ...string) {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	b.reg.MustRegister(v)
	b.histograms[name] = v
	b.labelNames[name] = labels
}

// values orders labels by the collector's declared label names; missing
// labels become "".
func (b *Backend) values(name string, labels metrics.Labels) []string {
	names := b.labelNames[name]
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = labels[n]
	}
	return out
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	v, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	v.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	v, ok := b.histograms[name]
	if !ok {
		return
	}
	v.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush is a no-op; Prometheus scrapes.
func (b *Backend) Flush() error { return nil }

// Gatherer exposes the registry for tests and custom handlers.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

// Handler serves the registry in the Prometheus exposition format.
func (b *Backend) Handler() http.Handler {
	return promhttp.HandlerFor(b.reg, promhttp.HandlerOpts{})
}

var _ metrics.Backend = (*Backend)(nil)
