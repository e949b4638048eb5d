// Package metrics exposes savewatch counters to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/savewatch/internal/sink"
)

// Recorder owns a private registry so tests and multiple sessions never
// collide on the default one.
type Recorder struct {
	reg *prometheus.Registry

	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	events     *prometheus.CounterVec
	marked     prometheus.Counter
}

// New creates a Recorder. records reports the current RecordStore size;
// it may be nil.
func New(records func() int) *Recorder {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "savewatch",
			Name:      "operations_total",
			Help:      "Operations by name and result.",
		}, []string{"operation", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "savewatch",
			Name:      "operation_duration_seconds",
			Help:      "Operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "savewatch",
			Name:      "events_total",
			Help:      "Events emitted to sinks, by type.",
		}, []string{"type"}),
		marked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "savewatch",
			Name:      "badges_attached_total",
			Help:      "Badges attached by reconcile passes.",
		}),
	}
	r.reg.MustRegister(r.operations, r.durations, r.events, r.marked,
		collectors.NewGoCollector(),
	)
	if records != nil {
		r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "savewatch",
			Name:      "records",
			Help:      "Records in the saved-item store.",
		}, func() float64 { return float64(records()) }))
	}
	return r
}

// Observe records one operation outcome (save, catalog_fetch, import,
// reconcile).
func (r *Recorder) Observe(operation string, success bool, d time.Duration) {
	if operation == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	r.operations.WithLabelValues(operation, result).Inc()
	r.durations.WithLabelValues(operation).Observe(d.Seconds())
}

// Marked counts badges attached by one pass.
func (r *Recorder) Marked(n int) {
	if n > 0 {
		r.marked.Add(float64(n))
	}
}

// Send counts an event; Recorder plugs into the sink router.
func (r *Recorder) Send(_ context.Context, ev sink.Event) error {
	r.events.WithLabelValues(ev.Type).Inc()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }
