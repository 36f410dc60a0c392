// Package metrics exposes Prometheus counters for sends, retries, queue
// drains, campaign transitions and tracking events. A nil *Metrics is valid
// and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send outcomes.
const (
	OutcomeSent       = "sent"
	OutcomeRetried    = "retried"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "dead_lettered"
)

// Tracking outcomes.
const (
	TrackingRecorded = "recorded"
	TrackingDropped  = "dropped"
	TrackingUnknown  = "unknown"
	TrackingError    = "error"
)

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	sends          *prometheus.CounterVec
	sendDuration   *prometheus.HistogramVec
	drainBatch     prometheus.Histogram
	transitions    *prometheus.CounterVec
	trackingEvents *prometheus.CounterVec
	recovered      prometheus.Counter
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := &Metrics{
		registry: reg,
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "sends_total",
			Help:      "Send attempts by transport and outcome.",
		}, []string{"transport", "outcome"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "campaign",
			Name:      "send_duration_seconds",
			Help:      "Transport send latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"transport"}),
		drainBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "campaign",
			Name:      "drain_batch_size",
			Help:      "Entries leased per queue drain.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "transitions_total",
			Help:      "Campaign status transitions by action.",
		}, []string{"action", "to"}),
		trackingEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "tracking_events_total",
			Help:      "Tracking events by type and outcome.",
		}, []string{"type", "outcome"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "campaign",
			Name:      "leases_recovered_total",
			Help:      "Queue entries returned after a lease expired.",
		}),
	}
	reg.MustRegister(m.sends, m.sendDuration, m.drainBatch, m.transitions, m.trackingEvents, m.recovered)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Send(transport, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(transport, outcome).Inc()
	if took > 0 {
		m.sendDuration.WithLabelValues(transport).Observe(took.Seconds())
	}
}

func (m *Metrics) DrainBatch(n int) {
	if m == nil {
		return
	}
	m.drainBatch.Observe(float64(n))
}

func (m *Metrics) Transition(action, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action, to).Inc()
}

func (m *Metrics) Tracking(eventType, outcome string) {
	if m == nil {
		return
	}
	m.trackingEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.Add(float64(n))
}
