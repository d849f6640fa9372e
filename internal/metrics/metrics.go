// Package metrics holds the Prometheus collectors of the reservation core.
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Reservations    *prometheus.CounterVec
	LockAcquire     *prometheus.CounterVec
	ReaperExpired   prometheus.Counter
	ReaperSweep     prometheus.Histogram
	EventsPublished *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go and
// process collectors.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_total",
			Help:      "Reservation operations by operation and outcome",
		}, []string{"op", "outcome"}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquisition attempts by backend and result",
		}, []string{"backend", "result"}),
		ReaperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_expired_total",
			Help:      "Reservations transitioned to expired by the reaper",
		}),
		ReaperSweep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reaper_sweep_seconds",
			Help:      "Duration of reaper sweeps",
			Buckets:   prometheus.DefBuckets,
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Stock-changed notifications handed to the transport",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.Reservations, m.LockAcquire, m.ReaperExpired, m.ReaperSweep, m.EventsPublished,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveReservation(op, outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveLock(backend, result string) {
	if m == nil {
		return
	}
	m.LockAcquire.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) ObserveSweep(expired int, seconds float64) {
	if m == nil {
		return
	}
	m.ReaperExpired.Add(float64(expired))
	m.ReaperSweep.Observe(seconds)
}

func (m *Metrics) ObservePublish(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}
