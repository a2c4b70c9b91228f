// Package metrics exposes prometheus instrumentation for ceremonies.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pushchain/push-tss-manager/manager/tss/status"
)

const namespace = "tss"

// Metrics holds the manager's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ceremonies *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	dropped    *prometheus.CounterVec
	inflight   *prometheus.GaugeVec

	mu      sync.Mutex
	started map[string]time.Time
	now     func() time.Time
}

var _ status.Observer = (*Metrics)(nil)

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ceremonies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ceremonies_total",
			Help:      "Ceremonies that reached a terminal status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ceremony_duration_seconds",
			Help:      "Wall time from the first event of a ceremony to its outcome.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"kind"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_dropped_total",
			Help:      "Inbound envelopes discarded by the router.",
		}, []string{"reason"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ceremonies_inflight",
			Help:      "Ceremonies currently running on this node.",
		}, []string{"kind"}),
		started: make(map[string]time.Time),
		now:     time.Now,
	}
	m.registry.MustRegister(
		m.ceremonies,
		m.duration,
		m.dropped,
		m.inflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RouterDropped counts one discarded envelope. It matches wire.DropFunc.
func (m *Metrics) RouterDropped(reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

// Notify implements status.Observer.
func (m *Metrics) Notify(_ context.Context, ev status.Event) error {
	kind := kindLabel(ev.Action)
	key := string(ev.Action) + "/" + ev.RoomID

	m.mu.Lock()
	defer m.mu.Unlock()
	start, seen := m.started[key]
	if !ev.Status.Terminal() {
		if !seen {
			m.started[key] = m.now()
			m.inflight.WithLabelValues(kind).Inc()
		}
		return nil
	}

	m.ceremonies.WithLabelValues(kind, string(ev.Status)).Inc()
	if seen {
		m.duration.WithLabelValues(kind).Observe(m.now().Sub(start).Seconds())
		m.inflight.WithLabelValues(kind).Dec()
		delete(m.started, key)
	}
	return nil
}

func kindLabel(a status.Action) string {
	if a == status.ActionSign {
		return "sign"
	}
	return "keygen"
}
