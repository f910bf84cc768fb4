// Package metrics exposes prometheus collectors for the gateway and delivery coordinator.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gkchat"

// Metrics groups the collectors. All methods are safe on a nil receiver so
// tests and tools can pass nil.
type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	online      prometheus.Gauge
	inbound     *prometheus.CounterVec
	outbound    *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	slowClients prometheus.Counter
	throttled   prometheus.Counter
}

// New builds collectors on a private registry with go and process collectors attached.
func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		reg: r,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open websocket connections.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with a current connection binding.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "inbound_events_total",
			Help: "Client events accepted for dispatch.",
		}, []string{"event"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbound_events_total",
			Help: "Server events queued to a connection.",
		}, []string{"event"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rejected_events_total",
			Help: "Client events rejected before reaching the store.",
		}, []string{"reason"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_errors_total",
			Help: "Message store failures by operation.",
		}, []string{"op"}),
		slowClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "slow_consumer_disconnects_total",
			Help: "Connections closed because their send queue was full.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "typing_throttled_total",
			Help: "Typing indicators dropped by the per-pair limiter.",
		}),
	}
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.online, m.inbound, m.outbound,
		m.rejected, m.storeErrors, m.slowClients, m.throttled,
	)
	return m
}

// Registry returns the underlying registry; nil for a nil receiver.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{
		Registry:          m.reg,
		EnableOpenMetrics: true,
	})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// SetOnline records the registry size.
func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.online.Set(float64(n))
	}
}

func (m *Metrics) Inbound(event string) {
	if m != nil {
		m.inbound.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Outbound(event string) {
	if m != nil {
		m.outbound.WithLabelValues(event).Inc()
	}
}

// Rejected counts events dropped with reason validation, unauthorized or throttled.
func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.slowClients.Inc()
	}
}

func (m *Metrics) TypingThrottled() {
	if m != nil {
		m.throttled.Inc()
	}
}
