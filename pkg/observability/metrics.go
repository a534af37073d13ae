package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the node's Prometheus metrics on a private registry. All
// observe methods are safe on a nil receiver so components can run without
// metrics in tests.
type Metrics struct {
	Registry *prometheus.Registry

	// Routing metrics
	Decisions *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Delivered prometheus.Counter
	InFlight  prometheus.Gauge

	// Endpoint metrics
	Transitions *prometheus.CounterVec

	// Link metrics
	Packets *prometheus.CounterVec
	Links   *prometheus.GaugeVec
}

// NewMetrics registers all metrics under namespace on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_decisions_total",
			Help:      "Routing decisions by action",
		}, []string{"action"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_failures_total",
			Help:      "Envelopes failed by reason",
		}, []string{"reason"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_delivered_total",
			Help:      "Envelopes delivered to the local consumer",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "router_in_flight",
			Help:      "Envelopes currently owned by the dispatcher",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Endpoint status transitions by endpoint and target state",
		}, []string{"endpoint", "to"}),
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "link_packets_total",
			Help:      "Packets carried by network, direction and type",
		}, []string{"network", "direction", "type"}),
		Links: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_open",
			Help:      "Open links per network",
		}, []string{"network"}),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDecision(action string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveFailure(reason string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDelivered() {
	if m == nil {
		return
	}
	m.Delivered.Inc()
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.InFlight.Set(float64(n))
}

func (m *Metrics) ObserveTransition(endpoint, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(endpoint, to).Inc()
}

func (m *Metrics) ObservePacket(network, direction, typ string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(network, direction, typ).Inc()
}

func (m *Metrics) AddLinks(network string, delta int) {
	if m == nil {
		return
	}
	m.Links.WithLabelValues(network).Add(float64(delta))
}
