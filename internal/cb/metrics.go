package cb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors maintained by pools, handles
// and recovery controllers. A nil *Metrics disables collection.
type Metrics struct {
	Backends    prometheus.Gauge
	Operations  *prometheus.CounterVec
	Transitions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Backends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cbstore",
			Subsystem: "pool",
			Name:      "backends",
			Help:      "Number of configuration backends held by the pool.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbstore",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Backend operations by backend type, operation and result.",
		}, []string{"type", "op", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cbstore",
			Subsystem: "recovery",
			Name:      "transitions_total",
			Help:      "Recovery state machine transitions by backend type and event.",
		}, []string{"type", "event"}),
	}
	if reg != nil {
		reg.MustRegister(m.Backends, m.Operations, m.Transitions)
	}
	return m
}

func (m *Metrics) backendsDelta(n int) {
	if m == nil {
		return
	}
	m.Backends.Add(float64(n))
}

func (m *Metrics) operation(typ, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsConnectionError(err):
		result = "connection_error"
	default:
		result = "error"
	}
	m.Operations.WithLabelValues(typ, op, result).Inc()
}

func (m *Metrics) transition(typ, event string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(typ, event).Inc()
}
