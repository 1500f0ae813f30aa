package chatlink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the socket layer. All methods are safe on a nil
// receiver so instrumentation stays optional.
type Metrics struct {
	framesDispatched *prometheus.CounterVec
	framesDropped    prometheus.Counter
	reconnects       *prometheus.CounterVec
	sendFailures     *prometheus.CounterVec
}

// NewMetrics creates and registers the socket metrics. Pass
// prometheus.DefaultRegisterer for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatlink",
			Name:      "frames_dispatched_total",
			Help:      "Inbound frames dispatched to subscribers, by topic.",
		}, []string{"topic"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatlink",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unroutable.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatlink",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts, by scope.",
		}, []string{"scope"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatlink",
			Name:      "send_failures_total",
			Help:      "Outbound frames that failed to write, by scope.",
		}, []string{"scope"}),
	}
	reg.MustRegister(m.framesDispatched, m.framesDropped, m.reconnects, m.sendFailures)
	return m
}

func (m *Metrics) frameDispatched(topic string) {
	if m == nil {
		return
	}
	m.framesDispatched.WithLabelValues(topic).Inc()
}

func (m *Metrics) frameDropped() {
	if m == nil {
		return
	}
	m.framesDropped.Inc()
}

func (m *Metrics) reconnectAttempt(scope Scope) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(string(scope)).Inc()
}

func (m *Metrics) sendFailure(scope Scope) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(string(scope)).Inc()
}
