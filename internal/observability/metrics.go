package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the adapter, sessions and RPC routers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions    prometheus.Gauge
	connectionsTotal  *prometheus.CounterVec
	handshakeFailures prometheus.Counter
	patchesSent       *prometheus.CounterVec
	rpcMessages       *prometheus.CounterVec
	transportErrors   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg under namespace.
//
// Precondition: reg must be non-nil; namespace must be non-empty.
// Postcondition: Returns Metrics whose collectors are registered on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a handshaken connection bound",
		}),
		connectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted connections by kind (new or reconnect)",
		}, []string{"kind"}),
		handshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed because the handshake failed",
		}),
		patchesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patches_sent_total",
			Help:      "Entity update messages flushed to hosts by entity kind",
		}, []string{"kind"}),
		rpcMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_messages_total",
			Help:      "RPC messages by direction and outcome",
		}, []string{"direction", "outcome"}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Transport failures by type",
		}, []string{"type"}),
	}
}

// SessionActivated records a session entering the active state.
func (m *Metrics) SessionActivated() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionDeactivated records a session leaving the active state.
func (m *Metrics) SessionDeactivated() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ConnectionAccepted counts an accepted connection; reconnect marks a known session id.
func (m *Metrics) ConnectionAccepted(reconnect bool) {
	if m == nil {
		return
	}
	kind := "new"
	if reconnect {
		kind = "reconnect"
	}
	m.connectionsTotal.WithLabelValues(kind).Inc()
}

// HandshakeFailed counts a rejected handshake.
func (m *Metrics) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

// PatchSent counts one flushed entity update.
func (m *Metrics) PatchSent(kind string) {
	if m == nil {
		return
	}
	m.patchesSent.WithLabelValues(kind).Inc()
}

// RPC counts an RPC message. direction is "in" or "out"; outcome is "delivered", "dropped" or "error".
func (m *Metrics) RPC(direction, outcome string) {
	if m == nil {
		return
	}
	m.rpcMessages.WithLabelValues(direction, outcome).Inc()
}

// TransportError counts a transport failure of the given type.
func (m *Metrics) TransportError(typ string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(typ).Inc()
}
