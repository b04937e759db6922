package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_CountersAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.SessionActivated()
	m.SessionActivated()
	m.SessionDeactivated()
	m.ConnectionAccepted(false)
	m.ConnectionAccepted(true)
	m.ConnectionAccepted(true)
	m.HandshakeFailed()
	m.PatchSent("actor")
	m.RPC("out", "delivered")
	m.TransportError("read")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connectionsTotal.WithLabelValues("new")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionsTotal.WithLabelValues("reconnect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakeFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.patchesSent.WithLabelValues("actor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcMessages.WithLabelValues("out", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transportErrors.WithLabelValues("read")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionActivated()
		m.SessionDeactivated()
		m.ConnectionAccepted(true)
		m.HandshakeFailed()
		m.PatchSent("user")
		m.RPC("in", "dropped")
		m.TransportError("write")
	})
}
