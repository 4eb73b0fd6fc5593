package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Refresh(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveRefresh(RefreshApplied, 0.2, 12)
	m.ObserveRefresh(RefreshStale, 0.1, 3)
	m.ObserveRefresh(RefreshApplied, 0.3, 13)
	m.RefreshCoalesced()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.refreshTotal.WithLabelValues(RefreshApplied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshTotal.WithLabelValues(RefreshStale)))
	assert.Equal(t, 13.0, testutil.ToFloat64(m.devices))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refreshCoalesced))
}

func TestMetrics_SessionStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	all := []string{"disconnected", "connected"}

	m.SessionStatus("connected", all)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionStatus.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sessionStatus.WithLabelValues("disconnected")))
}

func TestMetrics_TxAndChain(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TxTransition("buy", "submitted", 1)
	m.TxTransition("buy", "confirmed", 0)
	m.ChainEvent("Sold")
	m.RPCError("getPhone")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.txTotal.WithLabelValues("buy", "confirmed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.txPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chainEvents.WithLabelValues("Sold")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rpcErrors.WithLabelValues("getPhone")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRefresh(RefreshFailed, 1, 0)
		m.RefreshCoalesced()
		m.TxTransition("list", "failed", 0)
		m.SessionStatus("error", nil)
		m.ChainEvent("Listed")
		m.RPCError("getPhoneCount")
	})
}
