package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventEnqueued("data")
		m.EventDropped()
		m.SetConnectionState(2)
		m.StaleEvicted(3)
		m.ObserveTick(0.001)
	})
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.EventEnqueued("data")
	m.EventEnqueued("data")
	m.EventDropped()
	m.StaleEvicted(2)
	m.StaleEvicted(0)
	m.SetRosterSize(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsEnqueued.WithLabelValues("data")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StaleEvictions))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RosterSize))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRelayMetrics(t *testing.T) {
	var nilRelay *Relay
	assert.NotPanics(t, func() {
		nilRelay.SetPeers(1)
		nilRelay.Frame("Hello", "in")
		nilRelay.IdleKicked()
	})

	r := NewRelay(prometheus.NewRegistry())
	r.SetPeers(3)
	r.Frame("MatchDataSend", "in")
	r.Frame("MatchDataSend", "in")
	r.SendDropped()

	assert.Equal(t, 3.0, testutil.ToFloat64(r.Peers))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.Frames.WithLabelValues("MatchDataSend", "in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.SendDrops))
}
