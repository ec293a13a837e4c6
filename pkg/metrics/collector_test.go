package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg, DefaultConfig())

	c.PacketSent(100)
	c.PacketSent(50)
	c.PacketDropped(DropPollTimeout)
	c.FramesDiscarded(DiscardStandby, 512)
	c.Transition("Idle", "Init")
	c.Transition("Init", "Configuring")
	c.ControlRequest("OPEN", nil)
	c.ControlRequest("OPEN", errors.New("busy"))

	assert.Equal(t, 2.0, testutil.ToFloat64(c.packetsSent))
	assert.Equal(t, 150.0, testutil.ToFloat64(c.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.packetsDropped.WithLabelValues(DropPollTimeout)))
	assert.Equal(t, 512.0, testutil.ToFloat64(c.framesDiscarded.WithLabelValues(DiscardStandby)))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.sessionState.WithLabelValues("Init")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionState.WithLabelValues("Configuring")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlRequests.WithLabelValues("OPEN", "error")))

	count, err := testutil.GatherAndCount(reg, "a2dp_sink_rtp_packets_sent_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.PacketSent(1)
		c.PacketDropped(DropBrokenPipe)
		c.FramesWritten(1)
		c.FramesDiscarded(DiscardRetryExhausted, 1)
		c.WriteError("timeout")
		c.Standby()
		c.Transition("Idle", "Init")
		c.ControlRequest("OPEN", nil)
		c.BufferFill(10)
	})
}
