package monitoring

import (
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/multibit/multibitd/peers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestOnPeerEvent asserts that events drive the gauges and counters.
func TestOnPeerEvent(t *testing.T) {
	t.Parallel()

	m := NewMetrics(func() (uint32, error) {
		return 42, nil
	})

	m.OnPeerEvent(peers.Event{Type: peers.EventPeerConnected, PeerCount: 2})
	m.OnPeerEvent(peers.Event{Type: peers.EventChainDownloaded, Height: 7})
	m.OnPeerEvent(peers.Event{Type: peers.EventTxBroadcast})
	m.OnPeerEvent(peers.Event{Type: peers.EventBroadcastFailed})
	m.OnPeerEvent(peers.Event{Type: peers.EventBroadcastFailed})

	require.Equal(t, 2.0, testutil.ToFloat64(m.connectedPeers))
	require.Equal(t, 7.0, testutil.ToFloat64(m.downloadHeight))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.broadcasts.WithLabelValues("success"),
	))
	require.Equal(t, 2.0, testutil.ToFloat64(
		m.broadcasts.WithLabelValues("failure"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.peerEvents.WithLabelValues("PeerConnected"),
	))

	m.ReplayStarted(true, 0)
	m.ReplayStarted(false, 16)
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.replays.WithLabelValues("full"),
	))
	require.Equal(t, 1.0, testutil.ToFloat64(
		m.replays.WithLabelValues("partial"),
	))
}

// TestExporter scrapes a running exporter.
func TestExporter(t *testing.T) {
	t.Parallel()

	m := NewMetrics(func() (uint32, error) {
		return 0, errors.New("no chain")
	})

	e, err := StartExporter("127.0.0.1:0", m)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Stop())
	})

	resp, err := http.Get("http://" + e.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "multibitd_uptime_seconds")
	require.Contains(t, string(body), "multibitd_block_height NaN")
}
