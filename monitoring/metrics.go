package monitoring

import (
	"math"
	"time"

	"github.com/multibit/multibitd/build"
	"github.com/multibit/multibitd/peers"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "multibitd"

// Metrics holds the prometheus collectors of the daemon on a private
// registry. It implements peers.EventListener so it can be registered with a
// coordinator directly.
type Metrics struct {
	registry *prometheus.Registry

	connectedPeers prometheus.Gauge
	downloadHeight prometheus.Gauge
	peerEvents     *prometheus.CounterVec
	replays        *prometheus.CounterVec
	replayDepth    prometheus.Histogram
	broadcasts     *prometheus.CounterVec
}

// A compile time assertion to ensure Metrics meets the peers.EventListener
// interface.
var _ peers.EventListener = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them. The chain height is
// read through chainHeight whenever the metrics are scraped.
func NewMetrics(chainHeight func() (uint32, error)) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Number of peers that completed the handshake.",
		}),
		downloadHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "download_height",
			Help:      "Height reached by the last chain download.",
		}),
		peerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_events_total",
			Help:      "Peer and download events by type.",
		}, []string{"type"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Chain replays by kind.",
		}, []string{"kind"}),
		replayDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replay_rollback_blocks",
			Help:      "Number of blocks rolled back by partial replays.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Transaction broadcasts by result.",
		}, []string{"result"}),
	}

	versionGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "version",
		Help:      "Version of multibitd running.",
	}, []string{"version", "commit"})
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	startTime := time.Now()
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Uptime of multibitd in seconds.",
	}, func() float64 {
		return time.Since(startTime).Seconds()
	})

	height := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "block_height",
		Help:      "Height of the local chain head.",
	}, func() float64 {
		h, err := chainHeight()
		if err != nil {
			return math.NaN()
		}
		return float64(h)
	})

	m.registry.MustRegister(
		versionGauge, uptime, height, m.connectedPeers,
		m.downloadHeight, m.peerEvents, m.replays, m.replayDepth,
		m.broadcasts,
	)

	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// OnPeerEvent updates the collectors from a coordinator event.
//
// NOTE: Part of the peers.EventListener interface.
func (m *Metrics) OnPeerEvent(event peers.Event) {
	m.peerEvents.WithLabelValues(event.Type.String()).Inc()

	switch event.Type {
	case peers.EventPeerConnected, peers.EventPeerDisconnected:
		m.connectedPeers.Set(float64(event.PeerCount))

	case peers.EventBlocksDownloaded, peers.EventChainDownloaded:
		m.downloadHeight.Set(float64(event.Height))

	case peers.EventTxBroadcast:
		m.broadcasts.WithLabelValues("success").Inc()

	case peers.EventBroadcastFailed:
		m.broadcasts.WithLabelValues("failure").Inc()
	}
}

// ReplayStarted records a replay. Full replays rebuild the store from
// genesis, partial replays roll back the given number of blocks.
func (m *Metrics) ReplayStarted(full bool, rollback uint32) {
	if full {
		m.replays.WithLabelValues("full").Inc()
		return
	}

	m.replays.WithLabelValues("partial").Inc()
	m.replayDepth.Observe(float64(rollback))
}
