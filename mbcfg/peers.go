package mbcfg

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultMaxPeers is the default size of the discovered peer pool.
	DefaultMaxPeers = 4

	// DefaultRefreshInterval is the default interval between top ups of
	// the discovered peer pool.
	DefaultRefreshInterval = time.Minute

	// DefaultResponseTimeout is the default time a peer has to answer a
	// request.
	DefaultResponseTimeout = 30 * time.Second

	// DefaultBroadcastTimeout is the default time a broadcast waits for a
	// peer to connect.
	DefaultBroadcastTimeout = 30 * time.Second
)

// Peers holds the options controlling outbound peer connections.
type Peers struct {
	Connect          string        `long:"connect" description:"Connect only to the specified peer (host[:port]). Disables peer discovery."`
	AddPeers         []string      `short:"a" long:"addpeer" description:"Add a peer (host[:port]) to the discovered pool"`
	MaxPeers         int           `long:"maxpeers" description:"Number of outbound peers to keep when using discovery"`
	NoDiscovery      bool          `long:"nodiscovery" description:"Do not discover peers through DNS seeds"`
	RefreshInterval  time.Duration `long:"refresh" description:"Interval between top ups of the discovered peer pool. Valid time units are {s, m, h}."`
	ResponseTimeout  time.Duration `long:"responsetimeout" description:"Time a peer has to answer a request before it is dropped"`
	BroadcastTimeout time.Duration `long:"broadcasttimeout" description:"Time a broadcast waits for a peer to become available"`
}

// DefaultPeers returns the default peer options.
func DefaultPeers() *Peers {
	return &Peers{
		MaxPeers:         DefaultMaxPeers,
		RefreshInterval:  DefaultRefreshInterval,
		ResponseTimeout:  DefaultResponseTimeout,
		BroadcastTimeout: DefaultBroadcastTimeout,
	}
}

// Validate checks the peer options.
//
// NOTE: Part of the Validator interface.
func (p *Peers) Validate() error {
	if p.MaxPeers < 1 {
		return fmt.Errorf("peers.maxpeers must be positive, got %d",
			p.MaxPeers)
	}
	if p.RefreshInterval < time.Second {
		return fmt.Errorf("peers.refresh must be at least 1s, got %v",
			p.RefreshInterval)
	}
	if p.Connect != "" && len(p.AddPeers) > 0 {
		return errors.New("peers.connect and peers.addpeer can't be " +
			"combined")
	}
	if p.ResponseTimeout <= 0 || p.BroadcastTimeout <= 0 {
		return fmt.Errorf("peer timeouts must be positive")
	}

	return nil
}
