package peers

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// EventType identifies what happened in an Event.
type EventType uint8

const (
	// EventPeerConnected is sent when a peer finished its handshake.
	EventPeerConnected EventType = iota

	// EventPeerDisconnected is sent when a connected peer goes away.
	EventPeerDisconnected

	// EventConnectivityError is sent when a peer address could not be
	// resolved or dialed, or a peer misbehaved.
	EventConnectivityError

	// EventBlocksDownloaded is sent as download progresses.
	EventBlocksDownloaded

	// EventChainDownloaded is sent once a download caught up with its
	// peer.
	EventChainDownloaded

	// EventDownloadFailed is sent when a download task ends with an
	// error.
	EventDownloadFailed

	// EventTxBroadcast is sent when a transaction was handed to at least
	// one peer.
	EventTxBroadcast

	// EventBroadcastFailed is sent when a transaction could not be handed
	// to any peer.
	EventBroadcastFailed
)

// String returns a human readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "PeerConnected"
	case EventPeerDisconnected:
		return "PeerDisconnected"
	case EventConnectivityError:
		return "ConnectivityError"
	case EventBlocksDownloaded:
		return "BlocksDownloaded"
	case EventChainDownloaded:
		return "ChainDownloaded"
	case EventDownloadFailed:
		return "DownloadFailed"
	case EventTxBroadcast:
		return "TxBroadcast"
	case EventBroadcastFailed:
		return "BroadcastFailed"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event describes a change in the peer pool or the progress of a task. Only
// the fields relevant to the Type are set.
type Event struct {
	Type EventType

	// Peer is the address of the peer the event is about.
	Peer string

	// PeerCount is the number of connected peers after the event.
	PeerCount int

	// Height is the chain height reached by a download.
	Height uint32

	// TxHash is the transaction a broadcast event is about.
	TxHash chainhash.Hash

	// Err carries the failure for error events.
	Err error
}

// EventListener receives peer and download events. Listeners are called from
// a single dispatch goroutine, in the order the events happened, and must not
// block for long.
type EventListener interface {
	OnPeerEvent(event Event)
}

// EventListenerFunc adapts a function to the EventListener interface.
type EventListenerFunc func(Event)

// OnPeerEvent calls f(event).
func (f EventListenerFunc) OnPeerEvent(event Event) {
	f(event)
}
