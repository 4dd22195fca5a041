package multibitd

import (
	"github.com/multibit/multibitd/peers"
)

// Notifier is the user facing side of the service. It receives the peer and
// download events of the coordinator and learns about wallets the service
// created on its own.
type Notifier interface {
	peers.EventListener

	// OnNewWalletCreated is called once a fresh wallet was created and
	// saved because no wallet file existed yet.
	OnNewWalletCreated(binding *WalletBinding)
}

// logNotifier is the Notifier of the daemon. It reports everything to the
// log.
type logNotifier struct{}

// A compile time assertion to ensure logNotifier meets the Notifier
// interface.
var _ Notifier = logNotifier{}

// OnPeerEvent logs a peer or download event.
func (logNotifier) OnPeerEvent(event peers.Event) {
	switch event.Type {
	case peers.EventPeerConnected, peers.EventPeerDisconnected:
		mbtdLog.Infof("%v %v, %d peers connected", event.Type,
			event.Peer, event.PeerCount)

	case peers.EventConnectivityError, peers.EventDownloadFailed,
		peers.EventBroadcastFailed:

		mbtdLog.Warnf("%v %v: %v", event.Type, event.Peer, event.Err)

	case peers.EventChainDownloaded:
		mbtdLog.Infof("Block chain downloaded to height %d",
			event.Height)

	case peers.EventTxBroadcast:
		mbtdLog.Infof("Transaction %v sent to %d peers", event.TxHash,
			event.PeerCount)

	default:
		mbtdLog.Debugf("%v at height %d", event.Type, event.Height)
	}
}

// OnNewWalletCreated logs the receiving address of the new wallet.
func (logNotifier) OnNewWalletCreated(binding *WalletBinding) {
	for _, addr := range binding.ReceivingAddresses() {
		mbtdLog.Infof("Created wallet %v, receiving address %v",
			binding.Path, addr)
	}
}
