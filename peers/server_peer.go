package peers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/multibit/multibitd/chainstore"
)

// serverPeer extends a btcd peer with the state the coordinator keeps for
// it while downloading.
type serverPeer struct {
	*peer.Peer

	coord   *Coordinator
	connReq *connmgr.ConnReq
	addr    string

	readyOnce sync.Once
	ready     chan struct{}
	quit      chan struct{}

	// headers receives the answer to our outstanding getheaders request.
	headers chan *wire.MsgHeaders

	mu sync.Mutex

	// pendingBlocks are the filtered blocks requested in the current
	// batch, keyed by hash.
	pendingBlocks map[chainhash.Hash]*chainstore.StoredBlock

	// matched maps the hashes announced in a merkle block to the block.
	matched map[chainhash.Hash]*chainstore.StoredBlock

	pongs map[uint64]chan struct{}
}

func newServerPeer(c *Coordinator, req *connmgr.ConnReq) *serverPeer {
	return &serverPeer{
		coord:         c,
		connReq:       req,
		addr:          req.Addr.String(),
		ready:         make(chan struct{}),
		quit:          make(chan struct{}),
		headers:       make(chan *wire.MsgHeaders, 1),
		pendingBlocks: make(map[chainhash.Hash]*chainstore.StoredBlock),
		matched:       make(map[chainhash.Hash]*chainstore.StoredBlock),
		pongs:         make(map[uint64]chan struct{}),
	}
}

func (c *Coordinator) newPeerConfig(sp *serverPeer) *peer.Config {
	return &peer.Config{
		NewestBlock:      c.newestBlock,
		UserAgentName:    c.cfg.UserAgentName,
		UserAgentVersion: c.cfg.UserAgentVersion,
		ChainParams:      c.cfg.ChainParams,
		Services:         0,
		DisableRelayTx:   true,
		AllowSelfConns:   c.cfg.AllowSelfConns,
		Listeners: peer.MessageListeners{
			OnVersion:     sp.OnVersion,
			OnVerAck:      sp.OnVerAck,
			OnHeaders:     sp.OnHeaders,
			OnInv:         sp.OnInv,
			OnMerkleBlock: sp.OnMerkleBlock,
			OnTx:          sp.OnTx,
			OnPong:        sp.OnPong,
			OnReject:      sp.OnReject,
		},
	}
}

func (sp *serverPeer) markReady() {
	sp.readyOnce.Do(func() {
		close(sp.ready)
	})
}

func (sp *serverPeer) isReady() bool {
	select {
	case <-sp.ready:
		return true
	default:
		return false
	}
}

// OnVersion rejects peers that can't serve headers and filtered blocks.
func (sp *serverPeer) OnVersion(_ *peer.Peer,
	msg *wire.MsgVersion) *wire.MsgReject {

	var reason string
	switch {
	case !msg.HasService(wire.SFNodeNetwork):
		reason = "peer is not a full node"

	case msg.ProtocolVersion >= int32(wire.BIP0111Version) &&
		!msg.HasService(wire.SFNodeBloom):

		reason = "peer does not serve bloom filtered blocks"
	}
	if reason == "" {
		return nil
	}

	log.Debugf("Rejecting peer %v: %v", sp.addr, reason)
	sp.coord.recordError(sp.addr, fmt.Errorf("%w: %s", errPeerFailed,
		reason))

	return wire.NewMsgReject(msg.Command(), wire.RejectNonstandard, reason)
}

// OnVerAck completes the handshake. It runs inside the btcd negotiation so
// the follow up work happens on its own goroutine.
func (sp *serverPeer) OnVerAck(_ *peer.Peer, _ *wire.MsgVerAck) {
	sp.coord.wg.Add(1)
	go func() {
		defer sp.coord.wg.Done()
		sp.coord.peerHandshakeDone(sp)
	}()
}

// OnHeaders passes a headers message to the waiting download.
func (sp *serverPeer) OnHeaders(_ *peer.Peer, msg *wire.MsgHeaders) {
	select {
	case sp.headers <- msg:
	default:
		log.Debugf("Dropping unsolicited headers from %v", sp.addr)
	}
}

// OnInv requests announced transactions and kicks off a resync when a new
// block is announced.
func (sp *serverPeer) OnInv(p *peer.Peer, msg *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	var newBlock bool
	for _, iv := range msg.InvList {
		switch iv.Type {
		case wire.InvTypeBlock, wire.InvTypeWitnessBlock:
			newBlock = true

		case wire.InvTypeTx, wire.InvTypeWitnessTx:
			if err := getData.AddInvVect(iv); err != nil {
				break
			}
		}
	}

	if len(getData.InvList) > 0 {
		p.QueueMessage(getData, nil)
	}
	if newBlock {
		sp.coord.requestSync()
	}
}

// OnMerkleBlock records the transactions a requested filtered block matched
// so the transactions that follow can be attributed to it. Hashes of inner
// merkle nodes are recorded too, they never match a transaction.
func (sp *serverPeer) OnMerkleBlock(_ *peer.Peer, msg *wire.MsgMerkleBlock) {
	hash := msg.Header.BlockHash()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	block, ok := sp.pendingBlocks[hash]
	if !ok {
		log.Debugf("Unrequested merkle block %v from %v", hash, sp.addr)
		return
	}
	delete(sp.pendingBlocks, hash)

	for _, txHash := range msg.Hashes {
		sp.matched[*txHash] = block
	}
}

// OnTx delivers a transaction to the wallets, mined if it was matched by a
// filtered block.
func (sp *serverPeer) OnTx(_ *peer.Peer, msg *wire.MsgTx) {
	hash := msg.TxHash()

	sp.mu.Lock()
	block, ok := sp.matched[hash]
	delete(sp.matched, hash)
	sp.mu.Unlock()

	mined := fn.None[*chainstore.StoredBlock]()
	if ok {
		mined = fn.Some(block)
	}

	sp.coord.deliverTx(msg, mined)
}

// OnPong completes a ping sent by ping.
func (sp *serverPeer) OnPong(_ *peer.Peer, msg *wire.MsgPong) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if done, ok := sp.pongs[msg.Nonce]; ok {
		close(done)
		delete(sp.pongs, msg.Nonce)
	}
}

// OnReject records rejections sent by the peer.
func (sp *serverPeer) OnReject(_ *peer.Peer, msg *wire.MsgReject) {
	log.Warnf("Peer %v rejected %v: %v", sp.addr, msg.Cmd, msg.Reason)

	sp.coord.recordError(sp.addr, fmt.Errorf("peer rejected %v "+
		"(code %v): %v", msg.Cmd, msg.Code, msg.Reason))
}

// drainHeaders drops a stale headers answer left over from an earlier
// request.
func (sp *serverPeer) drainHeaders() {
	select {
	case <-sp.headers:
	default:
	}
}

// waitHeaders waits for the answer to a getheaders request.
func (sp *serverPeer) waitHeaders(ctx context.Context,
	timeout time.Duration) (*wire.MsgHeaders, error) {

	select {
	case msg := <-sp.headers:
		return msg, nil

	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: %v timed out sending headers",
			errPeerFailed, sp.addr)

	case <-sp.quit:
		return nil, fmt.Errorf("%w: %v disconnected", errPeerFailed,
			sp.addr)

	case <-ctx.Done():
		return nil, causeOf(ctx)
	}
}

// expectBlocks registers the filtered blocks of a new batch, dropping what is
// left of the previous one.
func (sp *serverPeer) expectBlocks(blocks []*chainstore.StoredBlock) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.pendingBlocks = make(
		map[chainhash.Hash]*chainstore.StoredBlock, len(blocks),
	)
	sp.matched = make(map[chainhash.Hash]*chainstore.StoredBlock)
	for _, block := range blocks {
		sp.pendingBlocks[block.Hash()] = block
	}
}

// ping sends a ping and waits for the pong. Peers answer in order, so a pong
// means every earlier request was answered.
func (sp *serverPeer) ping(ctx context.Context, timeout time.Duration) error {
	nonce := rand.Uint64()
	done := make(chan struct{})

	sp.mu.Lock()
	sp.pongs[nonce] = done
	sp.mu.Unlock()

	defer func() {
		sp.mu.Lock()
		delete(sp.pongs, nonce)
		sp.mu.Unlock()
	}()

	sp.QueueMessage(wire.NewMsgPing(nonce), nil)

	select {
	case <-done:
		return nil

	case <-time.After(timeout):
		return fmt.Errorf("%w: %v timed out answering ping",
			errPeerFailed, sp.addr)

	case <-sp.quit:
		return fmt.Errorf("%w: %v disconnected", errPeerFailed,
			sp.addr)

	case <-ctx.Done():
		return causeOf(ctx)
	}
}
