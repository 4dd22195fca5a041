package peers

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/multibit/multibitd/chainstore"
	"github.com/stretchr/testify/require"
)

var testStart = time.Unix(1700000000, 0)

// fakeNode is a full node serving a fixed header chain over loopback TCP.
// It answers getheaders and filtered block requests and records what it is
// sent.
type fakeNode struct {
	params   *chaincfg.Params
	listener net.Listener

	mu       sync.Mutex
	blocks   []*chainstore.StoredBlock
	index    map[chainhash.Hash]uint32
	blockTxs map[chainhash.Hash][]*wire.MsgTx
	peers    []*peer.Peer
	silent   bool

	filterLoads chan *wire.MsgFilterLoad
	received    chan *wire.MsgTx

	wg sync.WaitGroup
}

// newFakeNode starts a node whose chain is numBlocks long.
func newFakeNode(t *testing.T, numBlocks int) *fakeNode {
	t.Helper()

	params := &chaincfg.RegressionNetParams
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	genesis := chainstore.NewStoredBlock(params.GenesisBlock.Header, 0)
	n := &fakeNode{
		params:   params,
		listener: listener,
		index: map[chainhash.Hash]uint32{
			genesis.Hash(): 0,
		},
		blockTxs:    make(map[chainhash.Hash][]*wire.MsgTx),
		filterLoads: make(chan *wire.MsgFilterLoad, 10),
		received:    make(chan *wire.MsgTx, 10),
	}

	prev := genesis
	headers := chainstore.MakeHeaders(
		genesis, numBlocks, testStart, 10*time.Minute,
	)
	for _, header := range headers {
		block := prev.Build(header)
		n.blocks = append(n.blocks, block)
		n.index[block.Hash()] = block.Height
		prev = block
	}

	n.wg.Add(1)
	go n.acceptLoop()

	t.Cleanup(n.stop)

	return n
}

func (n *fakeNode) addr() string {
	return n.listener.Addr().String()
}

func (n *fakeNode) tip() *chainstore.StoredBlock {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.blocks[len(n.blocks)-1]
}

// mine records tx as mined in the block at height.
func (n *fakeNode) mine(height uint32, tx *wire.MsgTx) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hash := n.blocks[height-1].Hash()
	n.blockTxs[hash] = append(n.blockTxs[hash], tx)
}

// setSilent stops the node from answering getheaders.
func (n *fakeNode) setSilent(silent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.silent = silent
}

func (n *fakeNode) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}

		p := peer.NewInboundPeer(n.peerConfig())
		p.AssociateConnection(conn)

		n.mu.Lock()
		n.peers = append(n.peers, p)
		n.mu.Unlock()
	}
}

func (n *fakeNode) stop() {
	_ = n.listener.Close()
	n.wg.Wait()

	n.mu.Lock()
	peers := n.peers
	n.mu.Unlock()

	for _, p := range peers {
		p.Disconnect()
		p.WaitForDisconnect()
	}
}

func (n *fakeNode) peerConfig() *peer.Config {
	return &peer.Config{
		UserAgentName:    "fakenode",
		UserAgentVersion: "0.1",
		ChainParams:      n.params,
		Services:         wire.SFNodeNetwork | wire.SFNodeBloom,
		AllowSelfConns:   true,
		NewestBlock: func() (*chainhash.Hash, int32, error) {
			tip := n.tip()
			hash := tip.Hash()

			return &hash, int32(tip.Height), nil
		},
		Listeners: peer.MessageListeners{
			OnGetHeaders: n.onGetHeaders,
			OnGetData:    n.onGetData,
			OnTx:         n.onTx,
			OnFilterLoad: n.onFilterLoad,
		},
	}
}

func (n *fakeNode) onGetHeaders(p *peer.Peer, msg *wire.MsgGetHeaders) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.silent {
		return
	}

	var start uint32
	for _, hash := range msg.BlockLocatorHashes {
		if height, ok := n.index[*hash]; ok {
			start = height
			break
		}
	}

	headers := wire.NewMsgHeaders()
	for _, block := range n.blocks[start:] {
		if len(headers.Headers) == wire.MaxBlockHeadersPerMsg {
			break
		}
		header := block.Header
		_ = headers.AddBlockHeader(&header)
	}

	p.QueueMessage(headers, nil)
}

func (n *fakeNode) onGetData(p *peer.Peer, msg *wire.MsgGetData) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, iv := range msg.InvList {
		if iv.Type != wire.InvTypeFilteredBlock {
			continue
		}

		height, ok := n.index[iv.Hash]
		if !ok || height == 0 {
			continue
		}
		block := n.blocks[height-1]
		txs := n.blockTxs[iv.Hash]

		merkleBlock := wire.NewMsgMerkleBlock(&block.Header)
		merkleBlock.Transactions = uint32(len(txs))
		for _, tx := range txs {
			hash := tx.TxHash()
			_ = merkleBlock.AddTxHash(&hash)
		}

		p.QueueMessage(merkleBlock, nil)
		for _, tx := range txs {
			p.QueueMessage(tx, nil)
		}
	}
}

func (n *fakeNode) onTx(_ *peer.Peer, msg *wire.MsgTx) {
	select {
	case n.received <- msg:
	default:
	}
}

func (n *fakeNode) onFilterLoad(_ *peer.Peer, msg *wire.MsgFilterLoad) {
	select {
	case n.filterLoads <- msg:
	default:
	}
}

// testTx returns a distinct transaction identified by seed.
func testTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(
		&wire.OutPoint{Hash: chainhash.Hash{seed}, Index: 0}, nil, nil,
	))
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51}))

	return tx
}
