package peers

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/connmgr"
	"github.com/btcsuite/btcd/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/multibit/multibitd/chain"
	"github.com/multibit/multibitd/chainstore"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxConnections is the size of the discovered peer pool.
	DefaultMaxConnections = 4

	// DefaultRefreshInterval is how often the discovered pool is topped
	// up when it is below its target size.
	DefaultRefreshInterval = time.Minute

	// DefaultResponseTimeout is how long a peer has to answer a request
	// before it is considered failed.
	DefaultResponseTimeout = 30 * time.Second

	// DefaultBroadcastTimeout is how long a broadcast waits for a peer to
	// become available.
	DefaultBroadcastTimeout = 30 * time.Second

	defaultRetryDuration = 5 * time.Second
	defaultDialTimeout   = 10 * time.Second

	// peerErrorHistory is the number of failures remembered per peer.
	peerErrorHistory = 10

	// eventBufferSize is the number of events that may be queued for the
	// listeners.
	eventBufferSize = 100

	// bloomFalsePositiveRate is the false positive rate of the filter we
	// load into peers.
	bloomFalsePositiveRate = 0.0005
)

var (
	// ErrExclusiveMode is returned when adding a discovery strategy after
	// an exclusive peer address was set.
	ErrExclusiveMode = errors.New("exclusive peer address set, " +
		"discovery is not allowed")

	// ErrDiscoveryConfigured is returned when setting an exclusive peer
	// address after discovery strategies were added.
	ErrDiscoveryConfigured = errors.New("discovery strategies " +
		"registered, exclusive peer address is not allowed")

	// ErrAlreadyStarted is returned when changing the connection setup of
	// a running coordinator.
	ErrAlreadyStarted = errors.New("peer coordinator already started")

	// ErrNoPeers is returned when no peer was available to carry out a
	// task.
	ErrNoPeers = errors.New("no connected peers")

	// errNoAddresses is handed to the connection manager when the
	// discovery pool is empty.
	errNoAddresses = errors.New("no peer addresses available")

	// errPeerFailed marks failures caused by a single peer. The download
	// moves on to another peer when it sees one.
	errPeerFailed = errors.New("peer failed")
)

// Wallet is the part of a wallet the coordinator needs: the data to build a
// bloom filter from and a sink for transactions seen on the network.
type Wallet interface {
	// ProcessTransaction hands the wallet a transaction, together with
	// the block it was mined in if any.
	ProcessTransaction(tx *wire.MsgTx,
		block fn.Option[*chainstore.StoredBlock]) (bool, error)

	// FilterData returns the elements a bloom filter must match for the
	// wallet to see its transactions.
	FilterData() [][]byte
}

// Config holds the parameters of a Coordinator.
type Config struct {
	// ChainParams is the network to connect to.
	ChainParams *chaincfg.Params

	// UserAgentName and UserAgentVersion are advertised to peers.
	UserAgentName    string
	UserAgentVersion string

	// Dial opens a connection to a peer. Defaults to a TCP dial.
	Dial func(net.Addr) (net.Conn, error)

	// ResolveAddr turns the exclusive peer address into a dialable
	// address. Defaults to resolving a TCP address, adding the network's
	// default port when none is given.
	ResolveAddr func(string) (net.Addr, error)

	// RefreshTicker paces top ups of the discovered peer pool.
	RefreshTicker ticker.Ticker

	// RetryDuration is the delay before reconnecting to a failed peer.
	RetryDuration time.Duration

	// ResponseTimeout bounds how long a peer may take to answer.
	ResponseTimeout time.Duration

	// BroadcastTimeout bounds how long a broadcast waits for a peer.
	BroadcastTimeout time.Duration

	// AllowSelfConns disables the detection of connections to a node in
	// the same process. Only tests set it.
	AllowSelfConns bool
}

// Coordinator maintains the outbound peer connections of one network and
// runs chain downloads and transaction broadcasts over them. It either
// connects to a single exclusive address or fills a pool from discovery
// strategies, never both.
type Coordinator struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	mu            sync.RWMutex
	chain         *chain.Chain
	maxConns      int
	exclusive     string
	bootstrappers []Bootstrapper
	listeners     []EventListener
	wallets       []Wallet
	walletSet     map[Wallet]struct{}
	peers         map[*serverPeer]struct{}
	peerErrors    map[string]*queue.CircularBuffer
	candidates    []net.Addr
	download      *Task

	// peerSignal is closed and replaced whenever a peer becomes ready.
	peerSignal chan struct{}

	// candidateSignal is closed and replaced whenever the discovery pool
	// is refilled.
	candidateSignal chan struct{}

	connMgr *connmgr.ConnManager
	limiter *rate.Limiter
	tasks   *fn.GoroutineManager

	events       chan Event
	refill       chan struct{}
	syncRequests chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	start sync.Once
	stop  sync.Once
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New creates a coordinator for cfg.ChainParams that downloads into ch. The
// coordinator makes no connections until Start is called.
func New(cfg Config, ch *chain.Chain) *Coordinator {
	if cfg.RetryDuration <= 0 {
		cfg.RetryDuration = defaultRetryDuration
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.BroadcastTimeout <= 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.RefreshTicker == nil {
		cfg.RefreshTicker = ticker.New(DefaultRefreshInterval)
	}
	if cfg.Dial == nil {
		cfg.Dial = func(addr net.Addr) (net.Conn, error) {
			return net.DialTimeout(
				addr.Network(), addr.String(), defaultDialTimeout,
			)
		}
	}
	if cfg.ResolveAddr == nil {
		port := cfg.ChainParams.DefaultPort
		cfg.ResolveAddr = func(addr string) (net.Addr, error) {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, port)
			}
			return net.ResolveTCPAddr("tcp", addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		cfg:             cfg,
		chain:           ch,
		maxConns:        DefaultMaxConnections,
		walletSet:       make(map[Wallet]struct{}),
		peers:           make(map[*serverPeer]struct{}),
		peerErrors:      make(map[string]*queue.CircularBuffer),
		peerSignal:      make(chan struct{}),
		candidateSignal: make(chan struct{}),
		limiter:         rate.NewLimiter(rate.Every(cfg.RetryDuration), 2),
		tasks:           fn.NewGoroutineManager(),
		events:          make(chan Event, eventBufferSize),
		refill:          make(chan struct{}, 1),
		syncRequests:    make(chan struct{}, 1),
		ctx:             ctx,
		cancel:          cancel,
		quit:            make(chan struct{}),
	}
}

// SetMaxConnections sets the size of the discovered peer pool. In exclusive
// mode the pool is capped at one connection regardless.
func (c *Coordinator) SetMaxConnections(n int) error {
	if n < 1 {
		return fmt.Errorf("max connections must be positive, got %d", n)
	}
	if c.started.Load() {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	c.maxConns = n
	c.mu.Unlock()

	return nil
}

// MaxConnections returns the number of outbound connections the coordinator
// aims for.
func (c *Coordinator) MaxConnections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.maxConnsLocked()
}

func (c *Coordinator) maxConnsLocked() int {
	if c.exclusive != "" {
		return 1
	}

	return c.maxConns
}

// SetExclusiveAddress makes the coordinator connect to addr only. It is
// rejected with ErrDiscoveryConfigured once a discovery strategy was added.
func (c *Coordinator) SetExclusiveAddress(addr string) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.bootstrappers) > 0 {
		return ErrDiscoveryConfigured
	}
	c.exclusive = addr

	return nil
}

// AddDiscoveryStrategy adds a source of peer addresses. It is rejected with
// ErrExclusiveMode once an exclusive address was set.
func (c *Coordinator) AddDiscoveryStrategy(b Bootstrapper) error {
	if c.started.Load() {
		return ErrAlreadyStarted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.exclusive != "" {
		return ErrExclusiveMode
	}
	c.bootstrappers = append(c.bootstrappers, b)

	return nil
}

// RegisterEventListener adds a listener for peer and download events.
func (c *Coordinator) RegisterEventListener(l EventListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, l)
}

// AddWallet registers a wallet to receive transactions seen on the network.
// The bloom filter of every connected peer is refreshed to cover it. Adding a
// wallet twice has no effect.
func (c *Coordinator) AddWallet(w Wallet) bool {
	c.mu.Lock()
	if _, ok := c.walletSet[w]; ok {
		c.mu.Unlock()
		return false
	}
	c.walletSet[w] = struct{}{}
	c.wallets = append(c.wallets, w)
	c.mu.Unlock()

	if filter := c.filterLoad(); filter != nil {
		for _, sp := range c.readyPeers() {
			sp.QueueMessage(filter, nil)
		}
	}

	return true
}

// BindChain replaces the chain new blocks are downloaded into.
func (c *Coordinator) BindChain(ch *chain.Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.chain = ch
}

// Start begins making outbound connections.
func (c *Coordinator) Start() error {
	var err error
	c.start.Do(func() {
		log.Info("Peer coordinator starting")

		c.mu.RLock()
		exclusive := c.exclusive
		discover := len(c.bootstrappers) > 0
		maxConns := c.maxConnsLocked()
		c.mu.RUnlock()

		cmgrCfg := &connmgr.Config{
			TargetOutbound: uint32(maxConns),
			RetryDuration:  c.cfg.RetryDuration,
			Dial:           c.dial,
			OnConnection:   c.outboundPeerConnected,
		}
		if exclusive == "" && discover {
			cmgrCfg.GetNewAddress = c.newAddress
		}

		c.connMgr, err = connmgr.New(cmgrCfg)
		if err != nil {
			err = fmt.Errorf("creating conn manager failed: %w", err)
			return
		}

		c.started.Store(true)

		c.wg.Add(2)
		go c.eventDispatcher()
		go c.syncHandler()

		c.connMgr.Start()

		switch {
		case exclusive != "":
			c.connectExclusive(exclusive)

		case discover:
			c.wg.Add(1)
			go c.discoveryHandler()

		default:
			log.Warnf("No exclusive peer and no discovery " +
				"strategies, no outbound connections will be made")
		}
	})

	return err
}

// Stop disconnects every peer and stops all running tasks. Tasks still
// running finish with ErrStopped.
func (c *Coordinator) Stop() error {
	c.stop.Do(func() {
		log.Info("Peer coordinator shutting down")

		c.stopped.Store(true)
		c.cancel()

		if c.connMgr != nil {
			c.connMgr.Stop()
		}

		for _, sp := range c.allPeers() {
			sp.Disconnect()
		}

		close(c.quit)
		c.tasks.Stop()
		c.wg.Wait()

		if c.connMgr != nil {
			c.connMgr.Wait()
		}
	})

	return nil
}

// connectExclusive resolves the exclusive address and hands it to the
// connection manager as a permanent request. A resolution failure is
// reported but leaves the coordinator running without connections.
func (c *Coordinator) connectExclusive(addr string) {
	netAddr, err := c.cfg.ResolveAddr(addr)
	if err != nil {
		log.Errorf("Unable to resolve exclusive peer %v: %v", addr, err)

		c.recordError(addr, err)
		c.emit(Event{
			Type: EventConnectivityError,
			Peer: addr,
			Err:  err,
		})

		return
	}

	log.Infof("Connecting exclusively to %v", netAddr)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		c.connMgr.Connect(&connmgr.ConnReq{
			Addr:      netAddr,
			Permanent: true,
		})
	}()
}

// dial wraps the configured dialer to report failures.
func (c *Coordinator) dial(addr net.Addr) (net.Conn, error) {
	conn, err := c.cfg.Dial(addr)
	if err != nil {
		log.Debugf("Unable to connect to %v: %v", addr, err)

		c.recordError(addr.String(), err)
		c.emit(Event{
			Type: EventConnectivityError,
			Peer: addr.String(),
			Err:  err,
		})
	}

	return conn, err
}

// newAddress hands the next discovered address to the connection manager.
// When the pool is empty a refill is requested and the call waits for it for
// up to the retry duration.
func (c *Coordinator) newAddress() (net.Addr, error) {
	deadline := time.After(c.cfg.RetryDuration)
	for {
		c.mu.Lock()
		for len(c.candidates) > 0 {
			addr := c.candidates[0]
			c.candidates = c.candidates[1:]

			if c.connectedLocked(addr.String()) {
				continue
			}

			c.mu.Unlock()
			return addr, nil
		}
		signal := c.candidateSignal
		c.mu.Unlock()

		select {
		case c.refill <- struct{}{}:
		default:
		}

		select {
		case <-signal:
		case <-deadline:
			return nil, errNoAddresses
		case <-c.quit:
			return nil, errNoAddresses
		}
	}
}

// discoveryHandler keeps the discovered address pool topped up.
func (c *Coordinator) discoveryHandler() {
	defer c.wg.Done()

	c.cfg.RefreshTicker.Resume()
	defer c.cfg.RefreshTicker.Stop()

	c.refillCandidates()

	for {
		select {
		case <-c.refill:
			c.refillCandidates()

		case <-c.cfg.RefreshTicker.Ticks():
			if len(c.readyPeers()) < c.MaxConnections() {
				c.refillCandidates()
			}

		case <-c.quit:
			return
		}
	}
}

// refillCandidates queries the discovery strategies for new addresses.
func (c *Coordinator) refillCandidates() {
	if err := c.limiter.Wait(c.ctx); err != nil {
		return
	}

	c.mu.RLock()
	ignore := make(map[string]struct{}, len(c.peers)+len(c.candidates))
	for sp := range c.peers {
		ignore[sp.addr] = struct{}{}
	}
	for _, addr := range c.candidates {
		ignore[addr.String()] = struct{}{}
	}
	numAddrs := uint32(c.maxConnsLocked() * 2)
	bootstrappers := c.bootstrappers
	c.mu.RUnlock()

	addrs := MultiSourceBootstrap(ignore, numAddrs, bootstrappers...)
	if len(addrs) == 0 {
		log.Warnf("Discovery returned no new peer addresses")
		return
	}

	c.mu.Lock()
	c.candidates = append(c.candidates, addrs...)
	close(c.candidateSignal)
	c.candidateSignal = make(chan struct{})
	c.mu.Unlock()
}

// outboundPeerConnected is called by the connection manager once a
// connection to a peer was established.
func (c *Coordinator) outboundPeerConnected(req *connmgr.ConnReq,
	conn net.Conn) {

	if c.stopped.Load() {
		_ = conn.Close()
		return
	}

	sp := newServerPeer(c, req)
	p, err := peer.NewOutboundPeer(c.newPeerConfig(sp), req.Addr.String())
	if err != nil {
		log.Errorf("Unable to create peer %v: %v", req.Addr, err)

		c.recordError(req.Addr.String(), err)
		_ = conn.Close()
		c.connMgr.Disconnect(req.ID())

		return
	}
	sp.Peer = p

	c.mu.Lock()
	c.peers[sp] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.peerDoneHandler(sp)

	p.AssociateConnection(conn)

	// Stop may have taken its snapshot of peers before this one was
	// added.
	if c.stopped.Load() {
		p.Disconnect()
	}
}

// peerDoneHandler waits for a peer to disconnect and cleans up after it.
func (c *Coordinator) peerDoneHandler(sp *serverPeer) {
	defer c.wg.Done()

	sp.WaitForDisconnect()
	close(sp.quit)

	c.mu.Lock()
	delete(c.peers, sp)
	count := c.numReadyLocked()
	c.mu.Unlock()

	if sp.isReady() {
		log.Infof("Disconnected from peer %v", sp.addr)

		c.emit(Event{
			Type:      EventPeerDisconnected,
			Peer:      sp.addr,
			PeerCount: count,
		})
	}

	if c.stopped.Load() {
		return
	}

	// Permanent requests are retried by the connection manager. Others
	// are dropped and replaced with a fresh address.
	if sp.connReq.Permanent {
		c.connMgr.Disconnect(sp.connReq.ID())
	} else {
		c.connMgr.Remove(sp.connReq.ID())
		go c.connMgr.NewConnReq()
	}
}

// peerHandshakeDone is called once a peer acknowledged our version.
func (c *Coordinator) peerHandshakeDone(sp *serverPeer) {
	if filter := c.filterLoad(); filter != nil {
		sp.QueueMessage(filter, nil)
	}

	sp.markReady()

	c.mu.Lock()
	close(c.peerSignal)
	c.peerSignal = make(chan struct{})
	count := c.numReadyLocked()
	c.mu.Unlock()

	log.Infof("Connected to peer %v (%s, height %d)", sp.addr,
		sp.UserAgent(), sp.StartingHeight())

	c.emit(Event{
		Type:      EventPeerConnected,
		Peer:      sp.addr,
		PeerCount: count,
	})

	c.requestSync()
}

// newestBlock reports our chain head in the version message.
func (c *Coordinator) newestBlock() (*chainhash.Hash, int32, error) {
	c.mu.RLock()
	ch := c.chain
	c.mu.RUnlock()

	if ch == nil {
		return c.cfg.ChainParams.GenesisHash, 0, nil
	}

	head, err := ch.GetChainHead()
	if err != nil {
		return nil, 0, err
	}
	hash := head.Hash()

	return &hash, int32(head.Height), nil
}

// filterLoad builds a bloom filter over the data of every registered wallet.
// It returns nil when there is nothing to match.
func (c *Coordinator) filterLoad() *wire.MsgFilterLoad {
	var elements [][]byte
	for _, w := range c.snapshotWallets() {
		elements = append(elements, w.FilterData()...)
	}
	if len(elements) == 0 {
		return nil
	}

	filter := bloom.NewFilter(
		uint32(len(elements)), rand.Uint32(), bloomFalsePositiveRate,
		wire.BloomUpdateAll,
	)
	for _, element := range elements {
		filter.Add(element)
	}

	return filter.MsgFilterLoad()
}

// deliverTx hands a transaction to every registered wallet.
func (c *Coordinator) deliverTx(tx *wire.MsgTx,
	block fn.Option[*chainstore.StoredBlock]) {

	for _, w := range c.snapshotWallets() {
		relevant, err := w.ProcessTransaction(tx, block)
		if err != nil {
			log.Errorf("Wallet failed to process tx %v: %v",
				tx.TxHash(), err)
			continue
		}
		if relevant {
			log.Debugf("Delivered tx %v to wallet", tx.TxHash())
		}
	}
}

func (c *Coordinator) snapshotWallets() []Wallet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	wallets := make([]Wallet, len(c.wallets))
	copy(wallets, c.wallets)

	return wallets
}

// allPeers returns every peer with a connection, ready or not.
func (c *Coordinator) allPeers() []*serverPeer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]*serverPeer, 0, len(c.peers))
	for sp := range c.peers {
		peers = append(peers, sp)
	}

	return peers
}

// readyPeers returns the peers that completed their handshake.
func (c *Coordinator) readyPeers() []*serverPeer {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var peers []*serverPeer
	for sp := range c.peers {
		if sp.isReady() {
			peers = append(peers, sp)
		}
	}

	return peers
}

func (c *Coordinator) numReadyLocked() int {
	var n int
	for sp := range c.peers {
		if sp.isReady() {
			n++
		}
	}

	return n
}

func (c *Coordinator) connectedLocked(addr string) bool {
	for sp := range c.peers {
		if sp.addr == addr {
			return true
		}
	}

	return false
}

// ConnectedPeers returns the addresses of the peers that completed their
// handshake.
func (c *Coordinator) ConnectedPeers() []string {
	peers := c.readyPeers()
	addrs := make([]string, 0, len(peers))
	for _, sp := range peers {
		addrs = append(addrs, sp.addr)
	}

	return addrs
}

// recordError remembers a failure attributed to a peer address.
func (c *Coordinator) recordError(addr string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.peerErrors[addr]
	if !ok {
		var bufErr error
		buf, bufErr = queue.NewCircularBuffer(peerErrorHistory)
		if bufErr != nil {
			return
		}
		c.peerErrors[addr] = buf
	}

	buf.Add(err)
}

// PeerErrors returns the most recent failures of the peer at addr, oldest
// first.
func (c *Coordinator) PeerErrors(addr string) []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf, ok := c.peerErrors[addr]
	if !ok {
		return nil
	}

	items := buf.List()
	errs := make([]error, 0, len(items))
	for _, item := range items {
		if err, ok := item.(error); ok {
			errs = append(errs, err)
		}
	}

	return errs
}

// emit queues an event for the listeners.
func (c *Coordinator) emit(event Event) {
	select {
	case c.events <- event:
	case <-c.quit:
	}
}

// eventDispatcher delivers queued events to the listeners in order.
func (c *Coordinator) eventDispatcher() {
	defer c.wg.Done()

	for {
		select {
		case event := <-c.events:
			c.mu.RLock()
			listeners := make([]EventListener, len(c.listeners))
			copy(listeners, c.listeners)
			c.mu.RUnlock()

			log.Tracef("Dispatching %v event", event.Type)

			for _, l := range listeners {
				l.OnPeerEvent(event)
			}

		case <-c.quit:
			return
		}
	}
}
