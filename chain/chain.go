package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
	"github.com/multibit/multibitd/chainstore"
)

var (
	// ErrStaleEpoch is returned by ConnectHeaders when the head was moved
	// after the caller captured its epoch. The batch was fetched against
	// a head that no longer exists and is dropped.
	ErrStaleEpoch = errors.New("chain head moved since headers were " +
		"requested")

	// ErrOrphanHeader is returned when a batch of headers does not connect
	// to any block in the store, or is not internally linked.
	ErrOrphanHeader = errors.New("header does not connect to chain")
)

// WalletListener is notified when the active chain changes. Wallets register
// through AddWallet and are owned by the caller, not by the Chain.
type WalletListener interface {
	// BlockConnected is called for every block appended to the active
	// chain, in height order.
	BlockConnected(block *chainstore.StoredBlock) error

	// ChainReorganized is called when the head is moved to a block that
	// does not extend the previous head. Anything the wallet learned from
	// blocks above head must be undone.
	ChainReorganized(head *chainstore.StoredBlock) error
}

// Chain is the runtime view over a single chain store. It serializes every
// head mutation behind one lock and fans block events out to the attached
// wallets.
type Chain struct {
	// mtx guards store and epoch. Readers of the head take the read lock
	// so they never observe a head mid-update.
	mtx   sync.RWMutex
	store *chainstore.Store
	epoch uint64

	walletMtx sync.Mutex
	wallets   []WalletListener
	walletSet map[WalletListener]struct{}
}

// New creates a chain over store.
func New(store *chainstore.Store) *Chain {
	return &Chain{
		store:     store,
		walletSet: make(map[WalletListener]struct{}),
	}
}

// Store returns the chain store currently bound to the chain.
func (c *Chain) Store() *chainstore.Store {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.store
}

// Epoch returns a counter that changes every time the head is moved by
// anything other than appending headers.
func (c *Chain) Epoch() uint64 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.epoch
}

// BindStore replaces the store the chain operates on, typically after the
// previous one was recreated from genesis. Attached wallets are told that the
// chain was reorganized down to the new store's head. The caller owns the
// previous store and is responsible for closing it.
func (c *Chain) BindStore(store *chainstore.Store) error {
	c.mtx.Lock()
	c.store = store
	c.epoch++
	head, err := store.Head()
	c.mtx.Unlock()

	if err != nil {
		return err
	}

	log.Infof("Bound chain to store %v, head %v", store.Path(), head)

	c.notifyReorganized(head)

	return nil
}

// AddWallet attaches a wallet to the chain. Adding a wallet that is already
// attached has no effect. The return value reports whether the wallet was
// newly added.
func (c *Chain) AddWallet(w WalletListener) bool {
	c.walletMtx.Lock()
	defer c.walletMtx.Unlock()

	if _, ok := c.walletSet[w]; ok {
		return false
	}

	c.walletSet[w] = struct{}{}
	c.wallets = append(c.wallets, w)

	return true
}

// RemoveWallet detaches a wallet. It reports whether the wallet was attached.
func (c *Chain) RemoveWallet(w WalletListener) bool {
	c.walletMtx.Lock()
	defer c.walletMtx.Unlock()

	if _, ok := c.walletSet[w]; !ok {
		return false
	}

	delete(c.walletSet, w)
	for i, existing := range c.wallets {
		if existing == w {
			c.wallets = append(c.wallets[:i], c.wallets[i+1:]...)
			break
		}
	}

	return true
}

// GetChainHead returns the current head.
func (c *Chain) GetChainHead() (*chainstore.StoredBlock, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	return c.store.Head()
}

// SetHead moves the chain head to block, drops the store's caches and tells
// every attached wallet that the chain was reorganized.
func (c *Chain) SetHead(block *chainstore.StoredBlock) error {
	c.mtx.Lock()
	err := c.store.SetHead(block)
	if err == nil {
		c.store.ClearCaches()
		c.epoch++
	}
	c.mtx.Unlock()

	if err != nil {
		return err
	}

	log.Infof("Chain head reset to %v", block)

	c.notifyReorganized(block)

	return nil
}

// ConnectHeaders appends a batch of headers to the chain. The batch must be
// linked and its first header must build on a stored block. A batch that
// builds on a block below the head only replaces the head when it ends higher
// than the current head. The epoch must be the value returned by Epoch when
// the headers were requested. The newly connected blocks are returned.
func (c *Chain) ConnectHeaders(headers []wire.BlockHeader,
	epoch uint64) ([]*chainstore.StoredBlock, error) {

	if len(headers) == 0 {
		return nil, nil
	}

	c.mtx.Lock()
	connected, forkPoint, err := c.connectHeaders(headers, epoch)
	c.mtx.Unlock()

	if err != nil || len(connected) == 0 {
		return nil, err
	}

	if forkPoint != nil {
		log.Infof("Switching to branch forking at %v", forkPoint)
		c.notifyReorganized(forkPoint)
	}

	log.Debugf("Connected %d headers, new head %v", len(connected),
		connected[len(connected)-1])

	for _, block := range connected {
		c.notifyConnected(block)
	}

	return connected, nil
}

// connectHeaders does the work of ConnectHeaders with the chain lock held.
// The fork point is non-nil when the batch replaced blocks above it.
func (c *Chain) connectHeaders(headers []wire.BlockHeader,
	epoch uint64) ([]*chainstore.StoredBlock, *chainstore.StoredBlock,
	error) {

	if epoch != c.epoch {
		return nil, nil, ErrStaleEpoch
	}

	head, err := c.store.Head()
	if err != nil {
		return nil, nil, err
	}

	// Skip headers we already have on our chain. Peers answer a locator
	// with the first block after the latest hash they recognize, which
	// may be below our head.
	for len(headers) > 0 {
		block, err := c.store.Get(headers[0].BlockHash())
		if errors.Is(err, chainstore.ErrBlockNotFound) {
			break
		}
		if err != nil {
			return nil, nil, err
		}

		onChain, err := c.store.HashAtHeight(block.Height)
		if err != nil && !errors.Is(err, chainstore.ErrBlockNotFound) {
			return nil, nil, err
		}
		if onChain != block.Hash() {
			break
		}

		headers = headers[1:]
	}
	if len(headers) == 0 {
		return nil, nil, nil
	}

	parent, err := c.store.Get(headers[0].PrevBlock)
	if errors.Is(err, chainstore.ErrBlockNotFound) {
		return nil, nil, fmt.Errorf("%w: unknown parent %v",
			ErrOrphanHeader, headers[0].PrevBlock)
	}
	if err != nil {
		return nil, nil, err
	}

	blocks := make([]*chainstore.StoredBlock, 0, len(headers))
	prev := parent
	for i, header := range headers {
		if header.PrevBlock != prev.Hash() {
			return nil, nil, fmt.Errorf("%w: header %d of batch "+
				"is not linked", ErrOrphanHeader, i)
		}

		prev = prev.Build(header)
		blocks = append(blocks, prev)
	}

	tip := blocks[len(blocks)-1]
	var forkPoint *chainstore.StoredBlock
	if parent.Hash() != head.Hash() {
		if tip.Height <= head.Height {
			log.Debugf("Storing side branch ending at %v, head "+
				"stays at %v", tip, head)

			return nil, nil, c.store.Put(blocks...)
		}

		forkPoint = parent
	}

	if err := c.store.Extend(blocks...); err != nil {
		return nil, nil, err
	}
	if forkPoint != nil {
		c.store.ClearCaches()
	}

	return blocks, forkPoint, nil
}

// BlockLocator returns a locator for the current head: the last ten hashes
// and then exponentially sparser ones back to genesis.
func (c *Chain) BlockLocator() (blockchain.BlockLocator, error) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()

	head, err := c.store.Head()
	if err != nil {
		return nil, err
	}

	locator := make(blockchain.BlockLocator, 0, 32)
	step := uint32(1)
	height := head.Height
	for {
		hash, err := c.store.HashAtHeight(height)
		if err != nil {
			return nil, err
		}
		locator = append(locator, &hash)

		if height == 0 {
			break
		}

		if len(locator) > 10 {
			step *= 2
		}
		if step > height {
			height = 0
		} else {
			height -= step
		}
	}

	return locator, nil
}

// snapshotWallets returns the currently attached wallets.
func (c *Chain) snapshotWallets() []WalletListener {
	c.walletMtx.Lock()
	defer c.walletMtx.Unlock()

	wallets := make([]WalletListener, len(c.wallets))
	copy(wallets, c.wallets)

	return wallets
}

func (c *Chain) notifyConnected(block *chainstore.StoredBlock) {
	for _, w := range c.snapshotWallets() {
		if err := w.BlockConnected(block); err != nil {
			log.Errorf("Wallet failed to process block %v: %v",
				block, err)
		}
	}
}

func (c *Chain) notifyReorganized(head *chainstore.StoredBlock) {
	for _, w := range c.snapshotWallets() {
		if err := w.ChainReorganized(head); err != nil {
			log.Errorf("Wallet failed to process reorg to %v: %v",
				head, err)
		}
	}
}
