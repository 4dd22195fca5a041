package peers

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/multibit/multibitd/chain"
	"github.com/multibit/multibitd/chainstore"
)

// filteredBatchSize is the number of filtered blocks requested at once.
const filteredBatchSize = 500

// DownloadBlockChain starts bringing ch up to date with the best connected
// peer and returns immediately. A download that is still running is
// superseded and finishes with ErrSuperseded. The download waits for a peer
// if none is connected yet.
func (c *Coordinator) DownloadBlockChain(ch *chain.Chain) *Task {
	if c.stopped.Load() {
		return finishedTask("download", ErrStopped)
	}

	task, ctx := newTask(c.ctx, "download")

	c.mu.Lock()
	c.chain = ch
	prev := c.download
	c.download = task
	c.mu.Unlock()

	if prev != nil {
		prev.supersede()
	}

	ok := c.tasks.Go(ctx, func(ctx context.Context) {
		err := c.downloadChain(ctx, ch)
		switch {
		case err == nil:

		case errors.Is(err, ErrSuperseded), errors.Is(err, ErrStopped),
			errors.Is(err, ErrCancelled):

			log.Debugf("Chain download ended: %v", err)

		default:
			log.Errorf("Chain download failed: %v", err)

			c.emit(Event{
				Type: EventDownloadFailed,
				Err:  err,
			})
		}
		task.finish(err)
	})
	if !ok {
		task.finish(ErrStopped)
	}

	return task
}

// SupersedeDownload stops a running download, which finishes with
// ErrSuperseded. It is used when the chain is rebound by a replay. The
// previous download task is returned so the caller can wait for it to wind
// down, nil if there was none.
func (c *Coordinator) SupersedeDownload() *Task {
	c.mu.Lock()
	prev := c.download
	c.download = nil
	c.mu.Unlock()

	if prev != nil {
		prev.supersede()
	}

	return prev
}

// requestSync asks for a resync after a block announcement.
func (c *Coordinator) requestSync() {
	select {
	case c.syncRequests <- struct{}{}:
	default:
	}
}

// syncHandler restarts a finished download when peers announce new blocks.
// Nothing happens until a download was requested at least once.
func (c *Coordinator) syncHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.syncRequests:
			c.mu.RLock()
			ch, prev := c.chain, c.download
			c.mu.RUnlock()

			if ch == nil || prev == nil {
				continue
			}

			select {
			case <-prev.Done():
				log.Debugf("New block announced, resyncing")
				c.DownloadBlockChain(ch)
			default:
			}

		case <-c.quit:
			return
		}
	}
}

// downloadChain syncs with one peer after another until a peer brought the
// chain up to date or a non peer error occurs.
func (c *Coordinator) downloadChain(ctx context.Context, ch *chain.Chain) error {
	for {
		sp, err := c.waitForPeer(ctx)
		if err != nil {
			return err
		}

		log.Infof("Downloading block chain from %v", sp.addr)

		err = c.syncWithPeer(ctx, sp, ch)
		switch {
		case err == nil:
			return nil

		case ctx.Err() != nil:
			return causeOf(ctx)

		case errors.Is(err, chain.ErrStaleEpoch):
			return fmt.Errorf("%w: %v", ErrSuperseded, err)

		case errors.Is(err, errPeerFailed):
			log.Warnf("Download from %v failed: %v", sp.addr, err)

			c.recordError(sp.addr, err)
			c.emit(Event{
				Type: EventConnectivityError,
				Peer: sp.addr,
				Err:  err,
			})
			sp.Disconnect()

			// Wait for the disconnect so the peer isn't picked
			// again.
			select {
			case <-sp.quit:
			case <-ctx.Done():
				return causeOf(ctx)
			}

		default:
			return err
		}
	}
}

// syncWithPeer requests headers from sp until it has no more, connecting
// them to ch and fetching the filtered blocks for the wallets.
func (c *Coordinator) syncWithPeer(ctx context.Context, sp *serverPeer,
	ch *chain.Chain) error {

	epoch := ch.Epoch()
	for {
		locator, err := ch.BlockLocator()
		if err != nil {
			return err
		}

		getHeaders := wire.NewMsgGetHeaders()
		for _, hash := range locator {
			if err := getHeaders.AddBlockLocatorHash(hash); err != nil {
				break
			}
		}

		sp.drainHeaders()
		sp.QueueMessage(getHeaders, nil)

		msg, err := sp.waitHeaders(ctx, c.cfg.ResponseTimeout)
		if err != nil {
			return err
		}

		headers := make([]wire.BlockHeader, len(msg.Headers))
		for i, header := range msg.Headers {
			headers[i] = *header
		}

		blocks, err := ch.ConnectHeaders(headers, epoch)
		switch {
		case errors.Is(err, chain.ErrOrphanHeader):
			return fmt.Errorf("%w: %v", errPeerFailed, err)

		case err != nil:
			return err
		}

		if len(blocks) > 0 {
			if err := c.fetchFilteredBlocks(ctx, sp, blocks); err != nil {
				return err
			}

			last := blocks[len(blocks)-1]
			log.Debugf("Connected %d blocks, height %d", len(blocks),
				last.Height)

			c.emit(Event{
				Type:   EventBlocksDownloaded,
				Peer:   sp.addr,
				Height: last.Height,
			})
		}

		// A short batch means the peer has nothing more. A full batch
		// that connected nothing would be requested again unchanged.
		if len(msg.Headers) < wire.MaxBlockHeadersPerMsg ||
			len(blocks) == 0 {

			break
		}
	}

	head, err := ch.GetChainHead()
	if err != nil {
		return err
	}

	log.Infof("Block chain downloaded to height %d", head.Height)

	c.emit(Event{
		Type:   EventChainDownloaded,
		Peer:   sp.addr,
		Height: head.Height,
	})

	return nil
}

// fetchFilteredBlocks requests the filtered blocks for newly connected
// headers so matching transactions reach the wallets. A ping after each
// batch marks the point where all its answers arrived.
func (c *Coordinator) fetchFilteredBlocks(ctx context.Context, sp *serverPeer,
	blocks []*chainstore.StoredBlock) error {

	if c.filterLoad() == nil {
		return nil
	}

	for start := 0; start < len(blocks); start += filteredBatchSize {
		end := start + filteredBatchSize
		if end > len(blocks) {
			end = len(blocks)
		}
		batch := blocks[start:end]

		sp.expectBlocks(batch)

		getData := wire.NewMsgGetData()
		for _, block := range batch {
			hash := block.Hash()
			err := getData.AddInvVect(
				wire.NewInvVect(wire.InvTypeFilteredBlock, &hash),
			)
			if err != nil {
				return err
			}
		}
		sp.QueueMessage(getData, nil)

		if err := sp.ping(ctx, c.cfg.ResponseTimeout); err != nil {
			return err
		}
	}

	return nil
}

// waitForPeer returns the ready peer reporting the highest chain, waiting
// for one to connect if needed.
func (c *Coordinator) waitForPeer(ctx context.Context) (*serverPeer, error) {
	for {
		c.mu.RLock()
		var best *serverPeer
		for sp := range c.peers {
			if !sp.isReady() {
				continue
			}
			if best == nil || sp.LastBlock() > best.LastBlock() {
				best = sp
			}
		}
		signal := c.peerSignal
		c.mu.RUnlock()

		if best != nil {
			return best, nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, causeOf(ctx)
		}
	}
}
