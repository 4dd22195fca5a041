package peers

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/btcsuite/btcd/wire"
	"golang.org/x/sync/errgroup"
)

// BroadcastTransaction sends tx to every connected peer and returns
// immediately. If no peer is connected the task waits up to the broadcast
// timeout for one and fails with ErrNoPeers otherwise. The task succeeds
// once at least one peer accepted the message for sending.
func (c *Coordinator) BroadcastTransaction(tx *wire.MsgTx) *Task {
	name := "broadcast " + tx.TxHash().String()
	if c.stopped.Load() {
		return finishedTask(name, ErrStopped)
	}

	task, ctx := newTask(c.ctx, name)
	ok := c.tasks.Go(ctx, func(ctx context.Context) {
		task.finish(c.broadcast(ctx, tx))
	})
	if !ok {
		task.finish(ErrStopped)
	}

	return task
}

func (c *Coordinator) broadcast(ctx context.Context, tx *wire.MsgTx) error {
	txHash := tx.TxHash()

	fail := func(err error) error {
		log.Errorf("Broadcast of tx %v failed: %v", txHash, err)

		c.emit(Event{
			Type:   EventBroadcastFailed,
			TxHash: txHash,
			Err:    err,
		})

		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.BroadcastTimeout)
	_, err := c.waitForPeer(waitCtx)
	cancel()
	switch {
	case ctx.Err() != nil:
		return fail(causeOf(ctx))

	case err != nil:
		return fail(ErrNoPeers)
	}

	var sent atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range c.readyPeers() {
		g.Go(func() error {
			done := make(chan struct{}, 1)
			sp.QueueMessage(tx, done)

			select {
			case <-done:
				sent.Add(1)
				log.Debugf("Sent tx %v to %v", txHash, sp.addr)

			case <-sp.quit:
				log.Debugf("Peer %v went away before tx %v was "+
					"sent", sp.addr, txHash)

			case <-gctx.Done():
				return gctx.Err()
			}

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			return fail(causeOf(ctx))
		}
		return fail(err)
	}

	if sent.Load() == 0 {
		return fail(ErrNoPeers)
	}

	log.Infof("Broadcast tx %v to %d peers", txHash, sent.Load())

	c.emit(Event{
		Type:      EventTxBroadcast,
		TxHash:    txHash,
		PeerCount: int(sent.Load()),
	})

	return nil
}
