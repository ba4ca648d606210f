// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// forkSearchBatch is the number of block hashes compared per round trip
// while searching for a fork point. Most reorgs are one to three blocks
// deep, so a small batch usually settles in one request.
const forkSearchBatch = 10

var (
	// ErrReorgTooDeep is returned when the fork point with the chain
	// source lies below the oldest block the ledger still remembers.
	ErrReorgTooDeep = errors.New("reorg deeper than the ledger history")

	// ErrInvalidReorg is returned for a reorg event whose blocks do not
	// follow the ancestor.
	ErrInvalidReorg = errors.New("invalid reorg event")
)

// ChainSource is the chain backend the wallet syncs from.
type ChainSource interface {
	// GetBestBlock returns the hash and height of the best block.
	GetBestBlock() (*chainhash.Hash, int32, error)

	// GetBlockHashes returns the hashes of the main chain blocks from
	// start to end inclusive.
	GetBlockHashes(start, end int64) ([]chainhash.Hash, error)

	// GetBlock returns the serialized block with the given hash.
	GetBlock(hash *chainhash.Hash) ([]byte, error)
}

// ConnectedBlock is a block of the replacement chain of a reorg.
type ConnectedBlock struct {
	Raw    []byte
	Height int32
	Hash   chainhash.Hash
}

// ReorgEvent describes a chain switch: every ledger block above Ancestor is
// disconnected and Connected, in height order, becomes the new chain.
type ReorgEvent struct {
	Ancestor  waddrmgr.BlockStamp
	Connected []ConnectedBlock
}

// tip returns the stamp of the last connected block, or the ancestor when
// nothing is connected.
func (e *ReorgEvent) tip() waddrmgr.BlockStamp {
	if len(e.Connected) == 0 {
		return e.Ancestor
	}

	last := e.Connected[len(e.Connected)-1]

	return waddrmgr.BlockStamp{Height: last.Height, Hash: last.Hash}
}

// HandleReorg applies ev in a single database transaction: the ledger is
// rolled back to the ancestor, scan progress is rewound, the connected
// blocks are replayed and the reorg is finalized. A failed attempt leaves
// the ledger untouched and is retried up to MaxReorgRetries times.
func (w *Wallet) HandleReorg(ctx context.Context, ev ReorgEvent) error {
	if err := checkConnected(ev); err != nil {
		return err
	}

	// Blocks are parsed once, outside the database transaction.
	blocks := make([]*txparser.Block, len(ev.Connected))
	for i, c := range ev.Connected {
		hash := c.Hash

		blk, err := txparser.ParseBlock(c.Raw, &hash)
		if err != nil {
			prometheusBlockProcessErrors.WithLabelValues("parse").Inc()
			return fmt.Errorf("parse block at height %d: %w",
				c.Height, err)
		}
		blocks[i] = blk
	}

	w.state.setSync(syncStateReorging)
	defer w.state.setSync(syncStateIdle)

	retry := w.newRetryTicker()
	defer retry.Stop()

	for attempt := 0; ; attempt++ {
		err := w.applyReorg(ctx, ev, blocks)
		if err == nil {
			prometheusReorgs.Inc()
			prometheusTipHeight.Set(float64(ev.tip().Height))

			log.Infof("Reorg from %v to %v applied with %d blocks",
				ev.Ancestor, ev.tip(), len(blocks))

			return nil
		}

		w.invalidateIndex()

		if attempt >= w.cfg.MaxReorgRetries || !isRetryable(err) {
			return fmt.Errorf("reorg to %v: %w", ev.Ancestor, err)
		}

		log.Warnf("Reorg attempt %d from %v failed, retrying: %v",
			attempt+1, ev.Ancestor, err)
		prometheusReorgRetries.Inc()

		retry.Resume()
		select {
		case <-retry.Ticks():
			retry.Pause()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// applyReorg runs one attempt of a reorg.
func (w *Wallet) applyReorg(ctx context.Context, ev ReorgEvent,
	blocks []*txparser.Block) error {

	return w.update(func(_ walletdb.ReadWriteTx, addrmgrNs,
		txmgrNs walletdb.ReadWriteBucket) error {

		changes, err := w.txStore.StartReorg(txmgrNs, ev.Ancestor)
		if err != nil {
			return err
		}

		err = w.releaseKeys(addrmgrNs, changes.Released)
		if err != nil {
			return err
		}

		err = w.rewindScanProgress(addrmgrNs, ev.Ancestor)
		if err != nil {
			return err
		}

		for i, blk := range blocks {
			_, err := w.applyBlock(
				ctx, addrmgrNs, txmgrNs, blk,
				ev.Connected[i].Height,
			)
			if err != nil {
				return fmt.Errorf("replay block %d: %w",
					ev.Connected[i].Height, err)
			}
		}

		return w.txStore.FinalizeReorg(txmgrNs, ev.tip())
	})
}

// checkConnected makes sure the connected blocks follow the ancestor
// height by height.
func checkConnected(ev ReorgEvent) error {
	for i, c := range ev.Connected {
		//nolint:gosec
		want := ev.Ancestor.Height + int32(i) + 1
		if c.Height != want {
			return fmt.Errorf("%w: connected block %d has height %d, "+
				"want %d", ErrInvalidReorg, i, c.Height, want)
		}
	}

	return nil
}

// isRetryable reports whether a failed reorg may succeed when tried again.
// Invalid input fails the same way every time.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):

		return false

	case errors.As(err, new(txparser.Error)):
		return false

	case wtxmgr.IsError(err, wtxmgr.ErrBlockOrder),
		wtxmgr.IsError(err, wtxmgr.ErrInput),
		wtxmgr.IsError(err, wtxmgr.ErrNoReorg),
		wtxmgr.IsError(err, wtxmgr.ErrReorgIncomplete):

		return false
	}

	return true
}

// FindForkPoint returns the highest ledger block that is also on the chain
// of src, and whether the ledger has blocks above it that must be rolled
// back. An empty ledger has nothing to roll back.
func (w *Wallet) FindForkPoint(ctx context.Context,
	src ChainSource) (waddrmgr.BlockStamp, bool, error) {

	var tip fn.Option[wtxmgr.Block]
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		tip, err = w.txStore.Tip(ns)
		return err
	})
	if err != nil {
		return waddrmgr.BlockStamp{}, false, err
	}
	if tip.IsNone() {
		return waddrmgr.BlockStamp{Height: -1}, false, nil
	}
	syncedTo := tip.UnwrapOr(wtxmgr.Block{})

	_, bestHeight, err := src.GetBestBlock()
	if err != nil {
		return waddrmgr.BlockStamp{}, false, fmt.Errorf("get best "+
			"block: %w", err)
	}

	// Blocks above the remote tip cannot be on its chain.
	syncedHeight := min(syncedTo.Height, bestHeight)

	for syncedHeight >= 0 {
		if err := ctx.Err(); err != nil {
			return waddrmgr.BlockStamp{}, false, err
		}

		// Scan backwards over [startHeight, endHeight].
		endHeight := syncedHeight
		startHeight := max(0, endHeight-forkSearchBatch+1)

		var localHashes []*chainhash.Hash
		err := w.view(func(ns walletdb.ReadBucket) error {
			var err error
			localHashes, err = w.txStore.BlockHashes(
				ns, startHeight, endHeight,
			)
			return err
		})
		if err != nil {
			return waddrmgr.BlockStamp{}, false, err
		}

		remoteHashes, err := src.GetBlockHashes(
			int64(startHeight), int64(endHeight),
		)
		if err != nil {
			return waddrmgr.BlockStamp{}, false, fmt.Errorf("remote "+
				"get block hashes: %w", err)
		}

		matchIndex, pruned := findForkPoint(localHashes, remoteHashes)
		if matchIndex != -1 {
			//nolint:gosec // matchIndex < forkSearchBatch.
			fork := waddrmgr.BlockStamp{
				Height: startHeight + int32(matchIndex),
				Hash:   *localHashes[matchIndex],
			}
			rollback := fork.Height != syncedTo.Height

			if rollback {
				log.Infof("Rollback detected! Rewinding from %v "+
					"to %v", syncedTo, fork)
			}

			return fork, rollback, nil
		}

		// A gap in the ledger history means the fork is older than
		// anything the ledger can undo.
		if pruned {
			break
		}

		syncedHeight = startHeight - 1
	}

	return waddrmgr.BlockStamp{}, false, fmt.Errorf("%w: no common "+
		"block at or below %v", ErrReorgTooDeep, syncedTo)
}

// findForkPoint compares local and remote block hashes to find the last
// matching block. It returns the index of the last match in the slices, or
// -1 if no match is found, and whether a missing local hash was passed
// before the match.
func findForkPoint(localHashes []*chainhash.Hash,
	remoteHashes []chainhash.Hash) (int, bool) {

	// Compare up to the length of the shortest slice to avoid
	// out-of-bounds panics if the chain backend returns fewer hashes than
	// expected.
	minLen := min(len(localHashes), len(remoteHashes))

	for i := minLen - 1; i >= 0; i-- {
		if localHashes[i] == nil {
			return -1, true
		}
		if localHashes[i].IsEqual(&remoteHashes[i]) {
			return i, false
		}
	}

	return -1, false
}

// fetchBlocks downloads the blocks from start to end inclusive with up to
// FetchWorkers requests in flight and hands each to sink.
func (w *Wallet) fetchBlocks(ctx context.Context, src ChainSource, start,
	end int32, sink func(ConnectedBlock) error) error {

	hashes, err := src.GetBlockHashes(int64(start), int64(end))
	if err != nil {
		return fmt.Errorf("remote get block hashes: %w", err)
	}
	if len(hashes) != int(end-start+1) {
		return fmt.Errorf("chain source returned %d hashes for "+
			"heights %d to %d", len(hashes), start, end)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.FetchWorkers)

	for i := range hashes {
		hash := hashes[i]
		//nolint:gosec
		height := start + int32(i)

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			raw, err := src.GetBlock(&hash)
			if err != nil {
				return fmt.Errorf("get block %v: %w", hash, err)
			}

			return sink(ConnectedBlock{
				Raw: raw, Height: height, Hash: hash,
			})
		})
	}

	return g.Wait()
}

// Sync brings the ledger to the tip of src. A diverged ledger is rolled back
// to the fork point and the new chain replayed as one reorg; otherwise the
// missing blocks are fetched concurrently and applied in order.
func (w *Wallet) Sync(ctx context.Context, src ChainSource) error {
	w.state.setSync(syncStateSyncing)

	ancestor, rollback, err := w.FindForkPoint(ctx, src)
	if err != nil {
		w.state.setSync(syncStateIdle)
		return err
	}

	_, bestHeight, err := src.GetBestBlock()
	if err != nil {
		w.state.setSync(syncStateIdle)
		return fmt.Errorf("get best block: %w", err)
	}

	if rollback {
		ev := ReorgEvent{Ancestor: ancestor}
		if bestHeight > ancestor.Height {
			ev.Connected = make(
				[]ConnectedBlock, bestHeight-ancestor.Height,
			)

			err := w.fetchBlocks(
				ctx, src, ancestor.Height+1, bestHeight,
				func(c ConnectedBlock) error {
					i := c.Height - ancestor.Height - 1
					ev.Connected[i] = c

					return nil
				},
			)
			if err != nil {
				w.state.setSync(syncStateIdle)
				return err
			}
		}

		if err := w.HandleReorg(ctx, ev); err != nil {
			return err
		}

		w.state.setSync(syncStateSynced)

		return nil
	}

	// An empty ledger starts at the chain source's tip.
	next := ancestor.Height + 1
	if ancestor.Height < 0 {
		next = bestHeight
	}
	if next > bestHeight {
		w.state.setSync(syncStateSynced)
		return nil
	}

	log.Infof("Syncing blocks %d to %d", next, bestHeight)

	queue := newBlockQueue(w, w.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return queue.Run(gctx, next, fn.Some(bestHeight))
	})
	g.Go(func() error {
		return w.fetchBlocks(
			gctx, src, next, bestHeight,
			func(c ConnectedBlock) error {
				return queue.Enqueue(gctx, c.Raw, c.Height, c.Hash)
			},
		)
	})

	if err := g.Wait(); err != nil {
		w.state.setSync(syncStateIdle)
		return err
	}

	w.state.setSync(syncStateSynced)

	return nil
}
