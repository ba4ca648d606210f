// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// Info is a snapshot of the wallet's configuration and chain state.
type Info struct {
	// ChainParams are the parameters of the chain the wallet follows.
	ChainParams *chaincfg.Params

	// SyncedTo is the ledger tip. Its height is -1 before the first
	// block.
	SyncedTo waddrmgr.BlockStamp

	// Synced is set when the last Sync reached the chain source's tip.
	Synced bool

	// ReorgInProgress is set when an interrupted reorg awaits
	// completion.
	ReorgInProgress bool

	// Subaccounts is the number of subaccounts in the key manager.
	Subaccounts int
}

// Info returns a snapshot of the wallet's state.
func (w *Wallet) Info() (*Info, error) {
	info := &Info{
		ChainParams: w.cfg.ChainParams,
		SyncedTo:    waddrmgr.BlockStamp{Height: -1},
		Synced:      w.state.syncState() == syncStateSynced,
		Subaccounts: len(w.addrStore.Subaccounts()),
	}

	err := w.view(func(ns walletdb.ReadBucket) error {
		tip, err := w.txStore.Tip(ns)
		if err != nil {
			return err
		}
		tip.WhenSome(func(b wtxmgr.Block) {
			info.SyncedTo = b
		})

		marker, err := w.txStore.ReorgInProgress(ns)
		if err != nil {
			return err
		}
		info.ReorgInProgress = marker.IsSome()

		return nil
	})
	if err != nil {
		return nil, err
	}

	return info, nil
}

// Start starts the block writer and the reservation sweeper. It returns an
// error if the wallet is already started.
func (w *Wallet) Start(startCtx context.Context) error {
	err := w.state.toStarting()
	if err != nil {
		return err
	}

	// w.lifetimeCtx governs the lifecycle of all background goroutines.
	// It is canceled when Stop is called.
	w.lifetimeCtx, w.cancel = context.WithCancel(context.Background())

	next, err := w.performRuntimeSetup(startCtx)
	if err != nil {
		w.cancel()
		w.state.toStopped()

		return err
	}

	w.group = &errgroup.Group{}

	w.group.Go(func() error {
		err := w.queue.Run(w.lifetimeCtx, next, fn.None[int32]())
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("Block writer exited with error: %v", err)
			return err
		}

		return nil
	})

	w.group.Go(func() error {
		w.sweepReservations(w.lifetimeCtx)
		return nil
	})

	w.state.toStarted()

	log.Infof("Wallet started, writer resumes at height %d", next)

	return nil
}

// performRuntimeSetup releases the leases that lapsed while the wallet was
// down and returns the first height the block writer expects.
func (w *Wallet) performRuntimeSetup(startCtx context.Context) (int32,
	error) {

	if err := startCtx.Err(); err != nil {
		return 0, err
	}

	released, err := w.ReleaseExpired()
	if err != nil {
		return 0, fmt.Errorf("release expired reservations: %w", err)
	}
	if released > 0 {
		log.Infof("Released %d expired reservations", released)
	}

	info, err := w.Info()
	if err != nil {
		return 0, err
	}
	if info.ReorgInProgress {
		log.Warnf("Reorg interrupted below %v, sync to complete it",
			info.SyncedTo)
	}

	if info.SyncedTo.Height < 0 {
		return -1, nil
	}

	return info.SyncedTo.Height + 1, nil
}

// sweepReservations releases expired reservations on every tick until ctx
// is done.
func (w *Wallet) sweepReservations(ctx context.Context) {
	w.sweepTicker.Resume()
	defer w.sweepTicker.Pause()

	for {
		select {
		case <-w.sweepTicker.Ticks():
			n, err := w.ReleaseExpired()
			if err != nil {
				log.Errorf("Unable to release expired "+
					"reservations: %v", err)

				continue
			}
			if n > 0 {
				log.Debugf("Released %d expired reservations", n)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Stop signals all wallet background processes to shutdown and blocks until
// they have all exited. It returns an error if the context is canceled
// before the shutdown is complete.
func (w *Wallet) Stop(stopCtx context.Context) error {
	err := w.state.toStopping()
	if err != nil {
		// If the wallet is not started, we can consider it stopped.
		log.Warnf("Wallet already stopped: %v", err)
		return nil
	}

	w.cancel()

	done := make(chan error, 1)
	go func() {
		done <- w.group.Wait()
	}()

	select {
	case err = <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	w.state.toStopped()

	return err
}

// EnqueueBlock hands the serialized block raw to the block writer. Blocks
// may arrive out of order; they are applied in height order.
func (w *Wallet) EnqueueBlock(ctx context.Context, raw []byte, height int32,
	hash chainhash.Hash) error {

	if err := w.state.validateStarted(); err != nil {
		return err
	}

	select {
	case <-w.lifetimeCtx.Done():
		return ErrWalletShuttingDown

	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.lifetimeCtx, cancel)
	defer stop()

	err := w.queue.Enqueue(ctx, raw, height, hash)
	if err != nil && w.lifetimeCtx.Err() != nil {
		return ErrWalletShuttingDown
	}

	return err
}
