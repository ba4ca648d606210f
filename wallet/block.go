// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// blockSpends is the set of outpoints a block may spend from the wallet: the
// ledger outputs plus the wallet outputs created earlier in the same block.
type blockSpends struct {
	ledger  elemindex.OutPointSet
	inBlock elemindex.OutPoints
}

// Contains reports whether op belongs to the wallet.
func (b *blockSpends) Contains(op wire.OutPoint) bool {
	return b.inBlock.Contains(op) || b.ledger.Contains(op)
}

// ProcessBlock parses the serialized block raw, matches its transactions
// against the wallet and applies them at height. expected, when non-nil, is
// checked against the header hash. The block must extend the ledger tip; a
// block that is already applied is a no-op.
func (w *Wallet) ProcessBlock(ctx context.Context, raw []byte, height int32,
	expected *chainhash.Hash) (wtxmgr.Changes, error) {

	blk, err := txparser.ParseBlock(raw, expected)
	if err != nil {
		prometheusBlockProcessErrors.WithLabelValues("parse").Inc()
		return wtxmgr.Changes{}, fmt.Errorf("parse block at height "+
			"%d: %w", height, err)
	}

	var changes wtxmgr.Changes
	err = w.update(func(_ walletdb.ReadWriteTx, addrmgrNs,
		txmgrNs walletdb.ReadWriteBucket) error {

		var err error
		changes, err = w.applyBlock(ctx, addrmgrNs, txmgrNs, blk, height)
		return err
	})
	if err != nil {
		w.invalidateIndex()
		prometheusBlockProcessErrors.WithLabelValues("apply").Inc()

		return wtxmgr.Changes{}, err
	}

	w.blockApplied(height, changes)

	return changes, nil
}

// blockApplied updates the counters once a block is committed.
func (w *Wallet) blockApplied(height int32, changes wtxmgr.Changes) {
	prometheusBlocksApplied.Inc()
	prometheusTipHeight.Set(float64(height))
	recordChanges(changes)
}

// applyBlock matches and applies blk inside the caller's transaction.
func (w *Wallet) applyBlock(ctx context.Context, addrmgrNs,
	txmgrNs walletdb.ReadWriteBucket, blk *txparser.Block,
	height int32) (wtxmgr.Changes, error) {

	meta := &wtxmgr.BlockMeta{
		Block: wtxmgr.Block{
			Height: height,
			Hash:   blk.Hash,
		},
		PrevHash: blk.Header.PrevBlock,
		Time:     blk.Header.Timestamp,
	}

	w.indexMu.Lock()
	defer w.indexMu.Unlock()

	idx := w.index()
	spent := &blockSpends{
		ledger:  w.txStore.OutPointSet(txmgrNs),
		inBlock: make(elemindex.OutPoints),
	}

	var matches []*elemindex.TxMatch
	for _, tx := range blk.Transactions {
		if err := ctx.Err(); err != nil {
			return wtxmgr.Changes{}, err
		}

		m := idx.MatchTransaction(tx, spent)
		if !m.Relevant() {
			continue
		}
		matches = append(matches, m)

		for _, out := range m.Outputs {
			spent.inBlock[wire.OutPoint{
				Hash:  m.TxHash,
				Index: out.Output.Index,
			}] = struct{}{}
		}

		// Keys used here may widen the watched window, and later
		// transactions of the same block can pay into it.
		if err := w.markUsed(addrmgrNs, m); err != nil {
			return wtxmgr.Changes{}, err
		}
	}

	changes, err := w.txStore.AddConfirmedTransactions(
		ctx, txmgrNs, meta, matches,
	)
	if err != nil {
		return wtxmgr.Changes{}, err
	}

	if err := w.releaseKeys(addrmgrNs, changes.Released); err != nil {
		return wtxmgr.Changes{}, err
	}

	if err := w.setScanProgress(addrmgrNs, meta.Block); err != nil {
		return wtxmgr.Changes{}, err
	}

	if w.cfg.ReorgDepth > 0 {
		pruned, err := w.txStore.Prune(txmgrNs, w.cfg.ReorgDepth)
		if err != nil {
			return wtxmgr.Changes{}, err
		}
		if pruned > 0 {
			log.Debugf("Pruned %d spent outputs below height %d",
				pruned, height-w.cfg.ReorgDepth)
		}
	}

	log.Debugf("Processed block %v: %d of %d transactions relevant",
		meta.Block, len(matches), len(blk.Transactions))

	return changes, nil
}

// markUsed records every key m touches as used and adds the keys that come
// into the watched window to the index. The caller must hold indexMu.
func (w *Wallet) markUsed(addrmgrNs walletdb.ReadWriteBucket,
	m *elemindex.TxMatch) error {

	for _, key := range m.Keys() {
		err := w.addrStore.Confirm(addrmgrNs, key, m.TxHash)
		if err != nil {
			return fmt.Errorf("mark %v used: %w", key, err)
		}

		caps, err := w.addrStore.Capabilities(key.Subaccount)
		if err != nil {
			return err
		}
		if !caps.Generation {
			continue
		}

		lookahead, err := w.addrStore.Lookahead(key.Subaccount)
		if err != nil {
			return err
		}

		for i := uint32(1); i <= lookahead; i++ {
			el, err := w.addrStore.BalanceElement(waddrmgr.Key{
				Subaccount: key.Subaccount,
				Subchain:   key.Subchain,
				Index:      key.Index + i,
			})
			if err != nil {
				// Indexes with no valid child key are skipped.
				continue
			}

			w.idx.Add(el)
		}
	}

	return nil
}

// releaseKeys forgets the uses of keys by transactions the ledger orphaned
// or conflicted. The watched window is left as it is.
func (w *Wallet) releaseKeys(addrmgrNs walletdb.ReadWriteBucket,
	released []wtxmgr.TxKeys) error {

	for _, tx := range released {
		for _, key := range tx.Keys {
			err := w.addrStore.Unconfirm(addrmgrNs, key, tx.Hash)
			if err != nil {
				return fmt.Errorf("release %v from %v: %w", key,
					tx.Hash, err)
			}
		}

		log.Debugf("Released %d keys of transaction %v", len(tx.Keys),
			tx.Hash)
	}

	return nil
}

// setScanProgress records stamp as the last block scanned by every
// subchain.
func (w *Wallet) setScanProgress(addrmgrNs walletdb.ReadWriteBucket,
	stamp waddrmgr.BlockStamp) error {

	for _, sa := range w.addrStore.Subaccounts() {
		for _, sc := range sa.Subchains {
			err := w.addrStore.SetScanProgress(
				addrmgrNs, sa.ID, sc, stamp,
			)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// rewindScanProgress moves the scan progress of every subchain that is past
// ancestor back to it.
func (w *Wallet) rewindScanProgress(addrmgrNs walletdb.ReadWriteBucket,
	ancestor waddrmgr.BlockStamp) error {

	for _, sa := range w.addrStore.Subaccounts() {
		for _, sc := range sa.Subchains {
			progress, err := w.addrStore.ScanProgress(sa.ID, sc)
			if err != nil {
				return err
			}
			if progress.Height <= ancestor.Height {
				continue
			}

			err = w.addrStore.SetScanProgress(
				addrmgrNs, sa.ID, sc, ancestor,
			)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
