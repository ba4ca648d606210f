// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// StartReorg disconnects every block above ancestor. Blocks are rolled back
// from the tip down and the transactions of each block in reverse order, so
// a spend is always undone before the output it spends is orphaned. The
// ledger tip becomes ancestor and a reorg marker is persisted until
// FinalizeReorg, which lets a restarted wallet resume an interrupted reorg.
//
// Orphaned transactions stay recorded as unconfirmed: their outputs move to
// the orphaned states and the outputs they spent become unspent again. Their
// inputs are registered as unmined spends, so a double spend mined by the
// replacement chain conflicts them. They are returned in Changes.Released.
func (s *Store) StartReorg(ns walletdb.ReadWriteBucket,
	ancestor Block) (Changes, error) {

	recorded, err := fetchBlock(ns, ancestor.Height)
	if err != nil {
		return Changes{}, err
	}
	if recorded != nil && recorded.Hash != ancestor.Hash {
		return Changes{}, storeError(ErrInput, fmt.Sprintf("ancestor "+
			"%v is not on the ledger chain, which has %v at that "+
			"height", ancestor, recorded.Hash), nil)
	}

	tip, err := fetchTip(ns)
	if err != nil {
		return Changes{}, err
	}

	if err := putStamp(ns, keyReorg, ancestor); err != nil {
		return Changes{}, err
	}

	var changes Changes

	top := tip.UnwrapOr(ancestor).Height
	for h := top; h > ancestor.Height; h-- {
		blk, err := fetchBlock(ns, h)
		if err != nil {
			return Changes{}, err
		}
		if blk == nil {
			continue
		}

		for i := len(blk.txs) - 1; i >= 0; i-- {
			orphaned, err := s.rollbackTx(ns, blk.txs[i])
			if err != nil {
				return Changes{}, fmt.Errorf("roll back %v: %w",
					blk.txs[i], err)
			}
			orphaned.WhenSome(func(k TxKeys) {
				changes.Released = append(changes.Released, k)
			})
		}

		if err := deleteBlock(ns, h); err != nil {
			return Changes{}, err
		}

		log.Debugf("Disconnected block %v with %d wallet transactions",
			blk.Block, len(blk.txs))
	}

	if err := putStamp(ns, keyTip, ancestor); err != nil {
		return Changes{}, err
	}
	if _, err := s.updateMaturity(ns, ancestor.Height); err != nil {
		return Changes{}, err
	}

	log.Infof("Rolled ledger back from height %d to %v, %d transactions "+
		"orphaned", top, ancestor, len(changes.Released))

	return changes, bumpToken(ns)
}

// rollbackTx returns a mined transaction to the unconfirmed set and returns
// it with its keys, or None when it is not recorded.
func (s *Store) rollbackTx(ns walletdb.ReadWriteBucket,
	txid chainhash.Hash) (fn.Option[TxKeys], error) {

	none := fn.None[TxKeys]()

	rec, err := fetchTx(ns, txid)
	if err != nil || rec == nil {
		return none, err
	}

	tx, err := txparser.ParseTransaction(rec.Raw)
	if err != nil {
		return none, storeError(ErrData, "decode raw transaction", err)
	}

	if !tx.IsCoinBase() {
		for i, in := range tx.Inputs {
			err := putUnminedInput(ns, in.PreviousOutPoint, txid)
			if err != nil {
				return none, err
			}

			out, err := fetchOutput(ns, in.PreviousOutPoint)
			if err != nil {
				return none, err
			}
			if out == nil {
				continue
			}

			//nolint:gosec
			spender := wire.OutPoint{Hash: txid, Index: uint32(i)}
			if out.SpentBy.UnwrapOr(wire.OutPoint{}) != spender {
				continue
			}

			if err := s.unspend(ns, out); err != nil {
				return none, err
			}
		}
	}

	for i := range tx.Outputs {
		//nolint:gosec
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}
		out, err := fetchOutput(ns, op)
		if err != nil {
			return none, err
		}
		if out == nil {
			continue
		}

		var event string
		switch out.State {
		case UnconfirmedSpend:
			event = eventOrphanSpent

		case ConfirmedNew, ConfirmedSpend, Immature:
			event = eventOrphan
		}
		if event != "" {
			if out.State, err = transition(out.State, event); err != nil {
				return none, err
			}
		}
		out.Mined = fn.None[Block]()

		if err := putOutput(ns, out); err != nil {
			return none, err
		}
	}

	rec.Height = -1
	rec.BlockHash = nil
	if err := putTx(ns, rec); err != nil {
		return none, err
	}

	return fn.Some(TxKeys{Hash: txid, Keys: keysFromRecord(rec.Keys)}), nil
}

// BlockHashes returns the hashes of the ledger blocks from start to end
// inclusive. Heights the ledger holds no record for, because they were pruned
// or never applied, yield nil entries.
func (s *Store) BlockHashes(ns walletdb.ReadBucket, start,
	end int32) ([]*chainhash.Hash, error) {

	if end < start {
		return nil, nil
	}

	hashes := make([]*chainhash.Hash, 0, end-start+1)
	for h := start; h <= end; h++ {
		blk, err := fetchBlock(ns, h)
		if err != nil {
			return nil, err
		}
		if blk == nil {
			hashes = append(hashes, nil)
			continue
		}

		hash := blk.Hash
		hashes = append(hashes, &hash)
	}

	return hashes, nil
}

// ReorgInProgress returns the ancestor of an unfinished reorg.
func (s *Store) ReorgInProgress(ns walletdb.ReadBucket) (fn.Option[Block],
	error) {

	return fetchStamp(ns, keyReorg)
}

// FinalizeReorg ends a reorg once the replacement chain has been applied up
// to tip.
func (s *Store) FinalizeReorg(ns walletdb.ReadWriteBucket, tip Block) error {
	marker, err := fetchStamp(ns, keyReorg)
	if err != nil {
		return err
	}
	if marker.IsNone() {
		return storeError(ErrNoReorg, "no reorg in progress", nil)
	}

	current, err := fetchTip(ns)
	if err != nil {
		return err
	}
	if current.UnwrapOr(Block{Height: -1}) != tip {
		return storeError(ErrReorgIncomplete, fmt.Sprintf("ledger tip "+
			"is %v, want %v", current.UnwrapOr(Block{Height: -1}),
			tip), nil)
	}

	if err := deleteMeta(ns, keyReorg); err != nil {
		return err
	}

	log.Infof("Reorg from %v finalized at %v",
		marker.UnwrapOr(Block{}), tip)

	return bumpToken(ns)
}

// Prune deletes outputs whose spend is buried more than depth blocks below
// the tip, along with the block records reorgs can no longer reach. It
// returns the number of outputs removed.
func (s *Store) Prune(ns walletdb.ReadWriteBucket, depth int32) (int, error) {
	tip, err := fetchTip(ns)
	if err != nil || tip.IsNone() {
		return 0, err
	}
	cutoff := tip.UnwrapOr(Block{}).Height - depth

	var prune []wire.OutPoint
	err = forEachOutput(ns, func(o *Output) error {
		if o.State != ConfirmedSpend {
			return nil
		}

		in := o.SpentBy.UnwrapOr(wire.OutPoint{})
		rec, err := fetchTx(ns, in.Hash)
		if err != nil {
			return err
		}
		if rec != nil && rec.Height >= 0 && rec.Height <= int64(cutoff) {
			prune = append(prune, o.OutPoint)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, op := range prune {
		if err := deleteOutput(ns, op); err != nil {
			return 0, err
		}
		if err := deleteCoinbase(ns, op); err != nil {
			return 0, err
		}
	}

	var heights []int32
	err = readBucket(ns, bucketBlocks).ForEach(func(k, v []byte) error {
		blk, err := decodeBlock(k, v)
		if err != nil {
			return err
		}
		if blk.Height < cutoff {
			heights = append(heights, blk.Height)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, h := range heights {
		if err := deleteBlock(ns, h); err != nil {
			return 0, err
		}
	}

	if len(prune) > 0 {
		log.Infof("Pruned %d spent outputs below height %d", len(prune),
			cutoff)
	}

	return len(prune), bumpToken(ns)
}
