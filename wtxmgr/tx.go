// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/walletpb"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// insertOpts carries the facts about a transaction that the match does not.
type insertOpts struct {
	tags     TxoTag
	payee    string
	proposal []byte
}

// AddConfirmedTransactions applies the wallet transactions of a block to the
// ledger. The block must extend the ledger tip; a block already recorded at
// its height with the same hash is a no-op, so a block may be replayed
// safely. matches may include transactions that do not touch the wallet:
// only those that pay a wallet key, reveal one, or spend a wallet output are
// recorded. ctx is checked between transactions.
func (s *Store) AddConfirmedTransactions(ctx context.Context,
	ns walletdb.ReadWriteBucket, block *BlockMeta,
	matches []*elemindex.TxMatch) (Changes, error) {

	existing, err := fetchBlock(ns, block.Height)
	if err != nil {
		return Changes{}, err
	}
	if existing != nil && existing.Hash == block.Hash {
		log.Debugf("Block %v already applied", block.Block)
		return Changes{}, nil
	}

	tip, err := fetchTip(ns)
	if err != nil {
		return Changes{}, err
	}
	if err := checkExtends(tip, block); err != nil {
		return Changes{}, err
	}

	var changes Changes

	matured, err := s.updateMaturity(ns, block.Height)
	if err != nil {
		return Changes{}, err
	}
	changes.Confirmed = matured

	rec := &blockRecord{Block: block.Block}
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return Changes{}, err
		}

		c, recorded, err := s.insertTx(
			ns, m, fn.Some(*block), insertOpts{},
		)
		if err != nil {
			return Changes{}, fmt.Errorf("transaction %v: %w",
				m.TxHash, err)
		}
		if recorded {
			rec.txs = append(rec.txs, m.TxHash)
		}
		changes.merge(c)
	}

	if err := putBlock(ns, rec); err != nil {
		return Changes{}, err
	}
	if err := putStamp(ns, keyTip, block.Block); err != nil {
		return Changes{}, err
	}
	if err := bumpToken(ns); err != nil {
		return Changes{}, err
	}

	log.Debugf("Applied block %v: %d wallet transactions, %d created, "+
		"%d consumed", block.Block, len(rec.txs), len(changes.Created),
		len(changes.Consumed))

	return changes, nil
}

// checkExtends makes sure block connects to tip. Any block is accepted by an
// empty ledger.
func checkExtends(tip fn.Option[Block], block *BlockMeta) error {
	var err error
	tip.WhenSome(func(t Block) {
		if block.Height != t.Height+1 || block.PrevHash != t.Hash {
			err = storeError(ErrBlockOrder, fmt.Sprintf("block %v "+
				"(parent %v) does not extend tip %v", block.Block,
				block.PrevHash, t), nil)
		}
	})

	return err
}

// insertTx records the match as mined in block, or as unconfirmed when block
// is None. It reports whether the transaction touches the wallet.
func (s *Store) insertTx(ns walletdb.ReadWriteBucket, m *elemindex.TxMatch,
	block fn.Option[BlockMeta], opts insertOpts) (Changes, bool, error) {

	txid := m.TxHash
	mined := block.IsSome()

	rec, err := fetchTx(ns, txid)
	if err != nil {
		return Changes{}, false, err
	}

	switch {
	case rec == nil:

	case rec.Height >= 0:
		log.Debugf("Transaction %v already mined at height %d", txid,
			rec.Height)

		return Changes{}, false, nil

	case rec.Conflicted && !mined:
		log.Debugf("Ignoring conflicted transaction %v", txid)
		return Changes{}, false, nil

	case rec.Conflicted:
		if err := s.revive(ns, m); err != nil {
			return Changes{}, false, err
		}
		rec.Conflicted = false
	}

	var changes Changes
	if mined {
		if err := s.removeDoubleSpends(ns, m, &changes); err != nil {
			return Changes{}, false, err
		}
	}

	keys := m.Keys()

	coinbase := m.Tx.IsCoinBase()
	if !coinbase {
		for i, in := range m.Tx.Inputs {
			out, err := fetchOutput(ns, in.PreviousOutPoint)
			if err != nil {
				return Changes{}, false, err
			}
			if out == nil {
				continue
			}

			spender := wire.OutPoint{Hash: txid, Index: uint32(i)}
			consumed, err := s.spend(ns, out, spender, mined)
			if err != nil {
				return Changes{}, false, err
			}
			if consumed {
				changes.Consumed = append(
					changes.Consumed, out.OutPoint,
				)
			}
			keys = appendUniqueKeys(keys, out.Keys)
		}
	}

	if len(m.Outputs) == 0 && len(keys) == 0 {
		return changes, false, nil
	}

	if !coinbase {
		for _, in := range m.Tx.Inputs {
			op := in.PreviousOutPoint

			var err error
			if mined {
				err = deleteUnminedInput(ns, op, txid)
			} else {
				err = putUnminedInput(ns, op, txid)
			}
			if err != nil {
				return Changes{}, false, err
			}
		}
	}

	txInfo := s.describe(keys)
	opts.tags |= txInfo.tags & TagNotification
	if coinbase {
		opts.tags |= TagGeneration
	}

	for _, om := range m.Outputs {
		c, err := s.credit(ns, m, om, block, opts)
		if err != nil {
			return Changes{}, false, err
		}
		changes.merge(c)
	}

	if rec == nil {
		rec = &txRecord{}
		rec.TxID = txid[:]
		rec.Time = s.clock.Now().Unix()
	}
	rec.Raw = m.Tx.Serialize()
	rec.Height = -1
	rec.BlockHash = nil
	block.WhenSome(func(b BlockMeta) {
		rec.Height = int64(b.Height)
		rec.BlockHash = b.Hash[:]
	})
	rec.Keys = mergeKeyRecords(rec.Keys, keys)
	rec.Owners = txInfo.owners
	if len(opts.proposal) > 0 {
		rec.Proposal = opts.proposal
	}
	if err := putTx(ns, rec); err != nil {
		return Changes{}, false, err
	}

	changes.Transactions = append(changes.Transactions, txid)

	return changes, true, nil
}

// spend marks out as spent by the input spender. It reports whether the
// output changed state.
func (s *Store) spend(ns walletdb.ReadWriteBucket, out *Output,
	spender wire.OutPoint, mined bool) (bool, error) {

	sameSpender := out.SpentBy.IsSome() &&
		out.SpentBy.UnwrapOr(wire.OutPoint{}) == spender

	var event string
	switch {
	case out.State == Immature:
		log.Warnf("Output %v spent before maturity by %v",
			out.OutPoint, spender)

		return false, nil

	case out.State == TxoError:
		log.Warnf("Output %v of a conflicted transaction spent by %v",
			out.OutPoint, spender)

		return false, nil

	case mined && out.State == ConfirmedSpend:
		if !sameSpender {
			return false, storeError(ErrData, fmt.Sprintf("output "+
				"%v spent by %v and %v", out.OutPoint,
				out.SpentBy.UnwrapOr(wire.OutPoint{}),
				spender), nil)
		}

		return false, nil

	case mined:
		event = eventSpendConfirmed

	case out.SpentBy.IsSome():
		// The first spend seen in the mempool wins until a block
		// decides otherwise.
		if !sameSpender {
			log.Debugf("Output %v already spent by %v, ignoring "+
				"unconfirmed spend by %v", out.OutPoint,
				out.SpentBy.UnwrapOr(wire.OutPoint{}), spender)
		}

		return false, nil

	case out.State == OrphanedNew:
		event = eventSpendOrphaned

	default:
		event = eventSpendUnconfirmed
	}

	state, err := transition(out.State, event)
	if err != nil {
		return false, err
	}
	out.State = state
	out.SpentBy = fn.Some(spender)

	if err := putOutput(ns, out); err != nil {
		return false, err
	}

	// A spent output needs no lease.
	if err := deleteReservation(ns, out.OutPoint); err != nil {
		return false, err
	}

	return true, nil
}

// unspend reverts the spend of out.
func (s *Store) unspend(ns walletdb.ReadWriteBucket, out *Output) error {
	var event string
	switch {
	case out.State == OrphanedSpend:
		event = eventUnspendOrphaned

	case out.Mined.IsSome():
		event = eventUnspend

	default:
		event = eventUnspendUnconfirmed
	}

	state, err := transition(out.State, event)
	if err != nil {
		return err
	}
	out.State = state
	out.SpentBy = fn.None[wire.OutPoint]()

	return putOutput(ns, out)
}

// credit records or updates the wallet output om of the match.
func (s *Store) credit(ns walletdb.ReadWriteBucket, m *elemindex.TxMatch,
	om elemindex.OutputMatch, block fn.Option[BlockMeta],
	opts insertOpts) (Changes, error) {

	var changes Changes

	op := wire.OutPoint{Hash: m.TxHash, Index: om.Output.Index}
	out, err := fetchOutput(ns, op)
	if err != nil {
		return changes, err
	}

	if out == nil {
		info := s.describe(om.Keys)

		// Outputs that only pay outgoing channel keys or watched
		// notification keys hold no wallet funds.
		if !info.balance {
			return changes, nil
		}

		out = &Output{
			OutPoint: op,
			Value:    om.Output.Value,
			PkScript: om.Output.PkScript,
			Pattern:  om.Script.Pattern(),
			State:    UnconfirmedNew,
			Tags:     opts.tags | info.tags,
			Coinbase: m.Tx.IsCoinBase(),
			Keys:     om.Keys,
			Owner:    info.owner,
			Payee:    opts.payee,
			Payer:    info.payer,
			Mined:    fn.None[Block](),
			SpentBy:  fn.None[wire.OutPoint](),
		}

		block.WhenSome(func(b BlockMeta) {
			out.Mined = fn.Some(b.Block)
			out.State = ConfirmedNew
			if out.Coinbase {
				out.State = Immature
			}
		})
		if err := s.settleMaturity(out); err != nil {
			return changes, err
		}

		if err := putOutput(ns, out); err != nil {
			return changes, err
		}
		if out.Coinbase {
			if err := putCoinbase(ns, op); err != nil {
				return changes, err
			}
		}

		log.Tracef("Created output %v (%v, %v) worth %v", op, out.State,
			out.Tags, out.Value)

		changes.Created = append(changes.Created, op)

		return changes, nil
	}

	var event string
	switch {
	case block.IsNone() && out.State == OrphanedNew:
		event = eventUnconfirm

	case block.IsNone() && out.State == OrphanedSpend:
		event = eventRestoreSpent

	case block.IsNone():
		return changes, nil

	case out.State == OrphanedNew && out.Coinbase:
		event = eventConfirmCoinbase

	case out.State == UnconfirmedNew, out.State == OrphanedNew:
		event = eventConfirm

	case out.State == OrphanedSpend:
		event = eventRestoreSpent
	}

	if event != "" {
		out.State, err = transition(out.State, event)
		if err != nil {
			return changes, err
		}
	}

	out.Mined = fn.None[Block]()
	block.WhenSome(func(b BlockMeta) {
		out.Mined = fn.Some(b.Block)
	})
	if err := s.settleMaturity(out); err != nil {
		return changes, err
	}

	if err := putOutput(ns, out); err != nil {
		return changes, err
	}
	changes.Confirmed = append(changes.Confirmed, op)

	return changes, nil
}

// revive restores the outputs of a conflicted transaction that was mined
// after all.
func (s *Store) revive(ns walletdb.ReadWriteBucket,
	m *elemindex.TxMatch) error {

	log.Infof("Conflicted transaction %v was mined", m.TxHash)

	for i := range m.Tx.Outputs {
		//nolint:gosec
		op := wire.OutPoint{Hash: m.TxHash, Index: uint32(i)}
		out, err := fetchOutput(ns, op)
		if err != nil {
			return err
		}
		if out == nil || out.State != TxoError {
			continue
		}

		if out.State, err = transition(out.State, eventRevive); err != nil {
			return err
		}
		if err := putOutput(ns, out); err != nil {
			return err
		}
	}

	return nil
}

// coinbaseMaturity returns the depth at which coinbase outputs become
// spendable.
func (s *Store) coinbaseMaturity() int32 {
	return int32(s.ChainParams.CoinbaseMaturity)
}

// settleMaturity moves a mined coinbase output between Immature and
// ConfirmedNew according to its depth at the block it was mined in.
func (s *Store) settleMaturity(out *Output) error {
	var tip int32
	out.Mined.WhenSome(func(b Block) {
		tip = b.Height
	})

	_, err := s.applyMaturity(out, tip)
	return err
}

// applyMaturity updates the maturity state of a coinbase output for the
// given tip and reports whether it changed.
func (s *Store) applyMaturity(out *Output, tip int32) (bool, error) {
	if !out.Coinbase || out.Mined.IsNone() {
		return false, nil
	}

	mature := out.Confirmations(tip) >= s.coinbaseMaturity()

	var event string
	switch {
	case out.State == Immature && mature:
		event = eventMature

	case out.State == ConfirmedNew && !mature:
		event = eventImmature

	default:
		return false, nil
	}

	state, err := transition(out.State, event)
	if err != nil {
		return false, err
	}
	out.State = state

	return true, nil
}

// updateMaturity settles every coinbase output at tip and returns those that
// became spendable.
func (s *Store) updateMaturity(ns walletdb.ReadWriteBucket,
	tip int32) ([]wire.OutPoint, error) {

	var matured []wire.OutPoint
	err := forEachCoinbase(ns, func(op wire.OutPoint) error {
		out, err := fetchOutput(ns, op)
		if err != nil || out == nil {
			return err
		}

		changed, err := s.applyMaturity(out, tip)
		if err != nil || !changed {
			return err
		}
		if out.State == ConfirmedNew {
			matured = append(matured, op)
		}

		return putOutput(ns, out)
	})
	if err != nil {
		return nil, err
	}

	return matured, nil
}

func appendUniqueKeys(keys, more []waddrmgr.Key) []waddrmgr.Key {
	for _, k := range more {
		found := false
		for _, have := range keys {
			if have == k {
				found = true
				break
			}
		}
		if !found {
			keys = append(keys, k)
		}
	}

	return keys
}

func mergeKeyRecords(recs []walletpb.Key, keys []waddrmgr.Key) []walletpb.Key {
	return keysToRecord(appendUniqueKeys(keysFromRecord(recs), keys))
}

// TxDetails returns the recorded transaction txid, or nil when the ledger
// does not know it.
func (s *Store) TxDetails(ns walletdb.ReadBucket,
	txid *chainhash.Hash) (*TxDetails, error) {

	rec, err := fetchTx(ns, *txid)
	if err != nil || rec == nil {
		return nil, err
	}

	return s.details(ns, rec)
}

// outputSet reports wallet ownership of outpoints from the outputs bucket.
type outputSet struct {
	ns walletdb.ReadBucket
}

// Contains reports whether op is a wallet output or is spent by an unmined
// wallet transaction. The latter lets a competing spend of a foreign output
// be matched, so the wallet transaction it replaces is conflicted.
func (o outputSet) Contains(op wire.OutPoint) bool {
	k := outPointKey(op)

	return readBucket(o.ns, bucketOutputs).Get(k) != nil ||
		readBucket(o.ns, bucketUnminedInputs).Get(k) != nil
}

// OutPointSet returns the wallet outputs, and the outpoints unmined wallet
// transactions spend, as an elemindex.OutPointSet that reads through ns. It
// must not outlive the database transaction.
func (s *Store) OutPointSet(ns walletdb.ReadBucket) elemindex.OutPointSet {
	return outputSet{ns: ns}
}
