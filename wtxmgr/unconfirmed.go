// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// AddMempoolTransaction records an unconfirmed transaction. Adding a known
// transaction again is a no-op, except that a transaction orphaned by a
// reorg returns to the unconfirmed states.
func (s *Store) AddMempoolTransaction(ns walletdb.ReadWriteBucket,
	m *elemindex.TxMatch) (Changes, error) {

	changes, recorded, err := s.insertTx(
		ns, m, fn.None[BlockMeta](), insertOpts{},
	)
	if err != nil || !recorded {
		return changes, err
	}

	log.Infof("Inserted unconfirmed transaction %v", m.TxHash)

	return changes, bumpToken(ns)
}

// removeDoubleSpends checks for any unmined transactions which would
// introduce a double spend if the match was mined. Each conflicting
// transaction and all transactions which spend it are recursively removed
// and reported in changes.Released. Transactions orphaned by a reorg are
// unmined as well, so they lose to a competing spend of the new chain.
func (s *Store) removeDoubleSpends(ns walletdb.ReadWriteBucket,
	m *elemindex.TxMatch, changes *Changes) error {

	if m.Tx.IsCoinBase() {
		return nil
	}

	for _, in := range m.Tx.Inputs {
		spenders := fetchUnminedSpenders(ns, in.PreviousOutPoint)
		for _, h := range spenders {
			// We'll make sure not to remove ourselves.
			if h == m.TxHash {
				continue
			}

			// A transaction spending several outputs of the same
			// parent shows up more than once and may already be
			// gone.
			rec, err := fetchTx(ns, h)
			if err != nil {
				return err
			}
			if rec == nil || rec.Height >= 0 || rec.Conflicted {
				continue
			}

			log.Debugf("Removing double spending transaction %v", h)

			err = s.removeConflict(ns, rec, changes)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

// removeConflict marks an unmined transaction and all spend chains deriving
// from it as conflicted. Its outputs move to the TxoError state and the
// outputs it spent become spendable again.
func (s *Store) removeConflict(ns walletdb.ReadWriteBucket,
	rec *txRecord, changes *Changes) error {

	txid := rec.hash()

	tx, err := txparser.ParseTransaction(rec.Raw)
	if err != nil {
		return storeError(ErrData, "decode raw transaction", err)
	}

	for i := range tx.Outputs {
		//nolint:gosec
		op := wire.OutPoint{Hash: txid, Index: uint32(i)}

		for _, h := range fetchUnminedSpenders(ns, op) {
			spender, err := fetchTx(ns, h)
			if err != nil {
				return err
			}
			if spender == nil || spender.Height >= 0 ||
				spender.Conflicted {

				continue
			}

			log.Debugf("Transaction %v is part of a removed "+
				"conflict chain -- removing as well", h)

			err = s.removeConflict(ns, spender, changes)
			if err != nil {
				return err
			}
		}

		if err := s.failOutput(ns, op); err != nil {
			return err
		}
	}

	if !tx.IsCoinBase() {
		for i, in := range tx.Inputs {
			if err := s.releaseInput(ns, txid, uint32(i),
				in.PreviousOutPoint); err != nil {

				return err
			}
		}
	}

	rec.Conflicted = true
	changes.Released = append(changes.Released, TxKeys{
		Hash: txid,
		Keys: keysFromRecord(rec.Keys),
	})

	return putTx(ns, rec)
}

// failOutput moves a wallet output of a conflicted transaction to TxoError.
func (s *Store) failOutput(ns walletdb.ReadWriteBucket,
	op wire.OutPoint) error {

	out, err := fetchOutput(ns, op)
	if err != nil || out == nil || out.State == TxoError {
		return err
	}

	if out.State, err = transition(out.State, eventFail); err != nil {
		return err
	}
	out.SpentBy = fn.None[wire.OutPoint]()

	if err := putOutput(ns, out); err != nil {
		return err
	}

	return deleteReservation(ns, op)
}

// releaseInput undoes the spend of prev by input index of txid.
func (s *Store) releaseInput(ns walletdb.ReadWriteBucket, txid chainhash.Hash,
	index uint32, prev wire.OutPoint) error {

	if err := deleteUnminedInput(ns, prev, txid); err != nil {
		return err
	}

	out, err := fetchOutput(ns, prev)
	if err != nil || out == nil {
		return err
	}

	spender := wire.OutPoint{Hash: txid, Index: index}
	if out.SpentBy.UnwrapOr(wire.OutPoint{}) != spender {
		return nil
	}

	return s.unspend(ns, out)
}
