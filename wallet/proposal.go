// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ReserveUTXO leases one spendable output to proposal id of spender. None
// means no output satisfies policy.
func (w *Wallet) ReserveUTXO(spender string, id uuid.UUID,
	policy wtxmgr.SpendPolicy) (fn.Option[*wtxmgr.Output], error) {

	var utxo fn.Option[*wtxmgr.Output]
	err := w.update(func(_ walletdb.ReadWriteTx, _,
		txmgrNs walletdb.ReadWriteBucket) error {

		var err error
		utxo, err = w.txStore.ReserveUTXO(txmgrNs, spender, id, policy)
		return err
	})
	if err != nil {
		return fn.None[*wtxmgr.Output](), err
	}

	if utxo.IsSome() {
		prometheusReservations.WithLabelValues("reserved").Inc()
	} else {
		prometheusReservations.WithLabelValues("exhausted").Inc()
	}

	return utxo, nil
}

// CancelProposal releases every output leased to proposal id.
func (w *Wallet) CancelProposal(id uuid.UUID) error {
	err := w.update(func(_ walletdb.ReadWriteTx, _,
		txmgrNs walletdb.ReadWriteBucket) error {

		return w.txStore.CancelProposal(txmgrNs, id)
	})
	if err != nil {
		return err
	}

	prometheusReservations.WithLabelValues("cancelled").Inc()

	return nil
}

// ReleaseExpired drops every lapsed lease and returns how many were
// released.
func (w *Wallet) ReleaseExpired() (int, error) {
	var n int
	err := w.update(func(_ walletdb.ReadWriteTx, _,
		txmgrNs walletdb.ReadWriteBucket) error {

		var err error
		n, err = w.txStore.ReleaseExpired(txmgrNs)
		return err
	})
	if err != nil {
		return 0, err
	}

	prometheusReservations.WithLabelValues("expired").Add(float64(n))

	return n, nil
}

// Proposal returns the proposal with the given id, or nil when none exists.
func (w *Wallet) Proposal(id uuid.UUID) (*wtxmgr.Proposal, error) {
	var p *wtxmgr.Proposal
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		p, err = w.txStore.Proposal(ns, id)
		return err
	})

	return p, err
}

// Reservations returns the leases that have not expired.
func (w *Wallet) Reservations() ([]wtxmgr.ReservedOutput, error) {
	var leases []wtxmgr.ReservedOutput
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		leases, err = w.txStore.ListReservations(ns)
		return err
	})

	return leases, err
}

// AddOutgoingTransaction records the serialized transaction raw built for
// proposal id. proposal may be nil when the proposal was created by
// ReserveUTXO and its change outputs are unchanged.
func (w *Wallet) AddOutgoingTransaction(id uuid.UUID,
	proposal *wtxmgr.Proposal, raw []byte) (wtxmgr.Changes, error) {

	tx, err := txparser.ParseTransaction(raw)
	if err != nil {
		return wtxmgr.Changes{}, fmt.Errorf("parse outgoing "+
			"transaction: %w", err)
	}

	var changes wtxmgr.Changes
	err = w.update(func(_ walletdb.ReadWriteTx, addrmgrNs,
		txmgrNs walletdb.ReadWriteBucket) error {

		var err error
		changes, err = w.txStore.AddOutgoingTransaction(
			txmgrNs, id, proposal, tx,
		)
		if err != nil {
			return err
		}

		txid := tx.TxHash()
		if proposal != nil {
			for _, c := range proposal.Change {
				err := w.addrStore.Confirm(addrmgrNs, c.Key, txid)
				if err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return wtxmgr.Changes{}, err
	}

	recordChanges(changes)

	return changes, nil
}

// AddMempoolTransaction matches the serialized transaction raw against the
// wallet and records it as unconfirmed when it is relevant. Irrelevant
// transactions are ignored and yield empty changes.
func (w *Wallet) AddMempoolTransaction(raw []byte) (wtxmgr.Changes, error) {
	tx, err := txparser.ParseTransaction(raw)
	if err != nil {
		return wtxmgr.Changes{}, fmt.Errorf("parse mempool "+
			"transaction: %w", err)
	}

	var changes wtxmgr.Changes
	err = w.update(func(_ walletdb.ReadWriteTx, addrmgrNs,
		txmgrNs walletdb.ReadWriteBucket) error {

		w.indexMu.Lock()
		defer w.indexMu.Unlock()

		m := w.index().MatchTransaction(
			tx, w.txStore.OutPointSet(txmgrNs),
		)
		if !m.Relevant() {
			return nil
		}

		var err error
		changes, err = w.txStore.AddMempoolTransaction(txmgrNs, m)
		if err != nil {
			return err
		}

		// A conflicted or already mined transaction is not recorded
		// and must not mark its keys.
		if len(changes.Transactions) == 0 {
			return nil
		}

		return w.markUsed(addrmgrNs, m)
	})
	if err != nil {
		w.invalidateIndex()
		return wtxmgr.Changes{}, err
	}

	if !changes.Empty() {
		prometheusMempoolTxs.Inc()
		recordChanges(changes)
	}

	return changes, nil
}

// recordChanges updates the output counters from a ledger mutation.
func recordChanges(c wtxmgr.Changes) {
	prometheusOutputsCreated.Add(float64(len(c.Created)))
	prometheusOutputsConsumed.Add(float64(len(c.Consumed)))
}
