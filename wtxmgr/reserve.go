// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ReservedOutput is an output leased to a proposal.
type ReservedOutput struct {
	OutPoint   wire.OutPoint
	Proposal   uuid.UUID
	Expiration time.Time
}

// ReserveUTXO selects one output for the proposal id and leases it until
// the reservation timeout. Only unspent outputs of spender (any owner when
// spender is empty) that satisfy policy and carry no live lease are
// considered. Among them, the smallest output covering policy.Target wins,
// otherwise the largest. Ties go to the lowest outpoint. None is returned
// when nothing qualifies.
//
// Selection and lease happen in the caller's write transaction, so two
// proposals never receive the same output.
func (s *Store) ReserveUTXO(ns walletdb.ReadWriteBucket, spender string,
	id uuid.UUID, policy SpendPolicy) (fn.Option[*Output], error) {

	now := s.clock.Now()

	p, err := fetchProposal(ns, id)
	if err != nil {
		return fn.None[*Output](), err
	}
	switch {
	case p == nil:
		p = &Proposal{
			Spender: spender,
			Created: now,
			TxID:    fn.None[chainhash.Hash](),
		}

	case p.TxID.IsSome():
		return fn.None[*Output](), storeError(ErrProposalConflict,
			fmt.Sprintf("proposal %v already broadcast", id), nil)
	}

	tip, err := s.WalletHeight(ns)
	if err != nil {
		return fn.None[*Output](), err
	}

	var best *Output
	err = forEachOutput(ns, func(o *Output) error {
		ok, err := s.selectable(ns, o, spender, policy, tip, now)
		if err != nil || !ok {
			return err
		}

		if preferred(o, best, policy.Target) {
			best = o
		}

		return nil
	})
	if err != nil {
		return fn.None[*Output](), err
	}
	if best == nil {
		log.Debugf("No output satisfies proposal %v (target %v, "+
			"min confs %d)", id, policy.Target, policy.MinConfs)

		return fn.None[*Output](), nil
	}

	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = s.reservationTimeout
	}

	err = putReservation(ns, best.OutPoint, reservation{
		proposal: id,
		expiry:   now.Add(timeout),
	})
	if err != nil {
		return fn.None[*Output](), err
	}

	p.Inputs = append(p.Inputs, best.OutPoint)
	if err := putProposal(ns, id, p); err != nil {
		return fn.None[*Output](), err
	}

	log.Debugf("Reserved %v worth %v for proposal %v", best.OutPoint,
		best.Value, id)

	return fn.Some(best), nil
}

// selectable reports whether o may be handed to a proposal.
func (s *Store) selectable(ns walletdb.ReadBucket, o *Output, spender string,
	policy SpendPolicy, tip int32, now time.Time) (bool, error) {

	switch o.State {
	case ConfirmedNew:
		if o.Confirmations(tip) < policy.MinConfs {
			return false, nil
		}

	case UnconfirmedNew:
		if policy.MinConfs > 0 {
			return false, nil
		}

	default:
		return false, nil
	}

	if spender != "" && o.Owner != spender {
		return false, nil
	}

	var inSubaccount = true
	policy.Subaccount.WhenSome(func(id waddrmgr.SubaccountID) {
		inSubaccount = outputQuery{
			kind: querySubaccount, subaccount: id,
		}.matches(o)
	})
	if !inSubaccount {
		return false, nil
	}

	txOut := wire.NewTxOut(int64(o.Value), o.PkScript)
	if txrules.IsDustOutput(txOut, policy.RelayFee.Amount()) {
		return false, nil
	}

	lease, err := fetchReservation(ns, o.OutPoint)
	if err != nil {
		return false, err
	}
	leased := false
	lease.WhenSome(func(r reservation) {
		leased = now.Before(r.expiry)
	})

	return !leased, nil
}

// preferred reports whether o is a better pick than best for target.
func preferred(o, best *Output, target btcutil.Amount) bool {
	if best == nil {
		return true
	}

	oCovers, bestCovers := o.Value >= target, best.Value >= target
	switch {
	case oCovers != bestCovers:
		return oCovers

	case oCovers:
		return o.Value < best.Value

	default:
		return o.Value > best.Value
	}
}

// Proposal returns the proposal with the given id, or nil.
func (s *Store) Proposal(ns walletdb.ReadBucket,
	id uuid.UUID) (*Proposal, error) {

	return fetchProposal(ns, id)
}

// CancelProposal releases every output leased to the proposal. The record
// of a proposal that was never broadcast is deleted.
func (s *Store) CancelProposal(ns walletdb.ReadWriteBucket,
	id uuid.UUID) error {

	p, err := fetchProposal(ns, id)
	if err != nil {
		return err
	}
	if p == nil {
		return storeError(ErrUnknownProposal, fmt.Sprintf("proposal "+
			"%v", id), nil)
	}

	if err := s.releaseLeases(ns, id, p.Inputs); err != nil {
		return err
	}

	if p.TxID.IsSome() {
		p.Inputs = nil
		return putProposal(ns, id, p)
	}

	log.Debugf("Cancelled proposal %v", id)

	return deleteProposal(ns, id)
}

// releaseLeases deletes the leases id holds on ops.
func (s *Store) releaseLeases(ns walletdb.ReadWriteBucket, id uuid.UUID,
	ops []wire.OutPoint) error {

	for _, op := range ops {
		lease, err := fetchReservation(ns, op)
		if err != nil {
			return err
		}

		ours := false
		lease.WhenSome(func(r reservation) {
			ours = r.proposal == id
		})
		if !ours {
			continue
		}

		if err := deleteReservation(ns, op); err != nil {
			return err
		}
	}

	return nil
}

// ReleaseExpired deletes every lapsed lease and drops the released outputs
// from their proposals. It returns the number of leases released.
func (s *Store) ReleaseExpired(ns walletdb.ReadWriteBucket) (int, error) {
	now := s.clock.Now()

	// Collect all expired leases first to remove them later on. This is
	// necessary as deleting while iterating would invalidate the
	// iterator.
	expired := make(map[uuid.UUID][]wire.OutPoint)
	count := 0
	err := forEachReservation(ns, func(op wire.OutPoint,
		r reservation) error {

		if now.Before(r.expiry) {
			return nil
		}
		expired[r.proposal] = append(expired[r.proposal], op)
		count++

		return nil
	})
	if err != nil {
		return 0, err
	}

	for id, ops := range expired {
		for _, op := range ops {
			if err := deleteReservation(ns, op); err != nil {
				return 0, err
			}
		}

		if err := s.dropInputs(ns, id, ops); err != nil {
			return 0, err
		}

		log.Debugf("Released %d expired reservations of proposal %v",
			len(ops), id)
	}

	return count, nil
}

// dropInputs removes ops from the inputs of proposal id. An unbroadcast
// proposal left without inputs is deleted.
func (s *Store) dropInputs(ns walletdb.ReadWriteBucket, id uuid.UUID,
	ops []wire.OutPoint) error {

	p, err := fetchProposal(ns, id)
	if err != nil || p == nil {
		return err
	}

	drop := make(map[wire.OutPoint]struct{}, len(ops))
	for _, op := range ops {
		drop[op] = struct{}{}
	}

	inputs := p.Inputs[:0]
	for _, op := range p.Inputs {
		if _, ok := drop[op]; !ok {
			inputs = append(inputs, op)
		}
	}
	p.Inputs = inputs

	if len(p.Inputs) == 0 && p.TxID.IsNone() {
		return deleteProposal(ns, id)
	}

	return putProposal(ns, id, p)
}

// ListReservations returns the live leases.
func (s *Store) ListReservations(ns walletdb.ReadBucket) ([]ReservedOutput,
	error) {

	now := s.clock.Now()

	var leases []ReservedOutput
	err := forEachReservation(ns, func(op wire.OutPoint,
		r reservation) error {

		// Skip expired leases. They will be cleaned up with the next
		// call to ReleaseExpired.
		if !now.Before(r.expiry) {
			return nil
		}

		leases = append(leases, ReservedOutput{
			OutPoint:   op,
			Proposal:   r.proposal,
			Expiration: r.expiry,
		})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return leases, nil
}

// AddOutgoingTransaction records the transaction built for proposal id as
// unconfirmed. proposal supplies the change outputs and payee; it may be nil
// when the proposal was created by ReserveUTXO and needs no update. The
// outputs the transaction spends lose their leases. Adding the same
// transaction twice is a no-op; binding a different one to a broadcast
// proposal fails with ErrProposalConflict.
func (s *Store) AddOutgoingTransaction(ns walletdb.ReadWriteBucket,
	id uuid.UUID, proposal *Proposal,
	tx *txparser.Transaction) (Changes, error) {

	txid := tx.TxHash()

	p, err := fetchProposal(ns, id)
	if err != nil {
		return Changes{}, err
	}
	switch {
	case p == nil && proposal == nil:
		return Changes{}, storeError(ErrUnknownProposal, fmt.Sprintf(
			"proposal %v", id), nil)

	case p == nil:
		cp := *proposal
		p = &cp
		if p.Created.IsZero() {
			p.Created = s.clock.Now()
		}
		p.TxID = fn.None[chainhash.Hash]()

	case proposal != nil:
		p.Payee = proposal.Payee
		p.Change = proposal.Change
	}

	if p.TxID.IsSome() {
		broadcast := p.TxID.UnwrapOr(chainhash.Hash{})
		if broadcast == txid {
			return Changes{}, nil
		}

		return Changes{}, storeError(ErrProposalConflict, fmt.Sprintf(
			"proposal %v already bound to %v", id, broadcast), nil)
	}

	m := &elemindex.TxMatch{Tx: tx, TxHash: txid}
	for _, c := range p.Change {
		if int(c.Index) >= len(tx.Outputs) {
			return Changes{}, storeError(ErrInput, fmt.Sprintf(
				"change index %d out of range", c.Index), nil)
		}

		out := tx.Outputs[c.Index]
		m.Outputs = append(m.Outputs, elemindex.OutputMatch{
			Output: out,
			Script: scriptclass.Classify(
				out.PkScript, scriptclass.PositionOutput,
			),
			Keys: []waddrmgr.Key{c.Key},
		})
	}

	changes, _, err := s.insertTx(ns, m, fn.None[BlockMeta](), insertOpts{
		tags:     TagOutgoing,
		payee:    p.Payee,
		proposal: id[:],
	})
	if err != nil {
		return Changes{}, err
	}

	if err := s.releaseLeases(ns, id, p.Inputs); err != nil {
		return Changes{}, err
	}

	p.TxID = fn.Some(txid)
	if err := putProposal(ns, id, p); err != nil {
		return Changes{}, err
	}

	log.Infof("Recorded outgoing transaction %v for proposal %v", txid, id)

	return changes, bumpToken(ns)
}
