// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"bytes"
	"errors"
	"sort"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/waddrmgr"
)

// queryKind selects which outputs a query covers.
type queryKind uint8

const (
	queryAll queryKind = iota
	queryOwner
	querySubaccount
	queryKey
)

// outputQuery is a comparable description of an output filter, so it can key
// the balance cache.
type outputQuery struct {
	kind       queryKind
	owner      string
	subaccount waddrmgr.SubaccountID
	key        waddrmgr.Key
}

func (q outputQuery) matches(o *Output) bool {
	switch q.kind {
	case queryOwner:
		return o.Owner == q.owner

	case querySubaccount:
		for _, k := range o.Keys {
			if k.Subaccount == q.subaccount {
				return true
			}
		}

		return false

	case queryKey:
		for _, k := range o.Keys {
			if k == q.key {
				return true
			}
		}

		return false

	default:
		return true
	}
}

// Balance returns the balance of every wallet output.
func (s *Store) Balance(ns walletdb.ReadBucket) (Balance, error) {
	return s.balance(ns, outputQuery{kind: queryAll})
}

// BalanceForOwner returns the balance of the outputs owned by a nym.
func (s *Store) BalanceForOwner(ns walletdb.ReadBucket,
	owner string) (Balance, error) {

	return s.balance(ns, outputQuery{kind: queryOwner, owner: owner})
}

// BalanceForSubaccount returns the balance of the outputs paying keys of a
// subaccount.
func (s *Store) BalanceForSubaccount(ns walletdb.ReadBucket,
	id waddrmgr.SubaccountID) (Balance, error) {

	return s.balance(ns, outputQuery{kind: querySubaccount, subaccount: id})
}

// BalanceForKey returns the balance of the outputs paying a single key.
func (s *Store) BalanceForKey(ns walletdb.ReadBucket,
	key waddrmgr.Key) (Balance, error) {

	return s.balance(ns, outputQuery{kind: queryKey, key: key})
}

// balance returns the cached balance for q when it was computed under the
// current mutation token, and recomputes it otherwise. The token is read in
// the caller's database transaction, so a balance is never served across a
// ledger mutation.
func (s *Store) balance(ns walletdb.ReadBucket,
	q outputQuery) (Balance, error) {

	token := fetchToken(ns)

	s.cacheMu.Lock()
	if s.cacheToken == token {
		if b, ok := s.cache[q]; ok {
			s.cacheMu.Unlock()
			return b, nil
		}
	}
	s.cacheMu.Unlock()

	var b Balance
	err := forEachOutput(ns, func(o *Output) error {
		if !q.matches(o) {
			return nil
		}

		// An output with a pending spend counts toward neither part,
		// the change of the spending transaction stands in for it.
		switch o.State {
		case ConfirmedNew:
			b.Confirmed += o.Value

		case UnconfirmedNew:
			b.Unconfirmed += o.Value
		}

		return nil
	})
	if err != nil {
		return Balance{}, err
	}

	s.cacheMu.Lock()
	if s.cacheToken != token {
		s.cache = make(map[outputQuery]Balance)
		s.cacheToken = token
	}
	s.cache[q] = b
	s.cacheMu.Unlock()

	return b, nil
}

// Output returns the wallet output at op, or nil.
func (s *Store) Output(ns walletdb.ReadBucket,
	op wire.OutPoint) (*Output, error) {

	return fetchOutput(ns, op)
}

// Outputs returns the wallet outputs in the given states, in outpoint order.
// With no states, every output is returned.
func (s *Store) Outputs(ns walletdb.ReadBucket,
	states ...TxoState) ([]*Output, error) {

	return s.outputs(ns, outputQuery{kind: queryAll}, states)
}

// OutputsForOwner returns the outputs of a nym in the given states.
func (s *Store) OutputsForOwner(ns walletdb.ReadBucket, owner string,
	states ...TxoState) ([]*Output, error) {

	return s.outputs(ns, outputQuery{kind: queryOwner, owner: owner}, states)
}

// OutputsForSubaccount returns the outputs of a subaccount in the given
// states.
func (s *Store) OutputsForSubaccount(ns walletdb.ReadBucket,
	id waddrmgr.SubaccountID, states ...TxoState) ([]*Output, error) {

	return s.outputs(
		ns, outputQuery{kind: querySubaccount, subaccount: id}, states,
	)
}

// UnspentOutputs returns every spendable output, confirmed or not.
func (s *Store) UnspentOutputs(ns walletdb.ReadBucket) ([]*Output, error) {
	return s.Outputs(ns, ConfirmedNew, UnconfirmedNew)
}

func (s *Store) outputs(ns walletdb.ReadBucket, q outputQuery,
	states []TxoState) ([]*Output, error) {

	var outs []*Output
	err := forEachOutput(ns, func(o *Output) error {
		if !q.matches(o) || !hasState(states, o.State) {
			return nil
		}
		outs = append(outs, o)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return outs, nil
}

func hasState(states []TxoState, s TxoState) bool {
	if len(states) == 0 {
		return true
	}

	for _, st := range states {
		if st == s {
			return true
		}
	}

	return false
}

// Transactions returns every recorded transaction, mined ones first by
// height, then unconfirmed ones by the time they were first seen.
func (s *Store) Transactions(ns walletdb.ReadBucket) ([]*TxDetails, error) {
	return s.transactions(ns, func(*txRecord) bool { return true })
}

// TransactionsForOwner returns the transactions that touched a nym.
func (s *Store) TransactionsForOwner(ns walletdb.ReadBucket,
	owner string) ([]*TxDetails, error) {

	return s.transactions(ns, func(r *txRecord) bool {
		for _, o := range r.Owners {
			if o == owner {
				return true
			}
		}

		return false
	})
}

func (s *Store) transactions(ns walletdb.ReadBucket,
	include func(*txRecord) bool) ([]*TxDetails, error) {

	var txs []*TxDetails
	err := forEachTx(ns, func(r *txRecord) error {
		if !include(r) {
			return nil
		}

		d, err := s.details(ns, r)
		if err != nil {
			return err
		}
		txs = append(txs, d)

		return nil
	})
	if err != nil {
		return nil, err
	}

	height := func(d *TxDetails) int32 {
		h := int32(1<<31 - 1)
		d.Block.WhenSome(func(b Block) {
			h = b.Height
		})

		return h
	}

	sort.SliceStable(txs, func(i, j int) bool {
		hi, hj := height(txs[i]), height(txs[j])
		if hi != hj {
			return hi < hj
		}
		if !txs[i].Received.Equal(txs[j].Received) {
			return txs[i].Received.Before(txs[j].Received)
		}

		return bytes.Compare(txs[i].Hash[:], txs[j].Hash[:]) < 0
	})

	return txs, nil
}

func (s *Store) details(ns walletdb.ReadBucket,
	r *txRecord) (*TxDetails, error) {

	d := &TxDetails{
		Hash:       r.hash(),
		Raw:        r.Raw,
		Block:      r.mined(),
		Received:   time.Unix(r.Time, 0),
		Owners:     r.Owners,
		Keys:       keysFromRecord(r.Keys),
		Conflicted: r.Conflicted,
	}

	label, err := s.FetchTxLabel(ns, d.Hash)
	switch {
	case err == nil:
		d.Label = label

	case !errors.Is(err, ErrTxLabelNotFound):
		return nil, err
	}

	return d, nil
}
