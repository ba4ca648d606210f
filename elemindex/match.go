// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package elemindex

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
)

// OutputMatch is an output paying at least one wallet key.
type OutputMatch struct {
	Output txparser.Output
	Script *scriptclass.Script
	Keys   []waddrmgr.Key
}

// InputMatch is an input spending a wallet output or revealing a wallet
// key.
type InputMatch struct {
	// Index is the position of the input within its transaction.
	Index uint32

	PreviousOutPoint wire.OutPoint

	// Keys are the wallet keys revealed by the input scripts.
	Keys []waddrmgr.Key

	// Spends is true when the previous outpoint is in the caller's set of
	// wallet outputs.
	Spends bool
}

// TxMatch is the wallet-relevant part of a transaction.
type TxMatch struct {
	Tx     *txparser.Transaction
	TxHash chainhash.Hash

	Outputs []OutputMatch
	Inputs  []InputMatch
}

// Relevant reports whether anything in the transaction matched.
func (m *TxMatch) Relevant() bool {
	return len(m.Outputs) > 0 || len(m.Inputs) > 0
}

// Keys returns every key touched by the transaction without duplicates.
func (m *TxMatch) Keys() []waddrmgr.Key {
	var keys []waddrmgr.Key
	seen := make(map[waddrmgr.Key]struct{})

	add := func(ks []waddrmgr.Key) {
		for _, k := range ks {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	for _, out := range m.Outputs {
		add(out.Keys)
	}
	for _, in := range m.Inputs {
		add(in.Keys)
	}

	return keys
}

// OutPointSet answers whether an outpoint belongs to the wallet.
type OutPointSet interface {
	Contains(op wire.OutPoint) bool
}

// OutPoints is an OutPointSet backed by a map.
type OutPoints map[wire.OutPoint]struct{}

// Contains reports whether op is in the set.
func (o OutPoints) Contains(op wire.OutPoint) bool {
	_, ok := o[op]
	return ok
}

// MatchOutput classifies script as an output and returns the wallet keys
// it pays.
func (i *Index) MatchOutput(script []byte) (*scriptclass.Script,
	[]waddrmgr.Key) {

	s := scriptclass.Classify(script, scriptclass.PositionOutput)

	return s, i.lookupAll(s.Elements())
}

// MatchTransaction returns the outputs of tx paying wallet keys and the
// inputs that either spend an outpoint in spent or reveal a wallet key.
// spent may be nil. The result only depends on tx, the index contents and
// spent.
func (i *Index) MatchTransaction(tx *txparser.Transaction,
	spent OutPointSet) *TxMatch {

	m := &TxMatch{Tx: tx, TxHash: tx.TxHash()}

	if !tx.IsCoinBase() {
		for idx, in := range tx.Inputs {
			keys := i.lookupAll(scriptclass.InputElements(
				in.SignatureScript, in.Witness,
			))
			spends := spent != nil &&
				spent.Contains(in.PreviousOutPoint)

			if len(keys) == 0 && !spends {
				continue
			}

			m.Inputs = append(m.Inputs, InputMatch{
				//nolint:gosec
				Index:            uint32(idx),
				PreviousOutPoint: in.PreviousOutPoint,
				Keys:             keys,
				Spends:           spends,
			})
		}
	}

	for _, out := range tx.Outputs {
		s, keys := i.MatchOutput(out.PkScript)
		if len(keys) == 0 {
			continue
		}

		m.Outputs = append(m.Outputs, OutputMatch{
			Output: out,
			Script: s,
			Keys:   keys,
		})
	}

	if m.Relevant() {
		log.Tracef("Transaction %v matched %d outputs and %d inputs",
			m.TxHash, len(m.Outputs), len(m.Inputs))
	}

	return m
}
