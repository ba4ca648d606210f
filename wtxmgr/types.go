// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Block contains the minimum amount of data to uniquely identify any block on
// either the best or side chain.
type Block = waddrmgr.BlockStamp

// BlockMeta contains the unique identification for a block and any metadata
// pertaining to the block. PrevHash links the block to the ledger tip.
type BlockMeta struct {
	Block
	PrevHash chainhash.Hash
	Time     time.Time
}

// KeySource describes the subaccounts keys belong to. waddrmgr.Manager
// satisfies it.
type KeySource interface {
	Subaccount(id waddrmgr.SubaccountID) (waddrmgr.SubaccountInfo, error)
}

// Output is the ledger view of a wallet output.
type Output struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Pattern  scriptclass.Pattern

	State TxoState
	Tags  TxoTag

	// Coinbase is set for outputs of generation transactions.
	Coinbase bool

	// Keys are the wallet keys the script pays.
	Keys []waddrmgr.Key

	// Owner is the nym of the subaccount of the first key.
	Owner string

	// Payee is the contact the funds were sent to, and Payer the contact
	// they came from, when known.
	Payee string
	Payer string

	// Mined is the block of the creating transaction.
	Mined fn.Option[Block]

	// SpentBy is the input that spends the output.
	SpentBy fn.Option[wire.OutPoint]
}

// Confirmations returns how many blocks deep the output is at tip, or zero
// while it is unmined.
func (o *Output) Confirmations(tip int32) int32 {
	var confs int32
	o.Mined.WhenSome(func(b Block) {
		if tip >= b.Height {
			confs = tip - b.Height + 1
		}
	})

	return confs
}

// Balance is the partition of a set of outputs by confirmation.
type Balance struct {
	// Confirmed is the value of mined outputs that are spendable or
	// spent by an unconfirmed transaction.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of unmined outputs nothing spends.
	Unconfirmed btcutil.Amount
}

// Total returns the sum of both parts.
func (b Balance) Total() btcutil.Amount {
	return b.Confirmed + b.Unconfirmed
}

// TxKeys names a transaction and the wallet keys it touched.
type TxKeys struct {
	Hash chainhash.Hash
	Keys []waddrmgr.Key
}

// Changes lists the outputs a mutation touched.
type Changes struct {
	// Created are outputs added to the ledger.
	Created []wire.OutPoint

	// Confirmed are existing outputs that became confirmed or mature.
	Confirmed []wire.OutPoint

	// Consumed are wallet outputs spent by the applied transactions.
	Consumed []wire.OutPoint

	// Transactions are the txids recorded by the mutation.
	Transactions []chainhash.Hash

	// Released are transactions that were orphaned or lost a double
	// spend. The keys they touched are no longer used by them.
	Released []TxKeys
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.Created) == 0 && len(c.Confirmed) == 0 &&
		len(c.Consumed) == 0 && len(c.Transactions) == 0 &&
		len(c.Released) == 0
}

func (c *Changes) merge(o Changes) {
	c.Created = append(c.Created, o.Created...)
	c.Confirmed = append(c.Confirmed, o.Confirmed...)
	c.Consumed = append(c.Consumed, o.Consumed...)
	c.Transactions = append(c.Transactions, o.Transactions...)
	c.Released = append(c.Released, o.Released...)
}

// SpendPolicy selects which output ReserveUTXO hands out.
type SpendPolicy struct {
	// MinConfs is the confirmation depth required. Zero admits
	// unconfirmed outputs.
	MinConfs int32

	// Target is the amount the caller still needs. The smallest output
	// covering it is preferred, otherwise the largest available.
	Target btcutil.Amount

	// RelayFee is used to reject dust outputs.
	RelayFee btcunit.SatPerKVByte

	// Subaccount restricts selection to one subaccount.
	Subaccount fn.Option[waddrmgr.SubaccountID]

	// Timeout overrides the store's reservation timeout.
	Timeout time.Duration
}

// ChangeOutput binds an output of an outgoing transaction to the wallet key
// it pays.
type ChangeOutput struct {
	Index uint32
	Key   waddrmgr.Key
}

// Proposal describes a transaction the wallet is building.
type Proposal struct {
	// Spender is the nym funding the proposal.
	Spender string

	// Payee is the contact being paid, if any.
	Payee string

	// Change lists outputs paying wallet keys.
	Change []ChangeOutput

	// Inputs are the outputs reserved for the proposal.
	Inputs []wire.OutPoint

	Created time.Time

	// TxID is set once the proposal has been broadcast.
	TxID fn.Option[chainhash.Hash]
}

// TxDetails is a recorded transaction along with its ledger metadata.
type TxDetails struct {
	Hash chainhash.Hash
	Raw  []byte

	// Block is the mined position. It is None while unconfirmed.
	Block fn.Option[Block]

	Received   time.Time
	Owners     []string
	Keys       []waddrmgr.Key
	Conflicted bool

	// Label is the user label, or empty.
	Label string
}
