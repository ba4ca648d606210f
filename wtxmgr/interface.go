// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// TODO(yy): The TxStore methods still take walletdb buckets so that the
// wallet can combine ledger and key manager writes in one database
// transaction. Once the key manager owns its own transactions this should
// move to context-aware methods that open their own.
//
// TxStore is an interface that describes a transaction store.
type TxStore interface {
	// AddConfirmedTransactions applies the wallet transactions of a
	// block extending the ledger tip.
	AddConfirmedTransactions(ctx context.Context,
		ns walletdb.ReadWriteBucket, block *BlockMeta,
		matches []*elemindex.TxMatch) (Changes, error)

	// AddMempoolTransaction records an unconfirmed transaction.
	AddMempoolTransaction(ns walletdb.ReadWriteBucket,
		m *elemindex.TxMatch) (Changes, error)

	// AddOutgoingTransaction records a transaction the wallet built.
	AddOutgoingTransaction(ns walletdb.ReadWriteBucket, id uuid.UUID,
		proposal *Proposal, tx *txparser.Transaction) (Changes, error)

	// StartReorg disconnects every block above ancestor.
	StartReorg(ns walletdb.ReadWriteBucket, ancestor Block) (Changes,
		error)

	// FinalizeReorg ends a reorg once the ledger reached tip.
	FinalizeReorg(ns walletdb.ReadWriteBucket, tip Block) error

	// BlockHashes returns the ledger block hashes of a height range.
	BlockHashes(ns walletdb.ReadBucket, start, end int32) ([]*chainhash.Hash,
		error)

	// ReorgInProgress returns the ancestor of an unfinished reorg.
	ReorgInProgress(ns walletdb.ReadBucket) (fn.Option[Block], error)

	// Tip returns the last applied block.
	Tip(ns walletdb.ReadBucket) (fn.Option[Block], error)

	// WalletHeight returns the height of the ledger tip.
	WalletHeight(ns walletdb.ReadBucket) (int32, error)

	// Balance returns the balance of every wallet output.
	Balance(ns walletdb.ReadBucket) (Balance, error)

	// BalanceForOwner returns the balance of a nym.
	BalanceForOwner(ns walletdb.ReadBucket, owner string) (Balance, error)

	// BalanceForSubaccount returns the balance of a subaccount.
	BalanceForSubaccount(ns walletdb.ReadBucket,
		id waddrmgr.SubaccountID) (Balance, error)

	// BalanceForKey returns the balance of a single key.
	BalanceForKey(ns walletdb.ReadBucket,
		key waddrmgr.Key) (Balance, error)

	// Output returns the wallet output at op.
	Output(ns walletdb.ReadBucket, op wire.OutPoint) (*Output, error)

	// Outputs returns the wallet outputs in the given states.
	Outputs(ns walletdb.ReadBucket, states ...TxoState) ([]*Output, error)

	// OutputsForOwner returns the outputs of a nym.
	OutputsForOwner(ns walletdb.ReadBucket, owner string,
		states ...TxoState) ([]*Output, error)

	// OutputsForSubaccount returns the outputs of a subaccount.
	OutputsForSubaccount(ns walletdb.ReadBucket,
		id waddrmgr.SubaccountID, states ...TxoState) ([]*Output, error)

	// OutPointSet exposes wallet ownership of outpoints to matching.
	OutPointSet(ns walletdb.ReadBucket) elemindex.OutPointSet

	// UnspentOutputs returns every spendable output.
	UnspentOutputs(ns walletdb.ReadBucket) ([]*Output, error)

	// ReserveUTXO leases one output to a proposal.
	ReserveUTXO(ns walletdb.ReadWriteBucket, spender string, id uuid.UUID,
		policy SpendPolicy) (fn.Option[*Output], error)

	// CancelProposal releases the leases of a proposal.
	CancelProposal(ns walletdb.ReadWriteBucket, id uuid.UUID) error

	// ReleaseExpired deletes every lapsed lease.
	ReleaseExpired(ns walletdb.ReadWriteBucket) (int, error)

	// ListReservations returns the live leases.
	ListReservations(ns walletdb.ReadBucket) ([]ReservedOutput, error)

	// Proposal returns a proposal by id.
	Proposal(ns walletdb.ReadBucket, id uuid.UUID) (*Proposal, error)

	// TxDetails returns a recorded transaction.
	TxDetails(ns walletdb.ReadBucket,
		txid *chainhash.Hash) (*TxDetails, error)

	// Transactions returns every recorded transaction.
	Transactions(ns walletdb.ReadBucket) ([]*TxDetails, error)

	// TransactionsForOwner returns the transactions of a nym.
	TransactionsForOwner(ns walletdb.ReadBucket,
		owner string) ([]*TxDetails, error)

	// PutTxLabel labels a recorded transaction.
	PutTxLabel(ns walletdb.ReadWriteBucket, txid chainhash.Hash,
		label string) error

	// FetchTxLabel returns the label of a transaction.
	FetchTxLabel(ns walletdb.ReadBucket, txid chainhash.Hash) (string,
		error)

	// Prune deletes outputs spent deeper than depth.
	Prune(ns walletdb.ReadWriteBucket, depth int32) (int, error)
}
