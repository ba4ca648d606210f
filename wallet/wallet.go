// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties the key manager and the output ledger together. A
// Wallet matches blocks and unconfirmed transactions against the watched
// keys of every subaccount, applies them to the ledger, and coordinates
// reorgs with a chain source.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/elemindex"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"
)

var (
	// waddrmgrNamespaceKey is the namespace key that the waddrmgr package
	// uses to store its data.
	waddrmgrNamespaceKey = []byte("waddrmgr")

	// wtxmgrNamespaceKey is the namespace key that the wtxmgr package uses
	// to store its data.
	wtxmgrNamespaceKey = []byte("wtxmgr")
)

// Wallet is the explicit context shared by every wallet operation. It owns
// no global state: several wallets may run in one process.
type Wallet struct {
	cfg Config

	db        walletdb.DB
	addrStore *waddrmgr.Manager
	txStore   *wtxmgr.Store

	// indexMu guards idx. The index is rebuilt from the key manager when
	// stale is set.
	indexMu sync.Mutex
	idx     *elemindex.Index
	stale   bool

	state walletState

	// queue feeds blocks to the writer goroutine started by Start.
	queue *BlockQueue

	// sweepTicker drives the reservation sweeper.
	sweepTicker ticker.Ticker

	// newRetryTicker paces reorg retries.
	newRetryTicker func() ticker.Ticker

	// lifetimeCtx is canceled by Stop.
	lifetimeCtx context.Context
	cancel      context.CancelFunc
	group       *errgroup.Group
}

// Create initializes the key manager and ledger namespaces of a new wallet
// database. Creating over an existing wallet is a no-op.
func Create(db walletdb.DB) error {
	return walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		addrmgrNs, err := tx.CreateTopLevelBucket(waddrmgrNamespaceKey)
		if err != nil {
			return err
		}
		txmgrNs, err := tx.CreateTopLevelBucket(wtxmgrNamespaceKey)
		if err != nil {
			return err
		}

		if err := waddrmgr.Create(addrmgrNs); err != nil {
			return fmt.Errorf("create key manager: %w", err)
		}
		if err := wtxmgr.Create(txmgrNs); err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}

		return nil
	})
}

// Open loads an existing wallet from cfg.DB.
func Open(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	initPrometheusMetrics()

	w := &Wallet{
		cfg:         cfg,
		db:          cfg.DB,
		stale:       true,
		sweepTicker: ticker.New(cfg.SweepInterval),
		newRetryTicker: func() ticker.Ticker {
			return ticker.New(cfg.ReorgRetryInterval)
		},
	}

	err := walletdb.View(cfg.DB, func(tx walletdb.ReadTx) error {
		addrmgrNs := tx.ReadBucket(waddrmgrNamespaceKey)
		txmgrNs := tx.ReadBucket(wtxmgrNamespaceKey)
		if addrmgrNs == nil || txmgrNs == nil {
			return fmt.Errorf("%w: wallet namespaces missing",
				ErrInvalidConfig)
		}

		var err error
		w.addrStore, err = waddrmgr.Open(addrmgrNs, cfg.ChainParams)
		if err != nil {
			return fmt.Errorf("open key manager: %w", err)
		}

		w.txStore, err = wtxmgr.Open(
			txmgrNs, cfg.ChainParams, w.addrStore,
			wtxmgr.WithClock(cfg.Clock),
			wtxmgr.WithReservationTimeout(cfg.ReservationTimeout),
		)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}

		height, err := w.txStore.WalletHeight(txmgrNs)
		if err != nil {
			return err
		}
		prometheusTipHeight.Set(float64(height))

		return nil
	})
	if err != nil {
		return nil, err
	}

	w.queue = newBlockQueue(w, cfg.QueueSize)

	log.Infof("Opened wallet on %s with %d subaccounts",
		cfg.ChainParams.Name, len(w.addrStore.Subaccounts()))

	return w, nil
}

// KeyManager returns the key manager of the wallet.
func (w *Wallet) KeyManager() *waddrmgr.Manager {
	return w.addrStore
}

// index returns the element index, rebuilding it when it is stale. The
// caller must hold indexMu.
func (w *Wallet) index() *elemindex.Index {
	if w.stale || w.idx == nil {
		w.idx = elemindex.New(w.addrStore.AllElements())
		w.stale = false
	}

	return w.idx
}

// invalidateIndex marks the element index for a rebuild.
func (w *Wallet) invalidateIndex() {
	w.indexMu.Lock()
	w.stale = true
	w.indexMu.Unlock()
}

// invalidateOnCommit rebuilds the index once tx commits. Key manager changes
// only reach its in-memory windows on commit.
func (w *Wallet) invalidateOnCommit(tx walletdb.ReadWriteTx) {
	tx.OnCommit(w.invalidateIndex)
}

// update runs f in a read-write transaction over both namespaces.
func (w *Wallet) update(f func(tx walletdb.ReadWriteTx, addrmgrNs,
	txmgrNs walletdb.ReadWriteBucket) error) error {

	return walletdb.Update(w.db, func(tx walletdb.ReadWriteTx) error {
		return f(
			tx, tx.ReadWriteBucket(waddrmgrNamespaceKey),
			tx.ReadWriteBucket(wtxmgrNamespaceKey),
		)
	})
}

// view runs f in a read-only transaction over the ledger namespace.
func (w *Wallet) view(f func(txmgrNs walletdb.ReadBucket) error) error {
	return walletdb.View(w.db, func(tx walletdb.ReadTx) error {
		return f(tx.ReadBucket(wtxmgrNamespaceKey))
	})
}

// AddHD adds an HD subaccount for the account level key xkey.
func (w *Wallet) AddHD(owner, name string,
	xkey *hdkeychain.ExtendedKey) (waddrmgr.SubaccountID, error) {

	var id waddrmgr.SubaccountID
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		id, err = w.addrStore.AddHD(
			addrmgrNs, owner, name, xkey, w.cfg.Lookahead,
		)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})

	return id, err
}

// AddPaymentCode adds a payment code channel between the private account key
// local and the remote code.
func (w *Wallet) AddPaymentCode(owner string, local *hdkeychain.ExtendedKey,
	remote *waddrmgr.PaymentCode) (waddrmgr.SubaccountID, error) {

	var id waddrmgr.SubaccountID
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		id, err = w.addrStore.AddPaymentCode(
			addrmgrNs, owner, local, remote, w.cfg.Lookahead,
		)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})

	return id, err
}

// AddNotification watches the notification key of code.
func (w *Wallet) AddNotification(owner string,
	code *waddrmgr.PaymentCode) (waddrmgr.SubaccountID, error) {

	var id waddrmgr.SubaccountID
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		id, err = w.addrStore.AddNotification(addrmgrNs, owner, code)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})

	return id, err
}

// AddImported adds an empty imported subaccount.
func (w *Wallet) AddImported(owner,
	name string) (waddrmgr.SubaccountID, error) {

	var id waddrmgr.SubaccountID
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		id, err = w.addrStore.AddImported(addrmgrNs, owner, name)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})

	return id, err
}

// ImportKey adds pub to the imported subaccount id.
func (w *Wallet) ImportKey(id waddrmgr.SubaccountID,
	pub *btcec.PublicKey) (waddrmgr.Key, error) {

	var key waddrmgr.Key
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		key, err = w.addrStore.ImportKey(addrmgrNs, id, pub)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})

	return key, err
}

// NewAddress allocates the next key of a subchain and returns its element.
func (w *Wallet) NewAddress(id waddrmgr.SubaccountID,
	sc waddrmgr.Subchain) (*waddrmgr.Element, error) {

	var index uint32
	err := w.update(func(tx walletdb.ReadWriteTx, addrmgrNs,
		_ walletdb.ReadWriteBucket) error {

		var err error
		index, err = w.addrStore.GenerateNext(addrmgrNs, id, sc)
		if err != nil {
			return err
		}
		w.invalidateOnCommit(tx)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return w.addrStore.BalanceElement(waddrmgr.Key{
		Subaccount: id, Subchain: sc, Index: index,
	})
}

// Balance returns the balance of the whole wallet.
func (w *Wallet) Balance() (wtxmgr.Balance, error) {
	var bal wtxmgr.Balance
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		bal, err = w.txStore.Balance(ns)
		return err
	})

	return bal, err
}

// BalanceForOwner returns the balance of the subaccounts of a nym.
func (w *Wallet) BalanceForOwner(owner string) (wtxmgr.Balance, error) {
	var bal wtxmgr.Balance
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		bal, err = w.txStore.BalanceForOwner(ns, owner)
		return err
	})

	return bal, err
}

// BalanceForSubaccount returns the balance of one subaccount.
func (w *Wallet) BalanceForSubaccount(
	id waddrmgr.SubaccountID) (wtxmgr.Balance, error) {

	var bal wtxmgr.Balance
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		bal, err = w.txStore.BalanceForSubaccount(ns, id)
		return err
	})

	return bal, err
}

// Outputs returns the wallet outputs in any of states, or every output when
// none is given.
func (w *Wallet) Outputs(states ...wtxmgr.TxoState) ([]*wtxmgr.Output,
	error) {

	var outs []*wtxmgr.Output
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		outs, err = w.txStore.Outputs(ns, states...)
		return err
	})

	return outs, err
}

// Transactions returns the transactions of a nym, or of the whole wallet
// when owner is empty.
func (w *Wallet) Transactions(owner string) ([]*wtxmgr.TxDetails, error) {
	var txs []*wtxmgr.TxDetails
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		if owner == "" {
			txs, err = w.txStore.Transactions(ns)
		} else {
			txs, err = w.txStore.TransactionsForOwner(ns, owner)
		}

		return err
	})

	return txs, err
}

// WalletHeight returns the height of the ledger tip, or -1 before the first
// block.
func (w *Wallet) WalletHeight() (int32, error) {
	var height int32
	err := w.view(func(ns walletdb.ReadBucket) error {
		var err error
		height, err = w.txStore.WalletHeight(ns)
		return err
	})

	return height, err
}

// LabelTransaction sets the label of a recorded transaction.
func (w *Wallet) LabelTransaction(txid chainhash.Hash, label string) error {
	return w.update(func(_ walletdb.ReadWriteTx, _,
		txmgrNs walletdb.ReadWriteBucket) error {

		return w.txStore.PutTxLabel(txmgrNs, txid, label)
	})
}
