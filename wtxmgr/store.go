// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wtxmgr is the wallet's output ledger. It records the transactions
// that pay or spend wallet keys, tracks every wallet output through its
// lifecycle states, and answers balance and coin selection queries.
//
// All methods take the walletdb bucket of the store's namespace so that the
// caller can combine ledger updates with other wallet writes in a single
// database transaction.
package wtxmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DefaultReservationTimeout is how long a reserved output stays unavailable
// to other proposals.
const DefaultReservationTimeout = 10 * time.Minute

// Store implements a transaction store for storing and managing wallet
// transactions.
type Store struct {
	ChainParams *chaincfg.Params

	keys KeySource

	// clock is used to determine when reservations have expired.
	clock clock.Clock

	reservationTimeout time.Duration

	// cache holds balances computed under cacheToken. A query under any
	// other token recomputes.
	cacheMu    sync.Mutex
	cacheToken uuid.UUID
	cache      map[outputQuery]Balance
}

// A compile-time assertion to ensure that Store implements the TxStore
// interface.
var _ TxStore = (*Store)(nil)

// StoreOption configures Open.
type StoreOption func(*Store)

// WithClock replaces the wall clock used for reservation expiry.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		s.clock = c
	}
}

// WithReservationTimeout sets the default reservation lease.
func WithReservationTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.reservationTimeout = d
		}
	}
}

// Open opens the wallet transaction store from a walletdb namespace. keys
// resolves the subaccount of every matched key.
func Open(ns walletdb.ReadBucket, chainParams *chaincfg.Params,
	keys KeySource, opts ...StoreOption) (*Store, error) {

	if err := openStore(ns); err != nil {
		return nil, err
	}

	s := &Store{
		ChainParams:        chainParams,
		keys:               keys,
		clock:              clock.NewDefaultClock(),
		reservationTimeout: DefaultReservationTimeout,
		cache:              make(map[outputQuery]Balance),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Create creates a new persistent transaction store in the walletdb
// namespace. Creating the store when one already exists is a no-op.
func Create(ns walletdb.ReadWriteBucket) error {
	return createStore(ns)
}

// Tip returns the last block applied to the ledger.
func (s *Store) Tip(ns walletdb.ReadBucket) (fn.Option[Block], error) {
	return fetchTip(ns)
}

// WalletHeight returns the height of the ledger tip, or -1 before the first
// block.
func (s *Store) WalletHeight(ns walletdb.ReadBucket) (int32, error) {
	tip, err := fetchTip(ns)
	if err != nil {
		return 0, err
	}

	height := int32(-1)
	tip.WhenSome(func(b Block) {
		height = b.Height
	})

	return height, nil
}

// keyInfo is what the ledger derives from the subaccounts of a set of keys.
type keyInfo struct {
	owner  string
	payer  string
	tags   TxoTag
	owners []string

	// balance is set when at least one key can hold funds.
	balance bool
}

// describe resolves keys against the key source.
func (s *Store) describe(keys []waddrmgr.Key) keyInfo {
	var info keyInfo
	owners := make(map[string]struct{})

	for _, k := range keys {
		sa, err := s.keys.Subaccount(k.Subaccount)
		if err != nil {
			log.Warnf("Unable to resolve subaccount of key %v: %v",
				k, err)

			continue
		}
		owners[sa.Owner] = struct{}{}

		balance := false
		switch k.Subchain {
		case waddrmgr.External:
			balance = true

		case waddrmgr.Internal:
			balance = true
			info.tags |= TagChange

		case waddrmgr.Incoming:
			balance = true
			info.tags |= TagIncoming
			if info.payer == "" {
				info.payer = sa.PaymentCode
			}

		case waddrmgr.Notification:
			info.tags |= TagNotification
		}

		if balance && !info.balance {
			info.balance = true
			info.owner = sa.Owner
		}
	}

	for owner := range owners {
		info.owners = append(info.owners, owner)
	}
	sort.Strings(info.owners)

	return info
}
