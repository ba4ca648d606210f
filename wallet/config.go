// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/btcsuite/walletcore/wtxmgr"
	"github.com/lightningnetwork/lnd/clock"
)

const (
	// DefaultReorgDepth is how many blocks below the tip spent outputs and
	// block records are kept so a reorg can still undo them.
	DefaultReorgDepth = 100

	// DefaultSweepInterval is how often expired reservations are released.
	DefaultSweepInterval = time.Minute

	// DefaultQueueSize is the number of blocks that may wait for the
	// ledger writer.
	DefaultQueueSize = 16

	// DefaultFetchWorkers is the number of blocks fetched concurrently
	// while catching up with a chain source.
	DefaultFetchWorkers = 4

	// DefaultMaxReorgRetries is how many times a failed reorg is retried
	// from the common ancestor.
	DefaultMaxReorgRetries = 3

	// DefaultReorgRetryInterval is the pause between reorg attempts.
	DefaultReorgRetryInterval = 5 * time.Second
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid wallet config")

// Config holds the dependencies and runtime knobs of a Wallet.
type Config struct {
	// DB is the database holding the key manager and ledger namespaces.
	DB walletdb.DB

	// ChainParams selects the network.
	ChainParams *chaincfg.Params

	// ReorgDepth bounds how far back a reorg can reach. Spent outputs
	// buried deeper are pruned. Zero disables pruning.
	ReorgDepth int32

	// ReservationTimeout is how long ReserveUTXO leases an output.
	ReservationTimeout time.Duration

	// SweepInterval is how often expired reservations are released while
	// the wallet runs.
	SweepInterval time.Duration

	// Lookahead is the lookahead of subaccounts added through the wallet.
	Lookahead uint32

	// QueueSize bounds the block queue.
	QueueSize int

	// FetchWorkers is the number of concurrent block fetches during Sync.
	FetchWorkers int

	// MaxReorgRetries is the number of retries of a failed reorg.
	MaxReorgRetries int

	// ReorgRetryInterval is the pause between reorg attempts.
	ReorgRetryInterval time.Duration

	// Clock drives reservation expiry. The wall clock is used when nil.
	Clock clock.Clock
}

// DefaultConfig returns a Config with every knob at its default. DB and
// ChainParams must still be set.
func DefaultConfig() Config {
	return Config{
		ReorgDepth:         DefaultReorgDepth,
		ReservationTimeout: wtxmgr.DefaultReservationTimeout,
		SweepInterval:      DefaultSweepInterval,
		Lookahead:          waddrmgr.DefaultLookahead,
		QueueSize:          DefaultQueueSize,
		FetchWorkers:       DefaultFetchWorkers,
		MaxReorgRetries:    DefaultMaxReorgRetries,
		ReorgRetryInterval: DefaultReorgRetryInterval,
	}
}

// validate fills unset knobs with defaults and checks the dependencies.
func (c *Config) validate() error {
	if c.DB == nil {
		return fmt.Errorf("%w: missing database", ErrInvalidConfig)
	}
	if c.ChainParams == nil {
		return fmt.Errorf("%w: missing chain params", ErrInvalidConfig)
	}
	if c.ReorgDepth < 0 {
		return fmt.Errorf("%w: negative reorg depth %d",
			ErrInvalidConfig, c.ReorgDepth)
	}

	d := DefaultConfig()
	if c.ReservationTimeout <= 0 {
		c.ReservationTimeout = d.ReservationTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.Lookahead == 0 {
		c.Lookahead = d.Lookahead
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FetchWorkers <= 0 {
		c.FetchWorkers = d.FetchWorkers
	}
	if c.MaxReorgRetries < 0 {
		c.MaxReorgRetries = 0
	}
	if c.ReorgRetryInterval <= 0 {
		c.ReorgRetryInterval = d.ReorgRetryInterval
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	return nil
}
