// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrStateForbidden is returned when an operation cannot be performed
	// due to the current state of the wallet (e.g., not started, still
	// syncing).
	ErrStateForbidden = errors.New("operation forbidden in current state")

	// ErrWalletAlreadyStarted is returned when an attempt is made to start
	// the wallet when it is already started.
	ErrWalletAlreadyStarted = errors.New("wallet already started")

	// ErrWalletShuttingDown is an error returned when we attempt to make a
	// request to the wallet but it is in the process of or has already
	// shut down.
	ErrWalletShuttingDown = errors.New("wallet shutting down")
)

// lifecycle represents the lifecycle state of the wallet's background
// goroutines.
type lifecycle uint32

const (
	// lifecycleStopped indicates the wallet is stopped.
	lifecycleStopped lifecycle = iota

	// lifecycleStarting indicates the wallet is starting up.
	lifecycleStarting

	// lifecycleStarted indicates the wallet is started.
	lifecycleStarted

	// lifecycleStopping indicates the wallet is currently stopping.
	lifecycleStopping
)

// String returns the string representation of a lifecycle.
func (l lifecycle) String() string {
	switch l {
	case lifecycleStopped:
		return "stopped"

	case lifecycleStarting:
		return "starting"

	case lifecycleStarted:
		return "started"

	case lifecycleStopping:
		return "stopping"

	default:
		return "unknown lifecycle state"
	}
}

// syncState represents the synchronization status of the ledger with the
// chain.
type syncState uint32

const (
	// syncStateIdle indicates no chain source has been consulted yet.
	syncStateIdle syncState = iota

	// syncStateSyncing indicates the ledger is catching up to the chain
	// tip.
	syncStateSyncing

	// syncStateReorging indicates a reorg is being applied.
	syncStateReorging

	// syncStateSynced indicates the ledger matched the chain tip at the
	// end of the last sync.
	syncStateSynced
)

// String returns the string representation of a syncState.
func (s syncState) String() string {
	switch s {
	case syncStateIdle:
		return "idle"

	case syncStateSyncing:
		return "syncing"

	case syncStateReorging:
		return "reorging"

	case syncStateSynced:
		return "synced"

	default:
		return "unknown sync state"
	}
}

// walletState is a thread-safe wrapper that tracks the wallet along two
// independent dimensions: the lifecycle of its background goroutines and the
// synchronization of its ledger with the chain.
type walletState struct {
	lifecycle atomic.Uint32
	sync      atomic.Uint32
}

// String returns a summary of the wallet's state.
func (s *walletState) String() string {
	return fmt.Sprintf("status=%v, sync=%v",
		lifecycle(s.lifecycle.Load()), s.syncState())
}

// toStarting transitions the wallet state from Stopped to Starting. It
// returns an error if the wallet is not stopped.
func (s *walletState) toStarting() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStopped), uint32(lifecycleStarting)) {

		return fmt.Errorf("%w: current state is %v",
			ErrWalletAlreadyStarted, lifecycle(s.lifecycle.Load()))
	}

	return nil
}

// toStarted marks the wallet as fully started. This should be called only
// after all resource initialization is complete.
func (s *walletState) toStarted() {
	s.lifecycle.Store(uint32(lifecycleStarted))
}

// toStopping transitions the wallet from Started to Stopping.
// It returns an error if the wallet is not running.
func (s *walletState) toStopping() error {
	if !s.lifecycle.CompareAndSwap(
		uint32(lifecycleStarted), uint32(lifecycleStopping)) {

		// If we are not Started, we cannot Stop.
		// This covers Stopped, Starting, and Stopping.
		return ErrStateForbidden
	}

	return nil
}

// toStopped marks the wallet as fully stopped.
func (s *walletState) toStopped() {
	s.lifecycle.Store(uint32(lifecycleStopped))
}

// isStarted returns true if the wallet is in the Started state.
func (s *walletState) isStarted() bool {
	return lifecycle(s.lifecycle.Load()) == lifecycleStarted
}

// setSync records the synchronization state.
func (s *walletState) setSync(st syncState) {
	s.sync.Store(uint32(st))
}

// syncState returns the current synchronization state.
func (s *walletState) syncState() syncState {
	return syncState(s.sync.Load())
}

// validateStarted checks if the wallet is currently running.
func (s *walletState) validateStarted() error {
	if !s.isStarted() {
		return fmt.Errorf("%w: wallet not started", ErrStateForbidden)
	}

	return nil
}
