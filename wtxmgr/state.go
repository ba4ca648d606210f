// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/looplab/fsm"
)

// TxoState is the lifecycle state of a wallet output.
type TxoState uint8

const (
	// UnconfirmedNew is an output of an unconfirmed transaction that
	// nothing spends.
	UnconfirmedNew TxoState = iota

	// UnconfirmedSpend is an output spent by an unconfirmed transaction.
	// The output itself may be mined.
	UnconfirmedSpend

	// ConfirmedNew is a mined, spendable output.
	ConfirmedNew

	// ConfirmedSpend is an output spent by a mined transaction.
	ConfirmedSpend

	// OrphanedNew is an output whose block was disconnected.
	OrphanedNew

	// OrphanedSpend is an orphaned output that an unconfirmed
	// transaction spends.
	OrphanedSpend

	// Immature is a mined coinbase output that has not reached coinbase
	// maturity.
	Immature

	// TxoError is an output of a transaction that lost a double spend.
	TxoError
)

var stateStrs = [...]string{
	UnconfirmedNew:   "unconfirmed_new",
	UnconfirmedSpend: "unconfirmed_spend",
	ConfirmedNew:     "confirmed_new",
	ConfirmedSpend:   "confirmed_spend",
	OrphanedNew:      "orphaned_new",
	OrphanedSpend:    "orphaned_spend",
	Immature:         "immature",
	TxoError:         "error",
}

// String returns the state name.
func (s TxoState) String() string {
	if int(s) < len(stateStrs) {
		return stateStrs[s]
	}

	return fmt.Sprintf("TxoState(%d)", uint8(s))
}

// parseState is the inverse of String.
func parseState(name string) (TxoState, bool) {
	for i, s := range stateStrs {
		if s == name {
			return TxoState(i), true
		}
	}

	return 0, false
}

// Unspent reports whether the state describes an output nothing spends.
func (s TxoState) Unspent() bool {
	switch s {
	case UnconfirmedNew, ConfirmedNew, OrphanedNew, Immature:
		return true

	default:
		return false
	}
}

// TxoTag is a bit set of facts about how an output came to the wallet.
type TxoTag uint32

const (
	// TagNormal is the zero tag set.
	TagNormal TxoTag = 0

	// TagChange marks outputs paying an internal key.
	TagChange TxoTag = 1 << (iota - 1)

	// TagNotification marks outputs of a transaction that touched a
	// watched notification key.
	TagNotification

	// TagGeneration marks coinbase outputs.
	TagGeneration

	// TagIncoming marks outputs received over a payment code channel.
	TagIncoming

	// TagOutgoing marks outputs of a transaction the wallet built.
	TagOutgoing
)

// Has reports whether every bit of o is set in t.
func (t TxoTag) Has(o TxoTag) bool {
	return t&o == o
}

// String returns the set tag names joined by '|'.
func (t TxoTag) String() string {
	if t == TagNormal {
		return "normal"
	}

	names := []struct {
		tag  TxoTag
		name string
	}{
		{TagChange, "change"},
		{TagNotification, "notification"},
		{TagGeneration, "generation"},
		{TagIncoming, "incoming"},
		{TagOutgoing, "outgoing"},
	}

	var parts []string
	for _, n := range names {
		if t.Has(n.tag) {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, "|")
}

// Output state machine events.
const (
	eventConfirm            = "confirm"
	eventConfirmCoinbase    = "confirm_coinbase"
	eventRestoreSpent       = "restore_spent"
	eventMature             = "mature"
	eventImmature           = "immature"
	eventSpendUnconfirmed   = "spend_unconfirmed"
	eventSpendOrphaned      = "spend_orphaned"
	eventSpendConfirmed     = "spend_confirmed"
	eventUnspend            = "unspend"
	eventUnspendUnconfirmed = "unspend_unconfirmed"
	eventUnspendOrphaned    = "unspend_orphaned"
	eventOrphan             = "orphan"
	eventOrphanSpent        = "orphan_spent"
	eventUnconfirm          = "unconfirm"
	eventFail               = "fail"
	eventRevive             = "revive"
)

func states(s ...TxoState) []string {
	names := make([]string, len(s))
	for i := range s {
		names[i] = s[i].String()
	}

	return names
}

// outputEvents is the transition table of the output state machine.
var outputEvents = fsm.Events{
	{
		Name: eventConfirm,
		Src:  states(UnconfirmedNew, OrphanedNew),
		Dst:  ConfirmedNew.String(),
	},
	{
		Name: eventConfirmCoinbase,
		Src:  states(OrphanedNew),
		Dst:  Immature.String(),
	},
	{
		Name: eventRestoreSpent,
		Src:  states(OrphanedSpend),
		Dst:  UnconfirmedSpend.String(),
	},
	{
		Name: eventMature,
		Src:  states(Immature),
		Dst:  ConfirmedNew.String(),
	},
	{
		Name: eventImmature,
		Src:  states(ConfirmedNew),
		Dst:  Immature.String(),
	},
	{
		Name: eventSpendUnconfirmed,
		Src:  states(ConfirmedNew, UnconfirmedNew),
		Dst:  UnconfirmedSpend.String(),
	},
	{
		Name: eventSpendOrphaned,
		Src:  states(OrphanedNew),
		Dst:  OrphanedSpend.String(),
	},
	{
		Name: eventSpendConfirmed,
		Src:  states(ConfirmedNew, UnconfirmedSpend),
		Dst:  ConfirmedSpend.String(),
	},
	{
		Name: eventUnspend,
		Src:  states(UnconfirmedSpend, ConfirmedSpend),
		Dst:  ConfirmedNew.String(),
	},
	{
		Name: eventUnspendUnconfirmed,
		Src:  states(UnconfirmedSpend),
		Dst:  UnconfirmedNew.String(),
	},
	{
		Name: eventUnspendOrphaned,
		Src:  states(OrphanedSpend),
		Dst:  OrphanedNew.String(),
	},
	{
		Name: eventOrphan,
		Src:  states(ConfirmedNew, ConfirmedSpend, Immature),
		Dst:  OrphanedNew.String(),
	},
	{
		Name: eventOrphanSpent,
		Src:  states(UnconfirmedSpend),
		Dst:  OrphanedSpend.String(),
	},
	{
		Name: eventUnconfirm,
		Src:  states(OrphanedNew),
		Dst:  UnconfirmedNew.String(),
	},
	{
		Name: eventFail,
		Src: states(
			UnconfirmedNew, UnconfirmedSpend, OrphanedNew,
			OrphanedSpend,
		),
		Dst: TxoError.String(),
	},
	{
		Name: eventRevive,
		Src:  states(TxoError),
		Dst:  UnconfirmedNew.String(),
	},
}

// transition applies event to an output in state from and returns the new
// state. Events the table does not allow from the current state fail with
// ErrInvalidTransition.
func transition(from TxoState, event string) (TxoState, error) {
	f := fsm.NewFSM(from.String(), outputEvents, fsm.Callbacks{})

	if err := f.Event(context.Background(), event); err != nil {
		return from, storeError(ErrInvalidTransition, fmt.Sprintf(
			"%s from %v", event, from), err)
	}

	to, ok := parseState(f.Current())
	if !ok {
		return from, storeError(ErrInvalidTransition, fmt.Sprintf(
			"unknown state %q", f.Current()), nil)
	}

	return to, nil
}
