// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// SubaccountID is the arena index of a subaccount within a Manager. It is
// also the persisted identity of the subaccount.
type SubaccountID uint32

// ElementIndex is the arena index of a derived element within a Manager.
type ElementIndex uint32

// SubaccountKind tags the variant of a subaccount.
type SubaccountKind uint8

const (
	// KindHD is a BIP-32 account with an external and an internal branch.
	KindHD SubaccountKind = iota

	// KindPaymentCode is a BIP-47 channel between a local and a remote
	// payment code.
	KindPaymentCode

	// KindImported holds externally supplied keys with no derivation.
	KindImported

	// KindNotification watches the notification address of a local
	// payment code. It has no balance elements.
	KindNotification
)

// String returns the human readable kind.
func (k SubaccountKind) String() string {
	switch k {
	case KindHD:
		return "hd"

	case KindPaymentCode:
		return "paymentcode"

	case KindImported:
		return "imported"

	case KindNotification:
		return "notification"

	default:
		return fmt.Sprintf("SubaccountKind(%d)", uint8(k))
	}
}

// Subchain is one derivation direction of a subaccount.
type Subchain uint8

const (
	// External is the receiving branch of an HD subaccount. Imported keys
	// also live on this subchain.
	External Subchain = iota

	// Internal is the change branch of an HD subaccount.
	Internal

	// Incoming holds the keys a remote payment code pays us on.
	Incoming

	// Outgoing holds the keys we pay a remote payment code on.
	Outgoing

	// Notification holds the single notification key of a payment code.
	Notification
)

// String returns the human readable subchain.
func (s Subchain) String() string {
	switch s {
	case External:
		return "external"

	case Internal:
		return "internal"

	case Incoming:
		return "incoming"

	case Outgoing:
		return "outgoing"

	case Notification:
		return "notification"

	default:
		return fmt.Sprintf("Subchain(%d)", uint8(s))
	}
}

// Key identifies a key slot within a subaccount.
type Key struct {
	Subaccount SubaccountID
	Subchain   Subchain
	Index      uint32
}

// String returns the key as subaccount/subchain/index.
func (k Key) String() string {
	return fmt.Sprintf("%d/%v/%d", k.Subaccount, k.Subchain, k.Index)
}

// BlockStamp is a block position: a height and the hash of the block at that
// height.
type BlockStamp struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns the stamp as height:hash.
func (b BlockStamp) String() string {
	return fmt.Sprintf("%d:%v", b.Height, b.Hash)
}

// Capabilities describes which operations a subaccount kind supports.
type Capabilities struct {
	// BalanceElements is true when the subaccount's keys can hold funds.
	BalanceElements bool

	// Generation is true when new indexes can be allocated.
	Generation bool

	// Reservation is true when indexes can be reserved for a purpose.
	Reservation bool
}

// capabilities returns the capability set of a kind.
func (k SubaccountKind) capabilities() Capabilities {
	switch k {
	case KindHD, KindPaymentCode:
		return Capabilities{
			BalanceElements: true,
			Generation:      true,
			Reservation:     true,
		}

	case KindImported:
		return Capabilities{BalanceElements: true}

	default:
		return Capabilities{}
	}
}

// subchains returns the subchains a kind derives on.
func (k SubaccountKind) subchains() []Subchain {
	switch k {
	case KindHD:
		return []Subchain{External, Internal}

	case KindPaymentCode:
		return []Subchain{Incoming, Outgoing}

	case KindImported:
		return []Subchain{External}

	case KindNotification:
		return []Subchain{Notification}

	default:
		return nil
	}
}

// hasSubchain reports whether sc is one of the kind's subchains.
func (k SubaccountKind) hasSubchain(sc Subchain) bool {
	for _, s := range k.subchains() {
		if s == sc {
			return true
		}
	}

	return false
}

// Reservation records why an index was handed out.
type Reservation struct {
	Reason string
	Label  string
	Time   time.Time
}
