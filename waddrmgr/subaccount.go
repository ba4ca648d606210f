// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	// externalBranch and internalBranch are the BIP-44 change levels.
	externalBranch = 0
	internalBranch = 1
)

// hdAccount is the payload of an HD subaccount.
type hdAccount struct {
	// key is the account level extended key. It may be public.
	key *hdkeychain.ExtendedKey

	// branchKeys caches the extended keys of the change levels.
	branchKeys map[Subchain]*hdkeychain.ExtendedKey
}

// paymentChannel is the payload of a payment code subaccount.
type paymentChannel struct {
	// local is the private BIP-47 account key of the wallet.
	local *hdkeychain.ExtendedKey

	localCode *PaymentCode
	remote    *PaymentCode
}

// importedKeys is the payload of an imported subaccount.
type importedKeys struct {
	keys []*btcec.PublicKey
}

// notificationWatch is the payload of a notification subaccount.
type notificationWatch struct {
	code *PaymentCode
}

// subaccount is a tagged variant: kind selects which payload is set.
type subaccount struct {
	id        SubaccountID
	kind      SubaccountKind
	owner     string
	name      string
	lookahead uint32

	hd       *hdAccount
	channel  *paymentChannel
	imported *importedKeys
	notify   *notificationWatch

	branches map[Subchain]*branch
}

func newSubaccount(id SubaccountID, kind SubaccountKind, owner,
	name string, lookahead uint32) *subaccount {

	sa := &subaccount{
		id:        id,
		kind:      kind,
		owner:     owner,
		name:      name,
		lookahead: lookahead,
		branches:  make(map[Subchain]*branch),
	}

	for _, sc := range kind.subchains() {
		sa.branches[sc] = newBranch(lookahead)
	}

	return sa
}

// derive computes the public key at (sc, index).
func (sa *subaccount) derive(sc Subchain, index uint32) (*btcec.PublicKey,
	error) {

	switch sa.kind {
	case KindHD:
		branchKey, err := sa.hd.branchKey(sc)
		if err != nil {
			return nil, err
		}

		child, err := branchKey.Derive(index)
		if err != nil {
			return nil, err
		}

		return child.ECPubKey()

	case KindPaymentCode:
		if sc == Incoming {
			return incomingKey(
				sa.channel.local, sa.channel.remote, index,
			)
		}

		return outgoingKey(sa.channel.local, sa.channel.remote, index)

	case KindImported:
		if index >= uint32(len(sa.imported.keys)) {
			return nil, managerError(ErrKeyNotFound, fmt.Sprintf(
				"imported key %d not found", index), nil)
		}

		return sa.imported.keys[index], nil

	case KindNotification:
		if index != 0 {
			return nil, managerError(ErrKeyNotFound,
				"notification subchain has a single key", nil)
		}

		return sa.notify.code.NotificationKey()

	default:
		return nil, managerError(ErrNotSupported, fmt.Sprintf(
			"unknown subaccount kind %v", sa.kind), nil)
	}
}

// branchKey returns the change level extended key of sc.
func (hd *hdAccount) branchKey(sc Subchain) (*hdkeychain.ExtendedKey,
	error) {

	if k, ok := hd.branchKeys[sc]; ok {
		return k, nil
	}

	var level uint32
	switch sc {
	case External:
		level = externalBranch

	case Internal:
		level = internalBranch

	default:
		return nil, managerError(ErrInvalidSubchain, fmt.Sprintf(
			"hd subaccount has no %v subchain", sc), nil)
	}

	k, err := hd.key.Derive(level)
	if err != nil {
		return nil, managerError(ErrDerivation, "derive branch key",
			err)
	}
	hd.branchKeys[sc] = k

	return k, nil
}

// SubaccountInfo is the public description of a subaccount.
type SubaccountInfo struct {
	ID           SubaccountID
	Kind         SubaccountKind
	Owner        string
	Name         string
	Lookahead    uint32
	Capabilities Capabilities
	Subchains    []Subchain

	// PaymentCode is the remote code of a payment code subaccount and the
	// watched code of a notification subaccount.
	PaymentCode string
}

// info returns the public description of the subaccount.
func (sa *subaccount) info() SubaccountInfo {
	info := SubaccountInfo{
		ID:           sa.id,
		Kind:         sa.kind,
		Owner:        sa.owner,
		Name:         sa.name,
		Lookahead:    sa.lookahead,
		Capabilities: sa.kind.capabilities(),
		Subchains:    sa.kind.subchains(),
	}

	switch sa.kind {
	case KindPaymentCode:
		info.PaymentCode = sa.channel.remote.String()

	case KindNotification:
		info.PaymentCode = sa.notify.code.String()
	}

	return info
}
