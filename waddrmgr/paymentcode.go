// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// PaymentCodeSize is the length of a binary payment code.
	PaymentCodeSize = 80

	// paymentCodeVersion is the only payment code version understood.
	paymentCodeVersion = 0x01

	// paymentCodeBase58Version prefixes the base58check string form.
	paymentCodeBase58Version = 0x47
)

var (
	// errInvalidSecret is returned when the shared secret of an index is
	// not a valid scalar. The index is skipped like an invalid BIP-32
	// child.
	errInvalidSecret = errors.New("shared secret is not a valid scalar")
)

// PaymentCode is a BIP-47 version 1 payment code: a public key and chain
// code from which a sender derives the recipient's keys.
type PaymentCode struct {
	Features  byte
	PubKey    *btcec.PublicKey
	ChainCode [32]byte
}

// NewPaymentCode builds the payment code of an extended key at the BIP-47
// account level.
func NewPaymentCode(account *hdkeychain.ExtendedKey) (*PaymentCode, error) {
	pub, err := account.ECPubKey()
	if err != nil {
		return nil, err
	}

	pc := &PaymentCode{PubKey: pub}
	copy(pc.ChainCode[:], account.ChainCode())

	return pc, nil
}

// ParsePaymentCode decodes the base58check string form of a payment code.
func ParsePaymentCode(s string) (*PaymentCode, error) {
	payload, version, err := base58.CheckDecode(s)
	if err != nil {
		return nil, managerError(ErrInvalidPaymentCode,
			"decode payment code", err)
	}

	if version != paymentCodeBase58Version {
		return nil, managerError(ErrInvalidPaymentCode, fmt.Sprintf(
			"unexpected base58 version 0x%02x", version), nil)
	}

	return DecodePaymentCode(payload)
}

// DecodePaymentCode decodes the 80 byte binary form of a payment code.
func DecodePaymentCode(b []byte) (*PaymentCode, error) {
	if len(b) != PaymentCodeSize {
		return nil, managerError(ErrInvalidPaymentCode, fmt.Sprintf(
			"payment code is %d bytes", len(b)), nil)
	}

	if b[0] != paymentCodeVersion {
		return nil, managerError(ErrInvalidPaymentCode, fmt.Sprintf(
			"unsupported payment code version %d", b[0]), nil)
	}

	pub, err := btcec.ParsePubKey(b[2:35])
	if err != nil {
		return nil, managerError(ErrInvalidPaymentCode,
			"parse payment code key", err)
	}

	pc := &PaymentCode{Features: b[1], PubKey: pub}
	copy(pc.ChainCode[:], b[35:67])

	return pc, nil
}

// Bytes returns the 80 byte binary form. The trailing 13 bytes are reserved
// and zero.
func (p *PaymentCode) Bytes() []byte {
	b := make([]byte, PaymentCodeSize)
	b[0] = paymentCodeVersion
	b[1] = p.Features
	copy(b[2:35], p.PubKey.SerializeCompressed())
	copy(b[35:67], p.ChainCode[:])

	return b
}

// String returns the base58check form of the payment code.
func (p *PaymentCode) String() string {
	return base58.CheckEncode(p.Bytes(), paymentCodeBase58Version)
}

// Equal reports whether two payment codes are identical.
func (p *PaymentCode) Equal(o *PaymentCode) bool {
	return bytes.Equal(p.Bytes(), o.Bytes())
}

// extendedKey returns the public extended key the payment code encodes.
func (p *PaymentCode) extendedKey() *hdkeychain.ExtendedKey {
	return hdkeychain.NewExtendedKey(
		chaincfg.MainNetParams.HDPublicKeyID[:],
		p.PubKey.SerializeCompressed(), p.ChainCode[:],
		[]byte{0, 0, 0, 0}, 3, 0, false,
	)
}

// Child derives the public key at index i of the payment code.
func (p *PaymentCode) Child(i uint32) (*btcec.PublicKey, error) {
	child, err := p.extendedKey().Derive(i)
	if err != nil {
		return nil, err
	}

	return child.ECPubKey()
}

// NotificationKey returns the key a sender pays to announce itself.
func (p *PaymentCode) NotificationKey() (*btcec.PublicKey, error) {
	return p.Child(0)
}

// sharedPoint returns B + sG where s is the hash of the ECDH secret between
// priv and pub. Both sides of a channel arrive at the same point: the sender
// with its notification private key and the recipient's i-th public key, the
// recipient with its i-th private key and the sender's notification key.
func sharedPoint(priv *btcec.PrivateKey, pub,
	base *btcec.PublicKey) (*btcec.PublicKey, error) {

	secret := secp256k1.GenerateSharedSecret(priv, pub)
	s := sha256.Sum256(secret)

	var scalar secp256k1.ModNScalar
	if overflow := scalar.SetByteSlice(s[:]); overflow || scalar.IsZero() {
		return nil, errInvalidSecret
	}

	var sG, b, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&scalar, &sG)
	base.AsJacobian(&b)
	secp256k1.AddNonConst(&b, &sG, &sum)

	if sum.Z.IsZero() {
		return nil, errInvalidSecret
	}
	sum.ToAffine()

	return secp256k1.NewPublicKey(&sum.X, &sum.Y), nil
}

// incomingKey derives the key the remote code pays us on at index i.
func incomingKey(local *hdkeychain.ExtendedKey, remote *PaymentCode,
	i uint32) (*btcec.PublicKey, error) {

	child, err := local.Derive(i)
	if err != nil {
		return nil, err
	}

	b, err := child.ECPrivKey()
	if err != nil {
		return nil, err
	}

	a, err := remote.NotificationKey()
	if err != nil {
		return nil, err
	}

	return sharedPoint(b, a, b.PubKey())
}

// outgoingKey derives the key we pay the remote code on at index i.
func outgoingKey(local *hdkeychain.ExtendedKey, remote *PaymentCode,
	i uint32) (*btcec.PublicKey, error) {

	notif, err := local.Derive(0)
	if err != nil {
		return nil, err
	}

	a, err := notif.ECPrivKey()
	if err != nil {
		return nil, err
	}

	b, err := remote.Child(i)
	if err != nil {
		return nil, err
	}

	return sharedPoint(a, b, b)
}
