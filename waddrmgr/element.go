// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/walletcore/scriptclass"
)

// Element is the matchable material of a single derived or imported key.
type Element struct {
	Key Key

	// PubKey is the compressed serialization of the key.
	PubKey []byte

	// PubKeyHash is Hash160 of PubKey, as found in P2PKH and P2WPKH
	// outputs.
	PubKeyHash []byte

	// NestedScriptHash is Hash160 of the P2WPKH program of the key, as
	// found in a P2SH-wrapped witness output.
	NestedScriptHash []byte

	// TaprootKey is the BIP-86 x-only output key committing to no script
	// path.
	TaprootKey []byte
}

// NewElement computes every matchable form of pub for key.
func NewElement(key Key, pub *btcec.PublicKey) *Element {
	compressed := pub.SerializeCompressed()
	pkh := btcutil.Hash160(compressed)

	nested := make([]byte, 0, 22)
	nested = append(nested, txscript.OP_0, txscript.OP_DATA_20)
	nested = append(nested, pkh...)

	taproot := txscript.ComputeTaprootKeyNoScript(pub)

	return &Element{
		Key:              key,
		PubKey:           compressed,
		PubKeyHash:       pkh,
		NestedScriptHash: btcutil.Hash160(nested),
		TaprootKey:       schnorr.SerializePubKey(taproot),
	}
}

// Matchables returns the script elements an output paying this key may
// carry.
func (e *Element) Matchables() []scriptclass.Element {
	return []scriptclass.Element{
		{Kind: scriptclass.ElementPubkey, Data: e.PubKey},
		{Kind: scriptclass.ElementPubkeyHash, Data: e.PubKeyHash},
		{Kind: scriptclass.ElementScriptHash, Data: e.NestedScriptHash},
		{Kind: scriptclass.ElementTaprootKey, Data: e.TaprootKey},
	}
}

// P2WPKHScript returns the native witness output script paying this key.
func (e *Element) P2WPKHScript() []byte {
	script := make([]byte, 0, 22)
	script = append(script, txscript.OP_0, txscript.OP_DATA_20)

	return append(script, e.PubKeyHash...)
}

// P2PKHScript returns the legacy output script paying this key.
func (e *Element) P2PKHScript() []byte {
	script := make([]byte, 0, 25)
	script = append(script, txscript.OP_DUP, txscript.OP_HASH160,
		txscript.OP_DATA_20)
	script = append(script, e.PubKeyHash...)

	return append(script, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG)
}

// P2TRScript returns the BIP-86 taproot output script paying this key.
func (e *Element) P2TRScript() []byte {
	script := make([]byte, 0, 34)
	script = append(script, txscript.OP_1, txscript.OP_DATA_32)

	return append(script, e.TaprootKey...)
}
