// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package scriptclass

import "fmt"

// Pattern is the classification of a script.
type Pattern uint8

// The numeric values are persisted and must not be reordered.
const (
	// None is the zero value and marks a script that was never
	// classified.
	None Pattern = iota

	// Custom is a well-formed script matching no known template.
	Custom

	// Coinbase is the input script of a coinbase transaction.
	Coinbase

	// NullData is OP_RETURN followed by zero or more pushes.
	NullData

	// PayToMultisig is a bare m-of-n OP_CHECKMULTISIG script.
	PayToMultisig

	// PayToPubkey is a bare public key followed by OP_CHECKSIG.
	PayToPubkey

	// PayToPubkeyHash is the P2PKH template.
	PayToPubkeyHash

	// PayToScriptHash is the P2SH template.
	PayToScriptHash

	// PayToWitnessPubkeyHash is a version 0, 20 byte witness program.
	PayToWitnessPubkeyHash

	// PayToWitnessScriptHash is a version 0, 32 byte witness program.
	PayToWitnessScriptHash

	// PayToTaproot is a version 1, 32 byte witness program.
	PayToTaproot

	// Input is a non-coinbase input script.
	Input

	// Empty is a zero length script.
	Empty

	// Malformed is a script that cannot be tokenized, such as one ending
	// in the middle of a push.
	Malformed
)

// String returns the pattern name.
func (p Pattern) String() string {
	switch p {
	case None:
		return "None"

	case Custom:
		return "Custom"

	case Coinbase:
		return "Coinbase"

	case NullData:
		return "NullData"

	case PayToMultisig:
		return "PayToMultisig"

	case PayToPubkey:
		return "PayToPubkey"

	case PayToPubkeyHash:
		return "PayToPubkeyHash"

	case PayToScriptHash:
		return "PayToScriptHash"

	case PayToWitnessPubkeyHash:
		return "PayToWitnessPubkeyHash"

	case PayToWitnessScriptHash:
		return "PayToWitnessScriptHash"

	case PayToTaproot:
		return "PayToTaproot"

	case Input:
		return "Input"

	case Empty:
		return "Empty"

	case Malformed:
		return "Malformed"

	default:
		return fmt.Sprintf("Pattern(%d)", uint8(p))
	}
}

// IsWitness reports whether the pattern is a native witness program.
func (p Pattern) IsWitness() bool {
	switch p {
	case PayToWitnessPubkeyHash, PayToWitnessScriptHash, PayToTaproot:
		return true

	default:
		return false
	}
}

// Position is the context a script appears in.
type Position uint8

const (
	// PositionOutput is a locking script.
	PositionOutput Position = iota

	// PositionInput is an unlocking script of a regular input.
	PositionInput

	// PositionCoinbase is the input script of a coinbase.
	PositionCoinbase

	// PositionRedeem is a P2SH redeem script or a witness script.
	PositionRedeem
)

// String returns the position name.
func (p Position) String() string {
	switch p {
	case PositionOutput:
		return "Output"

	case PositionInput:
		return "Input"

	case PositionCoinbase:
		return "Coinbase"

	case PositionRedeem:
		return "Redeem"

	default:
		return fmt.Sprintf("Position(%d)", uint8(p))
	}
}

// ElementKind identifies what a matchable script element is.
type ElementKind uint8

const (
	// ElementPubkeyHash is a 20 byte HASH160 of a public key, found in
	// P2PKH and P2WPKH scripts.
	ElementPubkeyHash ElementKind = iota

	// ElementScriptHash is a 20 byte HASH160 of a redeem script.
	ElementScriptHash

	// ElementWitnessScriptHash is a 32 byte SHA256 of a witness script.
	ElementWitnessScriptHash

	// ElementPubkey is a serialized public key, compressed or not.
	ElementPubkey

	// ElementTaprootKey is a 32 byte x-only taproot output key.
	ElementTaprootKey
)

// String returns the element kind name.
func (k ElementKind) String() string {
	switch k {
	case ElementPubkeyHash:
		return "pubkey-hash"

	case ElementScriptHash:
		return "script-hash"

	case ElementWitnessScriptHash:
		return "witness-script-hash"

	case ElementPubkey:
		return "pubkey"

	case ElementTaprootKey:
		return "taproot-key"

	default:
		return fmt.Sprintf("ElementKind(%d)", uint8(k))
	}
}

// Element is a piece of data extracted from a script that can be compared
// against wallet key material.
type Element struct {
	Kind ElementKind
	Data []byte
}
