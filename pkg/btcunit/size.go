// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides size and fee rate units for bitcoin transactions.
package btcunit

import (
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
)

// kilo is the multiplier for the kilo-prefixed units.
const kilo = 1000

// WeightUnit is a transaction or block size expressed in weight units, the
// canonical size measure after segwit: base size * 3 + total size.
type WeightUnit struct {
	wu uint64
}

// NewWeightUnit returns a size of val weight units.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{wu: val}
}

// TxWeight computes the weight of a serialized transaction or block from its
// witness-stripped size and its full size.
func TxWeight(baseSize, totalSize int) WeightUnit {
	//nolint:gosec
	base, total := uint64(baseSize), uint64(totalSize)

	return WeightUnit{wu: base*(blockchain.WitnessScaleFactor-1) + total}
}

// Add returns the sum of two weights.
func (w WeightUnit) Add(other WeightUnit) WeightUnit {
	return WeightUnit{wu: w.wu + other.wu}
}

// Uint64 returns the raw number of weight units.
func (w WeightUnit) Uint64() uint64 {
	return w.wu
}

// ToVB converts the weight to virtual bytes, rounding up.
func (w WeightUnit) ToVB() VByte {
	return VByte{wu: w.wu}
}

// String returns the weight with its unit suffix.
func (w WeightUnit) String() string {
	return fmt.Sprintf("%d wu", w.wu)
}

// VByte is a size in virtual bytes, a quarter of a weight unit. The value is
// kept in weight units so that conversions never lose precision.
type VByte struct {
	wu uint64
}

// NewVByte returns a size of val virtual bytes.
func NewVByte(val uint64) VByte {
	return VByte{wu: val * blockchain.WitnessScaleFactor}
}

// Uint64 returns the size in whole virtual bytes, rounding any partial
// virtual byte up.
func (v VByte) Uint64() uint64 {
	return (v.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// ToWU converts the size back to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit{wu: v.wu}
}

// String returns the virtual size with its unit suffix.
func (v VByte) String() string {
	return fmt.Sprintf("%d vb", v.Uint64())
}
