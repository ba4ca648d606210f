// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

// floatStringPrecision is the number of decimals used when printing rates.
const floatStringPrecision = 3

// feeRate stores a fee rate as an exact rational number of satoshis per
// kilo-weight-unit. Every public rate type embeds it.
type feeRate struct {
	satsPerKWU *big.Rat
}

func newFeeRate(fee btcutil.Amount, wu uint64) feeRate {
	if wu == 0 {
		return feeRate{satsPerKWU: new(big.Rat)}
	}

	return feeRate{satsPerKWU: big.NewRat(
		int64(fee)*kilo, clampInt64(wu),
	)}
}

// rate returns the rate, treating the zero value as zero sat/kwu.
func (f feeRate) rate() *big.Rat {
	if f.satsPerKWU == nil {
		return new(big.Rat)
	}

	return f.satsPerKWU
}

// FeeForWeight returns the fee for the given weight, rounded down.
func (f feeRate) FeeForWeight(w WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(f.rate(), big.NewRat(clampInt64(w.wu), kilo))
	q := new(big.Int).Quo(fee.Num(), fee.Denom())

	return btcutil.Amount(q.Int64())
}

// FeeForWeightRoundUp returns the fee for the given weight, rounded up to the
// next whole satoshi.
func (f feeRate) FeeForWeightRoundUp(w WeightUnit) btcutil.Amount {
	fee := new(big.Rat).Mul(f.rate(), big.NewRat(clampInt64(w.wu), kilo))

	num := new(big.Int).Add(fee.Num(), fee.Denom())
	num.Sub(num, big.NewInt(1))
	q := new(big.Int).Quo(num, fee.Denom())

	return btcutil.Amount(q.Int64())
}

// FeeForVByte returns the fee for the given virtual size, rounded down.
func (f feeRate) FeeForVByte(vb VByte) btcutil.Amount {
	return f.FeeForWeight(vb.ToWU())
}

// cmp compares two rates and returns -1, 0 or +1.
func (f feeRate) cmp(other feeRate) int {
	return f.rate().Cmp(other.rate())
}

// SatPerKVByte is a fee rate in satoshis per 1000 virtual bytes, the unit the
// relay policy of bitcoind is expressed in.
type SatPerKVByte struct {
	feeRate
}

// NewSatPerKVByte returns a rate of fee satoshis per kvB.
func NewSatPerKVByte(fee btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newFeeRate(fee, kilo*4)}
}

// Amount returns the rate as a whole number of satoshis per kvB.
func (s SatPerKVByte) Amount() btcutil.Amount {
	return s.FeeForVByte(NewVByte(kilo))
}

// LessThan reports whether s is lower than other.
func (s SatPerKVByte) LessThan(other SatPerKVByte) bool {
	return s.cmp(other.feeRate) < 0
}

// String returns the rate with its unit suffix.
func (s SatPerKVByte) String() string {
	r := new(big.Rat).Mul(s.rate(), big.NewRat(4, 1))
	return r.FloatString(floatStringPrecision) + " sat/kvb"
}

// SatPerVByte is a fee rate in satoshis per virtual byte.
type SatPerVByte struct {
	feeRate
}

// NewSatPerVByte returns a rate of fee satoshis per vB.
func NewSatPerVByte(fee btcutil.Amount) SatPerVByte {
	return SatPerVByte{newFeeRate(fee, 4)}
}

// ToSatPerKVByte converts the rate to sat/kvB.
func (s SatPerVByte) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{s.feeRate}
}

// String returns the rate with its unit suffix.
func (s SatPerVByte) String() string {
	r := new(big.Rat).Mul(s.rate(), big.NewRat(4, kilo))
	return r.FloatString(floatStringPrecision) + " sat/vb"
}

// clampInt64 converts u to an int64, saturating at math.MaxInt64.
func clampInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}
