package btcunit

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestTxWeight checks the segwit weight formula and the virtual size
// rounding.
func TestTxWeight(t *testing.T) {
	t.Parallel()

	// A legacy transaction of 200 bytes weighs 800 wu.
	legacy := TxWeight(200, 200)
	require.Equal(t, uint64(800), legacy.Uint64())
	require.Equal(t, uint64(200), legacy.ToVB().Uint64())

	// A segwit transaction with 110 witness bytes: 3*100 + 210.
	segwit := TxWeight(100, 210)
	require.Equal(t, uint64(510), segwit.Uint64())

	// 510 / 4 = 127.5, which rounds up.
	require.Equal(t, uint64(128), segwit.ToVB().Uint64())
	require.Equal(t, "128 vb", segwit.ToVB().String())
	require.Equal(t, "510 wu", segwit.String())

	require.Equal(t, uint64(1310), segwit.Add(legacy).Uint64())
}

// TestFeeRates checks the fee computation helpers of the rate types.
func TestFeeRates(t *testing.T) {
	t.Parallel()

	// Arrange: 1000 sat/kvB is 1 sat/vB.
	perKVB := NewSatPerKVByte(1000)
	perVB := NewSatPerVByte(1)

	// Act and assert.
	require.Equal(t, btcutil.Amount(1000), perKVB.Amount())
	require.Equal(t, perKVB.Amount(), perVB.ToSatPerKVByte().Amount())
	require.Equal(t, btcutil.Amount(141), perVB.FeeForVByte(NewVByte(141)))

	// 563 wu at 1 sat/vB is 140.75 sat.
	require.Equal(t, btcutil.Amount(140),
		perVB.FeeForWeight(NewWeightUnit(563)))
	require.Equal(t, btcutil.Amount(141),
		perVB.FeeForWeightRoundUp(NewWeightUnit(563)))

	require.True(t, NewSatPerKVByte(999).LessThan(perKVB))
	require.Equal(t, "1000.000 sat/kvb", perKVB.String())
	require.Equal(t, "1.000 sat/vb", perVB.String())
}
