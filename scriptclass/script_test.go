package scriptclass

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

// testKey returns a deterministic compressed public key.
func testKey(t *testing.T, seed byte) []byte {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))

	return priv.PubKey().SerializeCompressed()
}

// build assembles a script with the btcd script builder.
func build(t *testing.T, f func(b *txscript.ScriptBuilder)) []byte {
	t.Helper()

	b := txscript.NewScriptBuilder()
	f(b)

	script, err := b.Script()
	require.NoError(t, err)

	return script
}

// TestClassifyP2PKH checks the P2PKH template and that accessors for other
// patterns report "not present".
func TestClassifyP2PKH(t *testing.T) {
	t.Parallel()

	// Arrange.
	hash := bytes.Repeat([]byte{0xab}, 20)
	raw := build(t, func(b *txscript.ScriptBuilder) {
		b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
			AddData(hash).AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG)
	})

	// Act.
	s := Classify(raw, PositionOutput)

	// Assert.
	require.Equal(t, PayToPubkeyHash, s.Pattern())
	require.Equal(t, hash, s.PubkeyHash().UnwrapOr(nil))
	require.True(t, s.Pubkey().IsNone())
	require.True(t, s.ScriptHash().IsNone())
	require.True(t, s.M().IsNone())
	require.True(t, s.MultisigPubkey(0).IsNone())
	require.True(t, s.DataElement(0).IsNone())
	require.Zero(t, s.DataElementCount())
	require.Equal(t, []Element{{Kind: ElementPubkeyHash, Data: hash}},
		s.Elements())
	require.Equal(t,
		"OP_DUP OP_HASH160 abababababababababababababababababababab "+
			"OP_EQUALVERIFY OP_CHECKSIG", s.String())
}

// TestClassifyTemplates runs every supported template through the
// classifier.
func TestClassifyTemplates(t *testing.T) {
	t.Parallel()

	key1, key2, key3 := testKey(t, 1), testKey(t, 2), testKey(t, 3)
	h20 := bytes.Repeat([]byte{0x11}, 20)
	h32 := bytes.Repeat([]byte{0x22}, 32)

	tests := []struct {
		name     string
		raw      []byte
		position Position
		want     Pattern
		check    func(t *testing.T, s *Script)
	}{
		{
			name: "p2sh",
			raw: build(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_HASH160).AddData(h20).
					AddOp(txscript.OP_EQUAL)
			}),
			want: PayToScriptHash,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, h20, s.ScriptHash().UnwrapOr(nil))
				require.True(t, s.PubkeyHash().IsNone())
			},
		},
		{
			name: "p2wpkh",
			raw:  append([]byte{txscript.OP_0, txscript.OP_DATA_20}, h20...),
			want: PayToWitnessPubkeyHash,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, h20, s.PubkeyHash().UnwrapOr(nil))
				wp := s.WitnessProgram().UnwrapOr(WitnessProgram{})
				require.Equal(t, byte(0), wp.Version)
				require.Equal(t, h20, wp.Program)
			},
		},
		{
			name: "p2wsh",
			raw:  append([]byte{txscript.OP_0, txscript.OP_DATA_32}, h32...),
			want: PayToWitnessScriptHash,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, h32, s.ScriptHash().UnwrapOr(nil))
				require.Equal(t, []Element{{
					Kind: ElementWitnessScriptHash, Data: h32,
				}}, s.Elements())
			},
		},
		{
			name: "p2tr",
			raw:  append([]byte{txscript.OP_1, txscript.OP_DATA_32}, h32...),
			want: PayToTaproot,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, h32, s.TaprootKey().UnwrapOr(nil))
				wp := s.WitnessProgram().UnwrapOr(WitnessProgram{})
				require.Equal(t, byte(1), wp.Version)
			},
		},
		{
			name: "2-of-3 multisig",
			raw: build(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_2).AddData(key1).
					AddData(key2).AddData(key3).
					AddOp(txscript.OP_3).
					AddOp(txscript.OP_CHECKMULTISIG)
			}),
			want: PayToMultisig,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, uint8(2), s.M().UnwrapOr(0))
				require.Equal(t, uint8(3), s.N().UnwrapOr(0))
				require.Equal(t, key1,
					s.MultisigPubkey(0).UnwrapOr(nil))
				require.Equal(t, key3,
					s.MultisigPubkey(2).UnwrapOr(nil))
				require.True(t, s.MultisigPubkey(3).IsNone())
				require.Len(t, s.Elements(), 3)
			},
		},
		{
			name: "multisig with n mismatch",
			raw: build(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_1).AddData(key1).
					AddOp(txscript.OP_2).
					AddOp(txscript.OP_CHECKMULTISIG)
			}),
			want: Custom,
		},
		{
			name: "null data",
			raw: build(t, func(b *txscript.ScriptBuilder) {
				b.AddOp(txscript.OP_RETURN).
					AddData([]byte("hello")).
					AddData([]byte("world"))
			}),
			want: NullData,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, 2, s.DataElementCount())
				require.Equal(t, []byte("world"),
					s.DataElement(1).UnwrapOr(nil))
				require.True(t, s.DataElement(2).IsNone())
				require.Empty(t, s.Elements())
			},
		},
		{
			name: "bare op_return",
			raw:  []byte{txscript.OP_RETURN},
			want: NullData,
			check: func(t *testing.T, s *Script) {
				require.Zero(t, s.DataElementCount())
			},
		},
		{
			name: "op_return with non-push",
			raw: []byte{
				txscript.OP_RETURN, txscript.OP_DUP,
			},
			want: Custom,
		},
		{
			name: "p2pk",
			raw: build(t, func(b *txscript.ScriptBuilder) {
				b.AddData(key1).AddOp(txscript.OP_CHECKSIG)
			}),
			want: PayToPubkey,
			check: func(t *testing.T, s *Script) {
				require.Equal(t, key1, s.Pubkey().UnwrapOr(nil))
				require.True(t, s.PubkeyHash().IsNone())
			},
		},
		{
			name: "custom",
			raw:  []byte{txscript.OP_TRUE},
			want: Custom,
		},
		{
			name: "empty",
			raw:  nil,
			want: Empty,
		},
		{
			name: "truncated push",
			raw:  []byte{txscript.OP_DATA_20, 0x01, 0x02},
			want: Malformed,
			check: func(t *testing.T, s *Script) {
				require.Empty(t, s.Elements())
				require.True(t, s.PubkeyHash().IsNone())
			},
		},
		{
			name:     "coinbase",
			raw:      []byte{0x03, 0x01, 0x02, 0x03},
			position: PositionCoinbase,
			want:     Coinbase,
		},
		{
			name: "redeem script",
			raw: append([]byte{txscript.OP_0, txscript.OP_DATA_20},
				h20...),
			position: PositionRedeem,
			want:     PayToWitnessPubkeyHash,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := Classify(tc.raw, tc.position)
			require.Equal(t, tc.want, s.Pattern(), "got %v", s)

			if tc.check != nil {
				tc.check(t, s)
			}
		})
	}
}

// TestClassifyInput checks the input position and the element extraction
// of spends.
func TestClassifyInput(t *testing.T) {
	t.Parallel()

	key := testKey(t, 9)
	sig := bytes.Repeat([]byte{0x30}, 71)

	// A P2PKH spend reveals the public key.
	sigScript := build(t, func(b *txscript.ScriptBuilder) {
		b.AddData(sig).AddData(key)
	})
	s := Classify(sigScript, PositionInput)
	require.Equal(t, Input, s.Pattern())
	require.Len(t, s.Pushes(), 2)
	require.Equal(t, []Element{{Kind: ElementPubkey, Data: key}},
		InputElements(sigScript, nil))

	// A nested P2WPKH spend reveals the redeem script hash and the key
	// in the witness.
	redeem := append([]byte{txscript.OP_0, txscript.OP_DATA_20},
		btcutil.Hash160(key)...)
	nested := build(t, func(b *txscript.ScriptBuilder) {
		b.AddData(redeem)
	})
	elems := InputElements(nested, [][]byte{sig, key})
	require.Equal(t, []Element{
		{Kind: ElementScriptHash, Data: btcutil.Hash160(redeem)},
		{Kind: ElementPubkey, Data: key},
	}, elems)

	// Accessors of output patterns never apply to inputs.
	require.True(t, s.PubkeyHash().IsNone())
	require.True(t, s.Pubkey().IsNone())
}

// TestSmallIntPushes checks the values pushed by the small integer opcodes
// and that OP_RESERVED is not taken for a push.
func TestSmallIntPushes(t *testing.T) {
	t.Parallel()

	// Act.
	s := Classify([]byte{
		txscript.OP_RETURN, txscript.OP_1NEGATE, txscript.OP_5,
		txscript.OP_16,
	}, PositionOutput)

	// Assert.
	require.Equal(t, NullData, s.Pattern())
	require.Equal(t, 3, s.DataElementCount())
	require.Equal(t, []byte{0x81}, s.DataElement(0).UnwrapOr(nil))
	require.Equal(t, []byte{5}, s.DataElement(1).UnwrapOr(nil))
	require.Equal(t, []byte{16}, s.DataElement(2).UnwrapOr(nil))

	// Act: OP_RESERVED after OP_RETURN.
	s = Classify([]byte{
		txscript.OP_RETURN, txscript.OP_RESERVED,
	}, PositionOutput)

	// Assert.
	require.NotEqual(t, NullData, s.Pattern())
	require.Zero(t, s.DataElementCount())

	// Act: an input script mixing both.
	s = Classify([]byte{
		txscript.OP_1NEGATE, txscript.OP_RESERVED, txscript.OP_DATA_1,
		0x07,
	}, PositionInput)

	// Assert.
	require.Equal(t, [][]byte{{0x81}, {0x07}}, s.Pushes())
}

// TestPatternString makes sure every pattern has a name.
func TestPatternString(t *testing.T) {
	t.Parallel()

	for p := None; p <= Malformed; p++ {
		require.NotContains(t, p.String(), "Pattern(")
	}
	require.Equal(t, "Pattern(200)", Pattern(200).String())
}
