package elemindex

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/scriptclass"
	"github.com/btcsuite/walletcore/txparser"
	"github.com/btcsuite/walletcore/waddrmgr"
	"github.com/stretchr/testify/require"
)

// testElement returns the element of a deterministic key at index.
func testElement(t *testing.T, seed byte, index uint32) *waddrmgr.Element {
	t.Helper()

	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))

	return waddrmgr.NewElement(waddrmgr.Key{
		Subaccount: 1, Subchain: waddrmgr.External, Index: index,
	}, priv.PubKey())
}

// multisig builds a bare 1-of-n multisig script.
func multisig(t *testing.T, keys ...[]byte) []byte {
	t.Helper()

	b := txscript.NewScriptBuilder().AddOp(txscript.OP_1)
	for _, k := range keys {
		b.AddData(k)
	}
	//nolint:gosec
	b.AddInt64(int64(len(keys))).AddOp(txscript.OP_CHECKMULTISIG)

	script, err := b.Script()
	require.NoError(t, err)

	return script
}

// TestMatchTransaction runs a transaction touching the wallet in every
// supported way through the matcher.
func TestMatchTransaction(t *testing.T) {
	t.Parallel()

	// Arrange.
	e1 := testElement(t, 1, 0)
	e2 := testElement(t, 2, 1)
	e3 := testElement(t, 3, 2)
	foreign := testElement(t, 9, 0)
	idx := New([]*waddrmgr.Element{e1, e2, e3})

	owned := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 3}
	tx := &txparser.Transaction{
		Version: 2,
		Inputs: []txparser.Input{
			{PreviousOutPoint: owned},
			{
				PreviousOutPoint: wire.OutPoint{
					Hash: chainhash.Hash{2},
				},
				Witness: wire.TxWitness{
					bytes.Repeat([]byte{0x30}, 71), e1.PubKey,
				},
			},
			{
				PreviousOutPoint: wire.OutPoint{
					Hash: chainhash.Hash{3},
				},
				Witness: wire.TxWitness{
					bytes.Repeat([]byte{0x30}, 71),
					foreign.PubKey,
				},
			},
		},
		Outputs: []txparser.Output{
			{Index: 0, Value: 1000, PkScript: e1.P2WPKHScript()},
			{Index: 1, Value: 2000, PkScript: foreign.P2PKHScript()},
			{Index: 2, Value: 3000, PkScript: e2.P2TRScript()},
			{Index: 3, Value: 4000, PkScript: multisig(
				t, foreign.PubKey, e3.PubKey,
			)},
			{Index: 4, PkScript: []byte{txscript.OP_RETURN}},
		},
	}

	// Act.
	m := idx.MatchTransaction(tx, OutPoints{owned: {}})

	// Assert.
	require.True(t, m.Relevant())
	require.Equal(t, tx.TxHash(), m.TxHash)

	require.Len(t, m.Outputs, 3)
	require.Equal(t, uint32(0), m.Outputs[0].Output.Index)
	require.Equal(t, []waddrmgr.Key{e1.Key}, m.Outputs[0].Keys)
	require.Equal(t, uint32(2), m.Outputs[1].Output.Index)
	require.Equal(t, scriptclass.PayToTaproot,
		m.Outputs[1].Script.Pattern())
	require.Equal(t, []waddrmgr.Key{e2.Key}, m.Outputs[1].Keys)
	require.Equal(t, uint32(3), m.Outputs[2].Output.Index)
	require.Equal(t, []waddrmgr.Key{e3.Key}, m.Outputs[2].Keys)

	require.Len(t, m.Inputs, 2)
	require.True(t, m.Inputs[0].Spends)
	require.Empty(t, m.Inputs[0].Keys)
	require.Equal(t, uint32(1), m.Inputs[1].Index)
	require.False(t, m.Inputs[1].Spends)
	require.Equal(t, []waddrmgr.Key{e1.Key}, m.Inputs[1].Keys)

	require.ElementsMatch(t, []waddrmgr.Key{e1.Key, e2.Key, e3.Key},
		m.Keys())

	// Matching is a pure function of its inputs.
	require.Equal(t, m, idx.MatchTransaction(tx, OutPoints{owned: {}}))
}

// TestMatchNestedWitness checks that a P2SH-P2WPKH output matches through
// the nested script hash.
func TestMatchNestedWitness(t *testing.T) {
	t.Parallel()

	e := testElement(t, 4, 7)
	idx := New([]*waddrmgr.Element{e})

	script := append([]byte{txscript.OP_HASH160, txscript.OP_DATA_20},
		e.NestedScriptHash...)
	script = append(script, txscript.OP_EQUAL)

	s, keys := idx.MatchOutput(script)
	require.Equal(t, scriptclass.PayToScriptHash, s.Pattern())
	require.Equal(t, []waddrmgr.Key{e.Key}, keys)

	// A bare P2PK output matches through the raw key.
	p2pk := append([]byte{txscript.OP_DATA_33}, e.PubKey...)
	p2pk = append(p2pk, txscript.OP_CHECKSIG)
	_, keys = idx.MatchOutput(p2pk)
	require.Equal(t, []waddrmgr.Key{e.Key}, keys)
}

// TestMatchCoinbase checks that coinbase inputs are never matched while
// its outputs are.
func TestMatchCoinbase(t *testing.T) {
	t.Parallel()

	e := testElement(t, 5, 0)
	idx := New([]*waddrmgr.Element{e})

	tx := &txparser.Transaction{
		Version: 1,
		Inputs: []txparser.Input{{
			PreviousOutPoint: wire.OutPoint{
				Index: wire.MaxPrevOutIndex,
			},
			SignatureScript: append([]byte{txscript.OP_DATA_33},
				e.PubKey...),
		}},
		Outputs: []txparser.Output{
			{Value: 50, PkScript: e.P2PKHScript()},
		},
	}

	m := idx.MatchTransaction(tx, nil)
	require.Empty(t, m.Inputs)
	require.Len(t, m.Outputs, 1)
}

// TestIndexGrowth checks lookups stay exact after the prefilter is rebuilt
// past its initial capacity.
func TestIndexGrowth(t *testing.T) {
	t.Parallel()

	// Arrange.
	idx := New(nil)

	var elems []*waddrmgr.Element
	for i := uint32(0); i < 400; i++ {
		var seed [32]byte
		binary.BigEndian.PutUint32(seed[28:], i+1)
		priv, _ := btcec.PrivKeyFromBytes(seed[:])

		elems = append(elems, waddrmgr.NewElement(waddrmgr.Key{
			Subchain: waddrmgr.Internal, Index: i,
		}, priv.PubKey()))
	}

	// Act.
	for _, e := range elems {
		idx.Add(e)
	}

	// Assert.
	require.Equal(t, 1600, idx.Len())
	for _, e := range elems {
		_, keys := idx.MatchOutput(e.P2WPKHScript())
		require.Equal(t, []waddrmgr.Key{e.Key}, keys)
	}

	// Adding an element twice does not duplicate its keys.
	idx.Add(elems[0])
	require.Equal(t, 1600, idx.Len())
	require.Len(t, idx.Lookup(scriptclass.Element{
		Kind: scriptclass.ElementPubkeyHash, Data: elems[0].PubKeyHash,
	}), 1)
}
