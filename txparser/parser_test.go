package txparser

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/cursor"
	"github.com/stretchr/testify/require"
)

const genesisHash = "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"

// serializeBlock returns the wire encoding of msg.
func serializeBlock(t *testing.T, msg *wire.MsgBlock) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, msg.Serialize(&buf))

	return buf.Bytes()
}

// genesisBytes returns the 285 byte main network genesis block.
func genesisBytes(t *testing.T) []byte {
	t.Helper()

	raw := serializeBlock(t, chaincfg.MainNetParams.GenesisBlock)
	require.Len(t, raw, 285)

	return raw
}

// segwitBlock builds a two transaction block whose second transaction
// spends a witness output, with a valid witness commitment in the coinbase.
func segwitBlock(t *testing.T) *wire.MsgBlock {
	t.Helper()

	coinbase := wire.NewMsgTx(1)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  []byte{0x03, 0x01, 0x02, 0x03},
		Witness:          wire.TxWitness{make([]byte, 32)},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(50_0000_0000, append(
		[]byte{0x00, 0x14}, bytes.Repeat([]byte{0x11}, 20)...,
	)))

	spend := wire.NewMsgTx(2)
	spend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  chainhash.Hash{0x01, 0x02},
			Index: 1,
		},
		Witness: wire.TxWitness{
			bytes.Repeat([]byte{0x30}, 71),
			append([]byte{0x02}, bytes.Repeat([]byte{0x22}, 32)...),
		},
		Sequence: 0xfffffffd,
	})
	spend.AddTxOut(wire.NewTxOut(99_999_000, append(
		[]byte{0x00, 0x14}, bytes.Repeat([]byte{0x33}, 20)...,
	)))

	// The witness root zeroes the coinbase wtxid, so the commitment can
	// be added to the coinbase afterwards without changing the root.
	witnessRoot := blockchain.CalcMerkleRoot([]*btcutil.Tx{
		btcutil.NewTx(coinbase), btcutil.NewTx(spend),
	}, true)

	var preimage [64]byte
	copy(preimage[:32], witnessRoot[:])
	commitment := chainhash.DoubleHashH(preimage[:])

	coinbase.AddTxOut(wire.NewTxOut(0, append(
		append([]byte(nil), witnessCommitmentHeader...),
		commitment[:]...,
	)))

	msg := wire.NewMsgBlock(&wire.BlockHeader{
		Version:   0x20000000,
		PrevBlock: chainhash.Hash{0xaa},
		Bits:      0x207fffff,
		Nonce:     7,
	})
	msg.AddTransaction(coinbase)
	msg.AddTransaction(spend)

	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot([]*btcutil.Tx{
		btcutil.NewTx(coinbase), btcutil.NewTx(spend),
	}, false)

	return msg
}

// TestParseGenesisBlock parses the main network genesis block and checks its
// well known properties.
func TestParseGenesisBlock(t *testing.T) {
	t.Parallel()

	// Arrange.
	raw := genesisBytes(t)
	want, err := chainhash.NewHashFromStr(genesisHash)
	require.NoError(t, err)

	// Act.
	blk, err := ParseBlock(raw, want)

	// Assert.
	require.NoError(t, err)
	require.Equal(t, *want, blk.Hash)
	require.Equal(t, *chaincfg.MainNetParams.GenesisHash, blk.Hash)
	require.Len(t, blk.Transactions, 1)

	coinbase := blk.Coinbase()
	require.True(t, coinbase.IsCoinBase())
	require.Len(t, coinbase.Inputs, 1)
	require.Equal(t, chainhash.Hash{}, coinbase.Inputs[0].PreviousOutPoint.Hash)
	require.Equal(t, uint32(0xffffffff),
		coinbase.Inputs[0].PreviousOutPoint.Index)
	require.Len(t, coinbase.Outputs, 1)
	require.Equal(t, btcutil.Amount(50_0000_0000), coinbase.Outputs[0].Value)

	require.Equal(t, blk.Header.MerkleRoot, blk.TxHashes[0])
	require.Equal(t, blk.Header.MerkleRoot, coinbase.TxHash())
	require.Equal(t, raw, blk.Serialize())

	// Checking mode agrees.
	require.NoError(t, CheckBlock(raw, want))
}

// TestBlockBitFlip makes sure a single flipped bit is caught either by the
// merkle root or by the expected hash.
func TestBlockBitFlip(t *testing.T) {
	t.Parallel()

	raw := genesisBytes(t)

	// Byte 205 is the first byte of the coinbase output value.
	flipped := append([]byte(nil), raw...)
	flipped[205] ^= 0x01

	_, err := ParseBlock(flipped, nil)
	require.True(t, IsErrorCode(err, ErrInvalidMerkleRoot), "got %v", err)

	// A flip inside the coinbase script.
	flipped = append([]byte(nil), raw...)
	flipped[140] ^= 0x80

	_, err = ParseBlock(flipped, nil)
	require.True(t, IsErrorCode(err, ErrInvalidMerkleRoot), "got %v", err)

	// A flip in the header nonce with an expected hash.
	flipped = append([]byte(nil), raw...)
	flipped[79] ^= 0x01

	err = CheckBlock(flipped, chaincfg.MainNetParams.GenesisHash)
	require.True(t, IsErrorCode(err, ErrHashMismatch), "got %v", err)
}

// TestBlockTransactionCountBoundary checks that a block needs at least one
// transaction.
func TestBlockTransactionCountBoundary(t *testing.T) {
	t.Parallel()

	raw := genesisBytes(t)

	empty := append(append([]byte(nil), raw[:HeaderSize]...), 0x00)
	_, err := ParseBlock(empty, nil)
	require.True(t, IsErrorCode(err, ErrMalformed), "got %v", err)

	_, err = ParseBlock(raw, nil)
	require.NoError(t, err)
}

// TestTruncatedBlock feeds every strict prefix of a block to the parser and
// expects a typed failure each time.
func TestTruncatedBlock(t *testing.T) {
	t.Parallel()

	raws := [][]byte{genesisBytes(t), serializeBlock(t, segwitBlock(t))}
	for _, raw := range raws {
		for n := 0; n < len(raw); n++ {
			_, err := ParseBlock(raw[:n], nil)
			require.Error(t, err, "prefix %d", n)

			var perr Error
			require.ErrorAs(t, err, &perr, "prefix %d", n)
		}
	}
}

// TestSegwitBlock parses a block with witness data and a commitment and
// cross-checks the hashes against btcd.
func TestSegwitBlock(t *testing.T) {
	t.Parallel()

	// Arrange.
	msg := segwitBlock(t)
	raw := serializeBlock(t, msg)
	want := msg.BlockHash()

	// Act.
	enc, err := DecodeBlock(raw, &want)
	require.NoError(t, err)
	blk := enc.Block(true)

	// Assert.
	require.True(t, enc.HasWitnessCommitment)
	require.Len(t, blk.Transactions, 2)

	for i, tx := range blk.Transactions {
		ref := msg.Transactions[i]
		require.Equal(t, ref.TxHash(), tx.TxHash())
		require.Equal(t, ref.WitnessHash(), tx.WitnessHash())
		require.Equal(t, ref.TxHash(), enc.Transactions[i].TxHash())
		require.Equal(t, ref.WitnessHash(),
			enc.Transactions[i].WitnessHash())

		var legacy bytes.Buffer
		require.NoError(t, ref.SerializeNoWitness(&legacy))
		require.Equal(t, legacy.Bytes(), tx.SerializeNoWitness())
		require.Equal(t, enc.Transactions[i].Raw, tx.Serialize())
	}

	require.Equal(t, raw, blk.Serialize())
	require.Equal(t, msg.Transactions[1].TxHash(), blk.TxHashes[1])
	require.NotEqual(t, blk.Transactions[1].TxHash(),
		blk.Transactions[1].WitnessHash())
}

// TestDecodeTransactionAtOffset decodes witness transactions that follow
// other data in the buffer, as they do inside a block.
func TestDecodeTransactionAtOffset(t *testing.T) {
	t.Parallel()

	// Arrange: a prefix, then both transactions of the block back to
	// back.
	msg := segwitBlock(t)

	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	for _, tx := range msg.Transactions {
		require.NoError(t, tx.Serialize(&buf))
	}

	c := cursor.New(buf.Bytes())
	require.NoError(t, c.Skip(5))

	for _, ref := range msg.Transactions {
		// Act.
		enc, err := DecodeTransaction(c)

		// Assert.
		require.NoError(t, err)
		require.True(t, enc.Segwit)
		require.Equal(t, ref.TxHash(), enc.TxHash())
		require.Equal(t, ref.WitnessHash(), enc.WitnessHash())

		var legacy bytes.Buffer
		require.NoError(t, ref.SerializeNoWitness(&legacy))
		require.Equal(t, legacy.Bytes(),
			enc.Transaction(true).SerializeNoWitness())
	}
	require.Zero(t, c.Remaining())
}

// TestCheckBlock validates a witness block without building its records and
// still catches a tampered witness in a non-coinbase transaction.
func TestCheckBlock(t *testing.T) {
	t.Parallel()

	// Arrange.
	msg := segwitBlock(t)
	raw := serializeBlock(t, msg)
	want := msg.BlockHash()

	// Act.
	enc, err := decodeBlock(raw, &want, ModeChecking)

	// Assert: the block is valid but nothing is returned.
	require.NoError(t, err)
	require.Nil(t, enc)
	require.NoError(t, CheckBlock(raw, &want))

	// Arrange: altering witness data leaves the txid and so the merkle
	// root alone, but breaks the commitment.
	msg.Transactions[1].TxIn[0].Witness[0][0] ^= 0xff
	raw = serializeBlock(t, msg)

	// Act.
	err = CheckBlock(raw, nil)

	// Assert.
	require.True(t, IsErrorCode(err, ErrInvalidWitnessCommitment),
		"got %v", err)
}

// TestInvalidWitnessCommitment alters the commitment and makes sure the block
// is rejected once the merkle root has been fixed up.
func TestInvalidWitnessCommitment(t *testing.T) {
	t.Parallel()

	msg := segwitBlock(t)
	coinbase := msg.Transactions[0]
	commit := coinbase.TxOut[len(coinbase.TxOut)-1]
	commit.PkScript[len(commit.PkScript)-1] ^= 0xff

	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot([]*btcutil.Tx{
		btcutil.NewTx(coinbase), btcutil.NewTx(msg.Transactions[1]),
	}, false)

	_, err := ParseBlock(serializeBlock(t, msg), nil)
	require.True(t, IsErrorCode(err, ErrInvalidWitnessCommitment),
		"got %v", err)

	// A commitment without the reserved value is also invalid.
	msg = segwitBlock(t)
	msg.Transactions[0].TxIn[0].Witness = nil
	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot([]*btcutil.Tx{
		btcutil.NewTx(msg.Transactions[0]),
		btcutil.NewTx(msg.Transactions[1]),
	}, false)

	_, err = ParseBlock(serializeBlock(t, msg), nil)
	require.True(t, IsErrorCode(err, ErrInvalidWitnessCommitment),
		"got %v", err)
}

// TestMissingWitnessCommitmentAccepted documents that a block with witness
// data but no commitment output is accepted.
func TestMissingWitnessCommitmentAccepted(t *testing.T) {
	t.Parallel()

	msg := segwitBlock(t)
	coinbase := msg.Transactions[0]
	coinbase.TxOut = coinbase.TxOut[:1]
	msg.Header.MerkleRoot = blockchain.CalcMerkleRoot([]*btcutil.Tx{
		btcutil.NewTx(coinbase), btcutil.NewTx(msg.Transactions[1]),
	}, false)

	enc, err := DecodeBlock(serializeBlock(t, msg), nil)
	require.NoError(t, err)
	require.False(t, enc.HasWitnessCommitment)
}

// TestParseTransactionErrors covers malformed standalone transactions.
func TestParseTransactionErrors(t *testing.T) {
	t.Parallel()

	var good bytes.Buffer
	require.NoError(t, segwitBlock(t).Transactions[1].Serialize(&good))
	raw := good.Bytes()

	tx, err := ParseTransaction(raw)
	require.NoError(t, err)
	require.Equal(t, raw, tx.Serialize())

	tests := []struct {
		name string
		raw  []byte
		code ErrorCode
	}{
		{
			name: "bad witness flag",
			raw: append([]byte{0x02, 0, 0, 0, 0x00, 0x02},
				raw[6:]...),
			code: ErrMalformed,
		},
		{
			name: "trailing bytes",
			raw:  append(append([]byte(nil), raw...), 0x00),
			code: ErrMalformed,
		},
		{
			name: "non-canonical input count",
			raw: append([]byte{0x01, 0, 0, 0, 0xfd, 0x01, 0x00},
				make([]byte, 41)...),
			code: ErrMalformed,
		},
		{
			name: "superfluous witness",
			raw: []byte{
				0x01, 0, 0, 0, 0x00, 0x01,
				// One input with an empty script.
				0x01,
				0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
				0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
				0, 0, 0, 0, 0x00, 0xff, 0xff, 0xff, 0xff,
				// No outputs, an empty witness and lock time.
				0x00, 0x00, 0, 0, 0, 0,
			},
			code: ErrMalformed,
		},
		{
			name: "truncated",
			raw:  raw[:len(raw)-1],
			code: ErrTruncated,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseTransaction(tc.raw)
			require.True(t, IsErrorCode(err, tc.code), "got %v", err)
		})
	}
}

// TestTransactionRoundTrip checks that materializing and re-serializing a
// legacy and a witness transaction reproduces the input.
func TestTransactionRoundTrip(t *testing.T) {
	t.Parallel()

	for _, msgTx := range segwitBlock(t).Transactions {
		var buf bytes.Buffer
		require.NoError(t, msgTx.Serialize(&buf))

		tx, err := ParseTransaction(buf.Bytes())
		require.NoError(t, err)
		require.Equal(t, buf.Bytes(), tx.Serialize())

		// The legacy form parses back to itself and keeps the txid.
		legacy, err := ParseTransaction(tx.SerializeNoWitness())
		require.NoError(t, err)
		require.Equal(t, tx.TxHash(), legacy.TxHash())
		require.Equal(t, legacy.TxHash(), legacy.WitnessHash())

		// The btcd view carries the same data.
		require.Equal(t, msgTx.TxHash(), tx.MsgTx().TxHash())
		require.Equal(t, tx, FromMsgTx(tx.MsgTx()))
	}
}

// TestBlockSize checks that the sequential and the parallel size
// computations agree with each other and with btcd.
func TestBlockSize(t *testing.T) {
	t.Parallel()

	msg := segwitBlock(t)
	raw := serializeBlock(t, msg)

	blk, err := ParseBlock(raw, nil)
	require.NoError(t, err)

	seq := blk.Size()
	par, err := blk.SizeParallel(t.Context())
	require.NoError(t, err)

	require.Equal(t, seq, par)
	require.Equal(t, len(raw), seq.Total)
	require.Equal(t, msg.SerializeSizeStripped(), seq.Base)

	//nolint:gosec
	require.Equal(t, uint64(blockchain.GetBlockWeight(
		btcutil.NewBlock(msg),
	)), seq.Weight().Uint64())
}

// TestZeroCopy checks the allocator policy of ParseBlock.
func TestZeroCopy(t *testing.T) {
	t.Parallel()

	raw := genesisBytes(t)

	shared, err := ParseBlock(raw, nil, WithZeroCopy())
	require.NoError(t, err)
	owned, err := ParseBlock(raw, nil)
	require.NoError(t, err)

	script := shared.Transactions[0].Outputs[0].PkScript
	require.Same(t, &raw[len(raw)-4-len(script)], &script[0])

	ownedScript := owned.Transactions[0].Outputs[0].PkScript
	require.Equal(t, script, ownedScript)
	require.NotSame(t, &script[0], &ownedScript[0])
}
