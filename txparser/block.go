// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/cursor"
)

const (
	// HeaderSize is the length of a serialized block header.
	HeaderSize = 80

	// witnessCommitmentSize is the length of a witness commitment output
	// script: OP_RETURN, a 36 byte push, the 4 byte header and the hash.
	witnessCommitmentSize = 38
)

// witnessCommitmentHeader prefixes the witness commitment output script.
var witnessCommitmentHeader = []byte{0x6a, 0x24, 0xaa, 0x21, 0xa9, 0xed}

// Mode selects how much work a block parse performs.
type Mode uint8

const (
	// ModeChecking validates structure and hashes only.
	ModeChecking Mode = iota

	// ModeConstructing additionally materializes the Block.
	ModeConstructing
)

// String returns a human readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeChecking:
		return "checking"

	case ModeConstructing:
		return "constructing"

	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// EncodedBlock is the validated, zero-copy form of a block.
type EncodedBlock struct {
	// Raw is the full block encoding.
	Raw []byte

	Header       wire.BlockHeader
	Hash         chainhash.Hash
	Transactions []*EncodedTransaction

	// HasWitnessCommitment records whether the coinbase committed to the
	// block's witness data.
	HasWitnessCommitment bool
}

// Block is the structured form of a block.
type Block struct {
	Header       wire.BlockHeader
	Hash         chainhash.Hash
	Transactions []*Transaction

	// TxHashes caches the txid of each transaction in order, as computed
	// while validating the merkle root.
	TxHashes []chainhash.Hash
}

// parseOptions holds the optional settings of ParseBlock.
type parseOptions struct {
	zeroCopy bool
}

// ParseOption configures ParseBlock.
type ParseOption func(*parseOptions)

// WithZeroCopy makes the materialized block reference the input buffer
// instead of copying scripts and witness items out of it. The caller must
// then keep the buffer alive and unmodified for the life of the block.
func WithZeroCopy() ParseOption {
	return func(o *parseOptions) {
		o.zeroCopy = true
	}
}

// CheckBlock validates raw in checking mode: the header hash (when expected
// is non-nil), the transaction encodings, the merkle root and the witness
// commitment. No transaction records are built beyond the coinbase.
func CheckBlock(raw []byte, expected *chainhash.Hash) error {
	_, err := decodeBlock(raw, expected, ModeChecking)
	return err
}

// DecodeBlock validates raw and returns its zero-copy form.
func DecodeBlock(raw []byte,
	expected *chainhash.Hash) (*EncodedBlock, error) {

	return decodeBlock(raw, expected, ModeConstructing)
}

// ParseBlock validates raw and materializes it in constructing mode.
func ParseBlock(raw []byte, expected *chainhash.Hash,
	opts ...ParseOption) (*Block, error) {

	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	enc, err := DecodeBlock(raw, expected)
	if err != nil {
		return nil, err
	}

	return enc.Block(!o.zeroCopy), nil
}

// Block materializes the encoded block.
func (e *EncodedBlock) Block(copyBytes bool) *Block {
	blk := &Block{
		Header:       e.Header,
		Hash:         e.Hash,
		Transactions: make([]*Transaction, len(e.Transactions)),
		TxHashes:     make([]chainhash.Hash, len(e.Transactions)),
	}

	for i, tx := range e.Transactions {
		blk.Transactions[i] = tx.Transaction(copyBytes)
		blk.TxHashes[i] = tx.TxHash()
	}

	return blk
}

func decodeBlock(raw []byte, expected *chainhash.Hash,
	mode Mode) (*EncodedBlock, error) {

	c := cursor.New(raw)

	headerBytes, err := c.Read(HeaderSize)
	if err != nil {
		return nil, wrapCursorErr("read header", err)
	}

	blk := &EncodedBlock{
		Raw:  raw,
		Hash: chainhash.DoubleHashH(headerBytes),
	}
	if expected != nil && *expected != blk.Hash {
		return nil, parseError(ErrHashMismatch, fmt.Sprintf("block "+
			"hash %v, expected %v", blk.Hash, *expected), nil)
	}

	blk.Header = decodeHeader(headerBytes)

	count, err := c.ReadLength(minTxSize)
	if err != nil {
		return nil, wrapCursorErr("read transaction count", err)
	}
	if count == 0 {
		return nil, parseError(ErrMalformed, "block has no "+
			"transactions", nil)
	}

	// Checking mode keeps only the coinbase, which the witness commitment
	// needs, and the hashes of the others.
	construct := mode == ModeConstructing
	if construct {
		blk.Transactions = make([]*EncodedTransaction, count)
	}

	var (
		coinbase *EncodedTransaction
		segwit   bool
		hashes   = make([]chainhash.Hash, count)
		wtxids   = make([]chainhash.Hash, count)
	)
	for i := 0; i < count; i++ {
		tx, err := decodeTransaction(c, !construct && i > 0)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}

		if i == 0 {
			coinbase = tx
		} else {
			wtxids[i] = tx.WitnessHash()
		}
		if construct {
			blk.Transactions[i] = tx
		}
		hashes[i] = tx.TxHash()
		segwit = segwit || tx.Segwit
	}

	if c.Remaining() != 0 {
		return nil, parseError(ErrMalformed, fmt.Sprintf("%d trailing "+
			"bytes after block", c.Remaining()), nil)
	}

	root := MerkleRoot(hashes)
	if root != blk.Header.MerkleRoot {
		return nil, parseError(ErrInvalidMerkleRoot, fmt.Sprintf(
			"merkle root %v, header commits to %v", root,
			blk.Header.MerkleRoot), nil)
	}

	blk.HasWitnessCommitment, err = checkWitnessCommitment(
		coinbase, wtxids, segwit,
	)
	if err != nil {
		return nil, err
	}

	log.Tracef("Decoded block %v in %v mode: %d transactions", blk.Hash,
		mode, count)

	if !construct {
		return nil, nil
	}

	return blk, nil
}

// decodeHeader unpacks the 80 byte header. The length has already been
// checked, so no read here can fail.
func decodeHeader(b []byte) wire.BlockHeader {
	c := cursor.New(b)

	var h wire.BlockHeader
	h.Version, _ = c.ReadInt32()
	prev, _ := c.Read(chainhash.HashSize)
	copy(h.PrevBlock[:], prev)
	merkle, _ := c.Read(chainhash.HashSize)
	copy(h.MerkleRoot[:], merkle)
	ts, _ := c.ReadUint32()
	h.Timestamp = time.Unix(int64(ts), 0)
	h.Bits, _ = c.ReadUint32()
	h.Nonce, _ = c.ReadUint32()

	return h
}

// witnessCommitment returns the commitment hash carried by the coinbase, if
// any. When several outputs match, the one with the highest index wins.
func witnessCommitment(coinbase *EncodedTransaction) ([]byte, bool) {
	for i := len(coinbase.Outputs) - 1; i >= 0; i-- {
		script := coinbase.Outputs[i].PkScript
		if len(script) >= witnessCommitmentSize &&
			bytes.HasPrefix(script, witnessCommitmentHeader) {

			start := len(witnessCommitmentHeader)
			return script[start:witnessCommitmentSize], true
		}
	}

	return nil, false
}

// checkWitnessCommitment verifies the coinbase witness commitment when the
// block carries one. wtxids holds the witness hash of every transaction but
// the coinbase, whose slot is left zero. Blocks with witness data but no
// commitment are accepted; only an explicit commitment is checked.
func checkWitnessCommitment(coinbase *EncodedTransaction,
	wtxids []chainhash.Hash, segwit bool) (bool, error) {

	commitment, ok := witnessCommitment(coinbase)
	if !ok {
		if segwit {
			log.Debugf("Accepting block without witness " +
				"commitment that carries witness data")
		}

		return false, nil
	}

	// The reserved value is the single 32 byte item of the coinbase
	// input's witness.
	if len(coinbase.Inputs) != 1 || len(coinbase.Inputs[0].Witness) != 1 ||
		len(coinbase.Inputs[0].Witness[0]) != chainhash.HashSize {

		return true, parseError(ErrInvalidWitnessCommitment,
			"coinbase witness reserved value missing", nil)
	}
	reserved := coinbase.Inputs[0].Witness[0]

	root := MerkleRoot(wtxids)

	var preimage [chainhash.HashSize * 2]byte
	copy(preimage[:], root[:])
	copy(preimage[chainhash.HashSize:], reserved)

	computed := chainhash.DoubleHashH(preimage[:])
	if !bytes.Equal(computed[:], commitment) {
		return true, parseError(ErrInvalidWitnessCommitment,
			fmt.Sprintf("witness commitment %x, computed %v",
				commitment, computed), nil)
	}

	return true, nil
}

// Serialize returns the network encoding of the block.
func (b *Block) Serialize() []byte {
	var buf bytes.Buffer

	// Writing to a bytes.Buffer cannot fail.
	_ = b.Header.Serialize(&buf)

	out := cursor.AppendCompactSize(buf.Bytes(),
		uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		out = append(out, tx.Serialize()...)
	}

	return out
}

// Coinbase returns the first transaction of the block.
func (b *Block) Coinbase() *Transaction {
	return b.Transactions[0]
}
