// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/walletcore/pkg/cursor"
)

const (
	// witnessMarker is the byte that follows the version of a transaction
	// serialized with witness data.
	witnessMarker = 0x00

	// witnessFlag is the only flag value defined after the marker.
	witnessFlag = 0x01

	// minTxInSize is the smallest possible encoded input: outpoint, an
	// empty script length and the sequence.
	minTxInSize = 32 + 4 + 1 + 4

	// minTxOutSize is the smallest possible encoded output: value and an
	// empty script length.
	minTxOutSize = 8 + 1

	// minTxSize bounds the number of transactions a block of a given size
	// can claim to carry.
	minTxSize = 4 + 1 + 1 + 4
)

// EncodedInput is a decoded input whose byte fields reference the buffer it
// was decoded from.
type EncodedInput struct {
	PrevHash  []byte
	PrevIndex uint32
	SigScript []byte
	Sequence  uint32
	Witness   [][]byte
}

// EncodedOutput is a decoded output whose script references the buffer it
// was decoded from.
type EncodedOutput struct {
	Value    int64
	PkScript []byte
}

// EncodedTransaction is the intermediate, zero-copy form of a transaction.
// Every byte slice aliases Raw, which itself aliases the caller's buffer.
type EncodedTransaction struct {
	// Raw is the full network encoding of the transaction.
	Raw []byte

	Version  int32
	Segwit   bool
	Inputs   []EncodedInput
	Outputs  []EncodedOutput
	LockTime uint32

	// bodyStart and bodyEnd delimit the input and output lists within
	// Raw, as offsets from its first byte. Together with the version and
	// lock time they form the legacy serialization the txid commits to.
	bodyStart int
	bodyEnd   int

	txid  chainhash.Hash
	wtxid chainhash.Hash
}

// TxHash returns the transaction id, the double SHA256 of the
// witness-stripped serialization.
func (e *EncodedTransaction) TxHash() chainhash.Hash {
	return e.txid
}

// WitnessHash returns the witness transaction id. It equals TxHash for
// transactions without witness data.
func (e *EncodedTransaction) WitnessHash() chainhash.Hash {
	return e.wtxid
}

// legacyBytes assembles the witness-stripped serialization from the ranges
// recorded while decoding.
func (e *EncodedTransaction) legacyBytes() []byte {
	if !e.Segwit {
		return e.Raw
	}

	n := len(e.Raw)
	b := make([]byte, 0, 4+(e.bodyEnd-e.bodyStart)+4)
	b = append(b, e.Raw[:4]...)
	b = append(b, e.Raw[e.bodyStart:e.bodyEnd]...)

	return append(b, e.Raw[n-4:]...)
}

// DecodeTransaction decodes one transaction starting at the cursor's
// position. On success the cursor is left on the first byte after the
// transaction; on failure its position is unspecified.
func DecodeTransaction(c *cursor.Cursor) (*EncodedTransaction, error) {
	return decodeTransaction(c, false)
}

// decodeTransaction decodes one transaction. With scan set the encoding is
// validated and hashed but Inputs and Outputs are left nil.
func decodeTransaction(c *cursor.Cursor,
	scan bool) (*EncodedTransaction, error) {

	start := c.Pos()
	tx := &EncodedTransaction{}

	var err error
	tx.Version, err = c.ReadInt32()
	if err != nil {
		return nil, wrapCursorErr("read version", err)
	}

	// A zero byte where the input count belongs is the segwit marker,
	// which must be followed by the flag.
	if peek, perr := c.Peek(1); perr == nil && peek[0] == witnessMarker {
		marker, merr := c.Read(2)
		if merr != nil {
			return nil, wrapCursorErr("read witness flag", merr)
		}
		if marker[1] != witnessFlag {
			return nil, parseError(ErrMalformed, "invalid witness "+
				"flag", nil)
		}

		tx.Segwit = true
	}

	tx.bodyStart = c.Pos() - start

	numInputs, err := decodeInputs(c, tx, scan)
	if err != nil {
		return nil, err
	}
	if err := decodeOutputs(c, tx, scan); err != nil {
		return nil, err
	}

	tx.bodyEnd = c.Pos() - start

	if tx.Segwit {
		if err := decodeWitnesses(c, tx, numInputs, scan); err != nil {
			return nil, err
		}
	}

	tx.LockTime, err = c.ReadUint32()
	if err != nil {
		return nil, wrapCursorErr("read lock time", err)
	}

	tx.Raw = c.Bytes()[start:c.Pos()]

	tx.wtxid = chainhash.DoubleHashH(tx.Raw)
	tx.txid = tx.wtxid
	if tx.Segwit {
		tx.txid = chainhash.DoubleHashH(tx.legacyBytes())
	}

	return tx, nil
}

// decodeInputs reads the input list and returns its length.
func decodeInputs(c *cursor.Cursor, tx *EncodedTransaction,
	scan bool) (int, error) {

	count, err := c.ReadLength(minTxInSize)
	if err != nil {
		return 0, wrapCursorErr("read input count", err)
	}

	if !scan {
		tx.Inputs = make([]EncodedInput, count)
	}

	var in EncodedInput
	for i := 0; i < count; i++ {
		if in.PrevHash, err = c.Read(chainhash.HashSize); err != nil {
			return 0, wrapCursorErr("read previous hash", err)
		}
		if in.PrevIndex, err = c.ReadUint32(); err != nil {
			return 0, wrapCursorErr("read previous index", err)
		}
		if in.SigScript, err = c.ReadVarBytes(); err != nil {
			return 0, wrapCursorErr("read signature script", err)
		}
		if in.Sequence, err = c.ReadUint32(); err != nil {
			return 0, wrapCursorErr("read sequence", err)
		}

		if !scan {
			tx.Inputs[i] = in
		}
	}

	return count, nil
}

func decodeOutputs(c *cursor.Cursor, tx *EncodedTransaction,
	scan bool) error {

	count, err := c.ReadLength(minTxOutSize)
	if err != nil {
		return wrapCursorErr("read output count", err)
	}

	if !scan {
		tx.Outputs = make([]EncodedOutput, count)
	}

	var out EncodedOutput
	for i := 0; i < count; i++ {
		if out.Value, err = c.ReadInt64(); err != nil {
			return wrapCursorErr("read output value", err)
		}
		if out.PkScript, err = c.ReadVarBytes(); err != nil {
			return wrapCursorErr("read output script", err)
		}

		if !scan {
			tx.Outputs[i] = out
		}
	}

	return nil
}

// decodeWitnesses reads one witness stack for each of the numInputs
// inputs.
func decodeWitnesses(c *cursor.Cursor, tx *EncodedTransaction,
	numInputs int, scan bool) error {

	var hasWitness bool
	for i := 0; i < numInputs; i++ {
		count, err := c.ReadLength(1)
		if err != nil {
			return wrapCursorErr("read witness item count", err)
		}
		if count == 0 {
			continue
		}

		hasWitness = true
		if scan {
			for j := 0; j < count; j++ {
				if _, err := c.ReadVarBytes(); err != nil {
					return wrapCursorErr("read witness "+
						"item", err)
				}
			}

			continue
		}

		stack := make([][]byte, count)
		for j := range stack {
			if stack[j], err = c.ReadVarBytes(); err != nil {
				return wrapCursorErr("read witness item", err)
			}
		}
		tx.Inputs[i].Witness = stack
	}

	// The extended format must not be used to carry an empty witness, as
	// the transaction would then have two encodings.
	if !hasWitness {
		return parseError(ErrMalformed, "superfluous witness record",
			nil)
	}

	return nil
}
