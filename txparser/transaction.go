// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/pkg/cursor"
)

// Input is a transaction input.
type Input struct {
	PreviousOutPoint wire.OutPoint
	SignatureScript  []byte
	Witness          wire.TxWitness
	Sequence         uint32
}

// Output is a transaction output. Index is the position of the output within
// its transaction.
type Output struct {
	Index    uint32
	Value    btcutil.Amount
	PkScript []byte
}

// Transaction is the structured form of a bitcoin transaction. Hashes and
// sizes are computed on demand from the fields, so a Transaction built or
// modified by hand never reports stale values.
type Transaction struct {
	Version  int32
	Inputs   []Input
	Outputs  []Output
	LockTime uint32
}

// ParseTransaction decodes a standalone transaction. The whole buffer must be
// consumed; trailing bytes are rejected as malformed. The returned
// Transaction owns copies of all byte fields.
func ParseTransaction(raw []byte) (*Transaction, error) {
	c := cursor.New(raw)

	enc, err := DecodeTransaction(c)
	if err != nil {
		return nil, err
	}

	if c.Remaining() != 0 {
		return nil, parseError(ErrMalformed, "trailing bytes after "+
			"transaction", nil)
	}

	return enc.Transaction(true), nil
}

// Transaction materializes the encoded transaction. When copyBytes is false
// the scripts and witness items keep referencing the decoded buffer.
func (e *EncodedTransaction) Transaction(copyBytes bool) *Transaction {
	clone := func(b []byte) []byte {
		if !copyBytes || b == nil {
			return b
		}

		return append(make([]byte, 0, len(b)), b...)
	}

	tx := &Transaction{
		Version:  e.Version,
		Inputs:   make([]Input, len(e.Inputs)),
		Outputs:  make([]Output, len(e.Outputs)),
		LockTime: e.LockTime,
	}

	for i, in := range e.Inputs {
		txIn := &tx.Inputs[i]
		copy(txIn.PreviousOutPoint.Hash[:], in.PrevHash)
		txIn.PreviousOutPoint.Index = in.PrevIndex
		txIn.SignatureScript = clone(in.SigScript)
		txIn.Sequence = in.Sequence

		if len(in.Witness) > 0 {
			txIn.Witness = make(wire.TxWitness, len(in.Witness))
			for j, item := range in.Witness {
				txIn.Witness[j] = clone(item)
			}
		}
	}

	for i, out := range e.Outputs {
		tx.Outputs[i] = Output{
			//nolint:gosec
			Index:    uint32(i),
			Value:    btcutil.Amount(out.Value),
			PkScript: clone(out.PkScript),
		}
	}

	return tx
}

// FromMsgTx builds a Transaction from its btcd wire representation. Byte
// fields are shared with msg.
func FromMsgTx(msg *wire.MsgTx) *Transaction {
	tx := &Transaction{
		Version:  msg.Version,
		Inputs:   make([]Input, len(msg.TxIn)),
		Outputs:  make([]Output, len(msg.TxOut)),
		LockTime: msg.LockTime,
	}

	for i, in := range msg.TxIn {
		tx.Inputs[i] = Input{
			PreviousOutPoint: in.PreviousOutPoint,
			SignatureScript:  in.SignatureScript,
			Witness:          in.Witness,
			Sequence:         in.Sequence,
		}
	}

	for i, out := range msg.TxOut {
		tx.Outputs[i] = Output{
			//nolint:gosec
			Index:    uint32(i),
			Value:    btcutil.Amount(out.Value),
			PkScript: out.PkScript,
		}
	}

	return tx
}

// MsgTx returns the btcd wire representation of the transaction. Byte fields
// are shared with tx.
func (tx *Transaction) MsgTx() *wire.MsgTx {
	msg := wire.NewMsgTx(tx.Version)
	msg.LockTime = tx.LockTime

	for _, in := range tx.Inputs {
		msg.TxIn = append(msg.TxIn, &wire.TxIn{
			PreviousOutPoint: in.PreviousOutPoint,
			SignatureScript:  in.SignatureScript,
			Witness:          in.Witness,
			Sequence:         in.Sequence,
		})
	}

	for _, out := range tx.Outputs {
		msg.TxOut = append(msg.TxOut, wire.NewTxOut(
			int64(out.Value), out.PkScript,
		))
	}

	return msg
}

// IsCoinBase reports whether the transaction has the shape of a coinbase: a
// single input spending the null outpoint.
func (tx *Transaction) IsCoinBase() bool {
	if len(tx.Inputs) != 1 {
		return false
	}

	prev := tx.Inputs[0].PreviousOutPoint

	return prev.Index == wire.MaxPrevOutIndex && prev.Hash == chainhash.Hash{}
}

// HasWitness reports whether any input carries witness data. Only such
// transactions are serialized in the extended format.
func (tx *Transaction) HasWitness() bool {
	for _, in := range tx.Inputs {
		if len(in.Witness) > 0 {
			return true
		}
	}

	return false
}

// TxHash returns the transaction id.
func (tx *Transaction) TxHash() chainhash.Hash {
	return chainhash.DoubleHashH(tx.SerializeNoWitness())
}

// WitnessHash returns the witness transaction id.
func (tx *Transaction) WitnessHash() chainhash.Hash {
	if !tx.HasWitness() {
		return tx.TxHash()
	}

	return chainhash.DoubleHashH(tx.Serialize())
}

// Serialize returns the network encoding of the transaction, including
// witness data when present. For a parsed transaction this reproduces the
// original bytes exactly.
func (tx *Transaction) Serialize() []byte {
	witness := tx.HasWitness()
	return tx.appendTo(make([]byte, 0, tx.size(witness)), witness)
}

// SerializeNoWitness returns the normalized legacy encoding used for the
// txid and for legacy signature hashing.
func (tx *Transaction) SerializeNoWitness() []byte {
	return tx.appendTo(make([]byte, 0, tx.size(false)), false)
}

// BaseSize returns the length of the witness-stripped serialization.
func (tx *Transaction) BaseSize() int {
	return tx.size(false)
}

// TotalSize returns the length of the full serialization.
func (tx *Transaction) TotalSize() int {
	return tx.size(tx.HasWitness())
}

// Weight returns the transaction weight.
func (tx *Transaction) Weight() btcunit.WeightUnit {
	return btcunit.TxWeight(tx.BaseSize(), tx.TotalSize())
}

// VSize returns the virtual size of the transaction.
func (tx *Transaction) VSize() btcunit.VByte {
	return tx.Weight().ToVB()
}

// TotalOut returns the sum of all output values.
func (tx *Transaction) TotalOut() btcutil.Amount {
	var total btcutil.Amount
	for _, out := range tx.Outputs {
		total += out.Value
	}

	return total
}

func (tx *Transaction) size(witness bool) int {
	// Version and lock time.
	n := 8

	n += cursor.CompactSizeLen(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		n += chainhash.HashSize + 4 + 4
		n += varBytesLen(in.SignatureScript)
	}

	n += cursor.CompactSizeLen(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		n += 8 + varBytesLen(out.PkScript)
	}

	if witness {
		// Marker and flag.
		n += 2
		for _, in := range tx.Inputs {
			n += cursor.CompactSizeLen(uint64(len(in.Witness)))
			for _, item := range in.Witness {
				n += varBytesLen(item)
			}
		}
	}

	return n
}

func (tx *Transaction) appendTo(b []byte, witness bool) []byte {
	//nolint:gosec
	b = binary.LittleEndian.AppendUint32(b, uint32(tx.Version))

	if witness {
		b = append(b, witnessMarker, witnessFlag)
	}

	b = cursor.AppendCompactSize(b, uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		b = append(b, in.PreviousOutPoint.Hash[:]...)
		b = binary.LittleEndian.AppendUint32(
			b, in.PreviousOutPoint.Index,
		)
		b = cursor.AppendVarBytes(b, in.SignatureScript)
		b = binary.LittleEndian.AppendUint32(b, in.Sequence)
	}

	b = cursor.AppendCompactSize(b, uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		//nolint:gosec
		b = binary.LittleEndian.AppendUint64(b, uint64(out.Value))
		b = cursor.AppendVarBytes(b, out.PkScript)
	}

	if witness {
		for _, in := range tx.Inputs {
			b = cursor.AppendCompactSize(b, uint64(len(in.Witness)))
			for _, item := range in.Witness {
				b = cursor.AppendVarBytes(b, item)
			}
		}
	}

	return binary.LittleEndian.AppendUint32(b, tx.LockTime)
}

func varBytesLen(b []byte) int {
	return cursor.CompactSizeLen(uint64(len(b))) + len(b)
}
