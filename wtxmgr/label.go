// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"encoding/binary"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

const (
	// TxLabelLimit is the length limit we impose on transaction labels.
	TxLabelLimit = 500
)

var (
	// ErrEmptyLabel is returned when an attempt to write a label that is
	// empty is made.
	ErrEmptyLabel = errors.New("empty transaction label not allowed")

	// ErrLabelTooLong is returned when an attempt to write a label that is
	// to long is made.
	ErrLabelTooLong = errors.New("transaction label exceeds limit")

	// ErrTxLabelNotFound is returned when no label is found for a
	// transaction hash.
	ErrTxLabelNotFound = errors.New("label for transaction not found")

	// ErrUnknownTransaction is returned when labelling a transaction the
	// ledger has not recorded.
	ErrUnknownTransaction = errors.New("unknown transaction")
)

// PutTxLabel validates transaction labels and writes them to disk if they
// are non-zero and within the label length limit. The entry is keyed by the
// transaction hash:
// [0:32] Transaction hash (32 bytes)
//
// The label itself is written to disk in length value format:
// [0:2] Label length
// [2: +len] Label
func (s *Store) PutTxLabel(ns walletdb.ReadWriteBucket, txid chainhash.Hash,
	label string) error {

	if len(label) == 0 {
		return ErrEmptyLabel
	}

	if len(label) > TxLabelLimit {
		return ErrLabelTooLong
	}

	rec, err := fetchTx(ns, txid)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrUnknownTransaction
	}

	return putTxLabel(writeBucket(ns, bucketTxLabels), txid, label)
}

// putTxLabel writes a label for a tx to the bucket provided. It does not
// validate the label.
func putTxLabel(labelBucket walletdb.ReadWriteBucket, txid chainhash.Hash,
	label string) error {

	// We expect the label length to be limited on creation, so we can
	// store the label's length as a uint16.
	//nolint:gosec
	v := binary.BigEndian.AppendUint16(nil, uint16(len(label)))
	v = append(v, label...)

	if err := labelBucket.Put(txid[:], v); err != nil {
		return storeError(ErrDatabase, "put label", err)
	}

	return nil
}

// FetchTxLabel reads a transaction label from the tx labels bucket. If a
// label with 0 length was written, we return an error, since this is
// unexpected.
func (s *Store) FetchTxLabel(ns walletdb.ReadBucket,
	txid chainhash.Hash) (string, error) {

	v := readBucket(ns, bucketTxLabels).Get(txid[:])
	if v == nil {
		return "", ErrTxLabelNotFound
	}

	return DeserializeLabel(v)
}

// DeserializeLabel reads a deserializes a length-value encoded label from
// the byte array provided.
func DeserializeLabel(v []byte) (string, error) {
	if len(v) < 2 {
		return "", storeError(ErrData, "truncated label", nil)
	}

	// If the label is empty, return an error.
	length := binary.BigEndian.Uint16(v[0:2])
	if length == 0 {
		return "", ErrEmptyLabel
	}

	// Read the remainder of the bytes into a label string.
	return string(v[2:]), nil
}
