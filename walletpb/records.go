// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletpb

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// Key is a wallet key slot.
type Key struct {
	Subaccount uint32
	Subchain   uint32
	Index      uint32
}

// Marshal encodes the key.
func (k *Key) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(k.Subaccount))
	b = appendVarint(b, 2, uint64(k.Subchain))

	return appendVarint(b, 3, uint64(k.Index))
}

// Unmarshal decodes the key.
func (k *Key) Unmarshal(b []byte) error {
	*k = Key{}

	return consumeFields(b, func(num protowire.Number, typ protowire.Type,
		b []byte) (int, error) {

		switch num {
		case 1:
			return uint32Field(typ, b, &k.Subaccount)

		case 2:
			return uint32Field(typ, b, &k.Subchain)

		case 3:
			return uint32Field(typ, b, &k.Index)

		default:
			return 0, nil
		}
	})
}

func appendKeys(b []byte, num protowire.Number, keys []Key) []byte {
	for i := range keys {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, keys[i].Marshal())
	}

	return b
}

func keyField(typ protowire.Type, b []byte, dst *[]Key) (int, error) {
	var raw []byte
	n, err := bytesField(typ, b, &raw)
	if err != nil {
		return 0, err
	}

	var k Key
	if err := k.Unmarshal(raw); err != nil {
		return 0, err
	}
	*dst = append(*dst, k)

	return n, nil
}

// BlockchainTransactionOutput is the ledger record of a wallet output.
type BlockchainTransactionOutput struct {
	Version uint32

	TxID    []byte
	Index   uint32
	Value   int64
	Script  []byte
	Pattern uint32

	State    uint32
	Tags     uint32
	Coinbase bool

	Keys  []Key
	Owner string
	Payee string
	Payer string

	// MinedHeight is -1 while the creating transaction is unconfirmed.
	MinedHeight int64
	MinedHash   []byte

	SpentBy    []byte
	SpentIndex uint32
}

// Marshal encodes the output at CurrentVersion.
func (o *BlockchainTransactionOutput) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, CurrentVersion)
	b = appendBytes(b, 2, o.TxID)
	b = appendVarint(b, 3, uint64(o.Index))
	b = appendInt64(b, 4, o.Value)
	b = appendBytes(b, 5, o.Script)
	b = appendVarint(b, 6, uint64(o.Pattern))
	b = appendVarint(b, 7, uint64(o.State))
	b = appendVarint(b, 8, uint64(o.Tags))
	b = appendBool(b, 9, o.Coinbase)
	b = appendKeys(b, 10, o.Keys)
	b = appendString(b, 11, o.Owner)
	b = appendString(b, 12, o.Payee)
	b = appendString(b, 13, o.Payer)
	b = appendInt64(b, 14, o.MinedHeight)
	b = appendBytes(b, 15, o.MinedHash)
	b = appendBytes(b, 16, o.SpentBy)

	return appendVarint(b, 17, uint64(o.SpentIndex))
}

// Unmarshal decodes an output record. Unknown fields are skipped.
func (o *BlockchainTransactionOutput) Unmarshal(b []byte) error {
	*o = BlockchainTransactionOutput{}

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type,
		b []byte) (int, error) {

		switch num {
		case 1:
			return uint32Field(typ, b, &o.Version)

		case 2:
			return bytesField(typ, b, &o.TxID)

		case 3:
			return uint32Field(typ, b, &o.Index)

		case 4:
			return int64Field(typ, b, &o.Value)

		case 5:
			return bytesField(typ, b, &o.Script)

		case 6:
			return uint32Field(typ, b, &o.Pattern)

		case 7:
			return uint32Field(typ, b, &o.State)

		case 8:
			return uint32Field(typ, b, &o.Tags)

		case 9:
			return boolField(typ, b, &o.Coinbase)

		case 10:
			return keyField(typ, b, &o.Keys)

		case 11:
			return stringField(typ, b, &o.Owner)

		case 12:
			return stringField(typ, b, &o.Payee)

		case 13:
			return stringField(typ, b, &o.Payer)

		case 14:
			return int64Field(typ, b, &o.MinedHeight)

		case 15:
			return bytesField(typ, b, &o.MinedHash)

		case 16:
			return bytesField(typ, b, &o.SpentBy)

		case 17:
			return uint32Field(typ, b, &o.SpentIndex)

		default:
			return 0, nil
		}
	})
	if err != nil {
		return err
	}

	return checkVersion(o.Version)
}

// BlockchainTransaction is the ledger record of a wallet transaction.
type BlockchainTransaction struct {
	Version uint32

	TxID []byte

	// Raw is the full serialization of the transaction.
	Raw []byte

	// Height is -1 while the transaction is unconfirmed.
	Height    int64
	BlockHash []byte

	// Time is when the wallet first saw the transaction, in unix seconds.
	Time int64

	Owners   []string
	Keys     []Key
	Proposal []byte

	// Conflicted is set once a confirmed transaction double spent this
	// one.
	Conflicted bool
}

// Marshal encodes the transaction at CurrentVersion.
func (t *BlockchainTransaction) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, CurrentVersion)
	b = appendBytes(b, 2, t.TxID)
	b = appendBytes(b, 3, t.Raw)
	b = appendInt64(b, 4, t.Height)
	b = appendBytes(b, 5, t.BlockHash)
	b = appendInt64(b, 6, t.Time)
	for _, owner := range t.Owners {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, owner)
	}
	b = appendKeys(b, 8, t.Keys)
	b = appendBytes(b, 9, t.Proposal)

	return appendBool(b, 10, t.Conflicted)
}

// Unmarshal decodes a transaction record. Unknown fields are skipped.
func (t *BlockchainTransaction) Unmarshal(b []byte) error {
	*t = BlockchainTransaction{}

	err := consumeFields(b, func(num protowire.Number, typ protowire.Type,
		b []byte) (int, error) {

		switch num {
		case 1:
			return uint32Field(typ, b, &t.Version)

		case 2:
			return bytesField(typ, b, &t.TxID)

		case 3:
			return bytesField(typ, b, &t.Raw)

		case 4:
			return int64Field(typ, b, &t.Height)

		case 5:
			return bytesField(typ, b, &t.BlockHash)

		case 6:
			return int64Field(typ, b, &t.Time)

		case 7:
			var owner string
			n, err := stringField(typ, b, &owner)
			if err == nil {
				t.Owners = append(t.Owners, owner)
			}

			return n, err

		case 8:
			return keyField(typ, b, &t.Keys)

		case 9:
			return bytesField(typ, b, &t.Proposal)

		case 10:
			return boolField(typ, b, &t.Conflicted)

		default:
			return 0, nil
		}
	})
	if err != nil {
		return err
	}

	return checkVersion(t.Version)
}
