// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package walletpb holds the persisted records of the wallet ledger. The
// records use the protocol buffer wire format so that fields can be added
// without a migration: readers skip fields they do not know. Each record
// carries a version, and a record written by a newer incompatible version
// is refused.
package walletpb

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// CurrentVersion is the record version written by this package.
const CurrentVersion = 1

var (
	// ErrUnknownVersion is returned when a record was written with a
	// version newer than CurrentVersion.
	ErrUnknownVersion = errors.New("unknown record version")

	// ErrMissingVersion is returned when a record has no version field.
	ErrMissingVersion = errors.New("record version missing")

	// ErrWrongType is returned when a known field has an unexpected wire
	// type.
	ErrWrongType = errors.New("unexpected wire type")
)

// fieldFunc decodes the value of field num from b and returns the number
// of bytes consumed. It returns zero to skip the field.
type fieldFunc func(num protowire.Number, typ protowire.Type,
	b []byte) (int, error)

// consumeFields walks every field of a message.
func consumeFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := f(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}

		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}

	return nil
}

func expect(typ, want protowire.Type) error {
	if typ != want {
		return fmt.Errorf("%w: %d, want %d", ErrWrongType, typ, want)
	}

	return nil
}

// varint decodes a varint field into dst.
func varint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if err := expect(typ, protowire.VarintType); err != nil {
		return 0, err
	}

	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v

	return n, nil
}

func uint32Field(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	var v uint64
	n, err := varint(typ, b, &v)
	//nolint:gosec
	*dst = uint32(v)

	return n, err
}

func int64Field(typ protowire.Type, b []byte, dst *int64) (int, error) {
	var v uint64
	n, err := varint(typ, b, &v)
	*dst = protowire.DecodeZigZag(v)

	return n, err
}

func boolField(typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v uint64
	n, err := varint(typ, b, &v)
	*dst = protowire.DecodeBool(v)

	return n, err
}

// bytesField decodes a length delimited field into a copy owned by dst.
func bytesField(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if err := expect(typ, protowire.BytesType); err != nil {
		return 0, err
	}

	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = append([]byte(nil), v...)

	return n, nil
}

func stringField(typ protowire.Type, b []byte, dst *string) (int, error) {
	var v []byte
	n, err := bytesField(typ, b, &v)
	*dst = string(v)

	return n, err
}

// appendVarint appends a varint field, omitting zero values.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendVarint(b, num, protowire.EncodeBool(v))
}

// appendBytes appends a length delimited field, omitting empty values.
func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	return appendBytes(b, num, []byte(v))
}

// checkVersion validates the decoded version of a record.
func checkVersion(v uint32) error {
	switch {
	case v == 0:
		return ErrMissingVersion

	case v > CurrentVersion:
		return fmt.Errorf("%w: %d", ErrUnknownVersion, v)

	default:
		return nil
	}
}
