// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txparser

import (
	"errors"
	"fmt"

	"github.com/btcsuite/walletcore/pkg/cursor"
)

// ErrorCode identifies a category of parse failure.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrTruncated indicates the input ended before the structure being
	// decoded was complete.
	ErrTruncated ErrorCode = iota

	// ErrMalformed indicates a structurally invalid encoding, such as a
	// non-canonical CompactSize, a bad segwit flag, or a block with no
	// transactions.
	ErrMalformed

	// ErrHashMismatch indicates the block header hash differs from the
	// hash the caller expected.
	ErrHashMismatch

	// ErrInvalidMerkleRoot indicates the merkle root computed from the
	// transactions differs from the one committed in the header.
	ErrInvalidMerkleRoot

	// ErrInvalidWitnessCommitment indicates the coinbase carries a witness
	// commitment that does not match the block's witness data.
	ErrInvalidWitnessCommitment
)

// errorCodeStrings maps each ErrorCode to a human readable name.
var errorCodeStrings = map[ErrorCode]string{
	ErrTruncated:                "ErrTruncated",
	ErrMalformed:                "ErrMalformed",
	ErrHashMismatch:             "ErrHashMismatch",
	ErrInvalidMerkleRoot:        "ErrInvalidMerkleRoot",
	ErrInvalidWitnessCommitment: "ErrInvalidWitnessCommitment",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// Error describes a parse failure. The Code field can be used to
// programmatically react to the failure, e.g. to score down a peer for
// invalid data versus asking for more bytes after a truncation.
type Error struct {
	Code ErrorCode
	Desc string
	Err  error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}

	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

func parseError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// wrapCursorErr converts a cursor failure into a parse Error carrying the
// matching code.
func wrapCursorErr(desc string, err error) error {
	switch {
	case errors.Is(err, cursor.ErrTruncated):
		return parseError(ErrTruncated, desc, err)

	default:
		return parseError(ErrMalformed, desc, err)
	}
}

// IsErrorCode returns whether err is an Error with the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	var e Error
	if errors.As(err, &e) {
		return e.Code == code
	}

	return false
}
