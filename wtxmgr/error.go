// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wtxmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrDatabase indicates an error with the underlying database. When
	// this error code is set, the Err field of the Error will be set to
	// the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrData describes an error where data stored in the transaction
	// database is incorrect.
	ErrData

	// ErrInput describes an error where the variables passed into this
	// function by the caller are obviously incorrect.
	ErrInput

	// ErrBlockOrder indicates a block that does not extend the ledger
	// tip. The caller must reorganize first.
	ErrBlockOrder

	// ErrInvalidTransition indicates an output state change that the
	// state machine does not allow.
	ErrInvalidTransition

	// ErrUnknownProposal indicates a proposal id with no record.
	ErrUnknownProposal

	// ErrProposalConflict indicates a proposal already bound to a
	// different transaction.
	ErrProposalConflict

	// ErrNoReorg indicates FinalizeReorg was called with no reorg in
	// progress.
	ErrNoReorg

	// ErrReorgIncomplete indicates FinalizeReorg was called before the
	// replacement chain was replayed up to the requested tip.
	ErrReorgIncomplete
)

var errStrs = [...]string{
	ErrDatabase:          "ErrDatabase",
	ErrData:              "ErrData",
	ErrInput:             "ErrInput",
	ErrBlockOrder:        "ErrBlockOrder",
	ErrInvalidTransition: "ErrInvalidTransition",
	ErrUnknownProposal:   "ErrUnknownProposal",
	ErrProposalConflict:  "ErrProposalConflict",
	ErrNoReorg:           "ErrNoReorg",
	ErrReorgIncomplete:   "ErrReorgIncomplete",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if int(e) < len(errStrs) {
		return errStrs[e]
	}

	return fmt.Sprintf("ErrorCode (%d)", e)
}

// Error provides a single type for errors that can happen during Store
// operation.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human readable description of the issue
	Err  error     // Underlying error, optional
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

func storeError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsError returns whether err is an Error with a matching code.
func IsError(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.Code == code
}
