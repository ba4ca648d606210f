// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific ManagerError.
const (
	// ErrDatabase indicates an error with the underlying database. When
	// this error code is set, the Err field of the ManagerError will be
	// set to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrNotSupported indicates the operation is not part of the
	// capability set of the subaccount kind it was invoked on. This is a
	// programming error, not a data error.
	ErrNotSupported

	// ErrSubaccountNotFound indicates a subaccount id that does not exist.
	ErrSubaccountNotFound

	// ErrInvalidSubchain indicates a subchain the subaccount does not
	// have.
	ErrInvalidSubchain

	// ErrKeyNotFound indicates a key index that has not been derived or
	// imported.
	ErrKeyNotFound

	// ErrInvalidPaymentCode indicates a payment code that could not be
	// decoded.
	ErrInvalidPaymentCode

	// ErrDerivation indicates a key could not be derived.
	ErrDerivation

	// ErrCorrupt indicates a persisted record could not be decoded.
	ErrCorrupt
)

// errorCodeStrings maps each ErrorCode to a human readable name.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:           "ErrDatabase",
	ErrNotSupported:       "ErrNotSupported",
	ErrSubaccountNotFound: "ErrSubaccountNotFound",
	ErrInvalidSubchain:    "ErrInvalidSubchain",
	ErrKeyNotFound:        "ErrKeyNotFound",
	ErrInvalidPaymentCode: "ErrInvalidPaymentCode",
	ErrDerivation:         "ErrDerivation",
	ErrCorrupt:            "ErrCorrupt",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// ManagerError provides a single type for errors that can happen during
// address manager operation.
type ManagerError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e ManagerError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}

	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e ManagerError) Unwrap() error {
	return e.Err
}

// managerError creates a ManagerError given a set of arguments.
func managerError(c ErrorCode, desc string, err error) ManagerError {
	return ManagerError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a ManagerError with a matching error
// code.
func IsError(err error, code ErrorCode) bool {
	var e ManagerError
	return errors.As(err, &e) && e.ErrorCode == code
}
