package multibitd

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures reported by the SyncService.
type ErrorKind uint8

const (
	// KindStore is a chain store open, create or lookup failure.
	KindStore ErrorKind = iota

	// KindConnectivity is a peer resolution or connection failure.
	KindConnectivity

	// KindPersistence is a wallet load or save failure.
	KindPersistence

	// KindFormat is a malformed destination address or amount.
	KindFormat

	// KindInsufficientFunds means the wallet can't cover a payment.
	KindInsufficientFunds

	// KindState is an operation called in a state that doesn't allow it.
	KindState
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindStore:
		return "StoreError"
	case KindConnectivity:
		return "ConnectivityError"
	case KindPersistence:
		return "PersistenceError"
	case KindFormat:
		return "FormatError"
	case KindInsufficientFunds:
		return "InsufficientFunds"
	case KindState:
		return "StateError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Error is returned by the SyncService operations. It records which
// operation failed and the class of the failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}

func newError(kind ErrorKind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}
