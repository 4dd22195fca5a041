package chainstore

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreNotFound is returned when opening a chain store file that
	// does not exist.
	ErrStoreNotFound = errors.New("chain store does not exist")

	// ErrCorruptStore is returned when the chain store file cannot be read
	// or is missing one of its required records.
	ErrCorruptStore = errors.New("chain store is corrupt")

	// ErrVersionMismatch is returned when the chain store was written with
	// an unsupported layout version.
	ErrVersionMismatch = errors.New("chain store version mismatch")

	// ErrGenesisMismatch is returned when the chain store belongs to a
	// different network than the one it is opened for.
	ErrGenesisMismatch = errors.New("chain store genesis does not " +
		"match network")

	// ErrBlockNotFound is returned when a block, or the predecessor of a
	// block, is not present in the store.
	ErrBlockNotFound = errors.New("block not found in chain store")
)

// StoreError annotates a chain store failure with the operation and file it
// happened on.
type StoreError struct {
	// Op is the operation that failed, e.g. "open" or "predecessor".
	Op string

	// Path is the chain store file.
	Path string

	// Err is the underlying failure.
	Err error
}

// Error returns a human readable description of the failure.
//
// NOTE: Part of the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("chain store %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying failure so that errors.Is and errors.As see
// through the annotation.
func (e *StoreError) Unwrap() error {
	return e.Err
}
