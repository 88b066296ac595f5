// Package-level error types shared by all store implementations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrStateNotFound indicates no state document exists yet. Stores
	// return it so callers can start from a fresh document.
	ErrStateNotFound = errors.New("state document not found")

	// ErrMetricsNotFound indicates no metrics document exists yet.
	ErrMetricsNotFound = errors.New("metrics document not found")
)

// StoreError wraps a storage failure with the operation being performed.
type StoreError struct {
	Op  string // Operation being performed (e.g. "LoadState", "SaveState")
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a store error with operation context.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// IsNotFound reports whether err indicates a missing document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrMetricsNotFound)
}
