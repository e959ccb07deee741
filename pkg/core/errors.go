// Package core provides the error taxonomy and typed configuration shared by the
// memory substrate components.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
//
// Cache misses and threshold non-matches are never reported through these
// errors; they are ordinary return values.
var (
	// ErrNotFound indicates that a requested record or cluster does not exist.
	ErrNotFound = errors.New("not found")

	// ErrRejected indicates that content was refused by the safety gate.
	// It is informational: callers proceed without caching or clustering the item.
	ErrRejected = errors.New("rejected by safety gate")

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates a malformed argument such as an empty cache key
	// or a zero-length vector.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDimensionMismatch indicates vectors of different dimensionality were combined.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrStorageOperation indicates that a record store operation failed.
	// Such failures are transient from the substrate's point of view.
	ErrStorageOperation = errors.New("storage operation failed")

	// ErrConnectionFailed indicates that a connection to the storage backend failed.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrEmbeddingFailed indicates that embedding generation failed.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// MemoryError wraps errors with operation context.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Reinforce",
//	    Err: ErrNotFound,
//	}
//	// Error() returns: "substrate: Reinforce: not found"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
func (e *MemoryError) Error() string {
	return fmt.Sprintf("substrate: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error so errors.Is and errors.As keep working.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping err.
//
// If err is nil, returns nil, which allows:
//
//	return NewMemoryError("AddMember", err)
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}

// IsTransient reports whether err is a store failure the orchestrator may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageOperation) || errors.Is(err, ErrConnectionFailed)
}
