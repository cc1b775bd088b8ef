package reconcile

import (
	"context"
	"errors"
)

// Static errors for the reconciliation engine
var (
	// ErrDataAccess wraps connectivity and query failures reported by an Executor or Cursor
	ErrDataAccess = errors.New("data access error")

	// ErrInvalidBoundary means the lower and upper window keys do not describe the same columns and types
	ErrInvalidBoundary = errors.New("invalid boundary keys")

	// ErrComparatorMismatch means an identity column is absent from the rows it must compare
	ErrComparatorMismatch = errors.New("identity column mismatch")

	// ErrInvalidMapping is returned by TableMapping.Validate
	ErrInvalidMapping = errors.New("invalid table mapping")
)

// IsRetryable reports whether a failed step may be attempted again.
// Only data access errors qualify, and never once the context is done.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrDataAccess)
}
