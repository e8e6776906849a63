/*
errors.go - Centralized error types for the movement ledger

ERROR CATEGORIES:
  1. Ledger errors    - append rejections (idempotency, stock guard)
  2. Store errors     - engine-level failures, append-only trigger
  3. Transient errors - lock/serialization faults safe to retry

Callers classify with errors.Is; structured errors carry the details
and Unwrap to the matching sentinel.
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateIdempotencyKey is returned when a movement with the
	// same idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrZeroQuantity is returned for a movement with quantity zero.
	ErrZeroQuantity = errors.New("movement quantity must not be zero")

	// ErrUnknownMovementType is returned for a type outside the five
	// movement types.
	ErrUnknownMovementType = errors.New("unknown movement type")

	// ErrInsufficientStock is returned when an outbound movement would
	// drive the projected stock below zero.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrAppendOnlyViolation is returned when the storage layer rejects
	// an UPDATE or DELETE against an append-only table.
	ErrAppendOnlyViolation = errors.New("append-only violation")

	// ErrConflict is returned for lock timeouts and serialization
	// conflicts. Safe for the caller to retry.
	ErrConflict = errors.New("storage conflict")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientStockError reports a stock shortage for one key.
type InsufficientStockError struct {
	Key       StockKey
	Available Quantity
	Requested Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s batch %q: available %s, requested %s",
		e.Key.ProductID, e.Key.BatchID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError reports whether the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrZeroQuantity) ||
		errors.Is(err, ErrUnknownMovementType) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}
