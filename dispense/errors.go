/*
errors.go - The dispense error taxonomy

Four kinds, each with different caller semantics:

  ValidationError    malformed input, rejected before any transaction
                     opens. Not audited; nothing happened.
  RejectionError     a business rule said no inside the transaction.
                     Everything rolls back; the rejection itself is
                     audited after the rollback.
  TransientError     a storage fault (lock timeout, conflict). Safe
                     for the caller to retry with the same idempotency
                     key. Never silently downgraded to success.
  InvariantViolationError
                     ledger corruption detected. Fatal; surfaces to
                     the operator, never retried.
*/
package dispense

import (
	"errors"
	"fmt"
)

// ValidationCode names the malformed input.
type ValidationCode string

const (
	InvalidQuantity ValidationCode = "INVALID_QUANTITY"
	InvalidPayment  ValidationCode = "INVALID_PAYMENT"
	MissingMember   ValidationCode = "MISSING_MEMBER"
	MissingStaff    ValidationCode = "MISSING_STAFF"
	EmptyOrder      ValidationCode = "EMPTY_ORDER"
)

type ValidationError struct {
	Code   ValidationCode
	Line   int // offending line index, -1 when not line-scoped
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("invalid dispense request: %s (line %d): %s", e.Code, e.Line, e.Detail)
	}
	return fmt.Sprintf("invalid dispense request: %s: %s", e.Code, e.Detail)
}

// RejectionCode names the business rule that blocked the dispense.
type RejectionCode string

const (
	MemberNotVerified   RejectionCode = "MEMBER_NOT_VERIFIED"
	InsufficientStock   RejectionCode = "INSUFFICIENT_STOCK"
	PaymentShort        RejectionCode = "PAYMENT_SHORT"
	AppendOnlyViolation RejectionCode = "APPEND_ONLY_VIOLATION"
)

// RejectionError is a business rejection. The unit of work has been
// rolled back in full; only the rejection audit event remains.
type RejectionError struct {
	Code     RejectionCode
	Line     int // offending line index, -1 when not line-scoped
	FailedAt State
	Detail   string
}

func (e *RejectionError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("dispense rejected: %s (line %d): %s", e.Code, e.Line, e.Detail)
	}
	return fmt.Sprintf("dispense rejected: %s: %s", e.Code, e.Detail)
}

// TransientError wraps a storage-layer fault that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store fault during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// InvariantViolationError indicates ledger corruption, e.g. an
// append-only guard was bypassed. Fatal.
type InvariantViolationError struct {
	Detail string
	Err    error
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("ledger invariant violated: %s: %v", e.Detail, e.Err)
}

func (e *InvariantViolationError) Unwrap() error { return e.Err }

// IsTransient reports whether the caller may safely retry.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// AsRejection extracts a business rejection if err is one.
func AsRejection(err error) (*RejectionError, bool) {
	var r *RejectionError
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
