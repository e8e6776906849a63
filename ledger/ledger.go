/*
ledger.go - The movement ledger, the only write path into stock

PURPOSE:
  MovementLedger is the single source of truth for inventory changes.
  Every receive, adjustment, waste, transfer, and dispense is recorded
  here. Stock is always computed by folding movements - there is no
  separate "on hand" field that can drift.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: no update, no delete. Ever.
  2. SIGNED:      quantity is never zero; each type has a fixed sign
                  convention (RECEIVE in, DISPENSE/WASTE out)
  3. GUARDED:     an outbound movement is rejected if it would drive
                  the projected stock for its key below zero
  4. IDEMPOTENT:  same idempotency key = same movement, no duplicates

CORRECTIONS:
  A mistaken movement is never edited. Record an offsetting ADJUST
  and both remain in the ledger; the net effect is the correction and
  the history is preserved.

SIGN NORMALIZATION:
  Callers submit RECEIVE, WASTE and DISPENSE quantities as magnitudes;
  the ledger stores RECEIVE positive and WASTE/DISPENSE negative.
  ADJUST and TRANSFER keep the caller's sign and only reject zero.

SEE ALSO:
  - store.go:     persistence contracts
  - projector.go: reading stock back out
*/
package ledger

import (
	"context"
	"fmt"
)

// AppendObserver is notified after a movement is durably appended.
// The stock projector registers itself to invalidate its cache.
type AppendObserver interface {
	MovementAppended(key StockKey)
}

// MovementLedger validates and appends movements.
type MovementLedger struct {
	store     Store
	observers []AppendObserver
}

func NewMovementLedger(store Store, observers ...AppendObserver) *MovementLedger {
	return &MovementLedger{store: store, observers: observers}
}

// Append validates, normalizes, and persists one movement.
//
// For DISPENSE and WASTE the projected stock for the movement's key is
// recomputed from the same store view and the movement is rejected
// with InsufficientStockError if the result would be negative. When
// the store view is a unit-of-work transaction this read-then-write
// happens inside one atomic scope, so a concurrent committed movement
// is never invisible to the check.
func (l *MovementLedger) Append(ctx context.Context, m Movement) error {
	normalized, err := Normalize(m)
	if err != nil {
		return err
	}

	if normalized.IdempotencyKey != "" {
		exists, err := l.store.Exists(ctx, normalized.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	if normalized.Outbound() {
		if err := l.checkStock(ctx, normalized); err != nil {
			return err
		}
	}

	if err := l.store.Append(ctx, normalized); err != nil {
		return err
	}
	l.notify(normalized.Key())
	return nil
}

// AppendBatch validates and persists movements atomically.
// Outbound movements are checked against the stock projected from the
// store plus the preceding movements of the same batch.
func (l *MovementLedger) AppendBatch(ctx context.Context, ms []Movement) error {
	normalized := make([]Movement, len(ms))
	for i, m := range ms {
		n, err := Normalize(m)
		if err != nil {
			return fmt.Errorf("movement %d: %w", i, err)
		}
		normalized[i] = n
	}

	for _, m := range normalized {
		if m.IdempotencyKey == "" {
			continue
		}
		exists, err := l.store.Exists(ctx, m.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}

	// Running per-key deltas so a batch cannot overdraw by splitting
	// an outbound quantity across movements.
	pending := make(map[StockKey]Quantity)
	for _, m := range normalized {
		if m.Outbound() {
			existing, err := l.store.Load(ctx, m.Key())
			if err != nil {
				return err
			}
			available := Fold(existing).Add(pending[m.Key()])
			after := available.Add(m.Quantity)
			if after.IsNegative() {
				return &InsufficientStockError{
					Key:       m.Key(),
					Available: available,
					Requested: m.Quantity.Abs(),
				}
			}
		}
		pending[m.Key()] = pending[m.Key()].Add(m.Quantity)
	}

	if err := l.store.AppendBatch(ctx, normalized); err != nil {
		return err
	}
	for key := range pending {
		l.notify(key)
	}
	return nil
}

// Movements returns the full history for a key, read-only.
func (l *MovementLedger) Movements(ctx context.Context, key StockKey) ([]Movement, error) {
	return l.store.Load(ctx, key)
}

func (l *MovementLedger) checkStock(ctx context.Context, m Movement) error {
	existing, err := l.store.Load(ctx, m.Key())
	if err != nil {
		return err
	}
	available := Fold(existing)
	if available.Add(m.Quantity).IsNegative() {
		return &InsufficientStockError{
			Key:       m.Key(),
			Available: available,
			Requested: m.Quantity.Abs(),
		}
	}
	return nil
}

func (l *MovementLedger) notify(key StockKey) {
	for _, o := range l.observers {
		o.MovementAppended(key)
	}
}

// Normalize applies the sign conventions and rejects malformed
// movements. It returns a copy; the input is not mutated.
func Normalize(m Movement) (Movement, error) {
	if !KnownMovementType(m.Type) {
		return m, fmt.Errorf("%w: %q", ErrUnknownMovementType, m.Type)
	}
	if m.Quantity.IsZero() {
		return m, ErrZeroQuantity
	}

	switch m.Type {
	case MovementReceive:
		m.Quantity = m.Quantity.Abs()
	case MovementWaste, MovementDispense:
		m.Quantity = m.Quantity.Abs().Neg()
	}
	return m, nil
}
