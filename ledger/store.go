/*
store.go - Persistence contracts for the movement ledger

PURPOSE:
  Defines the interface between the ledger and the database. The Store
  persists movements while maintaining append-only semantics. The
  SQLite implementation backs production; an in-memory implementation
  backs unit tests.

APPEND-ONLY CONTRACT:
  The Store interface is the abstraction-boundary guard for the
  ledger's central invariant:
  - Append():      single movement write
  - AppendBatch(): atomic multi-movement write
  - NO Update() or Delete() methods exist

  The SQLite store additionally enforces this at the engine level with
  UPDATE/DELETE triggers, but the invariant holds at this boundary
  even if the backing store changes.

IDEMPOTENCY:
  A movement may carry an idempotency key. If the key already exists
  the write is rejected, so network retries and double-clicks cannot
  double-append.

SEE ALSO:
  - ledger.go:      MovementLedger, validation in front of the Store
  - store/memory.go: in-memory implementation
  - store/sqlite:   production implementation (module root)
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of movements.
// IMPORTANT: Store is APPEND-ONLY. No Update, No Delete. Ever.
// Corrections are made via offsetting movements.
type Store interface {
	// Append persists a movement. Returns ErrDuplicateIdempotencyKey
	// if the movement's idempotency key already exists.
	Append(ctx context.Context, m Movement) error

	// AppendBatch persists movements atomically. All or none.
	AppendBatch(ctx context.Context, ms []Movement) error

	// Load returns all movements for a stock key, ordered by
	// occurred-at then insertion order.
	Load(ctx context.Context, key StockKey) ([]Movement, error)

	// LoadRange returns movements for a key in [from, to].
	LoadRange(ctx context.Context, key StockKey, from, to time.Time) ([]Movement, error)

	// LoadByProduct returns all movements for a product across every
	// batch, ordered as Load.
	LoadByProduct(ctx context.Context, productID ProductID) ([]Movement, error)

	// Exists checks whether an idempotency key has been used.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// TxStore wraps Store with unit-of-work support. Writes made through
// the Store passed to fn commit together or not at all.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
