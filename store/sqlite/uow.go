/*
uow.go - The dispense unit of work

WithTx is how the coordinator gets cross-entity atomicity: one SQL
transaction that every sub-step writes through, rolled back in full
on any error. The store-level writer mutex is held for the duration,
so concurrent units of work serialize and the availability/eligibility
re-checks inside one transaction can never race another's commit.

The transaction view reads and writes through the *sql.Tx directly.
It must never call back into the Store's locked methods - the writer
lock is already held here.
*/
package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

// WithTx runs fn inside one unit of work (dispense.Backend interface).
// Engine-level faults on begin/commit surface as the transient error
// kind; fn's own error passes through unchanged after rollback.
func (s *Store) WithTx(ctx context.Context, fn func(dispense.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &dispense.TransientError{Op: "begin", Err: translate(err)}
	}
	defer tx.Rollback()

	if err := fn(&unitOfWork{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		translated := translate(err)
		if errors.Is(translated, ledger.ErrConflict) || ctx.Err() != nil {
			return &dispense.TransientError{Op: "commit", Err: translated}
		}
		return translated
	}
	return nil
}

// unitOfWork implements dispense.UnitOfWork over one open transaction.
type unitOfWork struct {
	tx executor
}

func (u *unitOfWork) MovementStore() ledger.Store {
	return &txMovements{tx: u.tx}
}

func (u *unitOfWork) VerificationsByMember(ctx context.Context, id member.MemberID) ([]member.VerificationEvent, error) {
	return verificationsByMember(ctx, u.tx, id)
}

func (u *unitOfWork) InsertOrder(ctx context.Context, o dispense.Order, lines []dispense.OrderLine) error {
	return insertOrder(ctx, u.tx, o, lines)
}

func (u *unitOfWork) MarkOrderCompleted(ctx context.Context, id dispense.OrderID, at time.Time) error {
	return markOrderCompleted(ctx, u.tx, id, at)
}

func (u *unitOfWork) InsertPayment(ctx context.Context, p dispense.Payment) error {
	return insertPayment(ctx, u.tx, p)
}

func (u *unitOfWork) AppendContribution(ctx context.Context, e contrib.Entry) error {
	return appendContribution(ctx, u.tx, e)
}

func (u *unitOfWork) AppendAudit(ctx context.Context, e audit.Event) error {
	return appendAudit(ctx, u.tx, e)
}

// txMovements is the transaction-scoped ledger.Store.
type txMovements struct {
	tx executor
}

func (t *txMovements) Append(ctx context.Context, mv ledger.Movement) error {
	return appendMovement(ctx, t.tx, mv)
}

func (t *txMovements) AppendBatch(ctx context.Context, mvs []ledger.Movement) error {
	for _, mv := range mvs {
		if err := appendMovement(ctx, t.tx, mv); err != nil {
			return err
		}
	}
	return nil
}

func (t *txMovements) Load(ctx context.Context, key ledger.StockKey) ([]ledger.Movement, error) {
	return loadMovements(ctx, t.tx, key)
}

func (t *txMovements) LoadRange(ctx context.Context, key ledger.StockKey, from, to time.Time) ([]ledger.Movement, error) {
	query := `
		SELECT ` + movementColumns + ` FROM inventory_movements
		WHERE product_id = ? AND batch_id = ?
		  AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, seq ASC
	`
	return queryMovements(ctx, t.tx, query, key.ProductID, key.BatchID,
		formatTime(from), formatTime(to))
}

func (t *txMovements) LoadByProduct(ctx context.Context, productID ledger.ProductID) ([]ledger.Movement, error) {
	query := `
		SELECT ` + movementColumns + ` FROM inventory_movements
		WHERE product_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`
	return queryMovements(ctx, t.tx, query, productID)
}

func (t *txMovements) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return movementExists(ctx, t.tx, idempotencyKey)
}
