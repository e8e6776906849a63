package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/verdant/dispensary-hub/ledger"
)

// =============================================================================
// MOVEMENT LEDGER (ledger.Store interface)
// =============================================================================

const movementColumns = `id, product_id, batch_id, movement_type, quantity,
	from_location, to_location, order_line_id, reason, recorded_by,
	occurred_at, idempotency_key`

// Append adds a single movement to the ledger.
func (s *Store) Append(ctx context.Context, mv ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendMovement(ctx, s.db, mv)
}

// AppendBatch adds movements atomically.
func (s *Store) AppendBatch(ctx context.Context, mvs []ledger.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback()

	for _, mv := range mvs {
		if err := appendMovement(ctx, tx, mv); err != nil {
			return err
		}
	}
	return translate(tx.Commit())
}

func appendMovement(ctx context.Context, ex executor, mv ledger.Movement) error {
	query := fmt.Sprintf(`
		INSERT INTO inventory_movements (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, movementColumns)

	_, err := ex.ExecContext(ctx, query,
		mv.ID,
		mv.ProductID,
		mv.BatchID,
		mv.Type,
		mv.Quantity.String(),
		nullString(mv.FromLocation),
		nullString(mv.ToLocation),
		nullString(string(mv.OrderLineID)),
		nullString(mv.Reason),
		mv.RecordedBy,
		formatTime(mv.OccurredAt),
		nullString(mv.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("failed to append movement: %w", translate(err))
	}
	return nil
}

// Load returns the full movement history for a stock key, ordered by
// occurred-at then insertion sequence.
func (s *Store) Load(ctx context.Context, key ledger.StockKey) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadMovements(ctx, s.db, key)
}

func loadMovements(ctx context.Context, ex executor, key ledger.StockKey) ([]ledger.Movement, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM inventory_movements
		WHERE product_id = ? AND batch_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, movementColumns)

	return queryMovements(ctx, ex, query, key.ProductID, key.BatchID)
}

// LoadRange returns movements for a key within [from, to].
func (s *Store) LoadRange(ctx context.Context, key ledger.StockKey, from, to time.Time) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT %s FROM inventory_movements
		WHERE product_id = ? AND batch_id = ?
		  AND occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, seq ASC
	`, movementColumns)

	return queryMovements(ctx, s.db, query, key.ProductID, key.BatchID,
		formatTime(from), formatTime(to))
}

// LoadByProduct returns every movement for a product across all batches.
func (s *Store) LoadByProduct(ctx context.Context, productID ledger.ProductID) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := fmt.Sprintf(`
		SELECT %s FROM inventory_movements
		WHERE product_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, movementColumns)

	return queryMovements(ctx, s.db, query, productID)
}

// Exists reports whether a movement with the idempotency key exists.
func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return movementExists(ctx, s.db, idempotencyKey)
}

func movementExists(ctx context.Context, ex executor, idempotencyKey string) (bool, error) {
	var count int
	err := ex.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM inventory_movements WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, translate(err)
}

func queryMovements(ctx context.Context, ex executor, query string, args ...any) ([]ledger.Movement, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query movements: %w", translate(err))
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		mv, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		movements = append(movements, mv)
	}
	return movements, rows.Err()
}

func scanMovement(rows rowScanner) (ledger.Movement, error) {
	var (
		mv           ledger.Movement
		quantity     string
		fromLocation sql.NullString
		toLocation   sql.NullString
		orderLineID  sql.NullString
		reason       sql.NullString
		occurredAt   string
		idemKey      sql.NullString
	)
	err := rows.Scan(
		&mv.ID, &mv.ProductID, &mv.BatchID, &mv.Type, &quantity,
		&fromLocation, &toLocation, &orderLineID, &reason, &mv.RecordedBy,
		&occurredAt, &idemKey,
	)
	if err != nil {
		return mv, fmt.Errorf("failed to scan movement: %w", err)
	}

	mv.Quantity = ledger.ParseQuantity(quantity)
	mv.FromLocation = fromLocation.String
	mv.ToLocation = toLocation.String
	mv.OrderLineID = ledger.OrderLineID(orderLineID.String)
	mv.Reason = reason.String
	mv.OccurredAt = parseTime(occurredAt)
	mv.IdempotencyKey = idemKey.String
	return mv, nil
}
