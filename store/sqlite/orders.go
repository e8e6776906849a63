package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

// =============================================================================
// ORDER / PAYMENT STORE
// =============================================================================

func insertOrder(ctx context.Context, ex executor, o dispense.Order, lines []dispense.OrderLine) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO orders
		(id, order_number, member_id, staff_id, status, total, currency, idempotency_key, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		o.ID, o.Number, o.MemberID, o.StaffID, o.Status,
		o.Total.String(), o.Currency, nullString(o.IdempotencyKey),
		formatTime(o.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", translate(err))
	}

	for _, line := range lines {
		_, err := ex.ExecContext(ctx, `
			INSERT INTO order_lines (id, order_id, product_id, batch_id, quantity, unit_price)
			VALUES (?, ?, ?, ?, ?, ?)
		`,
			line.ID, line.OrderID, line.ProductID, line.BatchID,
			line.Quantity.String(), line.UnitPrice.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order line: %w", translate(err))
		}
	}
	return nil
}

func markOrderCompleted(ctx context.Context, ex executor, id dispense.OrderID, at time.Time) error {
	res, err := ex.ExecContext(ctx,
		"UPDATE orders SET status = ?, completed_at = ? WHERE id = ?",
		dispense.OrderCompleted, formatTime(at), id,
	)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s not found", id)
	}
	return nil
}

func insertPayment(ctx context.Context, ex executor, p dispense.Payment) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, method, amount, currency, status, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.OrderID, p.Method, p.Amount.String(), p.Currency,
		p.Status, formatTime(p.CapturedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", translate(err))
	}
	return nil
}

// FindOrderByIdempotencyKey returns the committed order for a
// client-supplied request key, for idempotent dispense retries.
func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (dispense.Order, []dispense.OrderLine, dispense.Payment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, member_id, staff_id, status, total, currency, idempotency_key, created_at, completed_at
		FROM orders WHERE idempotency_key = ?
	`, key)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return dispense.Order{}, nil, dispense.Payment{}, false, nil
	}
	if err != nil {
		return dispense.Order{}, nil, dispense.Payment{}, false, err
	}

	lines, err := s.orderLines(ctx, order.ID)
	if err != nil {
		return dispense.Order{}, nil, dispense.Payment{}, false, err
	}
	payment, err := s.paymentForOrder(ctx, order.ID)
	if err != nil {
		return dispense.Order{}, nil, dispense.Payment{}, false, err
	}
	return order, lines, payment, true, nil
}

// GetOrder retrieves an order with its lines. Returns nil when not found.
func (s *Store) GetOrder(ctx context.Context, id dispense.OrderID) (*dispense.Order, []dispense.OrderLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_number, member_id, staff_id, status, total, currency, idempotency_key, created_at, completed_at
		FROM orders WHERE id = ?
	`, id)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	lines, err := s.orderLines(ctx, order.ID)
	if err != nil {
		return nil, nil, err
	}
	return &order, lines, nil
}

// ListOrdersByMember returns a member's orders, newest first.
func (s *Store) ListOrdersByMember(ctx context.Context, id member.MemberID) ([]dispense.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_number, member_id, staff_id, status, total, currency, idempotency_key, created_at, completed_at
		FROM orders WHERE member_id = ? ORDER BY created_at DESC
	`, id)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var orders []dispense.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (s *Store) orderLines(ctx context.Context, id dispense.OrderID) ([]dispense.OrderLine, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, batch_id, quantity, unit_price
		FROM order_lines WHERE order_id = ?
	`, id)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var lines []dispense.OrderLine
	for rows.Next() {
		var (
			line                dispense.OrderLine
			quantity, unitPrice string
		)
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.BatchID,
			&quantity, &unitPrice); err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		line.Quantity = ledger.ParseQuantity(quantity)
		line.UnitPrice = ledger.ParseMoney(unitPrice)
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *Store) paymentForOrder(ctx context.Context, id dispense.OrderID) (dispense.Payment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, method, amount, currency, status, captured_at
		FROM payments WHERE order_id = ?
	`, id)

	var (
		p          dispense.Payment
		amount     string
		capturedAt string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Method, &amount, &p.Currency, &p.Status, &capturedAt)
	if err == sql.ErrNoRows {
		return dispense.Payment{}, nil
	}
	if err != nil {
		return dispense.Payment{}, err
	}
	p.Amount = ledger.ParseMoney(amount)
	p.CapturedAt = parseTime(capturedAt)
	return p, nil
}

func scanOrder(row rowScanner) (dispense.Order, error) {
	var (
		o           dispense.Order
		total       string
		idemKey     sql.NullString
		createdAt   string
		completedAt sql.NullString
	)
	err := row.Scan(&o.ID, &o.Number, &o.MemberID, &o.StaffID, &o.Status,
		&total, &o.Currency, &idemKey, &createdAt, &completedAt)
	if err != nil {
		return o, err
	}
	o.Total = ledger.ParseMoney(total)
	o.IdempotencyKey = idemKey.String
	o.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		o.CompletedAt = &t
	}
	return o, nil
}
