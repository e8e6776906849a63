/*
journal.go - The two append-only money/activity logs

Contribution entries and audit events share the ledger's storage
discipline: INSERT only, engine triggers rejecting UPDATE/DELETE, and
reads that reflect exactly the committed entries. Audit events are
additionally hash-chained; the previous hash is read and the new hash
computed inside the same statement scope as the insert, so a chain is
never forked by a concurrent append.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

// =============================================================================
// CONTRIBUTION STORE (contrib.Store interface)
// =============================================================================

// AppendContribution records one contribution entry.
func (s *Store) AppendContribution(ctx context.Context, e contrib.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendContribution(ctx, s.db, e)
}

func appendContribution(ctx context.Context, ex executor, e contrib.Entry) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO contribution_entries
		(id, member_id, order_id, payment_id, direction, amount, currency, recorded_by, occurred_at, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.MemberID, nullString(e.OrderID), nullString(e.PaymentID),
		e.Direction, e.Amount.String(), e.Currency, e.RecordedBy,
		formatTime(e.OccurredAt), nullString(e.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("failed to append contribution: %w", translate(err))
	}
	return nil
}

// ContributionsByMember returns a member's entries in ledger order.
func (s *Store) ContributionsByMember(ctx context.Context, id member.MemberID) ([]contrib.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryContributions(ctx, `
		SELECT id, member_id, order_id, payment_id, direction, amount, currency, recorded_by, occurred_at, idempotency_key
		FROM contribution_entries
		WHERE member_id = ?
		ORDER BY occurred_at ASC, seq ASC
	`, id)
}

// ContributionsInRange returns entries within [from, to].
func (s *Store) ContributionsInRange(ctx context.Context, from, to time.Time) ([]contrib.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryContributions(ctx, `
		SELECT id, member_id, order_id, payment_id, direction, amount, currency, recorded_by, occurred_at, idempotency_key
		FROM contribution_entries
		WHERE occurred_at >= ? AND occurred_at <= ?
		ORDER BY occurred_at ASC, seq ASC
	`, formatTime(from), formatTime(to))
}

func (s *Store) queryContributions(ctx context.Context, query string, args ...any) ([]contrib.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contributions: %w", translate(err))
	}
	defer rows.Close()

	var entries []contrib.Entry
	for rows.Next() {
		var (
			e                  contrib.Entry
			orderID, paymentID sql.NullString
			amount, occurredAt string
			idemKey            sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.MemberID, &orderID, &paymentID, &e.Direction,
			&amount, &e.Currency, &e.RecordedBy, &occurredAt, &idemKey); err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		e.OrderID = orderID.String
		e.PaymentID = paymentID.String
		e.Amount = ledger.ParseMoney(amount)
		e.OccurredAt = parseTime(occurredAt)
		e.IdempotencyKey = idemKey.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// AUDIT STORE (audit.Store interface)
// =============================================================================

// AppendAudit chains and records one audit event. The writer lock
// keeps the read-last/chain/insert sequence atomic.
func (s *Store) AppendAudit(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, ex executor, e audit.Event) error {
	if e.Hash == "" {
		prev, _, err := lastAudit(ctx, ex)
		if err != nil {
			return err
		}
		e = audit.Chain(prev, e)
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode audit payload: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO audit_events
		(id, actor_type, actor_id, kind, entity_type, entity_id, payload_json, occurred_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.ActorType, nullString(e.ActorID), e.Kind,
		nullString(e.EntityType), nullString(e.EntityID), string(payload),
		formatTime(e.OccurredAt), e.PrevHash, e.Hash,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", translate(err))
	}
	return nil
}

// LastAudit returns the newest event, for hash chaining.
func (s *Store) LastAudit(ctx context.Context) (audit.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lastAudit(ctx, s.db)
}

func lastAudit(ctx context.Context, ex executor) (audit.Event, bool, error) {
	row := ex.QueryRowContext(ctx, `
		SELECT id, actor_type, actor_id, kind, entity_type, entity_id, payload_json, occurred_at, prev_hash, hash
		FROM audit_events ORDER BY seq DESC LIMIT 1
	`)
	e, err := scanAudit(row)
	if err == sql.ErrNoRows {
		return audit.Event{}, false, nil
	}
	if err != nil {
		return audit.Event{}, false, err
	}
	return e, true, nil
}

// QueryAudit returns committed events matching the filter, in
// insertion order.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Coarse SQL filters; Matches applies the rest (kind sets, ranges).
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_type, actor_id, kind, entity_type, entity_id, payload_json, occurred_at, prev_hash, hash
		FROM audit_events ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", translate(err))
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		if f.Matches(e) {
			events = append(events, e)
		}
	}
	return events, rows.Err()
}

func scanAudit(row rowScanner) (audit.Event, error) {
	var (
		e                  audit.Event
		actorID            sql.NullString
		entityType         sql.NullString
		entityID           sql.NullString
		payload            sql.NullString
		occurredAt         string
	)
	err := row.Scan(&e.ID, &e.ActorType, &actorID, &e.Kind, &entityType,
		&entityID, &payload, &occurredAt, &e.PrevHash, &e.Hash)
	if err != nil {
		return e, err
	}
	e.ActorID = actorID.String
	e.EntityType = entityType.String
	e.EntityID = entityID.String
	e.OccurredAt = parseTime(occurredAt)
	if payload.Valid && payload.String != "" && payload.String != "null" {
		json.Unmarshal([]byte(payload.String), &e.Payload)
	}
	return e, nil
}
