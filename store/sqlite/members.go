package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/verdant/dispensary-hub/member"
)

// =============================================================================
// MEMBER STORE
// =============================================================================

// SaveMember inserts or updates a member's profile fields. Status is
// deliberately excluded from the upsert: it is a cached projection of
// the verification history, refreshed only on verification append.
func (s *Store) SaveMember(ctx context.Context, m member.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO members
		(id, member_number, first_name, last_name, date_of_birth, phone, email, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			member_number = excluded.member_number,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			date_of_birth = excluded.date_of_birth,
			phone = excluded.phone,
			email = excluded.email,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		m.ID, m.MemberNumber, m.FirstName, m.LastName,
		nullString(m.DateOfBirth), nullString(m.Phone), nullString(m.Email),
		member.StatusPending,
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	return translate(err)
}

// GetMember retrieves a member by ID. Returns nil when not found.
func (s *Store) GetMember(ctx context.Context, id member.MemberID) (*member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, member_number, first_name, last_name, date_of_birth, phone, email, status, created_at, updated_at
		FROM members WHERE id = ?
	`, id)

	m, err := scanMember(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMembers returns all members ordered by member number.
func (s *Store) ListMembers(ctx context.Context) ([]member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, member_number, first_name, last_name, date_of_birth, phone, email, status, created_at, updated_at
		FROM members ORDER BY member_number
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var members []member.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// DeleteMember removes a member's master data. The verification
// history is append-only and survives, as does every ledger entry
// referencing the member.
func (s *Store) DeleteMember(ctx context.Context, id member.MemberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM members WHERE id = ?", id)
	return translate(err)
}

func scanMember(row rowScanner) (member.Member, error) {
	var (
		m           member.Member
		dateOfBirth sql.NullString
		phone       sql.NullString
		email       sql.NullString
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(
		&m.ID, &m.MemberNumber, &m.FirstName, &m.LastName,
		&dateOfBirth, &phone, &email, &m.Status, &createdAt, &updatedAt,
	)
	if err != nil {
		return m, err
	}
	m.DateOfBirth = dateOfBirth.String
	m.Phone = phone.String
	m.Email = email.String
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// =============================================================================
// VERIFICATION LOG (member.VerificationLog interface)
// =============================================================================

// AppendVerification records one verification event and refreshes the
// member's cached status to the projection of the updated history.
func (s *Store) AppendVerification(ctx context.Context, e member.VerificationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback()

	if err := appendVerification(ctx, tx, e); err != nil {
		return err
	}
	if err := refreshMemberStatus(ctx, tx, e.MemberID); err != nil {
		return err
	}
	return translate(tx.Commit())
}

func appendVerification(ctx context.Context, ex executor, e member.VerificationEvent) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO member_verifications
		(id, member_id, outcome, verified_by, notes, document_ref, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.MemberID, e.Outcome, e.VerifiedBy,
		nullString(e.Notes), nullString(e.DocumentRef),
		formatTime(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append verification: %w", translate(err))
	}
	return nil
}

// refreshMemberStatus recomputes the cached status column from the
// latest verification event (occurred-at, then insertion sequence).
func refreshMemberStatus(ctx context.Context, ex executor, id member.MemberID) error {
	events, err := verificationsByMember(ctx, ex, id)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		"UPDATE members SET status = ? WHERE id = ?",
		member.StatusOf(events), id,
	)
	return translate(err)
}

// VerificationsByMember returns the member's full verification
// history in insertion order.
func (s *Store) VerificationsByMember(ctx context.Context, id member.MemberID) ([]member.VerificationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return verificationsByMember(ctx, s.db, id)
}

func verificationsByMember(ctx context.Context, ex executor, id member.MemberID) ([]member.VerificationEvent, error) {
	rows, err := ex.QueryContext(ctx, `
		SELECT seq, id, member_id, outcome, verified_by, notes, document_ref, occurred_at
		FROM member_verifications
		WHERE member_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query verifications: %w", translate(err))
	}
	defer rows.Close()

	var events []member.VerificationEvent
	for rows.Next() {
		var (
			e           member.VerificationEvent
			notes       sql.NullString
			documentRef sql.NullString
			occurredAt  string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.MemberID, &e.Outcome, &e.VerifiedBy,
			&notes, &documentRef, &occurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification: %w", err)
		}
		e.Notes = notes.String
		e.DocumentRef = documentRef.String
		e.OccurredAt = parseTime(occurredAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
