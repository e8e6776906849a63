/*
Package sqlite provides the SQLite-backed implementation of every
storage interface in the system. All components share this one store;
the dispense coordinator is the only caller that spans multiple entity
types, and it does so through WithTx.

INTERFACES IMPLEMENTED:
  ledger.Store:          inventory movement ledger
  member.VerificationLog: append-only verification events
  contrib.Store:         contribution entries
  audit.Store:           hash-chained audit events
  dispense.Backend:      multi-entity unit of work

APPEND-ONLY ENFORCEMENT:
  inventory_movements, member_verifications, contribution_entries and
  audit_events carry BEFORE UPDATE / BEFORE DELETE triggers raising
  APPEND_ONLY_VIOLATION, so immutability holds even against raw SQL
  that bypasses this package. Corrections are offsetting appends.

CONCURRENCY:
  A store-level writer mutex serializes units of work on top of
  SQLite's own locking. Read-only queries take the shared lock only.
  Busy/locked engine errors surface as ledger.ErrConflict, which the
  coordinator maps to its transient kind.

WAL MODE:
  The database is opened with WAL so readers do not block the writer.
  For ":memory:" the pool is pinned to a single connection - each
  pooled connection would otherwise get its own private database.

USAGE:
  store, err := sqlite.New("./data/dispensary.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - movements.go: ledger.Store
  - members.go:   members + verification events
  - catalog.go:   suppliers, products, batches
  - orders.go:    orders, lines, payments
  - journal.go:   contribution + audit appends
  - uow.go:       the WithTx unit of work
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/verdant/dispensary-hub/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema and the append-only triggers.
func (s *Store) migrate() error {
	schema := `
	-- Members (master data; status is a cached projection maintained
	-- on verification append, never written by callers)
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		member_number TEXT UNIQUE NOT NULL,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		date_of_birth TEXT,
		phone TEXT,
		email TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Verification events (append-only)
	CREATE TABLE IF NOT EXISTS member_verifications (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		member_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		verified_by TEXT NOT NULL,
		notes TEXT,
		document_ref TEXT,
		occurred_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_verifications_member
		ON member_verifications(member_id, occurred_at);

	-- Suppliers
	CREATE TABLE IF NOT EXISTS suppliers (
		id TEXT PRIMARY KEY,
		code TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		contact TEXT,
		phone TEXT,
		email TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Products
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		sku TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		category TEXT,
		unit TEXT NOT NULL DEFAULT 'g',
		unit_price TEXT NOT NULL,
		supplier_id TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Batches (optional lot narrowing of a product)
	CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		lot_code TEXT NOT NULL,
		expires_at TEXT,
		created_at TEXT NOT NULL,
		UNIQUE(product_id, lot_code)
	);

	-- Inventory movements (append-only ledger; batch_id '' means the
	-- movement is recorded at product level)
	CREATE TABLE IF NOT EXISTS inventory_movements (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		product_id TEXT NOT NULL,
		batch_id TEXT NOT NULL DEFAULT '',
		movement_type TEXT NOT NULL,
		quantity TEXT NOT NULL,
		from_location TEXT,
		to_location TEXT,
		order_line_id TEXT,
		reason TEXT,
		recorded_by TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		idempotency_key TEXT UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_movements_key
		ON inventory_movements(product_id, batch_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_movements_product
		ON inventory_movements(product_id, occurred_at);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT UNIQUE NOT NULL,
		member_id TEXT NOT NULL,
		staff_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_orders_member
		ON orders(member_id, created_at);

	-- Order lines (quantity and price frozen at order time; the line
	-- total is always derived, never stored)
	CREATE TABLE IF NOT EXISTS order_lines (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		batch_id TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		unit_price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_lines_order
		ON order_lines(order_id);

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		method TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		captured_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_order
		ON payments(order_id);

	-- Contribution entries (append-only)
	CREATE TABLE IF NOT EXISTS contribution_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		member_id TEXT NOT NULL,
		order_id TEXT,
		payment_id TEXT,
		direction TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		recorded_by TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		idempotency_key TEXT UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_contrib_member
		ON contribution_entries(member_id, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_contrib_occurred
		ON contribution_entries(occurred_at);

	-- Audit events (append-only, hash-chained)
	CREATE TABLE IF NOT EXISTS audit_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		actor_type TEXT NOT NULL,
		actor_id TEXT,
		kind TEXT NOT NULL,
		entity_type TEXT,
		entity_id TEXT,
		payload_json TEXT,
		occurred_at TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_events(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_events(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_occurred
		ON audit_events(occurred_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.createAppendOnlyTriggers()
}

// createAppendOnlyTriggers guards the four append-only tables at the
// engine level.
func (s *Store) createAppendOnlyTriggers() error {
	tables := []string{
		"inventory_movements",
		"member_verifications",
		"contribution_entries",
		"audit_events",
	}
	for _, table := range tables {
		stmt := fmt.Sprintf(`
			CREATE TRIGGER IF NOT EXISTS %[1]s_no_update
			BEFORE UPDATE ON %[1]s
			BEGIN
				SELECT RAISE(ABORT, 'APPEND_ONLY_VIOLATION');
			END;
			CREATE TRIGGER IF NOT EXISTS %[1]s_no_delete
			BEFORE DELETE ON %[1]s
			BEGIN
				SELECT RAISE(ABORT, 'APPEND_ONLY_VIOLATION');
			END;
		`, table)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create append-only triggers for %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// executor abstracts *sql.DB and *sql.Tx so the same statement helpers
// serve both direct calls and units of work.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// translate maps engine errors onto the ledger error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "APPEND_ONLY_VIOLATION"):
		return fmt.Errorf("%w: %v", ledger.ErrAppendOnlyViolation, err)
	case strings.Contains(msg, "idempotency_key"):
		return ledger.ErrDuplicateIdempotencyKey
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database table is locked"):
		return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
