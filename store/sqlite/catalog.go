package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/verdant/dispensary-hub/ledger"
)

// =============================================================================
// SUPPLIER STORE
// =============================================================================

// Supplier is a supplier master data record.
type Supplier struct {
	ID        string
	Code      string
	Name      string
	Contact   string
	Phone     string
	Email     string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveSupplier inserts or updates a supplier.
func (s *Store) SaveSupplier(ctx context.Context, sup Supplier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO suppliers (id, code, name, contact, phone, email, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			name = excluded.name,
			contact = excluded.contact,
			phone = excluded.phone,
			email = excluded.email,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		sup.ID, sup.Code, sup.Name,
		nullString(sup.Contact), nullString(sup.Phone), nullString(sup.Email),
		sup.Active, formatTime(sup.CreatedAt), formatTime(sup.UpdatedAt),
	)
	return translate(err)
}

// GetSupplier retrieves a supplier by ID. Returns nil when not found.
func (s *Store) GetSupplier(ctx context.Context, id string) (*Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, contact, phone, email, active, created_at, updated_at
		FROM suppliers WHERE id = ?
	`, id)

	sup, err := scanSupplier(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

// ListSuppliers returns all suppliers ordered by name.
func (s *Store) ListSuppliers(ctx context.Context) ([]Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, contact, phone, email, active, created_at, updated_at
		FROM suppliers ORDER BY name
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		sup, err := scanSupplier(rows)
		if err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	return suppliers, rows.Err()
}

// DeleteSupplier removes a supplier.
func (s *Store) DeleteSupplier(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM suppliers WHERE id = ?", id)
	return translate(err)
}

func scanSupplier(row rowScanner) (Supplier, error) {
	var (
		sup                  Supplier
		contact, phone       sql.NullString
		email                sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&sup.ID, &sup.Code, &sup.Name, &contact, &phone, &email,
		&sup.Active, &createdAt, &updatedAt)
	if err != nil {
		return sup, err
	}
	sup.Contact = contact.String
	sup.Phone = phone.String
	sup.Email = email.String
	sup.CreatedAt = parseTime(createdAt)
	sup.UpdatedAt = parseTime(updatedAt)
	return sup, nil
}

// =============================================================================
// PRODUCT STORE
// =============================================================================

// Product is a product master data record. UnitPrice is the current
// list price; committed order lines freeze their own copy.
type Product struct {
	ID         ledger.ProductID
	SKU        string
	Name       string
	Category   string
	Unit       string
	UnitPrice  ledger.Money
	SupplierID string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SaveProduct inserts or updates a product.
func (s *Store) SaveProduct(ctx context.Context, p Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO products (id, sku, name, category, unit, unit_price, supplier_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sku = excluded.sku,
			name = excluded.name,
			category = excluded.category,
			unit = excluded.unit,
			unit_price = excluded.unit_price,
			supplier_id = excluded.supplier_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SKU, p.Name, nullString(p.Category), p.Unit,
		p.UnitPrice.String(), nullString(p.SupplierID), p.Active,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	return translate(err)
}

// GetProduct retrieves a product by ID. Returns nil when not found.
func (s *Store) GetProduct(ctx context.Context, id ledger.ProductID) (*Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, sku, name, category, unit, unit_price, supplier_id, active, created_at, updated_at
		FROM products WHERE id = ?
	`, id)

	p, err := scanProduct(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProducts returns all products ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, name, category, unit, unit_price, supplier_id, active, created_at, updated_at
		FROM products ORDER BY name
	`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// DeleteProduct removes a product's master data. The movement history
// referencing the product is append-only and unaffected.
func (s *Store) DeleteProduct(ctx context.Context, id ledger.ProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM products WHERE id = ?", id)
	return translate(err)
}

func scanProduct(row rowScanner) (Product, error) {
	var (
		p                    Product
		category, supplierID sql.NullString
		unitPrice            string
		createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &category, &p.Unit, &unitPrice,
		&supplierID, &p.Active, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Category = category.String
	p.SupplierID = supplierID.String
	p.UnitPrice = ledger.ParseMoney(unitPrice)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// BATCH STORE
// =============================================================================

// Batch narrows a product to a received lot.
type Batch struct {
	ID        ledger.BatchID
	ProductID ledger.ProductID
	LotCode   string
	ExpiresAt *time.Time
	CreatedAt time.Time
}

// SaveBatch inserts or updates a batch.
func (s *Store) SaveBatch(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt *string
	if b.ExpiresAt != nil {
		t := formatTime(*b.ExpiresAt)
		expiresAt = &t
	}

	query := `
		INSERT INTO batches (id, product_id, lot_code, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lot_code = excluded.lot_code,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.ProductID, b.LotCode, expiresAt, formatTime(b.CreatedAt),
	)
	return translate(err)
}

// GetBatch retrieves a batch by ID. Returns nil when not found.
func (s *Store) GetBatch(ctx context.Context, id ledger.BatchID) (*Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, lot_code, expires_at, created_at
		FROM batches WHERE id = ?
	`, id)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBatchesByProduct returns a product's batches.
func (s *Store) ListBatchesByProduct(ctx context.Context, productID ledger.ProductID) ([]Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_id, lot_code, expires_at, created_at
		FROM batches WHERE product_id = ? ORDER BY created_at
	`, productID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row rowScanner) (Batch, error) {
	var (
		b         Batch
		expiresAt sql.NullString
		createdAt string
	)
	err := row.Scan(&b.ID, &b.ProductID, &b.LotCode, &expiresAt, &createdAt)
	if err != nil {
		return b, err
	}
	if expiresAt.Valid {
		t := parseTime(expiresAt.String)
		b.ExpiresAt = &t
	}
	b.CreatedAt = parseTime(createdAt)
	return b, nil
}
