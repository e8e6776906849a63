/*
Package ledger provides the inventory movement ledger at the core of
the dispensary hub.

PURPOSE:
  This package contains the types and algorithms for the append-only
  stock model. Every change to on-hand inventory is a Movement: an
  immutable, signed quantity change against a product (optionally
  narrowed to a batch), tagged with a type and staff attribution.
  Current stock is never stored - it is always the signed sum of the
  movements that reference a key.

KEY CONCEPTS IN THIS FILE (types.go):
  - Quantity: fixed-point stock quantity (3 fractional digits)
  - Money:    fixed-point monetary value (2 fractional digits)
  - Movement: an immutable ledger entry recording a stock change
  - StockKey: the (product, batch) key stock is projected over

DESIGN PRINCIPLES:
  1. Immutability: movements are never modified, only offset
  2. Precision: decimal.Decimal, never floats, for stock and money
  3. Type safety: distinct ID types prevent mixing products and batches
  4. Auditability: every movement carries staff identity and a
     server-assigned occurred-at timestamp

SEE ALSO:
  - ledger.go:    MovementLedger, the only write path
  - store.go:     append-only persistence contracts
  - projector.go: on-hand stock projection
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// FIXED-POINT VALUES
// =============================================================================

// QuantityPlaces is the fixed-point precision for stock quantities.
const QuantityPlaces = 3

// MoneyPlaces is the fixed-point precision for monetary values.
const MoneyPlaces = 2

// Quantity is a signed stock quantity with 3 fractional digits.
type Quantity struct {
	Value decimal.Decimal
}

func NewQuantity(value float64) Quantity {
	return Quantity{Value: decimal.NewFromFloat(value).Round(QuantityPlaces)}
}

func NewQuantityFromInt(value int) Quantity {
	return Quantity{Value: decimal.NewFromInt(int64(value))}
}

// ParseQuantity parses a decimal string, rounding to 3 places.
// Malformed input yields zero; use NewQuantityFromString for input
// that has not already been validated.
func ParseQuantity(s string) Quantity {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{Value: decimal.Zero}
	}
	return Quantity{Value: d.Round(QuantityPlaces)}
}

// NewQuantityFromString parses a decimal string, rounding to 3 places,
// and reports malformed input instead of coercing it to zero.
func NewQuantityFromString(s string) (Quantity, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: d.Round(QuantityPlaces)}, nil
}

func ZeroQuantity() Quantity { return Quantity{Value: decimal.Zero} }

func (q Quantity) Add(o Quantity) Quantity      { return Quantity{Value: q.Value.Add(o.Value)} }
func (q Quantity) Sub(o Quantity) Quantity      { return Quantity{Value: q.Value.Sub(o.Value)} }
func (q Quantity) Neg() Quantity                { return Quantity{Value: q.Value.Neg()} }
func (q Quantity) Abs() Quantity                { return Quantity{Value: q.Value.Abs()} }
func (q Quantity) IsZero() bool                 { return q.Value.IsZero() }
func (q Quantity) IsNegative() bool             { return q.Value.IsNegative() }
func (q Quantity) IsPositive() bool             { return q.Value.IsPositive() }
func (q Quantity) LessThan(o Quantity) bool     { return q.Value.LessThan(o.Value) }
func (q Quantity) GreaterThan(o Quantity) bool  { return q.Value.GreaterThan(o.Value) }
func (q Quantity) Equal(o Quantity) bool        { return q.Value.Equal(o.Value) }
func (q Quantity) GreaterOrEqual(o Quantity) bool {
	return q.Value.GreaterThanOrEqual(o.Value)
}
func (q Quantity) String() string { return q.Value.StringFixed(QuantityPlaces) }

// Money is a monetary value with 2 fractional digits.
type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money {
	return Money{Value: decimal.NewFromFloat(value).Round(MoneyPlaces)}
}

// ParseMoney parses a decimal string, rounding to 2 places. Malformed
// input yields zero; use NewMoneyFromString for unvalidated input.
func ParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d.Round(MoneyPlaces)}
}

// NewMoneyFromString parses a decimal string, rounding to 2 places,
// and reports malformed input instead of coercing it to zero.
func NewMoneyFromString(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Value: d.Round(MoneyPlaces)}, nil
}

func ZeroMoney() Money { return Money{Value: decimal.Zero} }

func (m Money) Add(o Money) Money       { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money       { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) Neg() Money              { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool            { return m.Value.IsZero() }
func (m Money) IsNegative() bool        { return m.Value.IsNegative() }
func (m Money) IsPositive() bool        { return m.Value.IsPositive() }
func (m Money) LessThan(o Money) bool   { return m.Value.LessThan(o.Value) }
func (m Money) Equal(o Money) bool      { return m.Value.Equal(o.Value) }
func (m Money) String() string          { return m.Value.StringFixed(MoneyPlaces) }

// MulQuantity computes quantity x unit price, rounded to money precision.
func (m Money) MulQuantity(q Quantity) Money {
	return Money{Value: m.Value.Mul(q.Value).Round(MoneyPlaces)}
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ProductID string
type BatchID string
type MovementID string
type OrderLineID string
type StaffID string

// StockKey identifies what stock is projected over. BatchID is empty
// for product-level movements recorded without a batch.
type StockKey struct {
	ProductID ProductID
	BatchID   BatchID
}

// =============================================================================
// MOVEMENT - Atomic change to on-hand stock
// =============================================================================

type MovementType string

const (
	MovementReceive  MovementType = "RECEIVE"  // Stock in from a supplier
	MovementAdjust   MovementType = "ADJUST"   // Manual correction, either sign
	MovementWaste    MovementType = "WASTE"    // Destruction/spoilage, stock out
	MovementTransfer MovementType = "TRANSFER" // Between locations, either sign
	MovementDispense MovementType = "DISPENSE" // Dispensed against an order line
)

// KnownMovementType reports whether t is one of the five movement types.
func KnownMovementType(t MovementType) bool {
	switch t {
	case MovementReceive, MovementAdjust, MovementWaste, MovementTransfer, MovementDispense:
		return true
	}
	return false
}

// Movement is one immutable entry in the inventory ledger.
//
// Once appended a movement is never updated or deleted. Corrections
// are new offsetting movements. Quantity and type are frozen at
// creation: later edits to product or batch master data never change
// what a historical movement meant.
type Movement struct {
	ID        MovementID
	ProductID ProductID
	BatchID   BatchID // optional lot narrowing
	Type      MovementType
	Quantity  Quantity // signed, never zero

	// Optional context
	FromLocation string
	ToLocation   string
	OrderLineID  OrderLineID // set on DISPENSE movements created by the coordinator
	Reason       string

	// Attribution. OccurredAt is server-assigned, never client-supplied,
	// so ledger ordering cannot be skewed by callers.
	RecordedBy StaffID
	OccurredAt time.Time

	IdempotencyKey string
}

// Key returns the stock key this movement contributes to.
func (m Movement) Key() StockKey {
	return StockKey{ProductID: m.ProductID, BatchID: m.BatchID}
}

// Outbound reports whether this movement type must never drive the
// projected stock negative. RECEIVE and ADJUST may legitimately
// correct a gap; DISPENSE and WASTE may not create one.
func (m Movement) Outbound() bool {
	return m.Type == MovementDispense || m.Type == MovementWaste
}

// Fold computes the signed sum of movements. This is the projection
// primitive: on-hand stock for a key is Fold over every movement
// referencing it, nothing more.
func Fold(movements []Movement) Quantity {
	total := ZeroQuantity()
	for _, m := range movements {
		total = total.Add(m.Quantity)
	}
	return total
}

// FoldAt folds only movements that occurred at or before asOf.
func FoldAt(movements []Movement, asOf time.Time) Quantity {
	total := ZeroQuantity()
	for _, m := range movements {
		if m.OccurredAt.After(asOf) {
			continue
		}
		total = total.Add(m.Quantity)
	}
	return total
}
