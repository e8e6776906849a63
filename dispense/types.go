/*
Package dispense implements the dispense transaction engine: the
state machine that turns a member's request into an order, DISPENSE
ledger movements, a payment, a contribution entry, and an audit
record, all committed in one atomic unit of work.

KEY CONCEPTS IN THIS FILE (types.go):
  - Request/RequestLine: what the caller submits
  - Order/OrderLine:     the frozen commercial record
  - Payment:             the captured payment against an order
  - Result:              what a completed dispense returns
  - State:               the coordinator's progress through a request

SEE ALSO:
  - coordinator.go: the orchestration itself
  - policy.go:      payment shortfall policy
  - errors.go:      the error taxonomy
*/
package dispense

import (
	"time"

	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

type OrderID string
type PaymentID string

type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderPlaced    OrderStatus = "PLACED"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING" // captured short under the partial policy
	PaymentSettled  PaymentStatus = "SETTLED"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// State tracks the coordinator's progress through a dispense request.
// REJECTED is terminal and reachable from any pre-commit state.
type State string

const (
	StateRequested          State = "REQUESTED"
	StateEligibilityChecked State = "ELIGIBILITY_CHECKED"
	StateStockReserved      State = "STOCK_RESERVED"
	StateOrderCreated       State = "ORDER_CREATED"
	StateLedgerAppended     State = "LEDGER_APPENDED"
	StatePaymentCaptured    State = "PAYMENT_CAPTURED"
	StateAuditAppended      State = "AUDIT_APPENDED"
	StateCommitted          State = "COMMITTED"
	StateRejected           State = "REJECTED"
)

// =============================================================================
// REQUEST - What the caller submits
// =============================================================================

// RequestLine is one requested (product, batch?, quantity, unit price).
type RequestLine struct {
	ProductID ledger.ProductID
	BatchID   ledger.BatchID
	Quantity  ledger.Quantity
	UnitPrice ledger.Money
}

// Request is a full dispense request. StaffID comes from the
// authentication collaborator and is trusted for attribution.
// IdempotencyKey is client-generated and optional; supplying one makes
// a transient-fault retry safe.
type Request struct {
	MemberID       member.MemberID
	StaffID        ledger.StaffID
	Lines          []RequestLine
	PaymentMethod  string
	PaymentAmount  ledger.Money
	IdempotencyKey string
}

// =============================================================================
// ORDER / PAYMENT - The committed records
// =============================================================================

// Order is the commercial record of a dispense. Total is the sum of
// the frozen line totals, recomputed and stored at creation.
type Order struct {
	ID          OrderID
	Number      string
	MemberID    member.MemberID
	StaffID     ledger.StaffID
	Status      OrderStatus
	Total       ledger.Money
	Currency    string
	CreatedAt   time.Time
	CompletedAt *time.Time

	IdempotencyKey string
}

// OrderLine freezes quantity and unit price at order time. Later
// price changes in master data never alter a committed line.
type OrderLine struct {
	ID        ledger.OrderLineID
	OrderID   OrderID
	ProductID ledger.ProductID
	BatchID   ledger.BatchID
	Quantity  ledger.Quantity
	UnitPrice ledger.Money
}

// Total is the line total, always derived, never independently stored.
func (l OrderLine) Total() ledger.Money {
	return l.UnitPrice.MulQuantity(l.Quantity)
}

// OrderTotal sums line totals.
func OrderTotal(lines []OrderLine) ledger.Money {
	total := ledger.ZeroMoney()
	for _, l := range lines {
		total = total.Add(l.Total())
	}
	return total
}

// Payment is the captured payment against an order.
type Payment struct {
	ID         PaymentID
	OrderID    OrderID
	Method     string
	Amount     ledger.Money
	Currency   string
	Status     PaymentStatus
	CapturedAt time.Time
}

// Result is what a dispense returns on success. AlreadyProcessed is
// set when an idempotency key matched a previously committed order
// and no new work was performed.
type Result struct {
	Order   Order
	Lines   []OrderLine
	Payment Payment

	AlreadyProcessed bool
}
