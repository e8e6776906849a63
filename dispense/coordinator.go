/*
coordinator.go - The dispense transaction coordinator

PURPOSE:
  Coordinator is the only writer that spans multiple entity types. A
  dispense runs as one atomic unit of work:

    1. Re-check member eligibility under the transaction
    2. Re-check stock availability per line under the same transaction
    3. Create the order and its frozen lines
    4. Append one DISPENSE movement per line
    5. Capture the payment (shortfall policy applies)
    6. Append the contribution entry
    7. Append the audit event
    8. Mark the order COMPLETED and commit

CRITICAL INVARIANTS:
  1. ALL-OR-NOTHING: any failure at steps 1-6 rolls everything back.
     No partial movements, orders, or payments survive.
  2. REJECTIONS ARE AUDITED: after the rollback the rejection itself
     is recorded as a separate audit write, outside the aborted
     transaction.
  3. SERIALIZED CHECKS: eligibility and availability are read inside
     the same transaction that writes, so a concurrent committed
     change is never invisible to the check.
  4. SERVER TIME: occurred-at timestamps are assigned here, never
     taken from the caller.

There is no automatic retry. A transient store fault is surfaced as
such and the caller retries with the same idempotency key.
*/
package dispense

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

// UnitOfWork is the transactional scope a dispense writes through.
// Every method reads and writes the same underlying transaction;
// nothing becomes visible until the enclosing WithTx commits.
type UnitOfWork interface {
	// MovementStore returns a ledger store view scoped to this
	// transaction, for availability checks and DISPENSE appends.
	MovementStore() ledger.Store

	VerificationsByMember(ctx context.Context, id member.MemberID) ([]member.VerificationEvent, error)
	InsertOrder(ctx context.Context, o Order, lines []OrderLine) error
	MarkOrderCompleted(ctx context.Context, id OrderID, at time.Time) error
	InsertPayment(ctx context.Context, p Payment) error
	AppendContribution(ctx context.Context, e contrib.Entry) error
	AppendAudit(ctx context.Context, e audit.Event) error
}

// Backend opens units of work and answers idempotency lookups.
type Backend interface {
	// WithTx runs fn inside one transaction. An error from fn rolls
	// everything back and is returned unchanged; storage faults are
	// translated to TransientError by the implementation.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error

	// FindOrderByIdempotencyKey returns a previously committed order
	// for the key, if one exists.
	FindOrderByIdempotencyKey(ctx context.Context, key string) (Order, []OrderLine, Payment, bool, error)
}

// Coordinator orchestrates dispense requests.
type Coordinator struct {
	backend  Backend
	recorder *audit.Recorder
	policy   ShortfallPolicy
	currency string
	clock    func() time.Time
	newID    func() string
}

func NewCoordinator(backend Backend, recorder *audit.Recorder, policy ShortfallPolicy, currency string) *Coordinator {
	return &Coordinator{
		backend:  backend,
		recorder: recorder,
		policy:   policy,
		currency: currency,
		clock:    func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// WithClock overrides the timestamp source, for tests.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Dispense runs one request end to end. On business rejection the
// returned error is a *RejectionError and a DISPENSE_REJECTED audit
// event has been recorded; on transient store faults the caller may
// retry with the same idempotency key.
func (c *Coordinator) Dispense(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	// A retried request with a known key returns the committed order
	// instead of double-dispensing.
	if req.IdempotencyKey != "" {
		order, lines, payment, found, err := c.backend.FindOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if found {
			return Result{Order: order, Lines: lines, Payment: payment, AlreadyProcessed: true}, nil
		}
	}

	now := c.clock()
	var result Result

	err := c.backend.WithTx(ctx, func(uow UnitOfWork) error {
		r, err := c.run(ctx, uow, req, now)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return Result{}, c.settle(ctx, req, err)
	}
	return result, nil
}

// run executes the state machine inside an open unit of work.
func (c *Coordinator) run(ctx context.Context, uow UnitOfWork, req Request, now time.Time) (Result, error) {
	state := StateRequested

	// Step 1: eligibility, under the transaction's isolation.
	events, err := uow.VerificationsByMember(ctx, req.MemberID)
	if err != nil {
		return Result{}, err
	}
	if !member.Eligible(events) {
		return Result{}, &RejectionError{
			Code:     MemberNotVerified,
			Line:     -1,
			FailedAt: state,
			Detail:   fmt.Sprintf("member %s may not transact", req.MemberID),
		}
	}
	state = StateEligibilityChecked

	// Step 2: availability per line, with running deltas so two lines
	// cannot split an overdraw across the same key.
	movements := ledger.NewMovementLedger(uow.MovementStore())
	pending := make(map[ledger.StockKey]ledger.Quantity)
	for i, line := range req.Lines {
		key := ledger.StockKey{ProductID: line.ProductID, BatchID: line.BatchID}
		history, err := movements.Movements(ctx, key)
		if err != nil {
			return Result{}, err
		}
		available := ledger.Fold(history).Add(pending[key])
		if available.LessThan(line.Quantity) {
			return Result{}, &RejectionError{
				Code:     InsufficientStock,
				Line:     i,
				FailedAt: state,
				Detail: fmt.Sprintf("product %s: available %s, requested %s",
					line.ProductID, available, line.Quantity),
			}
		}
		pending[key] = pending[key].Sub(line.Quantity)
	}
	state = StateStockReserved

	// Step 3: order and frozen lines.
	order := Order{
		ID:             OrderID(c.newID()),
		Number:         c.orderNumber(now),
		MemberID:       req.MemberID,
		StaffID:        req.StaffID,
		Status:         OrderPlaced,
		Currency:       c.currency,
		CreatedAt:      now,
		IdempotencyKey: req.IdempotencyKey,
	}
	lines := make([]OrderLine, len(req.Lines))
	for i, line := range req.Lines {
		lines[i] = OrderLine{
			ID:        ledger.OrderLineID(c.newID()),
			OrderID:   order.ID,
			ProductID: line.ProductID,
			BatchID:   line.BatchID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
	}
	order.Total = OrderTotal(lines)
	if err := uow.InsertOrder(ctx, order, lines); err != nil {
		return Result{}, err
	}
	state = StateOrderCreated

	// Step 4: one DISPENSE movement per line, server-stamped.
	batch := make([]ledger.Movement, len(lines))
	for i, line := range lines {
		batch[i] = ledger.Movement{
			ID:          ledger.MovementID(c.newID()),
			ProductID:   line.ProductID,
			BatchID:     line.BatchID,
			Type:        ledger.MovementDispense,
			Quantity:    line.Quantity,
			OrderLineID: line.ID,
			RecordedBy:  req.StaffID,
			OccurredAt:  now,
		}
		if req.IdempotencyKey != "" {
			batch[i].IdempotencyKey = fmt.Sprintf("%s/line-%d", req.IdempotencyKey, i)
		}
	}
	if err := movements.AppendBatch(ctx, batch); err != nil {
		var short *ledger.InsufficientStockError
		if errors.As(err, &short) {
			return Result{}, &RejectionError{
				Code:     InsufficientStock,
				Line:     lineForKey(req.Lines, short.Key),
				FailedAt: state,
				Detail:   short.Error(),
			}
		}
		return Result{}, err
	}
	state = StateLedgerAppended

	// Step 5: payment capture under the shortfall policy.
	payment := Payment{
		ID:         PaymentID(c.newID()),
		OrderID:    order.ID,
		Method:     req.PaymentMethod,
		Amount:     req.PaymentAmount,
		Currency:   c.currency,
		Status:     PaymentSettled,
		CapturedAt: now,
	}
	if req.PaymentAmount.LessThan(order.Total) {
		if c.policy == ShortfallReject {
			return Result{}, &RejectionError{
				Code:     PaymentShort,
				Line:     -1,
				FailedAt: state,
				Detail: fmt.Sprintf("payment %s does not cover order total %s",
					req.PaymentAmount, order.Total),
			}
		}
		payment.Status = PaymentPending
	}
	if err := uow.InsertPayment(ctx, payment); err != nil {
		return Result{}, err
	}
	state = StatePaymentCaptured

	// Step 6: mirror the captured amount into the contribution ledger.
	// A zero capture - a zero-priced order, or nothing tendered under
	// the partial policy - has no financial effect and appends nothing.
	if payment.Amount.IsPositive() {
		entry := contrib.Entry{
			ID:         contrib.EntryID(c.newID()),
			MemberID:   req.MemberID,
			OrderID:    string(order.ID),
			PaymentID:  string(payment.ID),
			Direction:  contrib.Credit,
			Amount:     payment.Amount,
			Currency:   c.currency,
			RecordedBy: req.StaffID,
			OccurredAt: now,
		}
		if err := entry.Validate(); err != nil {
			return Result{}, err
		}
		if err := uow.AppendContribution(ctx, entry); err != nil {
			return Result{}, err
		}
	}

	// Step 7: the completion audit event, inside the same commit.
	// The store chains the hash linkage within the transaction.
	if err := uow.AppendAudit(ctx, audit.Event{
		ID:         audit.EventID(c.newID()),
		ActorType:  audit.ActorStaff,
		ActorID:    string(req.StaffID),
		Kind:       audit.KindDispenseCompleted,
		EntityType: "order",
		EntityID:   string(order.ID),
		Payload: map[string]any{
			"member_id": string(req.MemberID),
			"total":     order.Total.String(),
			"lines":     len(lines),
			"payment":   string(payment.Status),
		},
		OccurredAt: now,
	}); err != nil {
		return Result{}, err
	}

	// Step 8: complete and commit.
	completedAt := now
	if err := uow.MarkOrderCompleted(ctx, order.ID, completedAt); err != nil {
		return Result{}, err
	}
	order.Status = OrderCompleted
	order.CompletedAt = &completedAt

	return Result{Order: order, Lines: lines, Payment: payment}, nil
}

// settle translates a rolled-back unit of work's error and records
// the rejection audit event after the rollback, outside any
// transaction. The audit write is best-effort: its failure never
// masks the rejection the caller must see.
func (c *Coordinator) settle(ctx context.Context, req Request, err error) error {
	if errors.Is(err, ledger.ErrAppendOnlyViolation) {
		err = &RejectionError{
			Code:     AppendOnlyViolation,
			Line:     -1,
			FailedAt: StateLedgerAppended,
			Detail:   err.Error(),
		}
	}

	if rejection, ok := AsRejection(err); ok {
		c.auditRejection(ctx, req, rejection)
		return rejection
	}
	if IsTransient(err) {
		return err
	}
	if ledger.IsRetryable(err) {
		return &TransientError{Op: "dispense", Err: err}
	}
	return err
}

func (c *Coordinator) auditRejection(ctx context.Context, req Request, rejection *RejectionError) {
	_, _ = c.recorder.Record(ctx, audit.Event{
		ActorType:  audit.ActorStaff,
		ActorID:    string(req.StaffID),
		Kind:       audit.KindDispenseRejected,
		EntityType: "member",
		EntityID:   string(req.MemberID),
		Payload: map[string]any{
			"reason":    string(rejection.Code),
			"line":      rejection.Line,
			"failed_at": string(rejection.FailedAt),
			"detail":    rejection.Detail,
		},
	})
}

// orderNumber builds the human-facing order number from the commit
// timestamp plus a short random suffix against same-second collisions.
func (c *Coordinator) orderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", now.Format("20060102150405"), c.newID()[:8])
}

func lineForKey(lines []RequestLine, key ledger.StockKey) int {
	for i, l := range lines {
		if l.ProductID == key.ProductID && l.BatchID == key.BatchID {
			return i
		}
	}
	return -1
}

// validate rejects malformed requests before any transaction opens.
func validate(req Request) error {
	if req.MemberID == "" {
		return &ValidationError{Code: MissingMember, Line: -1, Detail: "member id is required"}
	}
	if req.StaffID == "" {
		return &ValidationError{Code: MissingStaff, Line: -1, Detail: "staff identity is required"}
	}
	if len(req.Lines) == 0 {
		return &ValidationError{Code: EmptyOrder, Line: -1, Detail: "at least one line is required"}
	}
	for i, line := range req.Lines {
		if line.ProductID == "" {
			return &ValidationError{Code: EmptyOrder, Line: i, Detail: "product id is required"}
		}
		if !line.Quantity.IsPositive() {
			return &ValidationError{
				Code:   InvalidQuantity,
				Line:   i,
				Detail: fmt.Sprintf("quantity must be strictly positive, got %s", line.Quantity),
			}
		}
		if line.UnitPrice.IsNegative() {
			return &ValidationError{Code: InvalidPayment, Line: i, Detail: "unit price cannot be negative"}
		}
	}
	if req.PaymentAmount.IsNegative() {
		return &ValidationError{Code: InvalidPayment, Line: -1, Detail: "payment amount cannot be negative"}
	}
	return nil
}
