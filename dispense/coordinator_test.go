package dispense_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

// =============================================================================
// IN-MEMORY BACKEND - a transactional fake for coordinator tests
// =============================================================================

type orderRec struct {
	order   dispense.Order
	lines   []dispense.OrderLine
	payment dispense.Payment
}

// memBackend is a unit-of-work fake: writes go straight into the
// backend under one mutex, and a rollback truncates everything the
// transaction added. It doubles as the audit.Store the rejection
// recorder writes through.
type memBackend struct {
	mu            sync.Mutex
	movements     []ledger.Movement
	idem          map[string]bool
	verifications map[member.MemberID][]member.VerificationEvent
	orders        []*orderRec
	contribs      []contrib.Entry
	audits        []audit.Event
}

func newMemBackend() *memBackend {
	return &memBackend{
		idem:          make(map[string]bool),
		verifications: make(map[member.MemberID][]member.VerificationEvent),
	}
}

func (b *memBackend) WithTx(_ context.Context, fn func(dispense.UnitOfWork) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mark := snapshot{
		movements: len(b.movements),
		orders:    len(b.orders),
		contribs:  len(b.contribs),
		audits:    len(b.audits),
		idem:      make(map[string]bool, len(b.idem)),
	}
	for k, v := range b.idem {
		mark.idem[k] = v
	}

	if err := fn(&memUOW{b: b}); err != nil {
		b.movements = b.movements[:mark.movements]
		b.orders = b.orders[:mark.orders]
		b.contribs = b.contribs[:mark.contribs]
		b.audits = b.audits[:mark.audits]
		b.idem = mark.idem
		return err
	}
	return nil
}

type snapshot struct {
	movements, orders, contribs, audits int
	idem                                map[string]bool
}

func (b *memBackend) FindOrderByIdempotencyKey(_ context.Context, key string) (dispense.Order, []dispense.OrderLine, dispense.Payment, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.orders {
		if rec.order.IdempotencyKey == key {
			return rec.order, rec.lines, rec.payment, true, nil
		}
	}
	return dispense.Order{}, nil, dispense.Payment{}, false, nil
}

// audit.Store, used by the rejection recorder outside transactions.
// Unhashed events are chained onto the tail, like the SQLite store.

func (b *memBackend) AppendAudit(_ context.Context, e audit.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Hash == "" {
		var prev audit.Event
		if len(b.audits) > 0 {
			prev = b.audits[len(b.audits)-1]
		}
		e = audit.Chain(prev, e)
	}
	b.audits = append(b.audits, e)
	return nil
}

func (b *memBackend) LastAudit(_ context.Context) (audit.Event, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.audits) == 0 {
		return audit.Event{}, false, nil
	}
	return b.audits[len(b.audits)-1], true, nil
}

func (b *memBackend) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []audit.Event
	for _, e := range b.audits {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// memUOW operates on the backend while WithTx holds the lock.
type memUOW struct {
	b *memBackend
}

func (u *memUOW) MovementStore() ledger.Store { return &movView{b: u.b} }

func (u *memUOW) VerificationsByMember(_ context.Context, id member.MemberID) ([]member.VerificationEvent, error) {
	return u.b.verifications[id], nil
}

func (u *memUOW) InsertOrder(_ context.Context, o dispense.Order, lines []dispense.OrderLine) error {
	u.b.orders = append(u.b.orders, &orderRec{order: o, lines: lines})
	return nil
}

func (u *memUOW) MarkOrderCompleted(_ context.Context, id dispense.OrderID, at time.Time) error {
	for _, rec := range u.b.orders {
		if rec.order.ID == id {
			rec.order.Status = dispense.OrderCompleted
			rec.order.CompletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("order %s not found", id)
}

func (u *memUOW) InsertPayment(_ context.Context, p dispense.Payment) error {
	for _, rec := range u.b.orders {
		if rec.order.ID == p.OrderID {
			rec.payment = p
			return nil
		}
	}
	return fmt.Errorf("order %s not found", p.OrderID)
}

func (u *memUOW) AppendContribution(_ context.Context, e contrib.Entry) error {
	u.b.contribs = append(u.b.contribs, e)
	return nil
}

func (u *memUOW) AppendAudit(_ context.Context, e audit.Event) error {
	var prev audit.Event
	if len(u.b.audits) > 0 {
		prev = u.b.audits[len(u.b.audits)-1]
	}
	u.b.audits = append(u.b.audits, audit.Chain(prev, e))
	return nil
}

// movView is the transaction-scoped ledger store.
type movView struct {
	b *memBackend
}

func (v *movView) Append(_ context.Context, mv ledger.Movement) error {
	if mv.IdempotencyKey != "" {
		if v.b.idem[mv.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		v.b.idem[mv.IdempotencyKey] = true
	}
	v.b.movements = append(v.b.movements, mv)
	return nil
}

func (v *movView) AppendBatch(ctx context.Context, mvs []ledger.Movement) error {
	for _, mv := range mvs {
		if err := v.Append(ctx, mv); err != nil {
			return err
		}
	}
	return nil
}

func (v *movView) Load(_ context.Context, key ledger.StockKey) ([]ledger.Movement, error) {
	var out []ledger.Movement
	for _, mv := range v.b.movements {
		if mv.Key() == key {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (v *movView) LoadRange(ctx context.Context, key ledger.StockKey, from, to time.Time) ([]ledger.Movement, error) {
	all, _ := v.Load(ctx, key)
	var out []ledger.Movement
	for _, mv := range all {
		if !mv.OccurredAt.Before(from) && !mv.OccurredAt.After(to) {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (v *movView) LoadByProduct(_ context.Context, productID ledger.ProductID) ([]ledger.Movement, error) {
	var out []ledger.Movement
	for _, mv := range v.b.movements {
		if mv.ProductID == productID {
			out = append(out, mv)
		}
	}
	return out, nil
}

func (v *movView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return v.b.idem[idempotencyKey], nil
}

// =============================================================================
// TEST HARNESS
// =============================================================================

type harness struct {
	backend *memBackend
	coord   *dispense.Coordinator
}

func newHarness(t *testing.T, policy dispense.ShortfallPolicy) *harness {
	t.Helper()
	backend := newMemBackend()
	n := 0
	recorder := audit.NewRecorder(backend, func() audit.EventID {
		n++
		return audit.EventID(fmt.Sprintf("audit-%d", n))
	})
	coord := dispense.NewCoordinator(backend, recorder, policy, "USD").
		WithClock(func() time.Time {
			return time.Date(2026, time.June, 10, 14, 30, 0, 0, time.UTC)
		})
	return &harness{backend: backend, coord: coord}
}

func (h *harness) verifyMember(id member.MemberID) {
	events := h.backend.verifications[id]
	h.backend.verifications[id] = append(events, member.VerificationEvent{
		ID:         member.VerificationID(fmt.Sprintf("v-%d", len(events)+1)),
		MemberID:   id,
		Outcome:    member.OutcomeVerified,
		VerifiedBy: "staff-admin",
		OccurredAt: time.Date(2026, time.June, 1, 9, 0, 0, 0, time.UTC),
		Seq:        int64(len(events) + 1),
	})
}

func (h *harness) receive(product ledger.ProductID, qty float64) {
	h.backend.movements = append(h.backend.movements, ledger.Movement{
		ID:         ledger.MovementID(fmt.Sprintf("recv-%d", len(h.backend.movements)+1)),
		ProductID:  product,
		Type:       ledger.MovementReceive,
		Quantity:   ledger.NewQuantity(qty),
		RecordedBy: "staff-admin",
		OccurredAt: time.Date(2026, time.June, 1, 10, 0, 0, 0, time.UTC),
	})
}

func (h *harness) stock(product ledger.ProductID) ledger.Quantity {
	movs, _ := (&movView{b: h.backend}).Load(context.Background(), ledger.StockKey{ProductID: product})
	return ledger.Fold(movs)
}

func request(memberID member.MemberID, qty, unitPrice, payment float64) dispense.Request {
	return dispense.Request{
		MemberID:      memberID,
		StaffID:       "staff-1",
		PaymentMethod: "CASH",
		PaymentAmount: ledger.NewMoney(payment),
		Lines: []dispense.RequestLine{{
			ProductID: "prod-1",
			Quantity:  ledger.NewQuantity(qty),
			UnitPrice: ledger.NewMoney(unitPrice),
		}},
	}
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestDispense_VerifiedMemberSucceeds(t *testing.T) {
	// GIVEN: member M verified, product P received +10
	// WHEN:  M orders 4 of P at 5.00, paying 20.00
	// THEN:  order completes, total 20.00, stock drops to 6

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	result, err := h.coord.Dispense(context.Background(), request("m-1", 4, 5.00, 20.00))
	require.NoError(t, err)

	assert.Equal(t, dispense.OrderCompleted, result.Order.Status)
	assert.Equal(t, "20.00", result.Order.Total.String())
	assert.NotNil(t, result.Order.CompletedAt)
	assert.Contains(t, result.Order.Number, "ORD-20260610143000")
	assert.Equal(t, dispense.PaymentSettled, result.Payment.Status)
	assert.False(t, result.AlreadyProcessed)

	assert.Equal(t, "6.000", h.stock("prod-1").String())

	// The DISPENSE movement is negative, linked to its order line, and
	// attributed to the ordering staff member with a server timestamp.
	require.Len(t, h.backend.movements, 2)
	dispensed := h.backend.movements[1]
	assert.Equal(t, ledger.MovementDispense, dispensed.Type)
	assert.Equal(t, "-4.000", dispensed.Quantity.String())
	assert.Equal(t, result.Lines[0].ID, dispensed.OrderLineID)
	assert.Equal(t, ledger.StaffID("staff-1"), dispensed.RecordedBy)

	// Contribution mirrors the captured payment.
	require.Len(t, h.backend.contribs, 1)
	assert.Equal(t, contrib.Credit, h.backend.contribs[0].Direction)
	assert.Equal(t, "20.00", h.backend.contribs[0].Amount.String())
	assert.Equal(t, string(result.Order.ID), h.backend.contribs[0].OrderID)

	// One completion audit event inside the commit.
	require.Len(t, h.backend.audits, 1)
	assert.Equal(t, audit.KindDispenseCompleted, h.backend.audits[0].Kind)
}

func TestDispense_InsufficientStockRejected(t *testing.T) {
	// GIVEN: 10 available
	// WHEN:  a request for 11 arrives
	// THEN:  INSUFFICIENT_STOCK, stock still 10, nothing persisted but
	//        the rejection audit event

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	_, err := h.coord.Dispense(context.Background(), request("m-1", 11, 5.00, 55.00))

	rejection, ok := dispense.AsRejection(err)
	require.True(t, ok, "want a business rejection, got %v", err)
	assert.Equal(t, dispense.InsufficientStock, rejection.Code)
	assert.Equal(t, 0, rejection.Line)

	assert.Equal(t, "10.000", h.stock("prod-1").String())
	assert.Empty(t, h.backend.orders, "no partial order survives")
	assert.Empty(t, h.backend.contribs)

	require.Len(t, h.backend.audits, 1)
	assert.Equal(t, audit.KindDispenseRejected, h.backend.audits[0].Kind)
	assert.Equal(t, "INSUFFICIENT_STOCK", h.backend.audits[0].Payload["reason"])
}

func TestDispense_UnverifiedMemberRejected(t *testing.T) {
	// A member with no verification events fails closed before any
	// order, movement, or payment exists.

	h := newHarness(t, dispense.ShortfallReject)
	h.receive("prod-1", 10)

	_, err := h.coord.Dispense(context.Background(), request("m-ghost", 1, 5.00, 5.00))

	rejection, ok := dispense.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, dispense.MemberNotVerified, rejection.Code)
	assert.Equal(t, dispense.StateRequested, rejection.FailedAt)

	assert.Empty(t, h.backend.orders)
	assert.Len(t, h.backend.movements, 1, "only the seed RECEIVE remains")
	require.Len(t, h.backend.audits, 1)
	assert.Equal(t, audit.KindDispenseRejected, h.backend.audits[0].Kind)
	assert.Equal(t, "MEMBER_NOT_VERIFIED", h.backend.audits[0].Payload["reason"])
}

func TestDispense_RejectedAfterVerificationRevoked(t *testing.T) {
	// Latest outcome wins: a once-verified member whose latest event
	// is REJECTED may not transact.

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.backend.verifications["m-1"] = append(h.backend.verifications["m-1"], member.VerificationEvent{
		ID:         "v-revoke",
		MemberID:   "m-1",
		Outcome:    member.OutcomeRejected,
		VerifiedBy: "staff-admin",
		OccurredAt: time.Date(2026, time.June, 2, 9, 0, 0, 0, time.UTC),
		Seq:        99,
	})
	h.receive("prod-1", 10)

	_, err := h.coord.Dispense(context.Background(), request("m-1", 1, 5.00, 5.00))

	rejection, ok := dispense.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, dispense.MemberNotVerified, rejection.Code)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestDispense_InvalidQuantityRejectedBeforeTransaction(t *testing.T) {
	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	_, err := h.coord.Dispense(context.Background(), request("m-1", 0, 5.00, 0))

	var validation *dispense.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, dispense.InvalidQuantity, validation.Code)

	// Validation failures never open a transaction and are not audited.
	assert.Empty(t, h.backend.audits)
}

func TestDispense_EmptyRequestRejected(t *testing.T) {
	h := newHarness(t, dispense.ShortfallReject)

	_, err := h.coord.Dispense(context.Background(), dispense.Request{
		MemberID: "m-1",
		StaffID:  "staff-1",
	})

	var validation *dispense.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, dispense.EmptyOrder, validation.Code)
}

// =============================================================================
// PAYMENT SHORTFALL POLICY
// =============================================================================

func TestDispense_PaymentShort_RejectPolicy(t *testing.T) {
	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	_, err := h.coord.Dispense(context.Background(), request("m-1", 4, 5.00, 15.00))

	rejection, ok := dispense.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, dispense.PaymentShort, rejection.Code)

	// The rolled-back movements are gone; stock is untouched.
	assert.Equal(t, "10.000", h.stock("prod-1").String())
	assert.Empty(t, h.backend.orders)
}

func TestDispense_PaymentShort_PartialPolicy(t *testing.T) {
	h := newHarness(t, dispense.ShortfallPartial)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	result, err := h.coord.Dispense(context.Background(), request("m-1", 4, 5.00, 15.00))
	require.NoError(t, err)

	assert.Equal(t, dispense.PaymentPending, result.Payment.Status)
	assert.Equal(t, "15.00", result.Payment.Amount.String())
	assert.Equal(t, "20.00", result.Order.Total.String())
	assert.Equal(t, "6.000", h.stock("prod-1").String())

	// The contribution records what was actually captured.
	require.Len(t, h.backend.contribs, 1)
	assert.Equal(t, "15.00", h.backend.contribs[0].Amount.String())
}

func TestDispense_ZeroPayment_PartialPolicy(t *testing.T) {
	// Nothing tendered under the partial policy: the order still
	// completes with a PENDING payment, and no contribution entry is
	// appended for the zero capture.

	h := newHarness(t, dispense.ShortfallPartial)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	result, err := h.coord.Dispense(context.Background(), request("m-1", 4, 5.00, 0))
	require.NoError(t, err)

	assert.Equal(t, dispense.OrderCompleted, result.Order.Status)
	assert.Equal(t, dispense.PaymentPending, result.Payment.Status)
	assert.Equal(t, "0.00", result.Payment.Amount.String())
	assert.Equal(t, "6.000", h.stock("prod-1").String())
	assert.Empty(t, h.backend.contribs, "a zero capture appends no entry")
}

func TestDispense_ZeroPricedOrderSettles(t *testing.T) {
	// A zero-priced order with nothing tendered is fully paid: the
	// payment settles and the contribution ledger stays untouched.

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	result, err := h.coord.Dispense(context.Background(), request("m-1", 4, 0, 0))
	require.NoError(t, err)

	assert.Equal(t, dispense.OrderCompleted, result.Order.Status)
	assert.Equal(t, "0.00", result.Order.Total.String())
	assert.Equal(t, dispense.PaymentSettled, result.Payment.Status)
	assert.Equal(t, "6.000", h.stock("prod-1").String())
	assert.Empty(t, h.backend.contribs)

	require.Len(t, h.backend.audits, 1)
	assert.Equal(t, audit.KindDispenseCompleted, h.backend.audits[0].Kind)
}

func TestDispense_OverpaymentSettles(t *testing.T) {
	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	result, err := h.coord.Dispense(context.Background(), request("m-1", 4, 5.00, 25.00))
	require.NoError(t, err)
	assert.Equal(t, dispense.PaymentSettled, result.Payment.Status)
}

// =============================================================================
// IDEMPOTENCY & CONTENTION
// =============================================================================

func TestDispense_IdempotentRetryReturnsCommittedOrder(t *testing.T) {
	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	req := request("m-1", 4, 5.00, 20.00)
	req.IdempotencyKey = "req-abc"

	first, err := h.coord.Dispense(context.Background(), req)
	require.NoError(t, err)

	second, err := h.coord.Dispense(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	// No second dispense happened.
	assert.Equal(t, "6.000", h.stock("prod-1").String())
	assert.Len(t, h.backend.orders, 1)
}

func TestDispense_ConcurrentRequestsOneWinner(t *testing.T) {
	// GIVEN: exactly 10 available
	// WHEN:  two concurrent requests each ask for all 10
	// THEN:  exactly one succeeds, the other gets INSUFFICIENT_STOCK

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.verifyMember("m-2")
	h.receive("prod-1", 10)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, id := range []member.MemberID{"m-1", "m-2"} {
		wg.Add(1)
		go func(id member.MemberID) {
			defer wg.Done()
			_, err := h.coord.Dispense(context.Background(), request(id, 10, 5.00, 50.00))
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	successes, stockRejections := 0, 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		if rejection, ok := dispense.AsRejection(err); ok && rejection.Code == dispense.InsufficientStock {
			stockRejections++
		}
	}
	assert.Equal(t, 1, successes, "exactly one dispense wins")
	assert.Equal(t, 1, stockRejections, "the other is rejected on stock")
	assert.True(t, h.stock("prod-1").IsZero())
}

func TestDispense_MultiLineSplitOverdrawRejected(t *testing.T) {
	// Two lines against the same key may not jointly exceed the
	// available quantity even when each fits alone.

	h := newHarness(t, dispense.ShortfallReject)
	h.verifyMember("m-1")
	h.receive("prod-1", 10)

	req := dispense.Request{
		MemberID:      "m-1",
		StaffID:       "staff-1",
		PaymentMethod: "CASH",
		PaymentAmount: ledger.NewMoney(70.00),
		Lines: []dispense.RequestLine{
			{ProductID: "prod-1", Quantity: ledger.NewQuantity(7), UnitPrice: ledger.NewMoney(5.00)},
			{ProductID: "prod-1", Quantity: ledger.NewQuantity(7), UnitPrice: ledger.NewMoney(5.00)},
		},
	}
	_, err := h.coord.Dispense(context.Background(), req)

	rejection, ok := dispense.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, dispense.InsufficientStock, rejection.Code)
	assert.Equal(t, 1, rejection.Line, "the second line is the offender")
	assert.Equal(t, "10.000", h.stock("prod-1").String())
}
