/*
Package contrib is the member contribution ledger: an append-only log
of financial events (CREDIT and DEBIT) per member.

Like the inventory ledger, entries are immutable and the per-member
balance is a projection - the signed sum of the member's entries,
never a stored field. Entries link back to the order and payment that
produced them when one exists.
*/
package contrib

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
)

type EntryID string

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

var (
	ErrNonPositiveAmount = errors.New("contribution amount must be positive")
	ErrMissingCurrency   = errors.New("contribution currency is required")
	ErrUnknownDirection  = errors.New("unknown contribution direction")
)

// Entry is one immutable contribution ledger record. Amount is always
// positive; Direction carries the sign.
type Entry struct {
	ID         EntryID
	MemberID   member.MemberID
	OrderID    string // optional linkage
	PaymentID  string // optional linkage
	Direction  Direction
	Amount     ledger.Money
	Currency   string
	RecordedBy ledger.StaffID
	OccurredAt time.Time

	IdempotencyKey string
}

// Validate rejects malformed entries before they reach storage.
func (e Entry) Validate() error {
	if e.Direction != Credit && e.Direction != Debit {
		return fmt.Errorf("%w: %q", ErrUnknownDirection, e.Direction)
	}
	if !e.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if e.Currency == "" {
		return ErrMissingCurrency
	}
	return nil
}

// Signed returns the entry's contribution to the balance: positive
// for CREDIT, negative for DEBIT.
func (e Entry) Signed() ledger.Money {
	if e.Direction == Debit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// Balance folds entries into a member balance.
func Balance(entries []Entry) ledger.Money {
	total := ledger.ZeroMoney()
	for _, e := range entries {
		total = total.Add(e.Signed())
	}
	return total
}

// Store persists contribution entries. Append-only: no update or
// delete entry points exist, and the SQLite implementation backs this
// with engine-level triggers.
type Store interface {
	AppendContribution(ctx context.Context, e Entry) error
	ContributionsByMember(ctx context.Context, id member.MemberID) ([]Entry, error)
	ContributionsInRange(ctx context.Context, from, to time.Time) ([]Entry, error)
}

// Ledger validates entries in front of a Store and serves balance
// projections.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	return l.store.AppendContribution(ctx, e)
}

func (l *Ledger) Entries(ctx context.Context, id member.MemberID) ([]Entry, error) {
	return l.store.ContributionsByMember(ctx, id)
}

// MemberBalance projects the signed sum of a member's entries.
func (l *Ledger) MemberBalance(ctx context.Context, id member.MemberID) (ledger.Money, error) {
	entries, err := l.store.ContributionsByMember(ctx, id)
	if err != nil {
		return ledger.ZeroMoney(), err
	}
	return Balance(entries), nil
}
