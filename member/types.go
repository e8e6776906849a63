/*
Package member models dispensary members and the verification history
their transacting rights derive from.

A member's status is never set directly. Staff append verification
events (outcome VERIFIED or REJECTED, with notes and an opaque KYC
document reference) and the status is a projection over that
append-only history: the latest event wins. This makes illegal direct
status transitions unrepresentable - there is no "set status" entry
point to misuse.

The eligibility gate in eligibility.go answers the one question the
dispense engine asks: may this member transact right now.
*/
package member

import (
	"context"
	"time"

	"github.com/verdant/dispensary-hub/ledger"
)

type MemberID string
type VerificationID string

// Status is the projected membership state.
type Status string

const (
	StatusPending   Status = "PENDING"  // no verification events yet
	StatusVerified  Status = "VERIFIED" // latest outcome VERIFIED
	StatusRejected  Status = "REJECTED" // latest outcome REJECTED
	StatusSuspended Status = "SUSPENDED"
)

// Outcome is the result a staff member records for one verification.
type Outcome string

const (
	OutcomeVerified Outcome = "VERIFIED"
	OutcomeRejected Outcome = "REJECTED"
)

func KnownOutcome(o Outcome) bool {
	return o == OutcomeVerified || o == OutcomeRejected
}

// Member is master data. Profile fields are mutable; Status is a
// cached projection maintained by the storage layer on verification
// append, never settable by callers.
type Member struct {
	ID           MemberID
	MemberNumber string
	FirstName    string
	LastName     string
	DateOfBirth  string
	Phone        string
	Email        string
	Status       Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// VerificationEvent is one immutable entry in a member's verification
// history. DocumentRef is an opaque reference into external document
// storage; the core never reads or validates the referenced content.
type VerificationEvent struct {
	ID          VerificationID
	MemberID    MemberID
	Outcome     Outcome
	VerifiedBy  ledger.StaffID
	Notes       string
	DocumentRef string
	OccurredAt  time.Time

	// Seq is the storage-assigned insertion sequence. Verification
	// events are totally ordered by creation; Seq is the tie-break
	// when two events carry the same occurred-at.
	Seq int64
}

// VerificationLog stores verification events. Append-only.
type VerificationLog interface {
	AppendVerification(ctx context.Context, e VerificationEvent) error
	VerificationsByMember(ctx context.Context, id MemberID) ([]VerificationEvent, error)
}
