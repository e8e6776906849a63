/*
eligibility.go - The member eligibility gate

A member may transact if and only if the latest verification event's
outcome is VERIFIED. "Latest" means greatest occurred-at, with the
storage insertion sequence as the tie-break when timestamps collide -
verification events are append-only and totally ordered by creation,
so the sequence is authoritative.

The gate fails closed: a member with no verification history is never
eligible.

The dispense coordinator re-evaluates this gate inside the same unit
of work that appends the dispense movements, so a concurrent
verification change is never invisible to the check.
*/
package member

import (
	"context"
	"sort"
)

// StatusOf projects a member's status from their verification history.
// No events projects PENDING.
func StatusOf(events []VerificationEvent) Status {
	latest, ok := Latest(events)
	if !ok {
		return StatusPending
	}
	switch latest.Outcome {
	case OutcomeVerified:
		return StatusVerified
	default:
		return StatusRejected
	}
}

// Latest returns the most recent verification event, ordering by
// occurred-at then insertion sequence.
func Latest(events []VerificationEvent) (VerificationEvent, bool) {
	if len(events) == 0 {
		return VerificationEvent{}, false
	}
	sorted := make([]VerificationEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].Seq < sorted[j].Seq
		}
		return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
	})
	return sorted[len(sorted)-1], true
}

// Eligible reports whether the history permits transacting right now.
func Eligible(events []VerificationEvent) bool {
	return StatusOf(events) == StatusVerified
}

// Gate answers eligibility questions against a verification log.
type Gate struct {
	log VerificationLog
}

func NewGate(log VerificationLog) *Gate {
	return &Gate{log: log}
}

// EligibleToTransact reads the member's verification history and
// projects eligibility. Callers needing transactional guarantees must
// pass a log view scoped to their unit of work.
func (g *Gate) EligibleToTransact(ctx context.Context, id MemberID) (bool, error) {
	events, err := g.log.VerificationsByMember(ctx, id)
	if err != nil {
		return false, err
	}
	return Eligible(events), nil
}
