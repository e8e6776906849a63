/*
Package audit is the system activity log: an append-only record of
who did what to which entity, including security-relevant failures
such as a blocked dispense.

Entries are hash-chained: each event carries the hash of its
predecessor and its own hash over the attributable fields, so any
after-the-fact tampering with a committed row breaks the chain even
if the engine-level append-only triggers were somehow bypassed.
*/
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

type EventID string

type ActorType string

const (
	ActorStaff  ActorType = "STAFF"
	ActorSystem ActorType = "SYSTEM"
)

// Kind is the audit event type.
type Kind string

const (
	KindMemberCreated     Kind = "MEMBER_CREATED"
	KindMemberUpdated     Kind = "MEMBER_UPDATED"
	KindMemberDeleted     Kind = "MEMBER_DELETED"
	KindMemberVerified    Kind = "MEMBER_VERIFIED"
	KindMovementRecorded  Kind = "MOVEMENT_RECORDED"
	KindDispenseCompleted Kind = "DISPENSE_COMPLETED"
	KindDispenseRejected  Kind = "DISPENSE_REJECTED"
	KindMasterDataChanged Kind = "MASTER_DATA_CHANGED"
)

// Event is one immutable audit record.
type Event struct {
	ID         EventID
	ActorType  ActorType
	ActorID    string
	Kind       Kind
	EntityType string
	EntityID   string
	Payload    map[string]any
	OccurredAt time.Time

	PrevHash string
	Hash     string
}

// Filter selects events for read-only queries. Zero fields match all.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Kinds      []Kind
	From       *time.Time
	To         *time.Time
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e Event) bool {
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.OccurredAt.After(*f.To) {
		return false
	}
	return true
}

// Store persists audit events. Append-only. AppendAudit must chain an
// event whose Hash is empty onto the current tail under the store's
// own write serialization, so appends from different writers can never
// fork the chain. LastAudit exposes the tail for that chaining.
type Store interface {
	AppendAudit(ctx context.Context, e Event) error
	LastAudit(ctx context.Context) (Event, bool, error)
	QueryAudit(ctx context.Context, f Filter) ([]Event, error)
}

// Chain fills in the hash linkage for an event following prev.
// A zero prev starts a new chain.
func Chain(prev Event, e Event) Event {
	e.PrevHash = prev.Hash
	e.Hash = hashEvent(e)
	return e
}

// Verify walks a chronological slice of events and reports the index
// of the first broken link, or -1 if the chain is intact.
func Verify(events []Event) int {
	prev := ""
	for i, e := range events {
		if e.PrevHash != prev || e.Hash != hashEvent(e) {
			return i
		}
		prev = e.Hash
	}
	return -1
}

func hashEvent(e Event) string {
	payload, _ := json.Marshal(e.Payload)
	material := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID, e.ActorType, e.ActorID, e.Kind, e.EntityType, e.EntityID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano), e.PrevHash)
	sum := sha256.Sum256(append([]byte(material), payload...))
	return hex.EncodeToString(sum[:])
}

// Recorder prepares events and appends them through a Store. Hash
// linkage is deliberately left to the store: chaining must happen
// under the same write serialization as unit-of-work appends, or two
// writers reading the same tail would fork the chain.
type Recorder struct {
	store Store
	clock func() time.Time
	newID func() EventID
}

func NewRecorder(store Store, newID func() EventID) *Recorder {
	return &Recorder{
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
		newID: newID,
	}
}

// WithClock overrides the timestamp source, for tests.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Record assigns identity and occurred-at and appends the event
// unchained; the store links it onto the tail under its writer lock.
// The returned event carries the assigned identity but not the hash,
// which exists only in the committed log.
func (r *Recorder) Record(ctx context.Context, e Event) (Event, error) {
	if e.ID == "" {
		e.ID = r.newID()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.clock()
	}
	e.PrevHash = ""
	e.Hash = ""
	if err := r.store.AppendAudit(ctx, e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Query is read-only and reflects exactly the entries committed at
// the store's snapshot.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Event, error) {
	return r.store.QueryAudit(ctx, f)
}
