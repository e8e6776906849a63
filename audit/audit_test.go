package audit_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdant/dispensary-hub/audit"
)

// memStore is a minimal in-memory audit store for unit tests. Like
// the SQLite store, it chains an unhashed event onto the tail under
// its own lock.
type memStore struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memStore) AppendAudit(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Hash == "" {
		var prev audit.Event
		if len(m.events) > 0 {
			prev = m.events[len(m.events)-1]
		}
		e = audit.Chain(prev, e)
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memStore) LastAudit(_ context.Context) (audit.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return audit.Event{}, false, nil
	}
	return m.events[len(m.events)-1], true, nil
}

func (m *memStore) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Event
	for _, e := range m.events {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func newRecorder(store *memStore) *audit.Recorder {
	n := 0
	return audit.NewRecorder(store, func() audit.EventID {
		n++
		return audit.EventID(fmt.Sprintf("evt-%d", n))
	}).WithClock(func() time.Time {
		return time.Date(2026, time.May, 2, 9, 0, 0, 0, time.UTC)
	})
}

func TestRecorder_ChainsHashes(t *testing.T) {
	store := &memStore{}
	r := newRecorder(store)
	ctx := context.Background()

	first, err := r.Record(ctx, audit.Event{
		ActorType:  audit.ActorStaff,
		ActorID:    "staff-1",
		Kind:       audit.KindMovementRecorded,
		EntityType: "movement",
		EntityID:   "mov-1",
	})
	require.NoError(t, err)
	assert.Equal(t, audit.EventID("evt-1"), first.ID)

	_, err = r.Record(ctx, audit.Event{
		ActorType:  audit.ActorSystem,
		Kind:       audit.KindDispenseRejected,
		EntityType: "order",
		EntityID:   "ord-1",
		Payload:    map[string]any{"code": "INSUFFICIENT_STOCK"},
	})
	require.NoError(t, err)

	// The hash linkage lives in the committed log, not in the return
	// values: the store chains under its own lock.
	require.Len(t, store.events, 2)
	assert.Empty(t, store.events[0].PrevHash, "first event starts the chain")
	assert.NotEmpty(t, store.events[0].Hash)
	assert.Equal(t, store.events[0].Hash, store.events[1].PrevHash)
	assert.NotEqual(t, store.events[0].Hash, store.events[1].Hash)

	assert.Equal(t, -1, audit.Verify(store.events), "recorded chain verifies clean")
}

func TestRecorder_InterleavedTxAppendsShareOneChain(t *testing.T) {
	// Half the appends go through the recorder, half straight into the
	// store unchained, the way a dispense unit of work appends. However
	// the writers interleave, the committed log must remain one
	// unforked chain: no two events sharing a prev-hash.

	store := &memStore{}
	var n atomic.Int64
	r := audit.NewRecorder(store, func() audit.EventID {
		return audit.EventID(fmt.Sprintf("evt-%d", n.Add(1)))
	})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, err := r.Record(ctx, audit.Event{
					ActorType:  audit.ActorStaff,
					ActorID:    "staff-1",
					Kind:       audit.KindMovementRecorded,
					EntityType: "movement",
					EntityID:   fmt.Sprintf("mov-%d", i),
				})
				assert.NoError(t, err)
				return
			}
			assert.NoError(t, store.AppendAudit(ctx, audit.Event{
				ID:         audit.EventID(fmt.Sprintf("tx-%d", i)),
				ActorType:  audit.ActorStaff,
				ActorID:    "staff-1",
				Kind:       audit.KindDispenseCompleted,
				EntityType: "order",
				EntityID:   fmt.Sprintf("ord-%d", i),
				OccurredAt: time.Date(2026, time.May, 2, 9, 0, 0, 0, time.UTC),
			}))
		}(i)
	}
	wg.Wait()

	require.Len(t, store.events, 16)
	assert.Equal(t, -1, audit.Verify(store.events))
}

func TestVerify_DetectsTampering(t *testing.T) {
	store := &memStore{}
	r := newRecorder(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.Record(ctx, audit.Event{
			ActorType:  audit.ActorStaff,
			ActorID:    "staff-1",
			Kind:       audit.KindMemberVerified,
			EntityType: "member",
			EntityID:   fmt.Sprintf("m-%d", i),
		})
		require.NoError(t, err)
	}

	// Rewrite history on the middle event.
	store.events[1].EntityID = "m-99"

	assert.Equal(t, 1, audit.Verify(store.events))
}

func TestQuery_Filters(t *testing.T) {
	store := &memStore{}
	r := newRecorder(store)
	ctx := context.Background()

	record := func(kind audit.Kind, entityType, entityID, actorID string) {
		_, err := r.Record(ctx, audit.Event{
			ActorType:  audit.ActorStaff,
			ActorID:    actorID,
			Kind:       kind,
			EntityType: entityType,
			EntityID:   entityID,
		})
		require.NoError(t, err)
	}

	record(audit.KindMemberVerified, "member", "m-1", "staff-1")
	record(audit.KindMovementRecorded, "movement", "mov-1", "staff-2")
	record(audit.KindDispenseCompleted, "order", "ord-1", "staff-2")

	byEntity, err := r.Query(ctx, audit.Filter{EntityType: "member", EntityID: "m-1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, audit.KindMemberVerified, byEntity[0].Kind)

	byActor, err := r.Query(ctx, audit.Filter{ActorID: "staff-2"})
	require.NoError(t, err)
	assert.Len(t, byActor, 2)

	byKind, err := r.Query(ctx, audit.Filter{
		Kinds: []audit.Kind{audit.KindDispenseCompleted, audit.KindDispenseRejected},
	})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, "ord-1", byKind[0].EntityID)
}
