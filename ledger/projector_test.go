package ledger_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/ledger/store"
	"pgregory.net/rapid"
)

func TestProjector_UnknownKey_ReturnsZero(t *testing.T) {
	// A never-moved product legitimately has zero stock: not an error.

	projector := ledger.NewStockProjector(store.NewMemory())

	available, err := projector.Available(context.Background(), ledger.StockKey{ProductID: "ghost"})
	require.NoError(t, err)
	assert.True(t, available.IsZero())
}

func TestProjector_CacheInvalidatedOnAppend(t *testing.T) {
	// GIVEN: a warm cache for p1
	// WHEN:  a new movement is appended through an observing ledger
	// THEN:  the next read reflects the movement

	mem := store.NewMemory()
	projector := ledger.NewStockProjector(mem)
	l := ledger.NewMovementLedger(mem, projector)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, movement("p1", ledger.MovementReceive, 10, "mv-1")))

	available, err := projector.Available(ctx, ledger.StockKey{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "10.000", available.String())

	require.NoError(t, l.Append(ctx, movement("p1", ledger.MovementDispense, 4, "mv-2")))

	available, err = projector.Available(ctx, ledger.StockKey{ProductID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "6.000", available.String())
}

func TestProjector_AvailableAt_HistoricalFold(t *testing.T) {
	mem := store.NewMemory()
	projector := ledger.NewStockProjector(mem)
	l := ledger.NewMovementLedger(mem, projector)
	ctx := context.Background()

	day1 := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	receive := movement("p1", ledger.MovementReceive, 10, "mv-1")
	receive.OccurredAt = day1
	dispense := movement("p1", ledger.MovementDispense, 4, "mv-2")
	dispense.OccurredAt = day2
	require.NoError(t, l.Append(ctx, receive))
	require.NoError(t, l.Append(ctx, dispense))

	atDay1, err := projector.AvailableAt(ctx, ledger.StockKey{ProductID: "p1"}, day1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "10.000", atDay1.String())

	atDay2, err := projector.AvailableAt(ctx, ledger.StockKey{ProductID: "p1"}, day2.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "6.000", atDay2.String())
}

// =============================================================================
// PROJECTION EQUIVALENCE PROPERTY
// =============================================================================

// For every sequence of movements on a key, the cached incremental
// strategy and a fresh full recompute must agree, and both must equal
// the plain signed sum of the appended quantities.
func TestProjector_ProjectionEquivalence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		mem := store.NewMemory()
		projector := ledger.NewStockProjector(mem)
		l := ledger.NewMovementLedger(mem, projector)
		ctx := context.Background()

		key := ledger.StockKey{ProductID: "p1"}
		expected := ledger.ZeroQuantity()

		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			// Alternate reads and writes so the cache is exercised in
			// both warm and cold states mid-sequence.
			if rapid.Bool().Draw(t, "read") {
				cached, err := projector.Available(ctx, key)
				require.NoError(t, err)
				require.True(t, cached.Equal(expected),
					"cached %s != expected %s", cached, expected)
				continue
			}

			qty := ledger.NewQuantity(float64(rapid.IntRange(1, 500).Draw(t, "milliunits")) / 1000.0)
			mv := ledger.Movement{
				ID:         ledger.MovementID(fmt.Sprintf("mv-%d", i)),
				ProductID:  key.ProductID,
				Quantity:   qty,
				RecordedBy: "staff-1",
				OccurredAt: time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
			}
			switch rapid.IntRange(0, 2).Draw(t, "kind") {
			case 0:
				mv.Type = ledger.MovementReceive
			case 1:
				mv.Type = ledger.MovementAdjust
				if rapid.Bool().Draw(t, "negate") {
					mv.Quantity = qty.Neg()
				}
			case 2:
				mv.Type = ledger.MovementDispense
			}

			err := l.Append(ctx, mv)
			if err != nil {
				// The only legitimate rejection here is the stock guard.
				require.ErrorIs(t, err, ledger.ErrInsufficientStock)
				continue
			}
			normalized, nerr := ledger.Normalize(mv)
			require.NoError(t, nerr)
			expected = expected.Add(normalized.Quantity)
		}

		cached, err := projector.Available(ctx, key)
		require.NoError(t, err)
		full, err := projector.Recompute(ctx, key)
		require.NoError(t, err)

		require.True(t, cached.Equal(full), "incremental %s != full scan %s", cached, full)
		require.True(t, full.Equal(expected), "full scan %s != signed sum %s", full, expected)
	})
}
