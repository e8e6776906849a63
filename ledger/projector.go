/*
projector.go - On-hand stock projection

PURPOSE:
  StockProjector answers "how much of this product/batch is on hand".
  The answer is always a projection: the signed sum of the movements
  referencing the key, never an independently stored value.

TWO STRATEGIES, ONE ANSWER:
  - Full scan: load every movement for the key and fold.
  - Incremental: keep a per-key cache of folded totals, invalidated
    strictly on every new movement append for that key.
  Both must produce identical results for every movement history; the
  property test in projector_test.go pins this equivalence.

NO ERRORS FOR UNKNOWN KEYS:
  A key with no movements legitimately has zero stock. Unknown
  product/batch returns zero, not a fault.

READ-ONLY:
  The projector never writes and never takes the store's writer lock.
  It tolerates a consistent snapshot slightly behind the latest commit.
*/
package ledger

import (
	"context"
	"sync"
	"time"
)

// StockProjector computes on-hand stock per (product, batch) key.
// It implements AppendObserver so the cache stays exactly as fresh as
// the ledger it watches.
type StockProjector struct {
	store Store

	mu    sync.RWMutex
	cache map[StockKey]Quantity
}

func NewStockProjector(store Store) *StockProjector {
	return &StockProjector{
		store: store,
		cache: make(map[StockKey]Quantity),
	}
}

// Available returns current on-hand stock for the key, serving from
// the incremental cache when warm and folding the full history
// otherwise.
func (p *StockProjector) Available(ctx context.Context, key StockKey) (Quantity, error) {
	p.mu.RLock()
	cached, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return p.Recompute(ctx, key)
}

// AvailableAt returns on-hand stock as of a historical instant.
// Always a full scan; historical queries are for reports and are
// never cached.
func (p *StockProjector) AvailableAt(ctx context.Context, key StockKey, asOf time.Time) (Quantity, error) {
	movements, err := p.store.Load(ctx, key)
	if err != nil {
		return ZeroQuantity(), err
	}
	return FoldAt(movements, asOf), nil
}

// Recompute folds the full movement history for the key and refreshes
// the cache. Available and Recompute must always agree; Recompute is
// the ground truth.
func (p *StockProjector) Recompute(ctx context.Context, key StockKey) (Quantity, error) {
	movements, err := p.store.Load(ctx, key)
	if err != nil {
		return ZeroQuantity(), err
	}
	total := Fold(movements)

	p.mu.Lock()
	p.cache[key] = total
	p.mu.Unlock()
	return total, nil
}

// Invalidate drops the cached value for a key. The next Available
// falls back to a full scan.
func (p *StockProjector) Invalidate(key StockKey) {
	p.mu.Lock()
	delete(p.cache, key)
	p.mu.Unlock()
}

// MovementAppended implements AppendObserver. Appends made through a
// MovementLedger observing this projector invalidate the key, so a
// cached value can never survive a movement it has not folded.
func (p *StockProjector) MovementAppended(key StockKey) {
	p.Invalidate(key)
}
