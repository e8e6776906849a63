// Package store provides ledger.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/verdant/dispensary-hub/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	movements   map[ledger.StockKey][]ledger.Movement
	idempotency map[string]bool
	seq         map[ledger.MovementID]int64
	nextSeq     int64
}

func NewMemory() *Memory {
	return &Memory{
		movements:   make(map[ledger.StockKey][]ledger.Movement),
		idempotency: make(map[string]bool),
		seq:         make(map[ledger.MovementID]int64),
	}
}

// Append adds a single movement. Append-only.
func (m *Memory) Append(_ context.Context, mv ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(mv)
}

// AppendBatch adds multiple movements atomically.
func (m *Memory) AppendBatch(_ context.Context, mvs []ledger.Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check all idempotency keys first (atomic check)
	for _, mv := range mvs {
		if mv.IdempotencyKey != "" && m.idempotency[mv.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	for _, mv := range mvs {
		if err := m.appendLocked(mv); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) appendLocked(mv ledger.Movement) error {
	if mv.IdempotencyKey != "" {
		if m.idempotency[mv.IdempotencyKey] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		m.idempotency[mv.IdempotencyKey] = true
	}
	m.nextSeq++
	m.seq[mv.ID] = m.nextSeq

	key := mv.Key()
	movements := append(m.movements[key], mv)
	// Occurred-at then insertion order, matching the SQLite store.
	sort.SliceStable(movements, func(i, j int) bool {
		if movements[i].OccurredAt.Equal(movements[j].OccurredAt) {
			return m.seq[movements[i].ID] < m.seq[movements[j].ID]
		}
		return movements[i].OccurredAt.Before(movements[j].OccurredAt)
	})
	m.movements[key] = movements
	return nil
}

func (m *Memory) Load(_ context.Context, key ledger.StockKey) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.Movement, len(m.movements[key]))
	copy(result, m.movements[key])
	return result, nil
}

func (m *Memory) LoadRange(_ context.Context, key ledger.StockKey, from, to time.Time) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Movement
	for _, mv := range m.movements[key] {
		if !mv.OccurredAt.Before(from) && !mv.OccurredAt.After(to) {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (m *Memory) LoadByProduct(_ context.Context, productID ledger.ProductID) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Movement
	for key, mvs := range m.movements {
		if key.ProductID == productID {
			result = append(result, mvs...)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].OccurredAt.Equal(result[j].OccurredAt) {
			return m.seq[result[i].ID] < m.seq[result[j].ID]
		}
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with unit-of-work support, simulated with a
// snapshot plus rollback on error.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

func (tm *TxMemory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	movements := make(map[ledger.StockKey][]ledger.Movement, len(tm.movements))
	for k, v := range tm.movements {
		movements[k] = append([]ledger.Movement{}, v...)
	}
	idempotency := make(map[string]bool, len(tm.idempotency))
	for k, v := range tm.idempotency {
		idempotency[k] = v
	}
	seq := make(map[ledger.MovementID]int64, len(tm.seq))
	for k, v := range tm.seq {
		seq[k] = v
	}
	return memorySnapshot{movements: movements, idempotency: idempotency, seq: seq, nextSeq: tm.nextSeq}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.movements = s.movements
	tm.idempotency = s.idempotency
	tm.seq = s.seq
	tm.nextSeq = s.nextSeq
}

type memorySnapshot struct {
	movements   map[ledger.StockKey][]ledger.Movement
	idempotency map[string]bool
	seq         map[ledger.MovementID]int64
	nextSeq     int64
}

// txMemoryView reads and writes the parent directly; the parent's
// lock is already held for the duration of WithTx.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) Append(_ context.Context, mv ledger.Movement) error {
	return tv.parent.appendLocked(mv)
}

func (tv *txMemoryView) AppendBatch(_ context.Context, mvs []ledger.Movement) error {
	for _, mv := range mvs {
		if err := tv.parent.appendLocked(mv); err != nil {
			return err
		}
	}
	return nil
}

func (tv *txMemoryView) Load(_ context.Context, key ledger.StockKey) ([]ledger.Movement, error) {
	result := make([]ledger.Movement, len(tv.parent.movements[key]))
	copy(result, tv.parent.movements[key])
	return result, nil
}

func (tv *txMemoryView) LoadRange(_ context.Context, key ledger.StockKey, from, to time.Time) ([]ledger.Movement, error) {
	var result []ledger.Movement
	for _, mv := range tv.parent.movements[key] {
		if !mv.OccurredAt.Before(from) && !mv.OccurredAt.After(to) {
			result = append(result, mv)
		}
	}
	return result, nil
}

func (tv *txMemoryView) LoadByProduct(_ context.Context, productID ledger.ProductID) ([]ledger.Movement, error) {
	var result []ledger.Movement
	for key, mvs := range tv.parent.movements {
		if key.ProductID == productID {
			result = append(result, mvs...)
		}
	}
	return result, nil
}

func (tv *txMemoryView) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}
