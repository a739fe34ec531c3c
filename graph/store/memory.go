package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory CheckpointStore. Designed for testing,
// development and single-process workflows; data is lost when the
// process terminates.
//
// MemoryStore is safe for concurrent use.
type MemoryStore[S any] struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint[S]
	ttl         time.Duration
}

// NewMemoryStore creates an in-memory checkpoint store. A zero ttl uses
// DefaultCheckpointTTL.
func NewMemoryStore[S any](ttl time.Duration) *MemoryStore[S] {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &MemoryStore[S]{
		checkpoints: make(map[string]Checkpoint[S]),
		ttl:         ttl,
	}
}

// Save implements CheckpointStore.
func (m *MemoryStore[S]) Save(_ context.Context, cp Checkpoint[S]) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.RunID] = cp
	return nil
}

// Load implements CheckpointStore.
func (m *MemoryStore[S]) Load(_ context.Context, runID string) (Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp, ok := m.checkpoints[runID]
	if !ok || m.expired(cp) {
		var zero Checkpoint[S]
		return zero, ErrNotFound
	}
	return cp, nil
}

// ListByState implements CheckpointStore.
func (m *MemoryStore[S]) ListByState(_ context.Context, graphID, state string) ([]Checkpoint[S], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Checkpoint[S]
	for _, cp := range m.checkpoints {
		if cp.GraphID == graphID && cp.ExecutionState == state && !m.expired(cp) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (m *MemoryStore[S]) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, runID)
	return nil
}

func (m *MemoryStore[S]) expired(cp Checkpoint[S]) bool {
	return time.Since(cp.CreatedAt) > m.ttl
}

// MemoryIdempotencyStore is an in-memory IdempotencyStore, safe for
// concurrent use. Expired entries are treated as absent and reclaimed
// on Begin.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]IdempotencyEntry
	ttl     time.Duration
}

// NewMemoryIdempotencyStore creates an in-memory idempotency store. A
// zero ttl uses DefaultIdempotencyTTL.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		entries: make(map[string]IdempotencyEntry),
		ttl:     ttl,
	}
}

// Begin implements IdempotencyStore.
func (m *MemoryIdempotencyStore) Begin(_ context.Context, entry IdempotencyEntry) (*IdempotencyEntry, error) {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[entry.Fingerprint]; ok && !existing.Expired(now) {
		out := existing
		return &out, nil
	}

	entry.Status = StatusInFlight
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(m.ttl)
	m.entries[entry.Fingerprint] = entry
	return nil, nil
}

// Complete implements IdempotencyStore.
func (m *MemoryIdempotencyStore) Complete(_ context.Context, fingerprint string, status IdempotencyStatus, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[fingerprint]
	if !ok {
		return ErrNotFound
	}
	entry.Status = status
	entry.Result = result
	m.entries[fingerprint] = entry
	return nil
}
