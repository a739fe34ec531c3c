// Package store provides persistence for run checkpoints and idempotency
// records.
//
// Checkpoints snapshot a run at node boundaries so it can resume after a
// crash or a human-in-the-loop pause. Idempotency records deduplicate
// in-flight node attempts by fingerprint, giving tool and agent side
// effects at-most-once semantics.
//
// Implementations: in-memory (testing, single process), SQLite
// (zero-setup local persistence), MySQL (shared relational store) and
// Redis (low-latency distributed store).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested run or fingerprint does not
// exist (or has expired).
var ErrNotFound = errors.New("not found")

// DefaultCheckpointTTL bounds how long checkpoints are retained.
const DefaultCheckpointTTL = 7 * 24 * time.Hour

// DefaultIdempotencyTTL bounds how long idempotency entries are retained.
const DefaultIdempotencyTTL = 24 * time.Hour

// Checkpoint is a persisted snapshot of one run, keyed by RunID. A run
// has at most one live checkpoint: Save upserts.
//
// Type parameter S is the message snapshot type (must round-trip JSON).
type Checkpoint[S any] struct {
	// RunID identifies the run; it is the checkpoint's key.
	RunID string `json:"runId"`

	// GraphID identifies the graph the run executes.
	GraphID string `json:"graphId"`

	// ParentRunID is set for subgraph runs.
	ParentRunID string `json:"parentRunId,omitempty"`

	// NodeID is the paused or last-completed node.
	NodeID string `json:"nodeId"`

	// Message is the snapshot of the run's message.
	Message S `json:"message"`

	// ExecutionState is the run state at snapshot time (RUNNING,
	// WAITING, COMPLETED, FAILED, CANCELLED).
	ExecutionState string `json:"executionState"`

	// PendingInteraction carries the serialized HITL descriptor for
	// WAITING checkpoints.
	PendingInteraction json.RawMessage `json:"pendingInteraction,omitempty"`

	// ExpiresAt bounds a pending interaction; zero means no deadline.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`

	// CreatedAt is the snapshot time.
	CreatedAt time.Time `json:"createdAt"`
}

// CheckpointStore persists run checkpoints. Implementations own their
// locking and are safe for concurrent use.
type CheckpointStore[S any] interface {
	// Save upserts the checkpoint keyed by RunID.
	Save(ctx context.Context, cp Checkpoint[S]) error

	// Load returns the checkpoint for runID, or ErrNotFound.
	Load(ctx context.Context, runID string) (Checkpoint[S], error)

	// ListByState returns checkpoints for graphID in the given
	// execution state (e.g. listing WAITING runs).
	ListByState(ctx context.Context, graphID, state string) ([]Checkpoint[S], error)

	// Delete removes the checkpoint for runID. Deleting a missing
	// checkpoint is not an error.
	Delete(ctx context.Context, runID string) error
}

// IdempotencyStatus is the lifecycle state of an idempotency entry.
type IdempotencyStatus string

const (
	// StatusInFlight marks an attempt that has been claimed but not
	// finished.
	StatusInFlight IdempotencyStatus = "IN_FLIGHT"

	// StatusDone marks a completed attempt whose result is stored.
	StatusDone IdempotencyStatus = "DONE"

	// StatusFailed marks an attempt that failed non-retryably.
	StatusFailed IdempotencyStatus = "FAILED"
)

// IdempotencyEntry deduplicates one node attempt.
type IdempotencyEntry struct {
	// Fingerprint is the deterministic hash over (runID, nodeID,
	// attempt, canonical inputs); it is the entry's key.
	Fingerprint string `json:"fingerprint"`

	RunID   string `json:"runId"`
	NodeID  string `json:"nodeId"`
	Attempt int    `json:"attempt"`

	Status IdempotencyStatus `json:"status"`

	// Result holds the serialized node output for DONE entries.
	Result []byte `json:"result,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry's TTL has elapsed.
func (e IdempotencyEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// IdempotencyStore records node attempts for at-most-once execution.
type IdempotencyStore interface {
	// Begin atomically claims the fingerprint: when no live entry
	// exists the entry is recorded IN_FLIGHT and (nil, nil) is
	// returned; otherwise the existing entry is returned untouched.
	Begin(ctx context.Context, entry IdempotencyEntry) (*IdempotencyEntry, error)

	// Complete marks a claimed fingerprint DONE or FAILED, storing the
	// result for DONE entries.
	Complete(ctx context.Context, fingerprint string, status IdempotencyStatus, result []byte) error
}
