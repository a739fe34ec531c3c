package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout:
//
//	checkpoint:{runID}                 JSON checkpoint, TTL-bound
//	checkpoints:{graphID}:{state}      set of run IDs per (graph, state)
//	idempotency:{fingerprint}          JSON idempotency entry, TTL-bound
const (
	checkpointKeyPrefix  = "checkpoint:"
	checkpointIndexKey   = "checkpoints:"
	idempotencyKeyPrefix = "idempotency:"
)

// RedisStore persists checkpoints and idempotency records in Redis.
// Designed for:
//   - Distributed runtimes where workers share pause/resume state
//   - Low-latency idempotency claims (single SETNX round trip)
//   - Deployments that already run Redis for the event plane
//
// Expiry is delegated to Redis TTLs; the (graph, state) index sets are
// repaired lazily when a listed run's checkpoint has expired.
type RedisStore[S any] struct {
	client         redis.UniversalClient
	checkpointTTL  time.Duration
	idempotencyTTL time.Duration
}

// NewRedisStore wraps an existing client; the caller owns its lifecycle.
func NewRedisStore[S any](client redis.UniversalClient) *RedisStore[S] {
	return &RedisStore[S]{
		client:         client,
		checkpointTTL:  DefaultCheckpointTTL,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
}

// SetTTLs overrides the retention windows; zero keeps the current value.
func (s *RedisStore[S]) SetTTLs(checkpoint, idempotency time.Duration) {
	if checkpoint > 0 {
		s.checkpointTTL = checkpoint
	}
	if idempotency > 0 {
		s.idempotencyTTL = idempotency
	}
}

func indexKey(graphID, state string) string {
	return checkpointIndexKey + graphID + ":" + state
}

// Save implements CheckpointStore.
func (s *RedisStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Move the run between index sets when its state changed.
	var previousState string
	if prev, err := s.Load(ctx, cp.RunID); err == nil {
		previousState = prev.ExecutionState
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, checkpointKeyPrefix+cp.RunID, payload, s.checkpointTTL)
	if previousState != "" && previousState != cp.ExecutionState {
		pipe.SRem(ctx, indexKey(cp.GraphID, previousState), cp.RunID)
	}
	pipe.SAdd(ctx, indexKey(cp.GraphID, cp.ExecutionState), cp.RunID)
	pipe.Expire(ctx, indexKey(cp.GraphID, cp.ExecutionState), s.checkpointTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *RedisStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	var cp Checkpoint[S]
	payload, err := s.client.Get(ctx, checkpointKeyPrefix+runID).Bytes()
	if err == redis.Nil {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := json.Unmarshal(payload, &cp); err != nil {
		return cp, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// ListByState implements CheckpointStore.
func (s *RedisStore[S]) ListByState(ctx context.Context, graphID, state string) ([]Checkpoint[S], error) {
	runIDs, err := s.client.SMembers(ctx, indexKey(graphID, state)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []Checkpoint[S]
	var stale []any
	for _, runID := range runIDs {
		cp, err := s.Load(ctx, runID)
		if err == ErrNotFound {
			stale = append(stale, runID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if cp.ExecutionState != state {
			stale = append(stale, runID)
			continue
		}
		out = append(out, cp)
	}
	if len(stale) > 0 {
		s.client.SRem(ctx, indexKey(graphID, state), stale...)
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *RedisStore[S]) Delete(ctx context.Context, runID string) error {
	cp, err := s.Load(ctx, runID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, checkpointKeyPrefix+runID)
	pipe.SRem(ctx, indexKey(cp.GraphID, cp.ExecutionState), runID)
	_, err = pipe.Exec(ctx)
	return err
}

// Begin implements IdempotencyStore. The claim is a single SETNX; the
// TTL doubles as in-flight entry reclamation.
func (s *RedisStore[S]) Begin(ctx context.Context, entry IdempotencyEntry) (*IdempotencyEntry, error) {
	now := time.Now().UTC()
	entry.Status = StatusInFlight
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(s.idempotencyTTL)

	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}

	key := idempotencyKeyPrefix + entry.Fingerprint
	claimed, err := s.client.SetNX(ctx, key, payload, s.idempotencyTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency entry: %w", err)
	}
	if claimed {
		return nil, nil
	}

	existingPayload, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Winner's entry expired between SETNX and GET; treat as absent
		// so the caller retries.
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read idempotency entry: %w", err)
	}
	var existing IdempotencyEntry
	if err := json.Unmarshal(existingPayload, &existing); err != nil {
		return nil, fmt.Errorf("failed to unmarshal idempotency entry: %w", err)
	}
	return &existing, nil
}

// Complete implements IdempotencyStore.
func (s *RedisStore[S]) Complete(ctx context.Context, fingerprint string, status IdempotencyStatus, result []byte) error {
	key := idempotencyKeyPrefix + fingerprint
	payload, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read idempotency entry: %w", err)
	}
	var entry IdempotencyEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal idempotency entry: %w", err)
	}
	entry.Status = status
	entry.Result = result

	updated, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, updated, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to complete idempotency entry: %w", err)
	}
	return nil
}
