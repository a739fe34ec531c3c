package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists checkpoints and idempotency records in a
// single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process runtimes requiring durable pause/resume
//   - Prototyping before migrating to MySQL or Redis
//
// WAL mode is enabled so paused-run listings don't block writers.
//
// Schema:
//   - run_checkpoints: one row per run, indexed by (graph_id, execution_state)
//   - idempotency_entries: one row per fingerprint
//
// Type parameter S is the message snapshot type (JSON-serialized).
type SQLiteStore[S any] struct {
	db             *sql.DB
	checkpointTTL  time.Duration
	idempotencyTTL time.Duration
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// ":memory:" for an in-memory database.
func NewSQLiteStore[S any](path string) (*SQLiteStore[S], error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore[S]{
		db:             db,
		checkpointTTL:  DefaultCheckpointTTL,
		idempotencyTTL: DefaultIdempotencyTTL,
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore[S]) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT PRIMARY KEY,
			graph_id TEXT NOT NULL,
			parent_run_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL,
			message TEXT NOT NULL,
			execution_state TEXT NOT NULL,
			pending_interaction TEXT,
			expires_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return err
	}
	index := `
		CREATE INDEX IF NOT EXISTS idx_run_checkpoints_graph_state
		ON run_checkpoints(graph_id, execution_state)
	`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return err
	}

	idempotency := `
		CREATE TABLE IF NOT EXISTS idempotency_entries (
			fingerprint TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			result BLOB,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`
	_, err := s.db.ExecContext(ctx, idempotency)
	return err
}

// SetTTLs overrides the retention windows; zero keeps the current value.
func (s *SQLiteStore[S]) SetTTLs(checkpoint, idempotency time.Duration) {
	if checkpoint > 0 {
		s.checkpointTTL = checkpoint
	}
	if idempotency > 0 {
		s.idempotencyTTL = idempotency
	}
}

// Close closes the underlying database.
func (s *SQLiteStore[S]) Close() error {
	return s.db.Close()
}

// Save implements CheckpointStore.
func (s *SQLiteStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	message, err := json.Marshal(cp.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal message snapshot: %w", err)
	}
	var expires any
	if !cp.ExpiresAt.IsZero() {
		expires = cp.ExpiresAt.UTC()
	}
	query := `
		INSERT INTO run_checkpoints
			(run_id, graph_id, parent_run_id, node_id, message, execution_state, pending_interaction, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			graph_id = excluded.graph_id,
			parent_run_id = excluded.parent_run_id,
			node_id = excluded.node_id,
			message = excluded.message,
			execution_state = excluded.execution_state,
			pending_interaction = excluded.pending_interaction,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`
	_, err = s.db.ExecContext(ctx, query,
		cp.RunID, cp.GraphID, cp.ParentRunID, cp.NodeID, string(message),
		cp.ExecutionState, nullableString(cp.PendingInteraction), expires, cp.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load implements CheckpointStore.
func (s *SQLiteStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	query := `
		SELECT run_id, graph_id, parent_run_id, node_id, message, execution_state,
		       pending_interaction, expires_at, created_at
		FROM run_checkpoints WHERE run_id = ?
	`
	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, runID))
}

// ListByState implements CheckpointStore.
func (s *SQLiteStore[S]) ListByState(ctx context.Context, graphID, state string) ([]Checkpoint[S], error) {
	query := `
		SELECT run_id, graph_id, parent_run_id, node_id, message, execution_state,
		       pending_interaction, expires_at, created_at
		FROM run_checkpoints
		WHERE graph_id = ? AND execution_state = ? AND created_at > ?
		ORDER BY created_at
	`
	cutoff := time.Now().UTC().Add(-s.checkpointTTL)
	rows, err := s.db.QueryContext(ctx, query, graphID, state, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint[S]
	for rows.Next() {
		cp, err := s.scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Delete implements CheckpointStore.
func (s *SQLiteStore[S]) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore[S]) scanCheckpoint(row rowScanner) (Checkpoint[S], error) {
	var (
		cp      Checkpoint[S]
		message string
		pending sql.NullString
		expires sql.NullTime
		created time.Time
	)
	err := row.Scan(&cp.RunID, &cp.GraphID, &cp.ParentRunID, &cp.NodeID, &message,
		&cp.ExecutionState, &pending, &expires, &created)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	if time.Since(created) > s.checkpointTTL {
		return cp, ErrNotFound
	}
	if err := json.Unmarshal([]byte(message), &cp.Message); err != nil {
		return cp, fmt.Errorf("failed to unmarshal message snapshot: %w", err)
	}
	if pending.Valid && pending.String != "" {
		cp.PendingInteraction = json.RawMessage(pending.String)
	}
	if expires.Valid {
		cp.ExpiresAt = expires.Time
	}
	cp.CreatedAt = created
	return cp, nil
}

// Begin implements IdempotencyStore. The claim is a single INSERT that
// only succeeds when no live entry exists; losers read the winner's row.
func (s *SQLiteStore[S]) Begin(ctx context.Context, entry IdempotencyEntry) (*IdempotencyEntry, error) {
	now := time.Now().UTC()

	// Reclaim expired fingerprints first.
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_entries WHERE fingerprint = ? AND expires_at < ?`,
		entry.Fingerprint, now); err != nil {
		return nil, fmt.Errorf("failed to reclaim idempotency entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_entries
			(fingerprint, run_id, node_id, attempt, status, result, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`, entry.Fingerprint, entry.RunID, entry.NodeID, entry.Attempt,
		string(StatusInFlight), now, now.Add(s.idempotencyTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, run_id, node_id, attempt, status, result, created_at, expires_at
		FROM idempotency_entries WHERE fingerprint = ?
	`, entry.Fingerprint)
	existing, err := scanIdempotency(row)
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// Complete implements IdempotencyStore.
func (s *SQLiteStore[S]) Complete(ctx context.Context, fingerprint string, status IdempotencyStatus, result []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_entries SET status = ?, result = ? WHERE fingerprint = ?
	`, string(status), result, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIdempotency(row rowScanner) (IdempotencyEntry, error) {
	var (
		entry  IdempotencyEntry
		status string
		result []byte
	)
	err := row.Scan(&entry.Fingerprint, &entry.RunID, &entry.NodeID, &entry.Attempt,
		&status, &result, &entry.CreatedAt, &entry.ExpiresAt)
	if err == sql.ErrNoRows {
		return entry, ErrNotFound
	}
	if err != nil {
		return entry, fmt.Errorf("failed to scan idempotency entry: %w", err)
	}
	entry.Status = IdempotencyStatus(status)
	entry.Result = result
	return entry, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
