package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore persists checkpoints and idempotency records in
// MySQL/MariaDB. Designed for:
//   - Production runtimes with multiple workers
//   - Long-running workflows that survive process restarts
//   - Audit trails over paused and completed runs
//
// The DSN format follows go-sql-driver/mysql, e.g.
//
//	user:password@tcp(localhost:3306)/workflows?parseTime=true
//
// parseTime=true is required (timestamps are scanned into time.Time).
// Never hardcode credentials; read the DSN from the environment.
//
// Type parameter S is the message snapshot type (JSON-serialized).
type MySQLStore[S any] struct {
	db             *sql.DB
	checkpointTTL  time.Duration
	idempotencyTTL time.Duration
}

// NewMySQLStore opens a pooled connection and migrates the schema.
func NewMySQLStore[S any](dsn string) (*MySQLStore[S], error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore[S]{
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

func (s *MySQLStore[S]) createTables(ctx context.Context) error {
	checkpoints := `
		CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id VARCHAR(191) PRIMARY KEY,
			graph_id VARCHAR(191) NOT NULL,
			parent_run_id VARCHAR(191) NOT NULL DEFAULT '',
			node_id VARCHAR(191) NOT NULL,
			message MEDIUMTEXT NOT NULL,
			execution_state VARCHAR(32) NOT NULL,
			pending_interaction TEXT,
			expires_at TIMESTAMP NULL DEFAULT NULL,
			created_at TIMESTAMP NOT NULL,
			INDEX idx_graph_state (graph_id, execution_state)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpoints); err != nil {
		return err
	}

	idempotency := `
		CREATE TABLE IF NOT EXISTS idempotency_entries (
			fingerprint VARCHAR(191) PRIMARY KEY,
			run_id VARCHAR(191) NOT NULL,
			node_id VARCHAR(191) NOT NULL,
			attempt INT NOT NULL,
			status VARCHAR(16) NOT NULL,
			result MEDIUMBLOB,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)
	`
	_, err := s.db.ExecContext(ctx, idempotency)
	return err
}

// SetTTLs overrides the retention windows; zero keeps the current value.
func (s *MySQLStore[S]) SetTTLs(checkpoint, idempotency time.Duration) {
	if checkpoint > 0 {
		s.checkpointTTL = checkpoint
	}
	if idempotency > 0 {
		s.idempotencyTTL = idempotency
	}
}

// Close closes the underlying database.
func (s *MySQLStore[S]) Close() error {
	return s.db.Close()
}

// Save implements CheckpointStore.
func (s *MySQLStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
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
		ON DUPLICATE KEY UPDATE
			graph_id = VALUES(graph_id),
			parent_run_id = VALUES(parent_run_id),
			node_id = VALUES(node_id),
			message = VALUES(message),
			execution_state = VALUES(execution_state),
			pending_interaction = VALUES(pending_interaction),
			expires_at = VALUES(expires_at),
			created_at = VALUES(created_at)
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
func (s *MySQLStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	query := `
		SELECT run_id, graph_id, parent_run_id, node_id, message, execution_state,
		       pending_interaction, expires_at, created_at
		FROM run_checkpoints WHERE run_id = ?
	`
	return s.scanCheckpoint(s.db.QueryRowContext(ctx, query, runID))
}

// ListByState implements CheckpointStore.
func (s *MySQLStore[S]) ListByState(ctx context.Context, graphID, state string) ([]Checkpoint[S], error) {
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
func (s *MySQLStore[S]) Delete(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, runID)
	return err
}

func (s *MySQLStore[S]) scanCheckpoint(row rowScanner) (Checkpoint[S], error) {
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

// Begin implements IdempotencyStore.
func (s *MySQLStore[S]) Begin(ctx context.Context, entry IdempotencyEntry) (*IdempotencyEntry, error) {
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_entries WHERE fingerprint = ? AND expires_at < ?`,
		entry.Fingerprint, now); err != nil {
		return nil, fmt.Errorf("failed to reclaim idempotency entry: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT IGNORE INTO idempotency_entries
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
func (s *MySQLStore[S]) Complete(ctx context.Context, fingerprint string, status IdempotencyStatus, result []byte) error {
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
