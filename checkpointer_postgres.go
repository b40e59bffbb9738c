package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Postgres driver registration for database/sql.
	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
	seq           BIGSERIAL PRIMARY KEY,
	checkpoint_id TEXT NOT NULL UNIQUE,
	run_id        TEXT NOT NULL,
	status        TEXT NOT NULL,
	step          TEXT NOT NULL,
	checkpoint_at TIMESTAMPTZ NOT NULL,
	payload       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_checkpoints_run_idx
	ON workflow_checkpoints (run_id, seq DESC);
`

// PostgresCheckpointStore persists checkpoints in a Postgres table. A serial
// sequence column preserves insertion order per run id.
type PostgresCheckpointStore struct {
	db *sql.DB
}

// NewPostgresCheckpointStore wraps an open database handle.
func NewPostgresCheckpointStore(db *sql.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

// OpenPostgresCheckpointStore opens a connection using a lib/pq DSN and
// ensures the checkpoint table exists.
func OpenPostgresCheckpointStore(ctx context.Context, dsn string) (*PostgresCheckpointStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	store := &PostgresCheckpointStore{db: db}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the checkpoint table if it does not exist.
func (s *PostgresCheckpointStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create checkpoint table: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *PostgresCheckpointStore) Close() error {
	return s.db.Close()
}

// SaveCheckpoint appends the checkpoint as a new row.
func (s *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_checkpoints (checkpoint_id, run_id, status, step, checkpoint_at, payload)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		checkpoint.ID, checkpoint.RunID, string(checkpoint.Status),
		checkpoint.Step, checkpoint.CheckpointAt, payload)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint loads the most recent checkpoint for a run.
func (s *PostgresCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_checkpoints WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`,
		runID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, &CheckpointNotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decodeCheckpoint(payload)
}

// LoadCheckpoint loads one checkpoint by id.
func (s *PostgresCheckpointStore) LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_checkpoints WHERE run_id = $1 AND checkpoint_id = $2`,
		runID, checkpointID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, &CheckpointNotFoundError{RunID: runID, CheckpointID: checkpointID}
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decodeCheckpoint(payload)
}

// CheckpointHistory returns a run's checkpoints newest-first.
func (s *PostgresCheckpointStore) CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	query := `SELECT payload FROM workflow_checkpoints WHERE run_id = $1 ORDER BY seq DESC`
	args := []any{runID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint history: %w", err)
	}
	defer rows.Close()

	var history []*Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		checkpoint, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		history = append(history, checkpoint)
	}
	return history, rows.Err()
}

// DeleteCheckpoints removes all checkpoint data for a run.
func (s *PostgresCheckpointStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// PurgeBefore removes checkpoints written before the cutoff.
func (s *PostgresCheckpointStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE checkpoint_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged checkpoints: %w", err)
	}
	return int(affected), nil
}
