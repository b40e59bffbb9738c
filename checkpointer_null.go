package orchestrator

import (
	"context"
	"time"
)

// NullCheckpointStore is a no-op implementation: saves are discarded and
// loads always report not-found.
type NullCheckpointStore struct{}

func NewNullCheckpointStore() *NullCheckpointStore {
	return &NullCheckpointStore{}
}

func (s *NullCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	return nil
}

func (s *NullCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return nil, &CheckpointNotFoundError{RunID: runID}
}

func (s *NullCheckpointStore) LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	return nil, &CheckpointNotFoundError{RunID: runID, CheckpointID: checkpointID}
}

func (s *NullCheckpointStore) CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	return nil, nil
}

func (s *NullCheckpointStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	return nil
}

func (s *NullCheckpointStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
