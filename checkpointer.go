package orchestrator

import (
	"context"
	"time"
)

// CheckpointStore persists run checkpoints. Saves are append-only: stores
// must preserve insertion order within a run id. Concurrent saves for
// different run ids must not interleave corruptly; saves for one run id are
// always issued by that run's single execution, so stores need no cross-run
// coordination beyond their own internal locking.
type CheckpointStore interface {
	// SaveCheckpoint appends a checkpoint to the run's history.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error

	// LatestCheckpoint loads the most recent checkpoint for a run. Returns
	// a *CheckpointNotFoundError when the run has no checkpoints.
	LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error)

	// LoadCheckpoint loads one specific checkpoint by id. Returns a
	// *CheckpointNotFoundError when it does not exist.
	LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error)

	// CheckpointHistory returns a run's checkpoints ordered newest-first.
	// A limit <= 0 means no limit.
	CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error)

	// DeleteCheckpoints removes all checkpoint data for a run.
	DeleteCheckpoints(ctx context.Context, runID string) error

	// PurgeBefore removes checkpoints written before the cutoff and returns
	// the number of records removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// RunLister is an optional CheckpointStore extension that enumerates known
// runs from their latest checkpoints.
type RunLister interface {
	ListRuns(ctx context.Context) ([]*RunSummary, error)
}
