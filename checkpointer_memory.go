package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCheckpointStore keeps checkpoint history in process memory. Useful
// for tests and for callers that only need crash recovery within a process.
type MemoryCheckpointStore struct {
	mutex       sync.RWMutex
	checkpoints map[string][]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory checkpoint store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: map[string][]*Checkpoint{}}
}

// SaveCheckpoint appends a checkpoint to the run's history.
func (s *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpoints[checkpoint.RunID] = append(s.checkpoints[checkpoint.RunID], checkpoint)
	return nil
}

// LatestCheckpoint returns the most recently appended checkpoint for a run.
func (s *MemoryCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := s.checkpoints[runID]
	if len(history) == 0 {
		return nil, &CheckpointNotFoundError{RunID: runID}
	}
	return history[len(history)-1], nil
}

// LoadCheckpoint returns one checkpoint by id.
func (s *MemoryCheckpointStore) LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, checkpoint := range s.checkpoints[runID] {
		if checkpoint.ID == checkpointID {
			return checkpoint, nil
		}
	}
	return nil, &CheckpointNotFoundError{RunID: runID, CheckpointID: checkpointID}
}

// CheckpointHistory returns a run's checkpoints newest-first.
func (s *MemoryCheckpointStore) CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	history := s.checkpoints[runID]
	result := make([]*Checkpoint, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		result = append(result, history[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// DeleteCheckpoints removes all checkpoint data for a run.
func (s *MemoryCheckpointStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, runID)
	return nil
}

// PurgeBefore removes checkpoints written before the cutoff.
func (s *MemoryCheckpointStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	for runID, history := range s.checkpoints {
		kept := history[:0]
		for _, checkpoint := range history {
			if checkpoint.CheckpointAt.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, checkpoint)
			}
		}
		if len(kept) == 0 {
			delete(s.checkpoints, runID)
		} else {
			s.checkpoints[runID] = kept
		}
	}
	return removed, nil
}

// ListRuns summarizes every run's latest checkpoint, newest start first.
func (s *MemoryCheckpointStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	summaries := make([]*RunSummary, 0, len(s.checkpoints))
	for _, history := range s.checkpoints {
		if len(history) == 0 {
			continue
		}
		summaries = append(summaries, summarizeCheckpoint(history[len(history)-1]))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}
