package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileCheckpointStore persists checkpoints to disk, one directory per run,
// one JSON file per checkpoint, plus a latest.json copy for fast loads.
type FileCheckpointStore struct {
	dataDir string
}

// NewFileCheckpointStore creates a file-based checkpoint store rooted at
// dataDir, defaulting to ~/.deepnoodle/orchestrator/runs.
func NewFileCheckpointStore(dataDir string) (*FileCheckpointStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".deepnoodle", "orchestrator", "runs")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileCheckpointStore{dataDir: dataDir}, nil
}

// SaveCheckpoint appends the checkpoint to the run's directory.
func (s *FileCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	runDir := filepath.Join(s.dataDir, checkpoint.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// File names embed a nanosecond timestamp so lexical order matches
	// insertion order within the run.
	name := fmt.Sprintf("checkpoint-%020d-%s.json", checkpoint.CheckpointAt.UnixNano(), checkpoint.ID)
	if err := os.WriteFile(filepath.Join(runDir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, "latest.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write latest checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint loads the most recent checkpoint for a run.
func (s *FileCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	latestPath := filepath.Join(s.dataDir, runID, "latest.json")
	if _, err := os.Stat(latestPath); os.IsNotExist(err) {
		return nil, &CheckpointNotFoundError{RunID: runID}
	}
	return s.readCheckpoint(latestPath)
}

// LoadCheckpoint loads one checkpoint by id.
func (s *FileCheckpointStore) LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	names, err := s.checkpointFiles(runID)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if strings.Contains(name, checkpointID) {
			return s.readCheckpoint(filepath.Join(s.dataDir, runID, name))
		}
	}
	return nil, &CheckpointNotFoundError{RunID: runID, CheckpointID: checkpointID}
}

// CheckpointHistory returns a run's checkpoints newest-first.
func (s *FileCheckpointStore) CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	names, err := s.checkpointFiles(runID)
	if err != nil {
		return nil, err
	}
	var history []*Checkpoint
	for i := len(names) - 1; i >= 0; i-- {
		checkpoint, err := s.readCheckpoint(filepath.Join(s.dataDir, runID, names[i]))
		if err != nil {
			return nil, err
		}
		history = append(history, checkpoint)
		if limit > 0 && len(history) >= limit {
			break
		}
	}
	return history, nil
}

// DeleteCheckpoints removes all checkpoint data for a run.
func (s *FileCheckpointStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	if err := os.RemoveAll(filepath.Join(s.dataDir, runID)); err != nil {
		return fmt.Errorf("failed to delete run directory: %w", err)
	}
	return nil
}

// PurgeBefore removes checkpoint files written before the cutoff. Runs whose
// entire history is purged lose their directory as well.
func (s *FileCheckpointStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read data directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		names, err := s.checkpointFiles(runID)
		if err != nil {
			continue
		}
		remaining := 0
		for _, name := range names {
			checkpoint, err := s.readCheckpoint(filepath.Join(s.dataDir, runID, name))
			if err != nil {
				continue
			}
			if checkpoint.CheckpointAt.Before(cutoff) {
				if err := os.Remove(filepath.Join(s.dataDir, runID, name)); err == nil {
					removed++
				}
			} else {
				remaining++
			}
		}
		if remaining == 0 {
			os.RemoveAll(filepath.Join(s.dataDir, runID))
		}
	}
	return removed, nil
}

// ListRuns summarizes every run's latest checkpoint, newest start first.
func (s *FileCheckpointStore) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*RunSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}

	var summaries []*RunSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		checkpoint, err := s.LatestCheckpoint(ctx, entry.Name())
		if err != nil {
			// Skip runs that cannot be read.
			continue
		}
		summaries = append(summaries, summarizeCheckpoint(checkpoint))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// checkpointFiles lists a run's checkpoint files in insertion order.
func (s *FileCheckpointStore) checkpointFiles(runID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read run directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *FileCheckpointStore) readCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}
