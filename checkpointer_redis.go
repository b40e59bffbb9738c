package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/orchestrator/retry"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orchestrator:checkpoints:"

// RedisCheckpointStore persists checkpoint history in Redis lists, one list
// per run id. List order is insertion order, which preserves the append-only
// contract. Transient save failures are retried with backoff.
type RedisCheckpointStore struct {
	client redis.UniversalClient
}

// NewRedisCheckpointStore creates a Redis-backed checkpoint store.
func NewRedisCheckpointStore(client redis.UniversalClient) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client}
}

func redisRunKey(runID string) string {
	return redisKeyPrefix + runID
}

// SaveCheckpoint appends the checkpoint to the run's list.
func (s *RedisCheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return retry.Do(ctx, func() error {
		if err := s.client.RPush(ctx, redisRunKey(checkpoint.RunID), data).Err(); err != nil {
			return retry.NewRecoverableError(fmt.Errorf("failed to save checkpoint: %w", err))
		}
		return nil
	}, retry.WithMaxRetries(2), retry.WithBaseWait(100*time.Millisecond))
}

// LatestCheckpoint loads the most recent checkpoint for a run.
func (s *RedisCheckpointStore) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	data, err := s.client.LIndex(ctx, redisRunKey(runID), -1).Bytes()
	if err == redis.Nil {
		return nil, &CheckpointNotFoundError{RunID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return decodeCheckpoint(data)
}

// LoadCheckpoint loads one checkpoint by id.
func (s *RedisCheckpointStore) LoadCheckpoint(ctx context.Context, runID, checkpointID string) (*Checkpoint, error) {
	history, err := s.history(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, checkpoint := range history {
		if checkpoint.ID == checkpointID {
			return checkpoint, nil
		}
	}
	return nil, &CheckpointNotFoundError{RunID: runID, CheckpointID: checkpointID}
}

// CheckpointHistory returns a run's checkpoints newest-first.
func (s *RedisCheckpointStore) CheckpointHistory(ctx context.Context, runID string, limit int) ([]*Checkpoint, error) {
	history, err := s.history(ctx, runID)
	if err != nil {
		return nil, err
	}
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
func (s *RedisCheckpointStore) DeleteCheckpoints(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, redisRunKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// PurgeBefore removes checkpoints written before the cutoff by rewriting
// each run's list with the surviving records.
func (s *RedisCheckpointStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var cursor uint64
	removed := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to scan checkpoint keys: %w", err)
		}
		for _, key := range keys {
			values, err := s.client.LRange(ctx, key, 0, -1).Result()
			if err != nil {
				return removed, fmt.Errorf("failed to read checkpoints: %w", err)
			}
			var kept []any
			for _, value := range values {
				checkpoint, err := decodeCheckpoint([]byte(value))
				if err != nil {
					return removed, err
				}
				if checkpoint.CheckpointAt.Before(cutoff) {
					removed++
				} else {
					kept = append(kept, value)
				}
			}
			if len(kept) == len(values) {
				continue
			}
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, key)
			if len(kept) > 0 {
				pipe.RPush(ctx, key, kept...)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return removed, fmt.Errorf("failed to rewrite checkpoint list: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

func (s *RedisCheckpointStore) history(ctx context.Context, runID string) ([]*Checkpoint, error) {
	values, err := s.client.LRange(ctx, redisRunKey(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	history := make([]*Checkpoint, 0, len(values))
	for _, value := range values {
		checkpoint, err := decodeCheckpoint([]byte(value))
		if err != nil {
			return nil, err
		}
		history = append(history, checkpoint)
	}
	return history, nil
}

func decodeCheckpoint(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}
