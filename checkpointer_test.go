package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testCheckpoint(runID string, status Status, step string, at time.Time) *Checkpoint {
	return &Checkpoint{
		ID:           NewCheckpointID(),
		RunID:        runID,
		DefinitionID: "def-1",
		Status:       status,
		Step:         step,
		Results:      map[string]map[string]any{step: {"content": "output of " + step}},
		CreatedAt:    at.Add(-time.Minute),
		UpdatedAt:    at,
		CheckpointAt: at,
	}
}

// checkpointStoreSuite exercises the CheckpointStore contract shared by every
// backend.
func checkpointStoreSuite(t *testing.T, newStore func(t *testing.T) CheckpointStore) {
	ctx := context.Background()

	t.Run("latest of unknown run is not found", func(t *testing.T) {
		store := newStore(t)
		_, err := store.LatestCheckpoint(ctx, "run-missing")
		require.Error(t, err)

		var notFound *CheckpointNotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "run-missing", notFound.RunID)
	})

	t.Run("save then load latest", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)

		first := testCheckpoint("run-1", StatusRunning, "analyze", base)
		second := testCheckpoint("run-1", StatusCompleted, "review", base.Add(time.Second))
		require.NoError(t, store.SaveCheckpoint(ctx, first))
		require.NoError(t, store.SaveCheckpoint(ctx, second))

		latest, err := store.LatestCheckpoint(ctx, "run-1")
		require.NoError(t, err)
		require.Equal(t, second.ID, latest.ID)
		require.Equal(t, StatusCompleted, latest.Status)
		require.Equal(t, "review", latest.Step)
		require.Equal(t, "output of review", latest.Results["review"]["content"])
	})

	t.Run("load by checkpoint id", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)

		first := testCheckpoint("run-1", StatusRunning, "analyze", base)
		second := testCheckpoint("run-1", StatusCompleted, "review", base.Add(time.Second))
		require.NoError(t, store.SaveCheckpoint(ctx, first))
		require.NoError(t, store.SaveCheckpoint(ctx, second))

		loaded, err := store.LoadCheckpoint(ctx, "run-1", first.ID)
		require.NoError(t, err)
		require.Equal(t, "analyze", loaded.Step)

		_, err = store.LoadCheckpoint(ctx, "run-1", "ckpt_nope")
		var notFound *CheckpointNotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "ckpt_nope", notFound.CheckpointID)
	})

	t.Run("history is newest first and respects limit", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)

		steps := []string{"analyze", "plan", "execute", "review"}
		for i, step := range steps {
			checkpoint := testCheckpoint("run-1", StatusRunning, step, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, store.SaveCheckpoint(ctx, checkpoint))
		}

		history, err := store.CheckpointHistory(ctx, "run-1", 0)
		require.NoError(t, err)
		require.Len(t, history, 4)
		require.Equal(t, "review", history[0].Step)
		require.Equal(t, "analyze", history[3].Step)

		limited, err := store.CheckpointHistory(ctx, "run-1", 2)
		require.NoError(t, err)
		require.Len(t, limited, 2)
		require.Equal(t, "review", limited[0].Step)
		require.Equal(t, "execute", limited[1].Step)
	})

	t.Run("delete removes the run", func(t *testing.T) {
		store := newStore(t)
		checkpoint := testCheckpoint("run-1", StatusCompleted, "review", time.Now().UTC())
		require.NoError(t, store.SaveCheckpoint(ctx, checkpoint))
		require.NoError(t, store.DeleteCheckpoints(ctx, "run-1"))

		_, err := store.LatestCheckpoint(ctx, "run-1")
		var notFound *CheckpointNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("purge removes only old checkpoints", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().UTC().Truncate(time.Millisecond)
		cutoff := base.Add(time.Hour)

		// Two old checkpoints in run-old, one old and one fresh in run-mixed.
		require.NoError(t, store.SaveCheckpoint(ctx, testCheckpoint("run-old", StatusRunning, "analyze", base)))
		require.NoError(t, store.SaveCheckpoint(ctx, testCheckpoint("run-old", StatusCompleted, "review", base.Add(time.Second))))
		require.NoError(t, store.SaveCheckpoint(ctx, testCheckpoint("run-mixed", StatusRunning, "analyze", base)))
		fresh := testCheckpoint("run-mixed", StatusCompleted, "review", cutoff.Add(time.Hour))
		require.NoError(t, store.SaveCheckpoint(ctx, fresh))

		removed, err := store.PurgeBefore(ctx, cutoff)
		require.NoError(t, err)
		require.Equal(t, 3, removed)

		_, err = store.LatestCheckpoint(ctx, "run-old")
		var notFound *CheckpointNotFoundError
		require.ErrorAs(t, err, &notFound)

		latest, err := store.LatestCheckpoint(ctx, "run-mixed")
		require.NoError(t, err)
		require.Equal(t, fresh.ID, latest.ID)
	})
}

func TestMemoryCheckpointStore(t *testing.T) {
	checkpointStoreSuite(t, func(t *testing.T) CheckpointStore {
		return NewMemoryCheckpointStore()
	})
}

func TestFileCheckpointStore(t *testing.T) {
	checkpointStoreSuite(t, func(t *testing.T) CheckpointStore {
		store, err := NewFileCheckpointStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}

func TestNullCheckpointStore(t *testing.T) {
	ctx := context.Background()
	store := NewNullCheckpointStore()

	require.NoError(t, store.SaveCheckpoint(ctx, testCheckpoint("run-1", StatusRunning, "analyze", time.Now())))

	_, err := store.LatestCheckpoint(ctx, "run-1")
	var notFound *CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)

	history, err := store.CheckpointHistory(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Empty(t, history)

	removed, err := store.PurgeBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	newStores := map[string]func(t *testing.T) CheckpointStore{
		"memory": func(t *testing.T) CheckpointStore { return NewMemoryCheckpointStore() },
		"file": func(t *testing.T) CheckpointStore {
			store, err := NewFileCheckpointStore(t.TempDir())
			require.NoError(t, err)
			return store
		},
	}

	for name, newStore := range newStores {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			lister, ok := store.(RunLister)
			require.True(t, ok)

			base := time.Now().UTC().Truncate(time.Millisecond)
			for i := 0; i < 3; i++ {
				runID := fmt.Sprintf("run-%d", i)
				checkpoint := testCheckpoint(runID, StatusCompleted, "review", base.Add(time.Duration(i)*time.Minute))
				require.NoError(t, store.SaveCheckpoint(ctx, checkpoint))
			}

			summaries, err := lister.ListRuns(ctx)
			require.NoError(t, err)
			require.Len(t, summaries, 3)

			// Newest start first.
			require.Equal(t, "run-2", summaries[0].RunID)
			require.Equal(t, "run-0", summaries[2].RunID)
			require.Equal(t, StatusCompleted, summaries[0].Status)
		})
	}
}
