package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func newPostgresTestStore(t *testing.T) (*PostgresCheckpointStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresCheckpointStore(db), mock
}

func checkpointPayload(t *testing.T, checkpoint *Checkpoint) []byte {
	t.Helper()
	payload, err := json.Marshal(checkpoint)
	require.NoError(t, err)
	return payload
}

func TestPostgresCheckpointStoreSave(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	checkpoint := testCheckpoint("run-1", StatusRunning, "analyze", time.Now().UTC())

	mock.ExpectExec("INSERT INTO workflow_checkpoints").
		WithArgs(checkpoint.ID, "run-1", "running", "analyze", checkpoint.CheckpointAt, checkpointPayload(t, checkpoint)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.SaveCheckpoint(context.Background(), checkpoint))
}

func TestPostgresCheckpointStoreLatest(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	t.Run("found", func(t *testing.T) {
		checkpoint := testCheckpoint("run-1", StatusCompleted, "review", time.Now().UTC())
		mock.ExpectQuery("SELECT payload FROM workflow_checkpoints").
			WithArgs("run-1").
			WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(checkpointPayload(t, checkpoint)))

		latest, err := store.LatestCheckpoint(context.Background(), "run-1")
		require.NoError(t, err)
		require.Equal(t, checkpoint.ID, latest.ID)
		require.Equal(t, StatusCompleted, latest.Status)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT payload FROM workflow_checkpoints").
			WithArgs("run-missing").
			WillReturnError(sql.ErrNoRows)

		_, err := store.LatestCheckpoint(context.Background(), "run-missing")
		var notFound *CheckpointNotFoundError
		require.ErrorAs(t, err, &notFound)
		require.Equal(t, "run-missing", notFound.RunID)
	})
}

func TestPostgresCheckpointStoreLoadByID(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	checkpoint := testCheckpoint("run-1", StatusRunning, "plan", time.Now().UTC())

	mock.ExpectQuery("SELECT payload FROM workflow_checkpoints").
		WithArgs("run-1", checkpoint.ID).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(checkpointPayload(t, checkpoint)))

	loaded, err := store.LoadCheckpoint(context.Background(), "run-1", checkpoint.ID)
	require.NoError(t, err)
	require.Equal(t, "plan", loaded.Step)

	mock.ExpectQuery("SELECT payload FROM workflow_checkpoints").
		WithArgs("run-1", "ckpt_nope").
		WillReturnError(sql.ErrNoRows)

	_, err = store.LoadCheckpoint(context.Background(), "run-1", "ckpt_nope")
	var notFound *CheckpointNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "ckpt_nope", notFound.CheckpointID)
}

func TestPostgresCheckpointStoreHistory(t *testing.T) {
	store, mock := newPostgresTestStore(t)
	base := time.Now().UTC()
	newer := testCheckpoint("run-1", StatusCompleted, "review", base.Add(time.Second))
	older := testCheckpoint("run-1", StatusRunning, "analyze", base)

	mock.ExpectQuery("SELECT payload FROM workflow_checkpoints").
		WithArgs("run-1", 2).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).
			AddRow(checkpointPayload(t, newer)).
			AddRow(checkpointPayload(t, older)))

	history, err := store.CheckpointHistory(context.Background(), "run-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "review", history[0].Step)
	require.Equal(t, "analyze", history[1].Step)
}

func TestPostgresCheckpointStoreDeleteAndPurge(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("DELETE FROM workflow_checkpoints WHERE run_id").
		WithArgs("run-1").
		WillReturnResult(sqlmock.NewResult(0, 4))
	require.NoError(t, store.DeleteCheckpoints(context.Background(), "run-1"))

	cutoff := time.Now().UTC()
	mock.ExpectExec("DELETE FROM workflow_checkpoints WHERE checkpoint_at").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.PurgeBefore(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 3, removed)
}

func TestPostgresCheckpointStoreMigrate(t *testing.T) {
	store, mock := newPostgresTestStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflow_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
}
