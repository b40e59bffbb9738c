package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWorkflowStateMergeResult(t *testing.T) {
	state := NewWorkflowState("run-1", "def-1", nil)

	state.MergeResult("analyze", map[string]any{"x": 1})
	state.MergeResult("analyze", map[string]any{"y": 2})

	output, ok := state.Result("analyze")
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 1, "y": 2}, output)

	// Later writes win on key collision.
	state.MergeResult("analyze", map[string]any{"x": 9})
	output, ok = state.Result("analyze")
	require.True(t, ok)
	require.Equal(t, map[string]any{"x": 9, "y": 2}, output)
}

func TestWorkflowStateCopiesOnRead(t *testing.T) {
	state := NewWorkflowState("run-1", "def-1", map[string]any{"topic": "go"})
	state.MergeResult("a", map[string]any{"content": "one"})

	// Mutating returned copies must not leak back into the state.
	state.Context()["topic"] = "rust"
	state.Results()["a"]["content"] = "two"

	require.Equal(t, map[string]any{"topic": "go"}, state.Context())
	output, _ := state.Result("a")
	require.Equal(t, "one", output["content"])
}

func TestWorkflowStateCheckpointRoundTrip(t *testing.T) {
	state := NewWorkflowState("run-1", "def-1", map[string]any{"topic": "go"})
	state.SetStatus(StatusRunning)
	state.SetCurrentStep("plan")
	state.AppendMessage(Message{Role: "analyst", Content: "done", Timestamp: time.Now()})
	state.MergeResult("analyze", map[string]any{"content": "analysis"})
	state.AppendError(ErrorRecord{Agent: "planner", Error: "boom", Timestamp: time.Now()})
	state.SetMetadata("user_id", "user-7")

	checkpoint := state.ToCheckpoint()
	require.NotEmpty(t, checkpoint.ID)
	require.Equal(t, "run-1", checkpoint.RunID)
	require.Equal(t, "def-1", checkpoint.DefinitionID)
	require.Equal(t, StatusRunning, checkpoint.Status)
	require.Equal(t, "plan", checkpoint.Step)

	restored := NewWorkflowState("", "", nil)
	restored.FromCheckpoint(checkpoint)
	require.Equal(t, "run-1", restored.RunID())
	require.Equal(t, "def-1", restored.DefinitionID())
	require.Equal(t, StatusRunning, restored.Status())
	require.Equal(t, "plan", restored.CurrentStep())
	require.Equal(t, state.Messages(), restored.Messages())
	require.Equal(t, state.Results(), restored.Results())
	require.Equal(t, state.Errors(), restored.Errors())

	value, ok := restored.MetadataValue("user_id")
	require.True(t, ok)
	require.Equal(t, "user-7", value)
}

func TestStatusTerminal(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.False(t, StatusPaused.Terminal())
}
