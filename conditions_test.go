package orchestrator

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/orchestrator/script"
	"github.com/stretchr/testify/require"
)

func TestNeedsRevisionCondition(t *testing.T) {
	registry := NewConditionRegistry()
	require.True(t, registry.Has(ConditionNeedsRevision))

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"flagged", "Revision needed: the introduction is weak.", OutcomeTrue},
		{"flagged lowercase", "after review, revision needed on section 2", OutcomeTrue},
		{"approved", "Looks good, ship it.", OutcomeFalse},
		{"empty", "", OutcomeFalse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := registry.Evaluate(context.Background(), ConditionNeedsRevision, ConditionInput{
				Node:   "review",
				Output: map[string]any{"content": tt.content},
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, outcome)
		})
	}
}

func TestNeedsRevisionNonStringContent(t *testing.T) {
	registry := NewConditionRegistry()
	outcome, err := registry.Evaluate(context.Background(), ConditionNeedsRevision, ConditionInput{
		Node:   "review",
		Output: map[string]any{"content": 42},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFalse, outcome)
}

func TestEvaluateUnknownCondition(t *testing.T) {
	registry := NewConditionRegistry()
	_, err := registry.Evaluate(context.Background(), "nonexistent", ConditionInput{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestScriptCondition(t *testing.T) {
	engine := script.NewRisorEngine(script.DefaultGlobals())

	t.Run("boolean result maps to outcome keys", func(t *testing.T) {
		fn, err := ScriptCondition(engine, `len(output["content"]) > 10`)
		require.NoError(t, err)

		outcome, err := fn(context.Background(), ConditionInput{
			Node:   "review",
			Output: map[string]any{"content": "a very long review body"},
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeTrue, outcome)

		outcome, err = fn(context.Background(), ConditionInput{
			Node:   "review",
			Output: map[string]any{"content": "short"},
		})
		require.NoError(t, err)
		require.Equal(t, OutcomeFalse, outcome)
	})

	t.Run("string result passes through", func(t *testing.T) {
		fn, err := ScriptCondition(engine, `output["verdict"]`)
		require.NoError(t, err)

		outcome, err := fn(context.Background(), ConditionInput{
			Node:   "triage",
			Output: map[string]any{"verdict": "escalate"},
		})
		require.NoError(t, err)
		require.Equal(t, "escalate", outcome)
	})

	t.Run("compile error is reported", func(t *testing.T) {
		_, err := ScriptCondition(engine, `if (`)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to compile script")
	})
}
