package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// NodeExecutor wraps one agent with the node's retry, backoff and timeout
// policy. A raw agent failure becomes a recorded, structured error on the
// run state before it is allowed to fail the node.
type NodeExecutor struct {
	nodeID string
	spec   NodeSpec
	agent  Agent
	logger *slog.Logger

	// sleep is the backoff wait between attempts, injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error

	// backoffBase scales the 2^attempt backoff; defaults to one second.
	backoffBase time.Duration
}

// NewNodeExecutor binds an agent to a node spec.
func NewNodeExecutor(nodeID string, spec NodeSpec, agent Agent, logger *slog.Logger) *NodeExecutor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NodeExecutor{
		nodeID:      nodeID,
		spec:        spec,
		agent:       agent,
		logger:      logger.With("node", nodeID, "role", spec.Role),
		sleep:       sleepContext,
		backoffBase: time.Second,
	}
}

// Execute runs the node's agent with up to MaxRetries attempts, each bounded
// by the node's per-attempt timeout, with 2^attempt backoff between attempts.
// On success it appends a transcript entry to the state and returns the node
// output. On exhaustion it appends one structured error record and returns a
// *NodeExecutionError.
func (x *NodeExecutor) Execute(ctx context.Context, state *WorkflowState, input map[string]any) (map[string]any, error) {
	messages := x.buildMessages(state, input)
	metadata := map[string]any{
		"node":   x.nodeID,
		"role":   x.spec.Role,
		"run_id": state.RunID(),
	}

	maxRetries := x.spec.Retries()
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		response, err := x.attempt(ctx, messages, metadata)
		if err == nil {
			now := time.Now()
			state.AppendMessage(Message{
				Role:      x.spec.Role,
				Content:   response.Content,
				Timestamp: now,
			})
			return map[string]any{
				"content":    response.Content,
				"metadata":   response.Usage,
				"agent_role": x.spec.Role,
				"timestamp":  now,
			}, nil
		}
		lastErr = err

		// Timeouts and other failures follow the same retry policy; they
		// differ only in log severity.
		if IsNodeTimeout(err) {
			x.logger.Warn("node attempt timed out", "attempt", attempt, "error", err)
		} else {
			x.logger.Error("node attempt failed", "attempt", attempt, "error", err)
		}

		if attempt == maxRetries {
			break
		}
		backoff := time.Duration(1<<uint(attempt)) * x.backoffBase
		if err := x.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	state.AppendError(ErrorRecord{
		Agent:     x.spec.Role,
		Error:     lastErr.Error(),
		Timestamp: time.Now(),
	})
	return nil, &NodeExecutionError{
		NodeID:   x.nodeID,
		Role:     x.spec.Role,
		Attempts: maxRetries,
		Err:      lastErr,
	}
}

// attempt invokes the agent once under the per-attempt timeout.
func (x *NodeExecutor) attempt(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error) {
	timeout := x.spec.Timeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	response, err := x.agent.Generate(attemptCtx, messages, metadata)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("agent %q timed out after %gs: %w",
				x.spec.Role, timeout.Seconds(), context.DeadlineExceeded)
		}
		return nil, err
	}
	if response == nil {
		return nil, fmt.Errorf("agent %q returned no response", x.spec.Role)
	}
	return response, nil
}

// buildMessages assembles the agent-facing message list: a role announcement,
// the run context, the caller-supplied prompt, and prior node results.
func (x *NodeExecutor) buildMessages(state *WorkflowState, input map[string]any) []Message {
	messages := []Message{{
		Role:    "system",
		Content: fmt.Sprintf("You are acting as the %q agent in a multi-agent workflow.", x.spec.Role),
	}}

	if runContext := state.Context(); len(runContext) > 0 {
		messages = append(messages, Message{
			Role:    "system",
			Content: "Workflow context:\n" + marshalIndent(runContext),
		})
	}

	if prompt, ok := input["prompt"].(string); ok && prompt != "" {
		messages = append(messages, Message{Role: "user", Content: prompt})
	} else if len(input) > 0 {
		messages = append(messages, Message{Role: "user", Content: marshalIndent(input)})
	}

	if results := state.Results(); len(results) > 0 {
		widened := make(map[string]any, len(results))
		for node, output := range results {
			widened[node] = output
		}
		messages = append(messages, Message{
			Role:    "system",
			Content: "Results from prior workflow nodes:\n" + marshalIndent(widened),
		})
	}
	return messages
}

func marshalIndent(value map[string]any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}

// sleepContext waits for the duration or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
