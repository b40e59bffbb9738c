package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefinitionNotFoundError indicates a workflow definition id that was never
// registered with the orchestrator.
type DefinitionNotFoundError struct {
	DefinitionID string
}

func (e *DefinitionNotFoundError) Error() string {
	return fmt.Sprintf("workflow definition not found: %q", e.DefinitionID)
}

// UnknownAgentTypeError indicates a node referenced an agent type that has no
// registered factory.
type UnknownAgentTypeError struct {
	AgentType string
}

func (e *UnknownAgentTypeError) Error() string {
	return fmt.Sprintf("unknown agent type: %q", e.AgentType)
}

// InvalidGraphDefinitionError carries every structural problem found while
// compiling a workflow definition, not just the first one.
type InvalidGraphDefinitionError struct {
	DefinitionID string
	Problems     []string
}

func (e *InvalidGraphDefinitionError) Error() string {
	return fmt.Sprintf("invalid workflow definition %q: %s",
		e.DefinitionID, strings.Join(e.Problems, "; "))
}

// NodeExecutionError indicates a node failed after exhausting its retries.
// It wraps the last error produced by the node's agent.
type NodeExecutionError struct {
	NodeID   string
	Role     string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q (role %q) failed after %d attempts: %v",
		e.NodeID, e.Role, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// WorkflowTimeoutError indicates a run exceeded its overall deadline. Nodes
// already in flight when the deadline passed were allowed to finish.
type WorkflowTimeoutError struct {
	RunID   string
	Timeout time.Duration
}

func (e *WorkflowTimeoutError) Error() string {
	return fmt.Sprintf("workflow run %q timeout after %s", e.RunID, e.Timeout)
}

// WorkflowStalledError indicates a run exhausted its ready nodes while some
// activated nodes were still waiting on predecessors that never produced a
// result, for example a join whose other branch ended at a terminal route.
type WorkflowStalledError struct {
	RunID   string
	Waiting map[string][]string
}

func (e *WorkflowStalledError) Error() string {
	nodes := make([]string, 0, len(e.Waiting))
	for node := range e.Waiting {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	parts := make([]string, 0, len(nodes))
	for _, node := range nodes {
		parts = append(parts, fmt.Sprintf("%s waiting on %s",
			node, strings.Join(e.Waiting[node], ", ")))
	}
	return fmt.Sprintf("workflow run %q stalled with no ready nodes: %s",
		e.RunID, strings.Join(parts, "; "))
}

// CheckpointNotFoundError indicates no checkpoint exists for the requested
// run (or checkpoint id) in the backing store.
type CheckpointNotFoundError struct {
	RunID        string
	CheckpointID string
}

func (e *CheckpointNotFoundError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("checkpoint %q not found for run %q", e.CheckpointID, e.RunID)
	}
	return fmt.Sprintf("no checkpoint found for run %q", e.RunID)
}

// IsNodeTimeout reports whether an attempt-level error was caused by the
// per-attempt timeout rather than an agent failure. Timeouts follow the same
// retry policy as other failures and differ only in log severity.
func IsNodeTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}
