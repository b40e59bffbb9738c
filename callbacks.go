package orchestrator

import (
	"context"
	"time"
)

// RunEvent describes a state change of one workflow run. Terminal events set
// Completed and carry the full results and errors so transport adapters can
// emit a final wire event without reloading state.
type RunEvent struct {
	RunID        string                    `json:"run_id"`
	DefinitionID string                    `json:"definition_id"`
	Status       Status                    `json:"status"`
	Step         string                    `json:"step,omitempty"`
	MessageCount int                       `json:"message_count"`
	ResultCount  int                       `json:"result_count"`
	ErrorCount   int                       `json:"error_count"`
	Completed    bool                      `json:"completed,omitempty"`
	StartTime    time.Time                 `json:"start_time,omitzero"`
	EndTime      time.Time                 `json:"end_time,omitzero"`
	Duration     time.Duration             `json:"duration,omitempty"`
	Results      map[string]map[string]any `json:"results,omitempty"`
	Errors       []ErrorRecord             `json:"errors,omitempty"`
	Error        error                     `json:"-"`
}

// ExecutionCallbacks receives run lifecycle notifications. OnStateChange
// fires after every merged node and on terminal transition; a transport
// adapter can turn it into Server-Sent Events or WebSocket pushes.
type ExecutionCallbacks interface {
	BeforeWorkflowExecution(ctx context.Context, event *RunEvent)
	AfterWorkflowExecution(ctx context.Context, event *RunEvent)
	OnStateChange(ctx context.Context, event *RunEvent)
}

// BaseExecutionCallbacks is a no-op implementation. Embed it to implement a
// subset of the callback interface.
type BaseExecutionCallbacks struct{}

func (c *BaseExecutionCallbacks) BeforeWorkflowExecution(ctx context.Context, event *RunEvent) {
	// noop
}

func (c *BaseExecutionCallbacks) AfterWorkflowExecution(ctx context.Context, event *RunEvent) {
	// noop
}

func (c *BaseExecutionCallbacks) OnStateChange(ctx context.Context, event *RunEvent) {
	// noop
}

// CallbackChain fans one event out to multiple callback implementations in
// registration order.
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

// NewCallbackChain creates a chain over the given callbacks.
func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeWorkflowExecution(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.BeforeWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterWorkflowExecution(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.AfterWorkflowExecution(ctx, event)
	}
}

func (c *CallbackChain) OnStateChange(ctx context.Context, event *RunEvent) {
	for _, callback := range c.callbacks {
		callback.OnStateChange(ctx, event)
	}
}
