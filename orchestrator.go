package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Options configures an Orchestrator. The orchestrator is constructed once
// at process start and injected into whatever transport exposes it.
type Options struct {
	Agents     *AgentRegistry
	Conditions *ConditionRegistry
	Store      CheckpointStore
	Notifier   Notifier
	Callbacks  ExecutionCallbacks
	Logger     *slog.Logger

	// MaxConcurrency bounds concurrent nodes per fan-out round.
	MaxConcurrency int

	// DefaultTimeout applies to runs whose caller passes no timeout.
	// Zero means no overall deadline.
	DefaultTimeout time.Duration
}

// Orchestrator compiles workflow definitions, executes runs against them,
// and tracks active runs. All registry mutations happen under its lock, so
// cancellation and the run's own cleanup can race safely.
type Orchestrator struct {
	agents         *AgentRegistry
	conditions     *ConditionRegistry
	store          CheckpointStore
	notifier       Notifier
	callbacks      ExecutionCallbacks
	logger         *slog.Logger
	maxConcurrency int
	defaultTimeout time.Duration

	mutex       sync.RWMutex
	definitions map[string]*CompiledGraph
	active      map[string]*WorkflowState

	subMutex    sync.Mutex
	subscribers map[string][]chan RunEvent
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Agents == nil {
		opts.Agents = NewAgentRegistry()
	}
	if opts.Conditions == nil {
		opts.Conditions = NewConditionRegistry()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryCheckpointStore()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNullNotifier()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		agents:         opts.Agents,
		conditions:     opts.Conditions,
		store:          opts.Store,
		notifier:       opts.Notifier,
		callbacks:      opts.Callbacks,
		logger:         opts.Logger,
		maxConcurrency: opts.MaxConcurrency,
		defaultTimeout: opts.DefaultTimeout,
		definitions:    map[string]*CompiledGraph{},
		active:         map[string]*WorkflowState{},
		subscribers:    map[string][]chan RunEvent{},
	}, nil
}

// Agents returns the orchestrator's agent type registry.
func (o *Orchestrator) Agents() *AgentRegistry {
	return o.agents
}

// Conditions returns the orchestrator's condition registry.
func (o *Orchestrator) Conditions() *ConditionRegistry {
	return o.conditions
}

// CreateWorkflow compiles and registers a definition under the given id.
// Re-registering an existing id overwrites the cached graph with a warning.
func (o *Orchestrator) CreateWorkflow(definitionID string, definition *WorkflowDefinition) error {
	graph, err := Compile(definitionID, definition, o.agents, o.conditions)
	if err != nil {
		return err
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	if _, exists := o.definitions[definitionID]; exists {
		o.logger.Warn("overwriting existing workflow definition", "definition_id", definitionID)
	}
	o.definitions[definitionID] = graph
	return nil
}

// Definition returns the registered definition for an id.
func (o *Orchestrator) Definition(definitionID string) (*WorkflowDefinition, error) {
	graph, err := o.graph(definitionID)
	if err != nil {
		return nil, err
	}
	return graph.Definition(), nil
}

// ExecuteWorkflow creates a fresh run of a registered definition and blocks
// until it reaches a terminal status. The terminal state is returned even
// when the run failed, so callers can inspect partial results and the error
// log alongside the returned error.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, definitionID string, input map[string]any, callerID string, timeout time.Duration) (*WorkflowState, error) {
	graph, state, err := o.prepareRun(definitionID, input, callerID)
	if err != nil {
		return nil, err
	}
	return o.runToCompletion(ctx, graph, state, input, timeout, false)
}

// StartWorkflow schedules a run of a registered definition without waiting
// for it and returns the new run id. Progress is observable via Subscribe,
// WorkflowStatus, and the checkpoint history.
func (o *Orchestrator) StartWorkflow(ctx context.Context, definitionID string, input map[string]any, callerID string, timeout time.Duration) (string, error) {
	graph, state, err := o.prepareRun(definitionID, input, callerID)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.runToCompletion(context.WithoutCancel(ctx), graph, state, input, timeout, false); err != nil {
			o.logger.Error("async workflow run failed", "run_id", state.RunID(), "error", err)
		}
	}()
	return state.RunID(), nil
}

// ResumeWorkflow loads a run's checkpoint (the latest when checkpointID is
// empty) and continues execution at the frontier implied by its recorded
// results: nodes whose predecessors all completed run next, completed nodes
// do not run again.
func (o *Orchestrator) ResumeWorkflow(ctx context.Context, runID, checkpointID string) (*WorkflowState, error) {
	graph, state, err := o.prepareResume(ctx, runID, checkpointID, "resumed_at")
	if err != nil {
		return nil, err
	}
	return o.runToCompletion(ctx, graph, state, state.Context(), 0, true)
}

// RestartWorkflow loads a run's checkpoint (the latest when checkpointID is
// empty) and re-executes the whole graph from the entry point while keeping
// the checkpoint's context, transcript and accumulated results. Re-executed
// nodes merge over their prior outputs.
func (o *Orchestrator) RestartWorkflow(ctx context.Context, runID, checkpointID string) (*WorkflowState, error) {
	graph, state, err := o.prepareResume(ctx, runID, checkpointID, "restarted_at")
	if err != nil {
		return nil, err
	}
	return o.runToCompletion(ctx, graph, state, state.Context(), 0, false)
}

// CancelWorkflow cancels an active run. It returns false when the run is not
// currently active; already-terminal runs are unaffected. The run's engine
// observes the cancellation at its next round boundary; nodes in flight
// finish naturally and their outputs are discarded.
func (o *Orchestrator) CancelWorkflow(runID string) bool {
	o.mutex.Lock()
	state, ok := o.active[runID]
	if ok {
		delete(o.active, runID)
	}
	o.mutex.Unlock()

	if !ok {
		return false
	}

	state.SetStatus(StatusCancelled)
	state.SetMetadata("cancelled_at", time.Now().Format(time.RFC3339Nano))

	checkpoint := state.ToCheckpoint()
	if err := o.store.SaveCheckpoint(context.Background(), checkpoint); err != nil {
		o.logger.Error("failed to persist cancellation", "run_id", runID, "error", err)
	}
	o.logger.Info("workflow run cancelled", "run_id", runID)
	return true
}

// RunStatus is the poll view of one run. Active runs report live counters;
// terminal runs are loaded from the checkpoint store and include results and
// errors.
type RunStatus struct {
	RunID        string                    `json:"run_id"`
	DefinitionID string                    `json:"definition_id"`
	Status       Status                    `json:"status"`
	CurrentStep  string                    `json:"current_step,omitempty"`
	ResultCount  int                       `json:"result_count"`
	ErrorCount   int                       `json:"error_count"`
	EndTime      time.Time                 `json:"end_time,omitzero"`
	Duration     time.Duration             `json:"duration,omitempty"`
	Results      map[string]map[string]any `json:"results,omitempty"`
	Errors       []ErrorRecord             `json:"errors,omitempty"`
}

// WorkflowStatus reports the current status of a run, active or terminal.
func (o *Orchestrator) WorkflowStatus(ctx context.Context, runID string) (*RunStatus, error) {
	o.mutex.RLock()
	state, active := o.active[runID]
	o.mutex.RUnlock()

	if active {
		_, results, errs := state.Counts()
		return &RunStatus{
			RunID:        runID,
			DefinitionID: state.DefinitionID(),
			Status:       state.Status(),
			CurrentStep:  state.CurrentStep(),
			ResultCount:  results,
			ErrorCount:   errs,
		}, nil
	}

	checkpoint, err := o.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	status := &RunStatus{
		RunID:        runID,
		DefinitionID: checkpoint.DefinitionID,
		Status:       checkpoint.Status,
		CurrentStep:  checkpoint.Step,
		ResultCount:  len(checkpoint.Results),
		ErrorCount:   len(checkpoint.Errors),
		EndTime:      checkpoint.UpdatedAt,
		Results:      checkpoint.Results,
		Errors:       checkpoint.Errors,
	}
	if seconds, ok := checkpoint.Metadata["duration_seconds"].(float64); ok {
		status.Duration = time.Duration(seconds * float64(time.Second))
	}
	return status, nil
}

// HistoryEntry annotates one checkpoint for audit listings.
type HistoryEntry struct {
	CheckpointID string    `json:"checkpoint_id"`
	Step         string    `json:"step"`
	Status       Status    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// WorkflowHistory returns a run's checkpoints, newest first.
func (o *Orchestrator) WorkflowHistory(ctx context.Context, runID string, limit int) ([]HistoryEntry, error) {
	checkpoints, err := o.store.CheckpointHistory(ctx, runID, limit)
	if err != nil {
		return nil, err
	}
	history := make([]HistoryEntry, 0, len(checkpoints))
	for _, checkpoint := range checkpoints {
		history = append(history, HistoryEntry{
			CheckpointID: checkpoint.ID,
			Step:         checkpoint.Step,
			Status:       checkpoint.Status,
			Timestamp:    checkpoint.CheckpointAt,
		})
	}
	return history, nil
}

// ActiveWorkflows returns a defensive copy of the active-run registry.
func (o *Orchestrator) ActiveWorkflows() map[string]*WorkflowState {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	active := make(map[string]*WorkflowState, len(o.active))
	for runID, state := range o.active {
		active[runID] = state
	}
	return active
}

// CleanupOldCheckpoints removes checkpoints older than the given age and
// returns the number of records removed.
func (o *Orchestrator) CleanupOldCheckpoints(ctx context.Context, olderThan time.Duration) (int, error) {
	return o.store.PurgeBefore(ctx, time.Now().Add(-olderThan))
}

// Subscribe registers for a run's state-change events. Events are pushed on
// every merged node and once more with Completed set when the run reaches a
// terminal status, after which the channel is closed. The returned function
// unsubscribes. Slow subscribers miss events rather than stalling the run.
func (o *Orchestrator) Subscribe(runID string) (<-chan RunEvent, func()) {
	ch := make(chan RunEvent, 16)

	o.subMutex.Lock()
	o.subscribers[runID] = append(o.subscribers[runID], ch)
	o.subMutex.Unlock()

	cancel := func() {
		o.subMutex.Lock()
		defer o.subMutex.Unlock()
		subs := o.subscribers[runID]
		for i, sub := range subs {
			if sub == ch {
				o.subscribers[runID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// prepareRun resolves the definition, creates the run state, and registers
// it as active.
func (o *Orchestrator) prepareRun(definitionID string, input map[string]any, callerID string) (*CompiledGraph, *WorkflowState, error) {
	graph, err := o.graph(definitionID)
	if err != nil {
		return nil, nil, err
	}

	state := NewWorkflowState(NewRunID(), definitionID, input)
	if callerID != "" {
		state.SetMetadata("user_id", callerID)
	}

	o.mutex.Lock()
	o.active[state.RunID()] = state
	o.mutex.Unlock()

	return graph, state, nil
}

// prepareResume loads a checkpoint, restores the run state from it, and
// registers the run as active again.
func (o *Orchestrator) prepareResume(ctx context.Context, runID, checkpointID, marker string) (*CompiledGraph, *WorkflowState, error) {
	var checkpoint *Checkpoint
	var err error
	if checkpointID != "" {
		checkpoint, err = o.store.LoadCheckpoint(ctx, runID, checkpointID)
	} else {
		checkpoint, err = o.store.LatestCheckpoint(ctx, runID)
	}
	if err != nil {
		return nil, nil, err
	}

	graph, err := o.graph(checkpoint.DefinitionID)
	if err != nil {
		return nil, nil, err
	}

	state := NewWorkflowState(runID, checkpoint.DefinitionID, nil)
	state.FromCheckpoint(checkpoint)
	state.SetMetadata(marker, time.Now().Format(time.RFC3339Nano))

	o.mutex.Lock()
	if _, running := o.active[runID]; running {
		o.mutex.Unlock()
		return nil, nil, fmt.Errorf("workflow run %q is already active", runID)
	}
	o.active[runID] = state
	o.mutex.Unlock()

	return graph, state, nil
}

// runToCompletion drives one run and performs the guaranteed cleanup: the
// run is always removed from the active registry, subscribers are always
// closed, and the notifier is always informed of the terminal outcome.
func (o *Orchestrator) runToCompletion(ctx context.Context, graph *CompiledGraph, state *WorkflowState, input map[string]any, timeout time.Duration, resume bool) (*WorkflowState, error) {
	runID := state.RunID()
	defer func() {
		o.mutex.Lock()
		delete(o.active, runID)
		o.mutex.Unlock()

		o.notifyTerminal(state)
		o.closeSubscribers(runID)
	}()

	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	execution, err := NewExecution(ExecutionOptions{
		Graph:             graph,
		State:             state,
		Input:             input,
		Timeout:           timeout,
		Store:             o.store,
		Conditions:        o.conditions,
		Callbacks:         NewCallbackChain(o.callbacks, &runEventBroadcaster{orchestrator: o}),
		Logger:            o.logger,
		MaxConcurrency:    o.maxConcurrency,
		ResumeFromResults: resume,
	})
	if err != nil {
		state.SetStatus(StatusFailed)
		return state, err
	}
	return state, execution.Run(ctx)
}

func (o *Orchestrator) graph(definitionID string) (*CompiledGraph, error) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()

	graph, ok := o.definitions[definitionID]
	if !ok {
		return nil, &DefinitionNotFoundError{DefinitionID: definitionID}
	}
	return graph, nil
}

// notifyTerminal informs the notifier of a run's terminal outcome.
// Notification failures are logged and never affect the run.
func (o *Orchestrator) notifyTerminal(state *WorkflowState) {
	userID, _ := state.MetadataValue("user_id")
	userStr, _ := userID.(string)

	title := fmt.Sprintf("Workflow %s", state.Status())
	body := fmt.Sprintf("Run %s of definition %s finished with status %s.",
		state.RunID(), state.DefinitionID(), state.Status())
	if err := o.notifier.Notify(context.Background(), userStr, title, body); err != nil {
		o.logger.Warn("failed to deliver workflow notification",
			"run_id", state.RunID(), "error", err)
	}
}

func (o *Orchestrator) publish(event *RunEvent) {
	o.subMutex.Lock()
	defer o.subMutex.Unlock()

	for _, ch := range o.subscribers[event.RunID] {
		select {
		case ch <- *event:
		default:
			// Drop rather than stall the run on a slow subscriber.
		}
	}
}

func (o *Orchestrator) closeSubscribers(runID string) {
	o.subMutex.Lock()
	defer o.subMutex.Unlock()

	for _, ch := range o.subscribers[runID] {
		close(ch)
	}
	delete(o.subscribers, runID)
}

// runEventBroadcaster bridges execution callbacks to run subscribers.
type runEventBroadcaster struct {
	BaseExecutionCallbacks
	orchestrator *Orchestrator
}

func (b *runEventBroadcaster) OnStateChange(ctx context.Context, event *RunEvent) {
	b.orchestrator.publish(event)
}
