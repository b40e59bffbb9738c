package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.jetify.com/typeid"
	"golang.org/x/sync/errgroup"
)

// NewRunID returns a new typed id for run identification.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutionOptions configures one workflow run.
type ExecutionOptions struct {
	Graph      *CompiledGraph
	State      *WorkflowState
	Input      map[string]any
	Timeout    time.Duration
	Store      CheckpointStore
	Conditions *ConditionRegistry
	Callbacks  ExecutionCallbacks
	Logger     *slog.Logger

	// MaxConcurrency bounds how many nodes of one fan-out round run at
	// once. Zero means unbounded.
	MaxConcurrency int

	// ResumeFromResults starts the walk at the frontier implied by the
	// state's recorded results instead of the graph entry point.
	ResumeFromResults bool
}

// Execution drives one run of a compiled graph: it launches ready nodes
// concurrently in rounds, merges their outputs into the run state as the
// single writer, evaluates conditional routes, and checkpoints after every
// completed node. The terminal state is persisted exactly once more,
// unconditionally, when the run exits.
type Execution struct {
	graph          *CompiledGraph
	state          *WorkflowState
	input          map[string]any
	timeout        time.Duration
	store          CheckpointStore
	conditions     *ConditionRegistry
	callbacks      ExecutionCallbacks
	executors      map[string]*NodeExecutor
	logger         *slog.Logger
	maxConcurrency int
	resume         bool
	startTime      time.Time

	mutex   sync.Mutex
	started bool
}

// NewExecution creates a run over a compiled graph.
func NewExecution(opts ExecutionOptions) (*Execution, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("compiled graph is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("workflow state is required")
	}
	if opts.Store == nil {
		opts.Store = NewNullCheckpointStore()
	}
	if opts.Conditions == nil {
		opts.Conditions = NewConditionRegistry()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	logger := opts.Logger.With("run_id", opts.State.RunID())
	executors := make(map[string]*NodeExecutor, len(opts.Graph.nodes))
	for id, node := range opts.Graph.nodes {
		executors[id] = NewNodeExecutor(id, node.spec, node.agent, logger)
	}

	return &Execution{
		graph:          opts.Graph,
		state:          opts.State,
		input:          copyMap(opts.Input),
		timeout:        opts.Timeout,
		store:          opts.Store,
		conditions:     opts.Conditions,
		callbacks:      opts.Callbacks,
		executors:      executors,
		logger:         logger,
		maxConcurrency: opts.MaxConcurrency,
		resume:         opts.ResumeFromResults,
	}, nil
}

// State returns the run's state.
func (e *Execution) State() *WorkflowState {
	return e.state
}

func (e *Execution) start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.started {
		return fmt.Errorf("execution already started")
	}
	e.started = true
	return nil
}

// Run executes the graph to a terminal status, blocking until completion,
// failure, timeout, or cancellation.
func (e *Execution) Run(ctx context.Context) error {
	if err := e.start(); err != nil {
		return err
	}
	return e.run(ctx)
}

func (e *Execution) run(ctx context.Context) (runErr error) {
	e.startTime = time.Now()
	state := e.state

	state.SetStatus(StatusRunning)
	if _, ok := state.MetadataValue("start_time"); !ok {
		state.SetMetadata("start_time", e.startTime.Format(time.RFC3339Nano))
	}

	var deadline time.Time
	if e.timeout > 0 {
		deadline = e.startTime.Add(e.timeout)
	}

	e.callbacks.BeforeWorkflowExecution(ctx, e.runEvent(false))

	// Guaranteed exit path: settle the terminal status, stamp timings,
	// persist the state once more, and emit the terminal event.
	defer func() {
		end := time.Now()
		if !state.Status().Terminal() {
			if runErr != nil {
				state.SetStatus(StatusFailed)
			} else {
				state.SetStatus(StatusCompleted)
			}
		}
		state.SetMetadata("end_time", end.Format(time.RFC3339Nano))
		state.SetMetadata("duration_seconds", end.Sub(e.startTime).Seconds())

		e.saveCheckpoint(context.WithoutCancel(ctx))

		event := e.runEvent(true)
		event.Error = runErr
		e.callbacks.OnStateChange(ctx, event)
		e.callbacks.AfterWorkflowExecution(ctx, event)
	}()

	completed := map[string]bool{}
	var ready []string
	if e.resume {
		for nodeID := range state.Results() {
			completed[nodeID] = true
		}
		frontier, err := e.resumeFrontier(ctx, completed)
		if err != nil {
			return err
		}
		ready = frontier
		e.logger.Info("resuming run at results frontier",
			"completed", len(completed), "frontier", ready)
	}
	if len(ready) == 0 && len(completed) == 0 {
		ready = []string{e.graph.Entry()}
	}

	// waiting tracks, per activated node, the predecessors that have not
	// completed yet. A node launches when the set empties.
	waiting := map[string]map[string]bool{}

	for len(ready) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if state.Status() == StatusCancelled {
			e.logger.Info("run cancelled, stopping before next round")
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			timeoutErr := &WorkflowTimeoutError{RunID: state.RunID(), Timeout: e.timeout}
			state.AppendError(ErrorRecord{
				Agent:     "engine",
				Error:     timeoutErr.Error(),
				Timestamp: time.Now(),
			})
			state.SetStatus(StatusFailed)
			return timeoutErr
		}

		outcomes := e.runRound(ctx, ready)

		// A cancellation observed mid-round lets in-flight nodes finish
		// naturally but discards their outputs.
		if state.Status() == StatusCancelled {
			e.logger.Info("run cancelled, discarding round results", "round", ready)
			return nil
		}

		// Merge the round's successes first so sibling results survive a
		// failing node, then checkpoint each merged node in turn.
		var failure error
		for _, outcome := range outcomes {
			if outcome.err != nil {
				if failure == nil {
					failure = outcome.err
				}
				continue
			}
			state.MergeResult(outcome.node, outcome.output)
			state.SetCurrentStep(outcome.node)
			completed[outcome.node] = true
			e.saveCheckpoint(ctx)
			e.callbacks.OnStateChange(ctx, e.runEvent(false))
		}
		if failure != nil {
			state.SetStatus(StatusFailed)
			e.logger.Error("node failure stopped the run", "error", failure)
			return failure
		}

		nextSet := map[string]bool{}
		var next []string
		for _, outcome := range outcomes {
			targets, err := e.successors(ctx, outcome.node)
			if err != nil {
				state.AppendError(ErrorRecord{
					Agent:     "engine",
					Error:     err.Error(),
					Timestamp: time.Now(),
				})
				state.SetStatus(StatusFailed)
				return err
			}
			for _, target := range targets {
				if e.activate(waiting, completed, target, outcome.node) && !nextSet[target] {
					nextSet[target] = true
					next = append(next, target)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}

	// Activated nodes left waiting at this point can never run: every
	// branch that could have fed them has ended. Completing silently would
	// report success for a run that skipped nodes, so fail instead.
	if len(waiting) > 0 {
		stranded := make(map[string][]string, len(waiting))
		for node, outstanding := range waiting {
			preds := make([]string, 0, len(outstanding))
			for pred := range outstanding {
				preds = append(preds, pred)
			}
			sort.Strings(preds)
			stranded[node] = preds
		}
		stalledErr := &WorkflowStalledError{RunID: state.RunID(), Waiting: stranded}
		state.AppendError(ErrorRecord{
			Agent:     "engine",
			Error:     stalledErr.Error(),
			Timestamp: time.Now(),
		})
		state.SetStatus(StatusFailed)
		e.logger.Error("run stalled with unsatisfied joins", "waiting", stranded)
		return stalledErr
	}

	state.SetStatus(StatusCompleted)
	e.logger.Info("run completed", "results", len(state.Results()))
	return nil
}

// nodeOutcome is the result of one node execution within a round.
type nodeOutcome struct {
	node   string
	output map[string]any
	err    error
}

// runRound executes the full ready set concurrently and waits for every node
// to finish before returning (fan-in join).
func (e *Execution) runRound(ctx context.Context, ready []string) []nodeOutcome {
	outcomes := make([]nodeOutcome, len(ready))
	group := new(errgroup.Group)
	if e.maxConcurrency > 0 {
		group.SetLimit(e.maxConcurrency)
	}
	for i, nodeID := range ready {
		executor, ok := e.executors[nodeID]
		if !ok {
			outcomes[i] = nodeOutcome{node: nodeID, err: fmt.Errorf("node %q not found in graph", nodeID)}
			continue
		}
		group.Go(func() error {
			nodeCtx := WithNodeID(WithRunID(ctx, e.state.RunID()), nodeID)
			output, err := executor.Execute(nodeCtx, e.state, e.input)
			outcomes[i] = nodeOutcome{node: nodeID, output: output, err: err}
			return nil
		})
	}
	group.Wait()
	return outcomes
}

// successors resolves the nodes activated by a completed node's outgoing
// edges, evaluating conditional routes against the accumulated results. An
// outcome routed to the Terminal sentinel ends that branch without error.
func (e *Execution) successors(ctx context.Context, nodeID string) ([]string, error) {
	var targets []string
	for _, edge := range e.graph.Outgoing(nodeID) {
		if !edge.IsConditional() {
			if edge.To != Terminal {
				targets = append(targets, edge.To)
			}
			continue
		}
		output, _ := e.state.Result(nodeID)
		outcome, err := e.conditions.Evaluate(ctx, edge.Condition, ConditionInput{
			Node:    nodeID,
			Output:  output,
			Results: e.state.Results(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate condition %q: %w", edge.Condition, err)
		}
		target, ok := edge.Routes[outcome]
		if !ok {
			e.logger.Warn("condition outcome has no route, ending branch",
				"node", nodeID, "condition", edge.Condition, "outcome", outcome)
			continue
		}
		if target == Terminal {
			continue
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// activate records that an edge into target fired. It returns true when
// every predecessor of target has completed, which makes the node ready.
// Re-activating a node that already ran re-arms it, allowing revision loops.
func (e *Execution) activate(waiting map[string]map[string]bool, completed map[string]bool, target, from string) bool {
	outstanding, ok := waiting[target]
	if !ok {
		outstanding = map[string]bool{}
		for _, pred := range e.graph.Predecessors(target) {
			if !completed[pred] {
				outstanding[pred] = true
			}
		}
		waiting[target] = outstanding
	}
	delete(outstanding, from)
	if len(outstanding) == 0 {
		delete(waiting, target)
		return true
	}
	return false
}

// resumeFrontier computes the nodes to launch when resuming: successors of
// completed nodes that have not produced a result yet and whose predecessors
// have all completed.
func (e *Execution) resumeFrontier(ctx context.Context, completed map[string]bool) ([]string, error) {
	frontierSet := map[string]bool{}
	var frontier []string
	for nodeID := range completed {
		targets, err := e.successors(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		for _, target := range targets {
			if completed[target] || frontierSet[target] {
				continue
			}
			satisfied := true
			for _, pred := range e.graph.Predecessors(target) {
				if !completed[pred] {
					satisfied = false
					break
				}
			}
			if satisfied {
				frontierSet[target] = true
				frontier = append(frontier, target)
			}
		}
	}
	sort.Strings(frontier)
	return frontier, nil
}

// saveCheckpoint snapshots the state and appends it to the store. A failed
// save is logged but does not fail the run.
func (e *Execution) saveCheckpoint(ctx context.Context) {
	checkpoint := e.state.ToCheckpoint()
	if err := e.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		e.logger.Error("failed to save checkpoint",
			"checkpoint_id", checkpoint.ID, "step", checkpoint.Step, "error", err)
	}
}

func (e *Execution) runEvent(terminal bool) *RunEvent {
	messages, results, errs := e.state.Counts()
	event := &RunEvent{
		RunID:        e.state.RunID(),
		DefinitionID: e.state.DefinitionID(),
		Status:       e.state.Status(),
		Step:         e.state.CurrentStep(),
		MessageCount: messages,
		ResultCount:  results,
		ErrorCount:   errs,
		StartTime:    e.startTime,
	}
	if terminal {
		event.Completed = true
		event.EndTime = time.Now()
		event.Duration = event.EndTime.Sub(e.startTime)
		event.Results = e.state.Results()
		event.Errors = e.state.Errors()
	}
	return event
}
