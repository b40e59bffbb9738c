package orchestrator

import (
	"sync"
	"time"
)

// Status represents the lifecycle status of a workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// Terminal reports whether the status is one of the terminal states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrorRecord is one structured entry in a run's error log, attributed to the
// agent role that produced it.
type ErrorRecord struct {
	Agent     string    `json:"agent"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState holds the mutable state of one workflow run. It is owned by
// the run's execution for the duration of the run: nodes never write to it
// directly while other nodes are in flight, the execution merges outputs
// between rounds. All access goes through mutex-guarded methods so external
// readers (status polls, cancellation) stay safe.
type WorkflowState struct {
	runID        string
	definitionID string
	status       Status
	currentStep  string
	context      map[string]any
	messages     []Message
	results      map[string]map[string]any
	errors       []ErrorRecord
	metadata     map[string]any
	createdAt    time.Time
	updatedAt    time.Time
	mutex        sync.RWMutex
}

// NewWorkflowState creates the state for a fresh run. The context map is
// supplied by the caller at execution start and is read-only to nodes.
func NewWorkflowState(runID, definitionID string, context map[string]any) *WorkflowState {
	now := time.Now()
	return &WorkflowState{
		runID:        runID,
		definitionID: definitionID,
		status:       StatusPending,
		context:      copyMap(context),
		results:      map[string]map[string]any{},
		metadata:     map[string]any{},
		createdAt:    now,
		updatedAt:    now,
	}
}

// RunID returns the run's id.
func (s *WorkflowState) RunID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.runID
}

// DefinitionID returns the id of the definition this run executes.
func (s *WorkflowState) DefinitionID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.definitionID
}

// Status returns the current run status.
func (s *WorkflowState) Status() Status {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.status
}

// SetStatus updates the run status.
func (s *WorkflowState) SetStatus(status Status) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.status = status
	s.updatedAt = time.Now()
}

// CurrentStep returns the id of the node most recently entered.
func (s *WorkflowState) CurrentStep() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.currentStep
}

// SetCurrentStep advances the current step marker.
func (s *WorkflowState) SetCurrentStep(nodeID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.currentStep = nodeID
	s.updatedAt = time.Now()
}

// Context returns a copy of the caller-supplied run context.
func (s *WorkflowState) Context() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.context)
}

// AppendMessage adds one entry to the run transcript.
func (s *WorkflowState) AppendMessage(message Message) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.messages = append(s.messages, message)
	s.updatedAt = time.Now()
}

// Messages returns a copy of the run transcript.
func (s *WorkflowState) Messages() []Message {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]Message(nil), s.messages...)
}

// MergeResult records a node's output under its node id. Repeated writes to
// the same node id merge keys (shallow union) rather than overwrite, since
// fan-in nodes may contribute partial results incrementally.
func (s *WorkflowState) MergeResult(nodeID string, output map[string]any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, ok := s.results[nodeID]
	if !ok {
		existing = map[string]any{}
		s.results[nodeID] = existing
	}
	for k, v := range output {
		existing[k] = v
	}
	s.updatedAt = time.Now()
}

// Result returns a copy of one node's accumulated output.
func (s *WorkflowState) Result(nodeID string) (map[string]any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	output, ok := s.results[nodeID]
	if !ok {
		return nil, false
	}
	return copyMap(output), true
}

// Results returns a copy of all node outputs.
func (s *WorkflowState) Results() map[string]map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyResults(s.results)
}

// AppendError adds one structured entry to the run's error log.
func (s *WorkflowState) AppendError(record ErrorRecord) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.errors = append(s.errors, record)
	s.updatedAt = time.Now()
}

// Errors returns a copy of the run's error log.
func (s *WorkflowState) Errors() []ErrorRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return append([]ErrorRecord(nil), s.errors...)
}

// SetMetadata stores one bookkeeping value (user id, timings, resume marks).
func (s *WorkflowState) SetMetadata(key string, value any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.metadata[key] = value
	s.updatedAt = time.Now()
}

// MetadataValue retrieves one bookkeeping value.
func (s *WorkflowState) MetadataValue(key string) (any, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	value, ok := s.metadata[key]
	return value, ok
}

// Metadata returns a copy of the run's bookkeeping map.
func (s *WorkflowState) Metadata() map[string]any {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return copyMap(s.metadata)
}

// CreatedAt returns the state's creation time.
func (s *WorkflowState) CreatedAt() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.createdAt
}

// UpdatedAt returns the time of the last mutation.
func (s *WorkflowState) UpdatedAt() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.updatedAt
}

// Counts returns the transcript, result and error counts in one read.
func (s *WorkflowState) Counts() (messages, results, errs int) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return len(s.messages), len(s.results), len(s.errors)
}

// ToCheckpoint snapshots the state into an immutable checkpoint record.
func (s *WorkflowState) ToCheckpoint() *Checkpoint {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return &Checkpoint{
		ID:           NewCheckpointID(),
		RunID:        s.runID,
		DefinitionID: s.definitionID,
		Status:       s.status,
		Step:         s.currentStep,
		Context:      copyMap(s.context),
		Messages:     append([]Message(nil), s.messages...),
		Results:      copyResults(s.results),
		Errors:       append([]ErrorRecord(nil), s.errors...),
		Metadata:     copyMap(s.metadata),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
		CheckpointAt: time.Now(),
	}
}

// FromCheckpoint restores the state from a checkpoint snapshot. The run id is
// preserved from the checkpoint so the run keeps its identity across resume.
func (s *WorkflowState) FromCheckpoint(checkpoint *Checkpoint) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.runID = checkpoint.RunID
	s.definitionID = checkpoint.DefinitionID
	s.status = checkpoint.Status
	s.currentStep = checkpoint.Step
	s.context = copyMap(checkpoint.Context)
	s.messages = append([]Message(nil), checkpoint.Messages...)
	s.results = copyResults(checkpoint.Results)
	s.errors = append([]ErrorRecord(nil), checkpoint.Errors...)
	s.metadata = copyMap(checkpoint.Metadata)
	s.createdAt = checkpoint.CreatedAt
	s.updatedAt = time.Now()
}

// copyMap creates a shallow copy of a map.
func copyMap(m map[string]any) map[string]any {
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = v
	}
	return copied
}

// copyResults creates a per-node shallow copy of a results map.
func copyResults(m map[string]map[string]any) map[string]map[string]any {
	copied := make(map[string]map[string]any, len(m))
	for k, v := range m {
		copied[k] = copyMap(v)
	}
	return copied
}
