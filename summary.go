package orchestrator

import "time"

// RunSummary is a condensed view of one run, derived from its latest
// checkpoint.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	DefinitionID string        `json:"definition_id"`
	Status       Status        `json:"status"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// summarizeCheckpoint derives a run summary from a checkpoint. For runs still
// in flight the duration is measured up to the checkpoint write.
func summarizeCheckpoint(checkpoint *Checkpoint) *RunSummary {
	summary := &RunSummary{
		RunID:        checkpoint.RunID,
		DefinitionID: checkpoint.DefinitionID,
		Status:       checkpoint.Status,
		StartTime:    checkpoint.CreatedAt,
	}
	if checkpoint.Status.Terminal() {
		summary.EndTime = checkpoint.UpdatedAt
		summary.Duration = checkpoint.UpdatedAt.Sub(checkpoint.CreatedAt)
	} else {
		summary.Duration = checkpoint.CheckpointAt.Sub(checkpoint.CreatedAt)
	}
	if n := len(checkpoint.Errors); n > 0 {
		summary.Error = checkpoint.Errors[n-1].Error
	}
	return summary
}
