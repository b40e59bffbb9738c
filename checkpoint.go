package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable, timestamped snapshot of a run's state. A new
// checkpoint is appended after every completed node and once more,
// unconditionally, when the run reaches a terminal status. Checkpoints are
// never mutated after being written.
type Checkpoint struct {
	ID           string                    `json:"id"`
	RunID        string                    `json:"run_id"`
	DefinitionID string                    `json:"definition_id"`
	Status       Status                    `json:"status"`
	Step         string                    `json:"step"`
	Context      map[string]any            `json:"context,omitempty"`
	Messages     []Message                 `json:"messages,omitempty"`
	Results      map[string]map[string]any `json:"results,omitempty"`
	Errors       []ErrorRecord             `json:"errors,omitempty"`
	Metadata     map[string]any            `json:"metadata,omitempty"`
	CreatedAt    time.Time                 `json:"created_at,omitzero"`
	UpdatedAt    time.Time                 `json:"updated_at,omitzero"`
	CheckpointAt time.Time                 `json:"checkpoint_at"`
}

// NewCheckpointID returns a unique checkpoint record id.
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}
