package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Terminal is the sentinel route target that ends a branch without error.
const Terminal = "TERMINAL"

// Defaults applied to node specs that leave the fields unset.
const (
	DefaultMaxRetries  = 3
	DefaultNodeTimeout = 300 * time.Second
)

// NodeSpec describes one agent node in a workflow definition.
type NodeSpec struct {
	AgentType      string         `json:"agent_type" yaml:"agent_type"`
	Role           string         `json:"role" yaml:"role"`
	AgentConfig    map[string]any `json:"agent_config,omitempty" yaml:"agent_config,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the per-attempt timeout for the node.
func (n NodeSpec) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return DefaultNodeTimeout
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Retries returns the total attempt budget for the node.
func (n NodeSpec) Retries() int {
	if n.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return n.MaxRetries
}

// EdgeSpec describes one directed edge. A direct edge names a To node. A
// conditional edge names a Condition and a Routes map from outcome keys to
// target node ids (or the Terminal sentinel).
type EdgeSpec struct {
	From      string            `json:"from" yaml:"from"`
	To        string            `json:"to,omitempty" yaml:"to,omitempty"`
	Condition string            `json:"condition,omitempty" yaml:"condition,omitempty"`
	Routes    map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// IsConditional reports whether the edge routes on a named condition.
func (e EdgeSpec) IsConditional() bool {
	return e.Condition != ""
}

// WorkflowDefinition is the static graph of nodes and edges, compiled once
// and executed many times.
type WorkflowDefinition struct {
	Name        string              `json:"name,omitempty" yaml:"name,omitempty"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       map[string]NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec          `json:"edges,omitempty" yaml:"edges,omitempty"`
	EntryPoint  string              `json:"entry_point" yaml:"entry_point"`
}

// Validate checks the definition's basic shape. Referential integrity of
// edges is checked during compilation, which reports every problem at once.
func (d *WorkflowDefinition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow definition requires at least one node")
	}
	if d.EntryPoint == "" {
		return fmt.Errorf("workflow definition requires an entry point")
	}
	for id, node := range d.Nodes {
		if node.AgentType == "" {
			return fmt.Errorf("node %q requires an agent type", id)
		}
	}
	for i, edge := range d.Edges {
		if edge.From == "" {
			return fmt.Errorf("edge %d requires a from node", i)
		}
		if edge.IsConditional() {
			if len(edge.Routes) == 0 {
				return fmt.Errorf("conditional edge from %q requires routes", edge.From)
			}
		} else if edge.To == "" {
			return fmt.Errorf("edge from %q requires a to node or a condition", edge.From)
		}
	}
	return nil
}

// ParseDefinition parses a workflow definition from YAML (or JSON, which is
// a YAML subset).
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var definition WorkflowDefinition
	if err := yaml.Unmarshal(data, &definition); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if err := definition.Validate(); err != nil {
		return nil, err
	}
	return &definition, nil
}

// LoadDefinitionFile reads and parses a workflow definition file.
func LoadDefinitionFile(path string) (*WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}
