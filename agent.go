package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Message is a single entry in an agent conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// AgentResponse is the result of one agent invocation.
type AgentResponse struct {
	Content string         `json:"content"`
	Usage   map[string]any `json:"usage,omitempty"`
}

// Agent is the capability a workflow node is bound to: it turns an ordered
// message list plus metadata into a response. Implementations wrap whatever
// model provider or tool the node requires.
type Agent interface {
	Generate(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error)
}

// StreamingAgent is an optional extension producing incremental text
// fragments. The core execution path does not require it; transport adapters
// may use it for token-level streaming.
type StreamingAgent interface {
	Agent
	Stream(ctx context.Context, messages []Message, metadata map[string]any) (<-chan string, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error)

func (f AgentFunc) Generate(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error) {
	return f(ctx, messages, metadata)
}

// AgentFactory builds an Agent from a node's agent configuration.
type AgentFactory func(config map[string]any) (Agent, error)

// AgentRegistry maps agent type names to factories. New agent types register
// themselves here rather than being enumerated in a dispatch chain.
type AgentRegistry struct {
	mutex     sync.RWMutex
	factories map[string]AgentFactory
}

// NewAgentRegistry returns an empty agent type registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{factories: map[string]AgentFactory{}}
}

// Register adds or replaces the factory for an agent type.
func (r *AgentRegistry) Register(agentType string, factory AgentFactory) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.factories[agentType] = factory
}

// Resolve builds an Agent of the given type using the node's configuration.
func (r *AgentRegistry) Resolve(agentType string, config map[string]any) (Agent, error) {
	r.mutex.RLock()
	factory, ok := r.factories[agentType]
	r.mutex.RUnlock()

	if !ok {
		return nil, &UnknownAgentTypeError{AgentType: agentType}
	}
	return factory(config)
}

// Types returns the sorted names of all registered agent types.
func (r *AgentRegistry) Types() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
