package orchestrator

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/orchestrator/script"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Agent = AgentFunc(nil)
	_ Agent = (*ScriptAgent)(nil)
)

// EchoAgentFactory builds agents that return the last user message, useful
// for dry runs and tests. An optional "prefix" config value is prepended to
// the echoed content.
func EchoAgentFactory() AgentFactory {
	return func(config map[string]any) (Agent, error) {
		prefix, _ := config["prefix"].(string)
		return AgentFunc(func(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error) {
			for i := len(messages) - 1; i >= 0; i-- {
				if messages[i].Role == "user" {
					return &AgentResponse{Content: prefix + messages[i].Content}, nil
				}
			}
			return &AgentResponse{Content: prefix}, nil
		}), nil
	}
}

// ScriptAgent evaluates a script to produce its response. The script
// receives "messages" and "metadata" globals and its result value becomes
// the response content.
type ScriptAgent struct {
	compiled script.Script
}

// NewScriptAgent compiles the agent's script source.
func NewScriptAgent(compiler script.Compiler, source string) (*ScriptAgent, error) {
	compiled, err := compiler.Compile(context.Background(), source)
	if err != nil {
		return nil, err
	}
	return &ScriptAgent{compiled: compiled}, nil
}

func (a *ScriptAgent) Generate(ctx context.Context, messages []Message, metadata map[string]any) (*AgentResponse, error) {
	widened := make([]any, len(messages))
	for i, message := range messages {
		widened[i] = map[string]any{
			"role":    message.Role,
			"content": message.Content,
		}
	}
	value, err := a.compiled.Eval(ctx, map[string]any{
		"messages": widened,
		"metadata": metadata,
	})
	if err != nil {
		return nil, err
	}
	content, ok := value.(string)
	if !ok {
		content = fmt.Sprintf("%v", value)
	}
	return &AgentResponse{Content: content}, nil
}

// ScriptAgentFactory builds script agents from a node's agent configuration,
// which must carry the script under a "source" key.
func ScriptAgentFactory(compiler script.Compiler) AgentFactory {
	return func(config map[string]any) (Agent, error) {
		source, ok := config["source"].(string)
		if !ok || source == "" {
			return nil, fmt.Errorf("script agent requires a %q config value", "source")
		}
		return NewScriptAgent(compiler, source)
	}
}
