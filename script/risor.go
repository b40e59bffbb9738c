package script

import (
	"context"
	"fmt"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/parser"
)

// RisorEngine compiles and evaluates Risor scripts. Engine-level globals are
// merged under any evaluation-time globals of the same name.
type RisorEngine struct {
	globals map[string]any
}

// NewRisorEngine creates a Risor-backed script compiler.
func NewRisorEngine(globals map[string]any) *RisorEngine {
	return &RisorEngine{globals: globals}
}

// DefaultGlobals returns the baseline globals for workflow scripts. Risor's
// builtin modules (strings, json, math) are available without registration.
func DefaultGlobals() map[string]any {
	return map[string]any{}
}

// Compile validates the script source and returns an evaluatable handle.
func (e *RisorEngine) Compile(ctx context.Context, source string) (Script, error) {
	if _, err := parser.Parse(ctx, source); err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &risorScript{source: source, engine: e}, nil
}

type risorScript struct {
	source string
	engine *RisorEngine
}

// Eval runs the script and unwraps the Risor result to a plain Go value.
func (s *risorScript) Eval(ctx context.Context, globals map[string]any) (any, error) {
	merged := make(map[string]any, len(s.engine.globals)+len(globals))
	for k, v := range s.engine.globals {
		merged[k] = v
	}
	for k, v := range globals {
		merged[k] = v
	}
	result, err := risor.Eval(ctx, s.source, risor.WithGlobals(merged))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return result.Interface(), nil
}
