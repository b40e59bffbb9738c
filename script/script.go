// Package script defines the scripting interface used for script-backed
// condition evaluators and agents, with a Risor implementation.
package script

import "context"

// Script is a compiled script ready for evaluation.
type Script interface {
	// Eval runs the script with the given global variables and returns its
	// resulting value converted to a plain Go value.
	Eval(ctx context.Context, globals map[string]any) (any, error)
}

// Compiler compiles script source into an evaluatable Script.
type Compiler interface {
	Compile(ctx context.Context, source string) (Script, error)
}
