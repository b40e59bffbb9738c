package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/orchestrator/script"
)

// Condition outcome keys used by the default predicates.
const (
	OutcomeTrue  = "true"
	OutcomeFalse = "false"
)

// ConditionNeedsRevision is the name of the default registered predicate.
const ConditionNeedsRevision = "needs_revision"

// ConditionInput carries the data available to a condition evaluator: the
// node the conditional edge originates from, that node's accumulated output,
// and all results produced so far.
type ConditionInput struct {
	Node    string
	Output  map[string]any
	Results map[string]map[string]any
}

// ConditionFunc evaluates a named condition and returns an outcome key used
// to select the next node from the edge's routes.
type ConditionFunc func(ctx context.Context, input ConditionInput) (string, error)

// ConditionRegistry maps condition names to evaluators.
type ConditionRegistry struct {
	mutex      sync.RWMutex
	conditions map[string]ConditionFunc
}

// NewConditionRegistry returns a registry with the default predicates
// registered.
func NewConditionRegistry() *ConditionRegistry {
	r := &ConditionRegistry{conditions: map[string]ConditionFunc{}}
	r.Register(ConditionNeedsRevision, needsRevision)
	return r
}

// Register adds or replaces a named condition evaluator.
func (r *ConditionRegistry) Register(name string, fn ConditionFunc) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.conditions[name] = fn
}

// Has reports whether a condition name is registered.
func (r *ConditionRegistry) Has(name string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, ok := r.conditions[name]
	return ok
}

// Evaluate runs the named condition against the input.
func (r *ConditionRegistry) Evaluate(ctx context.Context, name string, input ConditionInput) (string, error) {
	r.mutex.RLock()
	fn, ok := r.conditions[name]
	r.mutex.RUnlock()

	if !ok {
		return "", fmt.Errorf("condition %q is not registered", name)
	}
	return fn(ctx, input)
}

// needsRevision routes to "true" when the originating node's textual content
// contains "revision needed" in any case.
func needsRevision(ctx context.Context, input ConditionInput) (string, error) {
	content, _ := input.Output["content"].(string)
	if strings.Contains(strings.ToLower(content), "revision needed") {
		return OutcomeTrue, nil
	}
	return OutcomeFalse, nil
}

// ScriptCondition compiles a script expression into a condition evaluator.
// The script receives "node", "output" and "results" globals and its result
// value becomes the outcome key; booleans map to "true"/"false".
func ScriptCondition(compiler script.Compiler, source string) (ConditionFunc, error) {
	compiled, err := compiler.Compile(context.Background(), source)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, input ConditionInput) (string, error) {
		value, err := compiled.Eval(ctx, map[string]any{
			"node":    input.Node,
			"output":  input.Output,
			"results": resultsToAny(input.Results),
		})
		if err != nil {
			return "", err
		}
		switch v := value.(type) {
		case bool:
			if v {
				return OutcomeTrue, nil
			}
			return OutcomeFalse, nil
		case string:
			return v, nil
		default:
			return fmt.Sprintf("%v", v), nil
		}
	}, nil
}

// resultsToAny widens the results map for script consumption.
func resultsToAny(results map[string]map[string]any) map[string]any {
	widened := make(map[string]any, len(results))
	for node, output := range results {
		widened[node] = output
	}
	return widened
}
