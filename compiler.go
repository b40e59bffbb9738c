package orchestrator

import (
	"fmt"
	"sort"
)

// compiledNode is a definition node bound to its resolved agent.
type compiledNode struct {
	id    string
	spec  NodeSpec
	agent Agent
}

// CompiledGraph is an executable workflow graph: every node's agent type is
// resolved, every edge reference validated, and predecessor sets computed for
// fan-in scheduling.
type CompiledGraph struct {
	definitionID string
	definition   *WorkflowDefinition
	entry        string
	nodes        map[string]*compiledNode
	outgoing     map[string][]EdgeSpec
	predecessors map[string][]string
}

// Compile validates a definition against the agent and condition registries
// and produces an executable graph. Compilation is pure: it has no side
// effects and the result can be cached by definition id.
func Compile(definitionID string, definition *WorkflowDefinition, agents *AgentRegistry, conditions *ConditionRegistry) (*CompiledGraph, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}

	nodes := make(map[string]*compiledNode, len(definition.Nodes))
	for id, spec := range definition.Nodes {
		agent, err := agents.Resolve(spec.AgentType, spec.AgentConfig)
		if err != nil {
			return nil, err
		}
		nodes[id] = &compiledNode{id: id, spec: spec, agent: agent}
	}

	// Collect every dangling reference before failing.
	var problems []string
	if _, ok := definition.Nodes[definition.EntryPoint]; !ok {
		problems = append(problems, fmt.Sprintf("entry point %q is not a node", definition.EntryPoint))
	}

	outgoing := map[string][]EdgeSpec{}
	predecessors := map[string][]string{}
	adjacency := map[string][]string{}
	addPredecessor := func(target, from string) {
		adjacency[from] = append(adjacency[from], target)
		for _, existing := range predecessors[target] {
			if existing == from {
				return
			}
		}
		predecessors[target] = append(predecessors[target], from)
	}

	for _, edge := range definition.Edges {
		if _, ok := definition.Nodes[edge.From]; !ok {
			problems = append(problems, fmt.Sprintf("edge references unknown node %q as from", edge.From))
		}
		if edge.IsConditional() {
			if !conditions.Has(edge.Condition) {
				problems = append(problems, fmt.Sprintf("edge from %q references unknown condition %q", edge.From, edge.Condition))
			}
			outcomes := make([]string, 0, len(edge.Routes))
			for outcome := range edge.Routes {
				outcomes = append(outcomes, outcome)
			}
			sort.Strings(outcomes)
			for _, outcome := range outcomes {
				target := edge.Routes[outcome]
				if target == Terminal {
					continue
				}
				if _, ok := definition.Nodes[target]; !ok {
					problems = append(problems, fmt.Sprintf("route %q of edge from %q references unknown node %q", outcome, edge.From, target))
					continue
				}
				addPredecessor(target, edge.From)
			}
		} else {
			if edge.To != Terminal {
				if _, ok := definition.Nodes[edge.To]; !ok {
					problems = append(problems, fmt.Sprintf("edge references unknown node %q as to", edge.To))
				} else {
					addPredecessor(edge.To, edge.From)
				}
			}
		}
		outgoing[edge.From] = append(outgoing[edge.From], edge)
	}

	if len(problems) > 0 {
		return nil, &InvalidGraphDefinitionError{DefinitionID: definitionID, Problems: problems}
	}

	pruneBackEdges(definition.EntryPoint, adjacency, predecessors)

	return &CompiledGraph{
		definitionID: definitionID,
		definition:   definition,
		entry:        definition.EntryPoint,
		nodes:        nodes,
		outgoing:     outgoing,
		predecessors: predecessors,
	}, nil
}

// pruneBackEdges removes loop back-edges from the predecessor sets. A back
// edge re-arms a node that already ran, so it must not gate the node's first
// entry: a join waits only on predecessors that can complete before it.
func pruneBackEdges(entry string, adjacency map[string][]string, predecessors map[string][]string) {
	visited := map[string]bool{}
	onStack := map[string]bool{}

	var walk func(node string)
	walk = func(node string) {
		visited[node] = true
		onStack[node] = true
		for _, target := range adjacency[node] {
			if onStack[target] {
				kept := predecessors[target][:0]
				for _, pred := range predecessors[target] {
					if pred != node {
						kept = append(kept, pred)
					}
				}
				if len(kept) == 0 {
					delete(predecessors, target)
				} else {
					predecessors[target] = kept
				}
				continue
			}
			if !visited[target] {
				walk(target)
			}
		}
		onStack[node] = false
	}
	walk(entry)
}

// DefinitionID returns the id the graph was registered under.
func (g *CompiledGraph) DefinitionID() string {
	return g.definitionID
}

// Definition returns the definition the graph was compiled from.
func (g *CompiledGraph) Definition() *WorkflowDefinition {
	return g.definition
}

// Entry returns the entry node id.
func (g *CompiledGraph) Entry() string {
	return g.entry
}

// Predecessors returns the direct predecessors that gate a node's first
// execution. Loop back-edges are excluded: they re-arm a completed node but
// never block it. The returned slice must not be modified.
func (g *CompiledGraph) Predecessors(nodeID string) []string {
	return g.predecessors[nodeID]
}

// Outgoing returns the edges leaving a node. The returned slice must not be
// modified.
func (g *CompiledGraph) Outgoing(nodeID string) []EdgeSpec {
	return g.outgoing[nodeID]
}

// NodeIDs returns the sorted ids of all nodes in the graph.
func (g *CompiledGraph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
