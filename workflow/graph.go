// ABOUTME: Static stage declarations and DAG construction with start-time validation.
// ABOUTME: Checks slot wiring, disjoint outputs, and acyclicity before any stage runs.
package workflow

import (
	"context"
	"fmt"
	"sort"
)

// StageFunc is the body of a stage. It reads its declared input slots
// from the state and returns the values for its declared output slots.
// Returning an error aborts the entire run; per-item failures inside a
// stage should be contained with RunPool instead.
type StageFunc func(ctx context.Context, state *State) (map[string]any, error)

// Stage is a named unit in the workflow DAG. Inputs name the slots the
// stage reads; a stage with no inputs is eligible as soon as the run
// starts. Outputs name the slots the stage commits on completion.
type Stage struct {
	Name    string
	Inputs  []string
	Outputs []string
	Run     StageFunc
}

// Graph is a validated, immutable set of stages. Build one with
// NewGraph; a non-nil Graph has already passed validation.
type Graph struct {
	stages []*Stage
	// producer maps each output slot to the stage that commits it.
	producer map[string]*Stage
	// initial names the slots the caller promises to provide at run start.
	initial map[string]bool
}

// NewGraph validates the stage table and returns an executable graph.
// initialSlots name the slots that will be present in the initial state
// (satisfying inputs no stage produces). Validation rejects duplicate
// stage names, overlapping output slots, inputs with no producer, nil
// stage bodies, and dependency cycles.
func NewGraph(stages []*Stage, initialSlots ...string) (*Graph, error) {
	g := &Graph{
		stages:   stages,
		producer: make(map[string]*Stage),
		initial:  make(map[string]bool, len(initialSlots)),
	}
	for _, s := range initialSlots {
		g.initial[s] = true
	}

	seen := make(map[string]bool, len(stages))
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("duplicate stage name %q", st.Name)
		}
		seen[st.Name] = true
		if st.Run == nil {
			return nil, fmt.Errorf("stage %q has no body", st.Name)
		}
		if len(st.Outputs) == 0 {
			return nil, fmt.Errorf("stage %q declares no output slots", st.Name)
		}
		for _, out := range st.Outputs {
			if prev, taken := g.producer[out]; taken {
				return nil, fmt.Errorf("output slot %q declared by both %q and %q", out, prev.Name, st.Name)
			}
			if g.initial[out] {
				return nil, fmt.Errorf("stage %q writes initial slot %q", st.Name, out)
			}
			g.producer[out] = st
		}
	}

	for _, st := range stages {
		for _, in := range st.Inputs {
			if g.initial[in] {
				continue
			}
			prod, ok := g.producer[in]
			if !ok {
				return nil, fmt.Errorf("stage %q reads slot %q which nothing produces", st.Name, in)
			}
			if prod == st {
				return nil, fmt.Errorf("stage %q reads its own output slot %q", st.Name, in)
			}
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	return g, nil
}

// checkAcyclic runs Kahn's algorithm over the stage dependency edges
// implied by slot wiring, reporting the stages stuck on a cycle.
func (g *Graph) checkAcyclic() error {
	indegree := make(map[string]int, len(g.stages))
	dependents := make(map[string][]string)

	for _, st := range g.stages {
		indegree[st.Name] = 0
	}
	for _, st := range g.stages {
		for _, in := range st.Inputs {
			prod, ok := g.producer[in]
			if !ok {
				continue
			}
			indegree[st.Name]++
			dependents[prod.Name] = append(dependents[prod.Name], st.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	processed := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(g.stages) {
		var cyclic []string
		for name, deg := range indegree {
			if deg > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return fmt.Errorf("dependency cycle involving stages %v", cyclic)
	}
	return nil
}

// Stages returns the declared stages in registration order.
func (g *Graph) Stages() []*Stage {
	return g.stages
}

// Producer returns the stage that commits the named slot, or nil if the
// slot is initial or unknown.
func (g *Graph) Producer(slot string) *Stage {
	return g.producer[slot]
}
