package automation

import (
	"fmt"
	"sort"
)

// DependencyGraph is the dependsOn relation of the top-level steps of a
// definition. Container-owned steps are excluded; they only run inside
// their container.
type DependencyGraph struct {
	// step ID -> IDs it depends on
	deps map[string][]string
	// step ID -> IDs depending on it
	dependents map[string][]string
	order      []string
}

// BuildDependencyGraph constructs the graph for a definition's
// top-level steps. It fails on references to unknown steps and on
// cycles, which are author-time errors only.
func BuildDependencyGraph(def *WorkflowDefinition) (*DependencyGraph, error) {
	owned := def.ContainerOwnedSteps()

	g := &DependencyGraph{
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for _, step := range def.Steps {
		if _, isOwned := owned[step.ID]; isOwned {
			continue
		}
		g.deps[step.ID] = nil
	}

	for _, step := range def.Steps {
		if _, isOwned := owned[step.ID]; isOwned {
			continue
		}
		for _, dep := range step.DependsOn {
			if _, exists := g.deps[dep]; !exists {
				if _, isOwned := owned[dep]; isOwned {
					return nil, NewValidationError("dependsOn",
						fmt.Sprintf("step %q depends on %q, which only runs inside container step %q", step.ID, dep, owned[dep]))
				}
				return nil, NewValidationError("dependsOn",
					fmt.Sprintf("step %q depends on unknown step %q", step.ID, dep))
			}
			g.deps[step.ID] = append(g.deps[step.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewValidationError("dependsOn",
			fmt.Sprintf("dependency cycle: %v", cycle))
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// StepIDs returns all step IDs in the graph
func (g *DependencyGraph) StepIDs() []string {
	ids := make([]string, 0, len(g.deps))
	for id := range g.deps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependencies returns the IDs the given step depends on
func (g *DependencyGraph) Dependencies(stepID string) []string {
	return g.deps[stepID]
}

// Order returns a topological order of the steps
func (g *DependencyGraph) Order() []string {
	return g.order
}

// Eligible returns the steps whose dependencies are all terminally
// satisfied and which have not themselves started. A dependency is
// satisfied when completed or skipped; a failed dependency satisfies
// nothing, so downstream steps stay blocked.
func (g *DependencyGraph) Eligible(results map[string]*StepResult) []string {
	var eligible []string
	for _, id := range g.order {
		if r, ok := results[id]; ok && r.Status != StepStatusPending {
			continue
		}
		if g.depsSatisfied(id, results) {
			eligible = append(eligible, id)
		}
	}
	return eligible
}

// Blocked returns steps that can never run because a dependency failed
func (g *DependencyGraph) Blocked(results map[string]*StepResult) []string {
	var blocked []string
	for _, id := range g.order {
		if r, ok := results[id]; ok && r.Status != StepStatusPending {
			continue
		}
		for _, dep := range g.deps[id] {
			if r, ok := results[dep]; ok && r.Status == StepStatusFailed {
				blocked = append(blocked, id)
				break
			}
		}
	}
	return blocked
}

func (g *DependencyGraph) depsSatisfied(stepID string, results map[string]*StepResult) bool {
	for _, dep := range g.deps[stepID] {
		r, ok := results[dep]
		if !ok {
			return false
		}
		if r.Status != StepStatusCompleted && r.Status != StepStatusSkipped {
			return false
		}
	}
	return true
}

// topologicalOrder runs Kahn's algorithm. Ready steps are drained in
// lexical order so the result is deterministic; sibling ordering
// carries no execution guarantee beyond dependency satisfaction.
func (g *DependencyGraph) topologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.deps))
	for id, deps := range g.deps {
		inDegree[id] = len(deps)
	}

	var ready []string
	for id, n := range inDegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.deps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, dependent := range g.dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(g.deps) {
		return nil, ErrDependencyCycle
	}
	return order, nil
}

// findCycle detects a cycle via DFS with white/grey/black coloring and
// returns one offending path for the error message
func (g *DependencyGraph) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(g.deps))

	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, dep := range g.deps[id] {
			switch color[dep] {
			case grey:
				// Close the loop for the message
				found = append(append([]string{}, path...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := g.StepIDs()
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return found
			}
		}
	}
	return nil
}
