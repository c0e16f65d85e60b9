package core

import (
	"fmt"
	"slices"

	"trip_planner/pkg"
)

// DefaultStages is the fixed travel planning topology: attraction search
// feeds itinerary and logistics, which both feed the advisory stage, which
// feeds the final integration.
func DefaultStages() []Stage {
	return []Stage{
		{
			Name: pkg.StageTourSearch,
		},
		{
			Name:         pkg.StageDayPlan,
			Dependencies: []pkg.StageName{pkg.StageTourSearch},
			Inputs:       []pkg.StageName{pkg.StageTourSearch},
		},
		{
			Name:         pkg.StageTransport,
			Dependencies: []pkg.StageName{pkg.StageTourSearch},
			Inputs:       []pkg.StageName{pkg.StageTourSearch},
		},
		{
			Name:         pkg.StageButler,
			Dependencies: []pkg.StageName{pkg.StageDayPlan, pkg.StageTransport},
			Inputs:       []pkg.StageName{pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport},
		},
		{
			Name:         pkg.StageFinalIntegration,
			Dependencies: []pkg.StageName{pkg.StageButler},
			Inputs: []pkg.StageName{
				pkg.StageTourSearch, pkg.StageDayPlan, pkg.StageTransport, pkg.StageButler,
			},
		},
	}
}

// Graph is an immutable DAG of stages.
type Graph struct {
	stages     map[pkg.StageName]Stage
	order      []pkg.StageName
	dependents map[pkg.StageName][]pkg.StageName
}

// NewGraph validates the stages and builds the graph. It rejects duplicate
// names, unknown dependencies, cycles and inputs that are not ancestors.
func NewGraph(stages ...Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("graph needs at least one stage")
	}

	g := &Graph{
		stages:     make(map[pkg.StageName]Stage, len(stages)),
		dependents: make(map[pkg.StageName][]pkg.StageName, len(stages)),
	}
	for _, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("stage name cannot be empty")
		}
		if _, dup := g.stages[st.Name]; dup {
			return nil, fmt.Errorf("duplicate stage: %s", st.Name)
		}
		g.stages[st.Name] = st
	}
	for _, st := range stages {
		for _, dep := range st.Dependencies {
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on %w: %s", st.Name, ErrUnknownStage, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], st.Name)
		}
	}

	order, err := topologicalOrder(stages, g.dependents)
	if err != nil {
		return nil, err
	}
	g.order = order

	for _, st := range stages {
		ancestors := g.Upstream(st.Name)
		for _, in := range st.Inputs {
			if !slices.Contains(ancestors, in) {
				return nil, fmt.Errorf("stage %s declares input %s which is not upstream", st.Name, in)
			}
		}
	}
	return g, nil
}

func topologicalOrder(stages []Stage, dependents map[pkg.StageName][]pkg.StageName) ([]pkg.StageName, error) {
	indegree := make(map[pkg.StageName]int, len(stages))
	for _, st := range stages {
		indegree[st.Name] = len(st.Dependencies)
	}

	ready := make([]pkg.StageName, 0, len(stages))
	for _, st := range stages {
		if indegree[st.Name] == 0 {
			ready = append(ready, st.Name)
		}
	}

	order := make([]pkg.StageName, 0, len(stages))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)

		for _, next := range dependents[current] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(stages) {
		return nil, fmt.Errorf("pipeline graph contains cycle")
	}
	return order, nil
}

func (g *Graph) Stage(name pkg.StageName) (Stage, bool) {
	st, ok := g.stages[name]
	return st, ok
}

// Order returns every stage in topological order.
func (g *Graph) Order() []pkg.StageName { return slices.Clone(g.order) }

// First returns the first stage in topological order.
func (g *Graph) First() pkg.StageName { return g.order[0] }

// Upstream returns all ancestors of name in topological order.
func (g *Graph) Upstream(name pkg.StageName) []pkg.StageName {
	seen := make(map[pkg.StageName]bool)
	var visit func(pkg.StageName)
	visit = func(n pkg.StageName) {
		for _, dep := range g.stages[n].Dependencies {
			if !seen[dep] {
				seen[dep] = true
				visit(dep)
			}
		}
	}
	visit(name)
	return g.inOrder(seen)
}

// Downstream returns all descendants of name in topological order.
func (g *Graph) Downstream(name pkg.StageName) []pkg.StageName {
	seen := make(map[pkg.StageName]bool)
	var visit func(pkg.StageName)
	visit = func(n pkg.StageName) {
		for _, next := range g.dependents[n] {
			if !seen[next] {
				seen[next] = true
				visit(next)
			}
		}
	}
	visit(name)
	return g.inOrder(seen)
}

func (g *Graph) inOrder(set map[pkg.StageName]bool) []pkg.StageName {
	out := make([]pkg.StageName, 0, len(set))
	for _, n := range g.order {
		if set[n] {
			out = append(out, n)
		}
	}
	return out
}

// Plan is the wave schedule of one run.
type Plan struct {
	Entry   pkg.StageName
	Waves   [][]pkg.StageName
	Skipped []pkg.StageName
}

// Stages flattens the waves.
func (p *Plan) Stages() []pkg.StageName {
	var out []pkg.StageName
	for _, w := range p.Waves {
		out = append(out, w...)
	}
	return out
}

func (p *Plan) Contains(name pkg.StageName) bool {
	for _, w := range p.Waves {
		if slices.Contains(w, name) {
			return true
		}
	}
	return false
}

// Plan computes the sub-DAG reachable forward from entry minus skip and
// groups it into waves. A stage lands in the wave after its latest in-plan
// dependency; dependencies outside the plan must come from seeded results.
func (g *Graph) Plan(entry pkg.StageName, skip []pkg.StageName) (*Plan, error) {
	if _, ok := g.stages[entry]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, entry)
	}

	reach := map[pkg.StageName]bool{entry: true}
	for _, n := range g.Downstream(entry) {
		reach[n] = true
	}

	plan := &Plan{Entry: entry}
	level := make(map[pkg.StageName]int)
	for _, n := range g.order {
		if !reach[n] {
			continue
		}
		if slices.Contains(skip, n) {
			plan.Skipped = append(plan.Skipped, n)
			continue
		}
		lvl := 0
		for _, dep := range g.stages[n].Dependencies {
			if l, ok := level[dep]; ok && l+1 > lvl {
				lvl = l + 1
			}
		}
		level[n] = lvl
		for len(plan.Waves) <= lvl {
			plan.Waves = append(plan.Waves, nil)
		}
		plan.Waves[lvl] = append(plan.Waves[lvl], n)
	}
	return plan, nil
}
