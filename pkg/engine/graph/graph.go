// Package graph provides the dependency graph used to validate stage plans.
// Cycle detection and topological sort algorithms adapted from TaskWing
// (https://github.com/josephgoksu/TaskWing) under MIT License.
package graph

import (
	"fmt"
	"strings"
)

// Graph is a directed dependency graph over stage names.
// An edge stage -> dep means dep must complete before stage runs.
type Graph struct {
	stages map[string]bool
	deps   map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		stages: make(map[string]bool),
		deps:   make(map[string][]string),
	}
}

// AddStage registers a stage with no dependencies yet.
func (g *Graph) AddStage(name string) {
	g.stages[name] = true
	if _, ok := g.deps[name]; !ok {
		g.deps[name] = []string{}
	}
}

// AddDependency records that stage depends on dep.
// Returns a *CycleError if the edge would close a dependency cycle.
func (g *Graph) AddDependency(stage, dep string) error {
	g.AddStage(stage)
	g.AddStage(dep)

	// If dep can already reach stage, this edge closes a cycle.
	if g.reaches(dep, stage) {
		g.deps[stage] = append(g.deps[stage], dep)
		_, path := g.HasCycle()
		g.deps[stage] = g.deps[stage][:len(g.deps[stage])-1]
		return &CycleError{Path: path}
	}

	g.deps[stage] = append(g.deps[stage], dep)
	return nil
}

// HasCycle runs DFS-based cycle detection and, when a cycle exists,
// reconstructs the offending path.
func (g *Graph) HasCycle() (bool, []string) {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	parent := make(map[string]string)

	var dfs func(stage string) (bool, []string)
	dfs = func(stage string) (bool, []string) {
		visited[stage] = true
		onStack[stage] = true

		for _, dep := range g.deps[stage] {
			if !visited[dep] {
				parent[dep] = stage
				if cyclic, path := dfs(dep); cyclic {
					return true, path
				}
			} else if onStack[dep] {
				cycle := []string{dep}
				cur := stage
				for cur != dep {
					cycle = append([]string{cur}, cycle...)
					cur = parent[cur]
				}
				cycle = append([]string{dep}, cycle...)
				return true, cycle
			}
		}

		onStack[stage] = false
		return false, nil
	}

	for stage := range g.stages {
		if !visited[stage] {
			if cyclic, path := dfs(stage); cyclic {
				return true, path
			}
		}
	}

	return false, nil
}

// TopologicalSort returns a stage order consistent with the dependency
// edges (Kahn's algorithm), listing each stage before the stages it
// depends on. Callers that need execution order walk it in reverse; plan
// validation only needs it to prove the graph acyclic.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int)
	for stage := range g.stages {
		inDegree[stage] = 0
	}
	for _, deps := range g.deps {
		for _, dep := range deps {
			inDegree[dep]++
		}
	}

	var queue []string
	for stage, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, stage)
		}
	}

	var order []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, dep := range g.deps[cur] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.stages) {
		if cyclic, path := g.HasCycle(); cyclic {
			return nil, &CycleError{Path: path}
		}
		return nil, fmt.Errorf("topological sort left %d stages unordered", len(g.stages)-len(order))
	}

	return order, nil
}

// Blockers returns every transitive dependency of the given stage, i.e. the
// set of stages that must finish before it becomes eligible.
func (g *Graph) Blockers(stage string) []string {
	if !g.stages[stage] {
		return nil
	}

	visited := map[string]bool{stage: true}
	queue := []string{stage}
	var blockers []string

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, dep := range g.deps[cur] {
			if !visited[dep] {
				visited[dep] = true
				blockers = append(blockers, dep)
				queue = append(queue, dep)
			}
		}
	}

	return blockers
}

// reaches reports whether from can reach to by following dependency edges.
func (g *Graph) reaches(from, to string) bool {
	if from == to {
		return true
	}

	visited := map[string]bool{from: true}
	queue := []string{from}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for _, dep := range g.deps[cur] {
			if dep == to {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	return false
}

// CycleError reports a circular stage dependency.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return "circular stage dependency detected"
	}
	return fmt.Sprintf("circular stage dependency detected: %s", strings.Join(e.Path, " -> "))
}

// IsCycleError reports whether err is a *CycleError.
func IsCycleError(err error) bool {
	_, ok := err.(*CycleError)
	return ok
}
