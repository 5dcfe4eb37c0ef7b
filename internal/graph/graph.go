package graph

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports a circular dependency among stages. Path holds the
// stage names forming the cycle, ending where it started.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError reports a stage that depends on a name no stage declares.
type UnknownDependencyError struct {
	Stage      string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %s depends on unknown stage %s", e.Stage, e.Dependency)
}

// StageGraph is a directed graph of stage dependencies. Edges point from a
// stage to its dependents.
type StageGraph struct {
	nodes map[string]*node
	edges map[string][]string
	order []string // declaration order, used as the deterministic tie-break
}

type node struct {
	name     string
	index    int // declaration index
	inDegree int
	visited  bool
	inStack  bool
}

// New creates an empty stage graph
func New() *StageGraph {
	return &StageGraph{
		nodes: make(map[string]*node),
		edges: make(map[string][]string),
	}
}

// AddStage adds a stage to the graph. Declaration order is remembered and
// later used to break ordering ties.
func (g *StageGraph) AddStage(name string) {
	if _, exists := g.nodes[name]; exists {
		return
	}
	g.nodes[name] = &node{name: name, index: len(g.order)}
	g.edges[name] = []string{}
	g.order = append(g.order, name)
}

// AddDependency records that `to` depends on `from`.
func (g *StageGraph) AddDependency(from, to string) error {
	if _, exists := g.nodes[to]; !exists {
		return &UnknownDependencyError{Stage: to, Dependency: from}
	}
	if _, exists := g.nodes[from]; !exists {
		return &UnknownDependencyError{Stage: to, Dependency: from}
	}

	g.edges[from] = append(g.edges[from], to)
	g.nodes[to].inDegree++
	return nil
}

// Build constructs the graph from stages given in declaration order with
// their declared dependency names.
func (g *StageGraph) Build(names []string, dependsOn map[string][]string) error {
	for _, name := range names {
		g.AddStage(name)
	}
	for _, name := range names {
		for _, dep := range dependsOn[name] {
			if err := g.AddDependency(dep, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// DetectCycle detects circular dependencies using DFS. It returns nil when
// the graph is acyclic.
func (g *StageGraph) DetectCycle() *CycleError {
	for _, n := range g.nodes {
		n.visited = false
		n.inStack = false
	}

	// Visit in declaration order so a reported cycle is stable
	for _, name := range g.order {
		if !g.nodes[name].visited {
			if cycle := g.dfsDetectCycle(name, nil); cycle != nil {
				return &CycleError{Path: cycle}
			}
		}
	}
	return nil
}

func (g *StageGraph) dfsDetectCycle(name string, path []string) []string {
	n := g.nodes[name]
	n.visited = true
	n.inStack = true
	path = append(path, name)

	for _, neighbor := range g.edges[name] {
		nb := g.nodes[neighbor]
		if nb.inStack {
			cycleStart := -1
			for i, p := range path {
				if p == neighbor {
					cycleStart = i
					break
				}
			}
			if cycleStart >= 0 {
				return append(path[cycleStart:], neighbor)
			}
		}
		if !nb.visited {
			if cycle := g.dfsDetectCycle(neighbor, path); cycle != nil {
				return cycle
			}
		}
	}

	n.inStack = false
	return nil
}

// byDeclaration sorts stage names by their declaration index.
func (g *StageGraph) byDeclaration(names []string) {
	sort.Slice(names, func(i, j int) bool {
		return g.nodes[names[i]].index < g.nodes[names[j]].index
	})
}

// TopologicalOrder returns stages in execution order using Kahn's algorithm.
// Ties are broken by declaration order, so output is deterministic for a
// given pipeline document.
func (g *StageGraph) TopologicalOrder() ([]string, error) {
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, cycle
	}

	inDegree := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		inDegree[name] = n.inDegree
	}

	queue := make([]string, 0, len(g.nodes))
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		g.byDeclaration(queue)
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, neighbor := range g.edges[current] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, &CycleError{Path: g.order}
	}

	return result, nil
}

// Batches returns stages grouped into waves whose members are mutually
// independent; every stage in wave N has all its dependencies in earlier
// waves. Within a wave, stages keep declaration order.
func (g *StageGraph) Batches() ([][]string, error) {
	if cycle := g.DetectCycle(); cycle != nil {
		return nil, cycle
	}

	inDegree := make(map[string]int, len(g.nodes))
	for name, n := range g.nodes {
		inDegree[name] = n.inDegree
	}

	var batches [][]string
	processed := make(map[string]bool, len(g.nodes))

	for len(processed) < len(g.nodes) {
		var current []string
		for _, name := range g.order {
			if inDegree[name] == 0 && !processed[name] {
				current = append(current, name)
			}
		}

		if len(current) == 0 {
			return nil, &CycleError{Path: g.order}
		}

		batches = append(batches, current)

		for _, name := range current {
			processed[name] = true
			for _, neighbor := range g.edges[name] {
				inDegree[neighbor]--
			}
		}
	}

	return batches, nil
}

// Dependents returns the stages that directly depend on the given stage.
func (g *StageGraph) Dependents(name string) []string {
	deps := g.edges[name]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// AllDependents returns every stage that transitively depends on the given
// stage.
func (g *StageGraph) AllDependents(name string) []string {
	visited := make(map[string]bool)
	var result []string

	var collect func(string)
	collect = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, dep := range g.edges[n] {
			if !visited[dep] {
				result = append(result, dep)
				collect(dep)
			}
		}
	}

	collect(name)
	g.byDeclaration(result)
	return result
}

// Dependencies returns the direct upstream stages of the given stage.
func (g *StageGraph) Dependencies(name string) []string {
	var out []string
	for from, tos := range g.edges {
		for _, to := range tos {
			if to == name {
				out = append(out, from)
			}
		}
	}
	g.byDeclaration(out)
	return out
}

// Len returns the number of stages in the graph.
func (g *StageGraph) Len() int {
	return len(g.nodes)
}
