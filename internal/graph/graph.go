// Package graph builds transient dependency graphs from declared proposal
// edges and finds, reports and breaks cycles in them.
package graph

import (
	"fmt"

	"maestro/internal/domain"
)

// Node colors for the depth-first search.
const (
	white = 0 // unvisited
	gray  = 1 // on the current search path
	black = 2 // fully explored
)

// Graph is a directed dependency graph. Nodes are kept in first-declaration
// order and adjacency lists in edge-declaration order, so every traversal is
// deterministic for a given proposal.
type Graph struct {
	nodes []string
	adj   map[string][]string
}

// New builds a graph from declared edges. An edge (component, dependency)
// produces an arc component -> dependency.
func New(edges []domain.Edge) *Graph {
	g := &Graph{adj: make(map[string][]string, len(edges))}
	seen := make(map[string]bool, len(edges))
	add := func(node string) {
		if !seen[node] {
			seen[node] = true
			g.nodes = append(g.nodes, node)
		}
	}
	for _, e := range edges {
		add(e.Component)
		add(e.DependsOn)
		g.adj[e.Component] = append(g.adj[e.Component], e.DependsOn)
	}
	return g
}

// Cycles finds dependency cycles, one per back-edge discovered by a
// three-color depth-first search. Each cycle is the ordered node list from
// the back-edge target to the node holding the back-edge; self-loops come
// out as one-node cycles. The search does not enumerate every simple cycle:
// cycles sharing a back-edge with an already-reported one are folded into
// it, which is why resolution callers must detect again afterwards.
func (g *Graph) Cycles() [][]string {
	colors := make(map[string]int, len(g.nodes))
	stack := make([]string, 0, len(g.nodes))
	var cycles [][]string

	var visit func(node string)
	visit = func(node string) {
		colors[node] = gray
		stack = append(stack, node)
		for _, next := range g.adj[node] {
			switch colors[next] {
			case white:
				visit(next)
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == next {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[node] = black
	}

	for _, node := range g.nodes {
		if colors[node] == white {
			visit(node)
		}
	}
	return cycles
}

// TopologicalOrder returns the nodes in dependency-first order: every node
// appears after all nodes it depends on. Fails if the graph is cyclic.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cycles := g.Cycles(); len(cycles) > 0 {
		return nil, fmt.Errorf("graph has %d cycle(s)", len(cycles))
	}
	colors := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(node string)
	visit = func(node string) {
		colors[node] = gray
		for _, next := range g.adj[node] {
			if colors[next] == white {
				visit(next)
			}
		}
		colors[node] = black
		order = append(order, node)
	}

	for _, node := range g.nodes {
		if colors[node] == white {
			visit(node)
		}
	}
	return order, nil
}

// Detect builds a graph from the edges and returns its cycles.
func Detect(edges []domain.Edge) [][]string {
	return New(edges).Cycles()
}

// Resolve breaks each detected cycle by removing its latest-declared
// constituent edge, one edge per cycle. Cycles already broken by an earlier
// removal are skipped. The result is not guaranteed acyclic when cycles
// overlap; callers re-run Detect on the surviving edges.
func Resolve(edges []domain.Edge, cycles [][]string) ([]domain.Edge, []domain.Removal) {
	removed := make(map[int]bool)
	var removals []domain.Removal

	latestIndex := func(component, dependsOn string) int {
		latest := -1
		for i, e := range edges {
			if !removed[i] && e.Component == component && e.DependsOn == dependsOn {
				latest = i
			}
		}
		return latest
	}

	for _, cycle := range cycles {
		target, broken := -1, false
		for i, node := range cycle {
			next := cycle[(i+1)%len(cycle)]
			idx := latestIndex(node, next)
			if idx < 0 {
				broken = true
				break
			}
			if idx > target {
				target = idx
			}
		}
		if broken || target < 0 {
			continue
		}
		removed[target] = true
		removals = append(removals, domain.Removal{
			Edge:  edges[target],
			Cycle: append([]string(nil), cycle...),
		})
	}

	kept := make([]domain.Edge, 0, len(edges)-len(removals))
	for i, e := range edges {
		if !removed[i] {
			kept = append(kept, e)
		}
	}
	return kept, removals
}
