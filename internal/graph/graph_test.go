package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/domain"
)

func edge(component, dependsOn string) domain.Edge {
	return domain.Edge{Component: component, DependsOn: dependsOn}
}

func TestDetectAcyclic(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "C"), edge("A", "C")}
	require.Empty(t, Detect(edges))
}

func TestDetectSelfLoop(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "B")}
	cycles := Detect(edges)
	require.Equal(t, [][]string{{"B"}}, cycles)
}

func TestDetectThreeNodeCycle(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "C"), edge("C", "A")}
	cycles := Detect(edges)
	require.Equal(t, [][]string{{"A", "B", "C"}}, cycles)
}

func TestDetectDisjointCycles(t *testing.T) {
	edges := []domain.Edge{
		edge("A", "B"), edge("B", "A"),
		edge("C", "D"), edge("D", "C"),
	}
	cycles := Detect(edges)
	require.Equal(t, [][]string{{"A", "B"}, {"C", "D"}}, cycles)
}

func TestDetectDeterministic(t *testing.T) {
	edges := []domain.Edge{
		edge("A", "B"), edge("B", "C"), edge("C", "A"),
		edge("C", "B"), edge("D", "D"),
	}
	first := Detect(edges)
	require.NotEmpty(t, first)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Detect(edges))
	}
}

func TestResolveRemovesLatestDeclaredEdge(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "C"), edge("C", "A")}
	cycles := Detect(edges)
	kept, removals := Resolve(edges, cycles)

	require.Len(t, removals, 1)
	require.Equal(t, edge("C", "A"), removals[0].Edge)
	require.Equal(t, []string{"A", "B", "C"}, removals[0].Cycle)
	require.Equal(t, []domain.Edge{edge("A", "B"), edge("B", "C")}, kept)
	require.Empty(t, Detect(kept))
}

func TestResolveSkipsAlreadyBrokenCycle(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "A")}
	// The same cycle reported under two rotations must only cost one edge.
	cycles := [][]string{{"A", "B"}, {"B", "A"}}
	kept, removals := Resolve(edges, cycles)

	require.Len(t, removals, 1)
	require.Equal(t, edge("B", "A"), removals[0].Edge)
	require.Equal(t, []domain.Edge{edge("A", "B")}, kept)
}

func TestResolveOverlappingCyclesLeavesResidual(t *testing.T) {
	// Two cycles share the back-edge (C,A): A->B->C->A is found first and
	// A->D->C->A is folded into it, so one resolution pass cannot see it.
	edges := []domain.Edge{
		edge("E", "A"),
		edge("C", "A"),
		edge("A", "B"),
		edge("B", "C"),
		edge("A", "D"),
		edge("D", "C"),
	}
	cycles := Detect(edges)
	require.Equal(t, [][]string{{"A", "B", "C"}}, cycles)

	kept, removals := Resolve(edges, cycles)
	require.Len(t, removals, 1)
	require.Equal(t, edge("B", "C"), removals[0].Edge)

	residual := Detect(kept)
	require.Equal(t, [][]string{{"A", "D", "C"}}, residual)
}

func TestTopologicalOrder(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "C"), edge("D", "A")}
	order, err := New(edges).TopologicalOrder()
	require.NoError(t, err)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, e := range edges {
		require.Greater(t, pos[e.Component], pos[e.DependsOn],
			"%s must come after its dependency %s", e.Component, e.DependsOn)
	}
}

func TestTopologicalOrderRejectsCycle(t *testing.T) {
	edges := []domain.Edge{edge("A", "B"), edge("B", "A")}
	_, err := New(edges).TopologicalOrder()
	require.Error(t, err)
}
