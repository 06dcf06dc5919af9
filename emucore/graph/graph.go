// Package graph holds the intra-round stepping dependencies between
// components as a directed acyclic graph over dense integer node ids.
//
// An edge from A to B means A is stepped before B within a round. Feedback
// from B to A has to cross a tick boundary through a scheduled event, so an
// edge that would close a cycle is rejected.
package graph

import (
	"container/heap"

	"github.com/pkg/errors"
)

var (
	// ErrCycleDetected is returned by AddEdge when the edge would close a
	// cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrUnknownNode is returned for node ids never returned by AddNode.
	ErrUnknownNode = errors.New("unknown node")
)

// Graph is an arena of nodes with explicit adjacency lists. The topological
// order is cached until the next structural change.
type Graph struct {
	out [][]int
	in  [][]int

	order []int
	valid bool
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{}
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.out)
}

// AddNode adds a node and returns its id. Ids are assigned densely from 0 in
// insertion order.
func (g *Graph) AddNode() int {
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	g.valid = false
	return len(g.out) - 1
}

func (g *Graph) check(n int) error {
	if n < 0 || n >= len(g.out) {
		return errors.Wrapf(ErrUnknownNode, "%d", n)
	}
	return nil
}

// AddEdge adds an edge from -> to. Adding an existing edge is a no-op. On
// error the graph is unchanged.
func (g *Graph) AddEdge(from, to int) error {
	if err := g.check(from); err != nil {
		return err
	}
	if err := g.check(to); err != nil {
		return err
	}
	if g.HasEdge(from, to) {
		return nil
	}
	if from == to || g.Reachable(to, from) {
		return errors.Wrapf(ErrCycleDetected, "edge %d -> %d", from, to)
	}

	g.out[from] = insertSorted(g.out[from], to)
	g.in[to] = insertSorted(g.in[to], from)
	g.valid = false
	return nil
}

// HasEdge reports whether the edge from -> to exists.
func (g *Graph) HasEdge(from, to int) bool {
	if g.check(from) != nil || g.check(to) != nil {
		return false
	}
	for _, n := range g.out[from] {
		if n == to {
			return true
		}
	}
	return false
}

// Reachable reports whether there is a path from -> to. A node reaches
// itself.
func (g *Graph) Reachable(from, to int) bool {
	if g.check(from) != nil || g.check(to) != nil {
		return false
	}
	seen := make([]bool, len(g.out))
	stack := []int{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.out[n]...)
	}
	return false
}

// Independent reports whether neither node reaches the other.
func (g *Graph) Independent(a, b int) bool {
	return a != b && !g.Reachable(a, b) && !g.Reachable(b, a)
}

// Edge is a directed edge.
type Edge struct {
	From, To int
}

// Edges returns every edge ordered by source then target.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for from, tos := range g.out {
		for _, to := range tos {
			out = append(out, Edge{from, to})
		}
	}
	return out
}

// Successors returns the direct successors of n in ascending order.
func (g *Graph) Successors(n int) []int {
	if g.check(n) != nil {
		return nil
	}
	out := make([]int, len(g.out[n]))
	copy(out, g.out[n])
	return out
}

// Order returns the topological order in which ready nodes are taken lowest
// id first, so unrelated nodes keep insertion order. The returned slice is
// shared and must not be modified.
func (g *Graph) Order() []int {
	if g.valid {
		return g.order
	}

	n := len(g.out)
	indeg := make([]int, n)
	for i := range g.in {
		indeg[i] = len(g.in[i])
	}
	ready := &intHeap{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, n)
	for ready.Len() > 0 {
		node := heap.Pop(ready).(int)
		order = append(order, node)
		for _, next := range g.out[node] {
			indeg[next]--
			if indeg[next] == 0 {
				heap.Push(ready, next)
			}
		}
	}

	g.order = order
	g.valid = true
	return order
}

func insertSorted(s []int, v int) []int {
	i := 0
	for i < len(s) && s[i] < v {
		i++
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
