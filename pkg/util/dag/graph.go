// Package dag provides a small generic directed acyclic graph used to
// represent plans.
package dag

import (
	"errors"
	"fmt"
)

// Node is any comparable value that can be stored in a Graph.
type Node interface {
	comparable
}

// Edge is a directed connection from Parent to Child.
type Edge[NodeType Node] struct {
	Parent NodeType
	Child  NodeType
}

type nodeSet[NodeType Node] map[NodeType]struct{}

func (s nodeSet[NodeType]) Add(n NodeType)           { s[n] = struct{}{} }
func (s nodeSet[NodeType]) Contains(n NodeType) bool { _, ok := s[n]; return ok }

// Graph is a directed acyclic graph. The zero value is ready for use.
// Children are kept in insertion order so that walks are deterministic.
type Graph[NodeType Node] struct {
	nodes    []NodeType
	known    nodeSet[NodeType]
	parents  map[NodeType][]NodeType
	children map[NodeType][]NodeType
}

func (g *Graph[NodeType]) init() {
	if g.known == nil {
		g.known = make(nodeSet[NodeType])
		g.parents = make(map[NodeType][]NodeType)
		g.children = make(map[NodeType][]NodeType)
	}
}

// Add adds n to the graph and returns it. Adding a node twice is a no-op.
func (g *Graph[NodeType]) Add(n NodeType) NodeType {
	g.init()
	if g.known.Contains(n) {
		return n
	}
	g.known.Add(n)
	g.nodes = append(g.nodes, n)
	return n
}

// AddEdge connects e.Parent to e.Child. Both nodes must already be part of
// the graph, and the edge must not introduce a cycle.
func (g *Graph[NodeType]) AddEdge(e Edge[NodeType]) error {
	g.init()
	if !g.known.Contains(e.Parent) || !g.known.Contains(e.Child) {
		return errors.New("both nodes of an edge must be added to the graph first")
	}
	if e.Parent == e.Child {
		return fmt.Errorf("edge from %v to itself", e.Parent)
	}
	if g.reachable(e.Child, e.Parent) {
		return fmt.Errorf("edge from %v to %v introduces a cycle", e.Parent, e.Child)
	}
	g.children[e.Parent] = append(g.children[e.Parent], e.Child)
	g.parents[e.Child] = append(g.parents[e.Child], e.Parent)
	return nil
}

func (g *Graph[NodeType]) reachable(from, to NodeType) bool {
	found := false
	_ = g.Walk(from, func(n NodeType) error {
		if n == to {
			found = true
			return errStopWalk
		}
		return nil
	}, PreOrderWalk)
	return found
}

var errStopWalk = errors.New("stop walk")

// Eliminate removes n from the graph and connects each of its parents to
// each of its children.
func (g *Graph[NodeType]) Eliminate(n NodeType) {
	if !g.known.Contains(n) {
		return
	}
	parents, children := g.parents[n], g.children[n]
	for _, p := range parents {
		g.children[p] = replace(g.children[p], n, children)
	}
	for _, c := range children {
		g.parents[c] = replace(g.parents[c], n, parents)
	}
	delete(g.parents, n)
	delete(g.children, n)
	delete(g.known, n)
	for i, v := range g.nodes {
		if v == n {
			g.nodes = append(g.nodes[:i], g.nodes[i+1:]...)
			break
		}
	}
}

// replace swaps old in list with with, keeping the position and skipping
// entries already present.
func replace[NodeType Node](list []NodeType, old NodeType, with []NodeType) []NodeType {
	out := make([]NodeType, 0, len(list)+len(with))
	for _, v := range list {
		if v != old {
			out = append(out, v)
			continue
		}
		for _, w := range with {
			if !contains(list, w) && !contains(out, w) {
				out = append(out, w)
			}
		}
	}
	return out
}

func contains[NodeType Node](list []NodeType, n NodeType) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// Len returns the number of nodes in the graph.
func (g *Graph[NodeType]) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order.
func (g *Graph[NodeType]) Nodes() []NodeType {
	out := make([]NodeType, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Children returns the children of n.
func (g *Graph[NodeType]) Children(n NodeType) []NodeType { return g.children[n] }

// Parents returns the parents of n.
func (g *Graph[NodeType]) Parents(n NodeType) []NodeType { return g.parents[n] }

// Roots returns all nodes without parents, in insertion order.
func (g *Graph[NodeType]) Roots() []NodeType {
	var roots []NodeType
	for _, n := range g.nodes {
		if len(g.parents[n]) == 0 {
			roots = append(roots, n)
		}
	}
	return roots
}

// Root returns the single root of the graph. Root returns an error if the
// graph is empty or has more than one root.
func (g *Graph[NodeType]) Root() (NodeType, error) {
	var zero NodeType
	roots := g.Roots()
	switch len(roots) {
	case 0:
		return zero, errors.New("graph has no root node")
	case 1:
		return roots[0], nil
	default:
		return zero, fmt.Errorf("graph has %d root nodes, expected exactly one", len(roots))
	}
}
