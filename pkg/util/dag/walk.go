package dag

import (
	"fmt"
	"slices"
)

// WalkOrder is whether a node is handed to the callback before or after its
// children.
type WalkOrder uint8

const (
	PreOrderWalk WalkOrder = iota
	PostOrderWalk
)

// WalkFunc is called for every node of a Walk. A non-nil error ends the
// walk and is returned by it.
type WalkFunc[NodeType Node] func(n NodeType) error

// Visit is a node reached by Expand, with its position in the expanded
// tree.
type Visit[NodeType Node] struct {
	Node  NodeType
	Depth int
	// Last holds, for the node and each of its ancestors below the start
	// node, whether it is the last child of its parent. Last[Depth-1]
	// belongs to the node itself.
	Last []bool
}

// IsLast reports whether the node is the last child of its parent.
func (v Visit[NodeType]) IsLast() bool {
	return v.Depth == 0 || v.Last[v.Depth-1]
}

// VisitFunc is called for every node of an Expand.
type VisitFunc[NodeType Node] func(v Visit[NodeType]) error

// Walk calls f once for every node reachable from n, depth first and in
// child insertion order.
func (g *Graph[NodeType]) Walk(n NodeType, f WalkFunc[NodeType], order WalkOrder) error {
	if order != PreOrderWalk && order != PostOrderWalk {
		return fmt.Errorf("unsupported walk order %d", order)
	}
	seen := make(nodeSet[NodeType])
	return g.walk(Visit[NodeType]{Node: n}, order, seen, func(v Visit[NodeType]) error { return f(v.Node) })
}

// Expand visits the nodes reachable from n in pre-order as if the graph were
// a tree: a node with several parents is visited once below each of them.
func (g *Graph[NodeType]) Expand(n NodeType, f VisitFunc[NodeType]) error {
	return g.walk(Visit[NodeType]{Node: n}, PreOrderWalk, nil, f)
}

// walk visits v and its descendants. A nil seen set expands shared nodes
// once per path.
func (g *Graph[NodeType]) walk(v Visit[NodeType], order WalkOrder, seen nodeSet[NodeType], f VisitFunc[NodeType]) error {
	if seen != nil {
		if seen.Contains(v.Node) {
			return nil
		}
		seen.Add(v.Node)
	}
	if order == PreOrderWalk {
		if err := f(v); err != nil {
			return err
		}
	}
	children := g.children[v.Node]
	for i, child := range children {
		next := Visit[NodeType]{
			Node:  child,
			Depth: v.Depth + 1,
			Last:  append(slices.Clip(v.Last), i == len(children)-1),
		}
		if err := g.walk(next, order, seen, f); err != nil {
			return err
		}
	}
	if order == PostOrderWalk {
		return f(v)
	}
	return nil
}
