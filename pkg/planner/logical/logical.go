// Package logical builds the logical plan of a query: a tree of relational
// nodes ending in an output node.
package logical

import (
	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

// Node is a node of the logical plan tree.
type Node interface {
	// Name returns an identifier for the node.
	Name() string
	// String returns a one line description of the node.
	String() string
	// Schema returns the schema of the rows produced by the node.
	Schema() schema.LogicalSchema
	// Inputs returns the child nodes.
	Inputs() []Node

	isNode()
}

// OutputNode is the root of a logical plan.
type OutputNode interface {
	Node
	// OutputType is STREAM or TABLE depending on whether the result is a
	// change log of a keyed relation.
	OutputType() catalog.SourceType
	Windowed() bool
	Limit() int
	Refinement() statement.Refinement
}

// Plan is a logical plan together with the text of its statement.
type Plan struct {
	StatementText string
	Output        OutputNode
}

// SourceNodes returns the source nodes reachable from n, deduplicated by
// source name, in depth-first order.
func SourceNodes(n Node) []*SourceNode {
	var out []*SourceNode
	seen := make(map[string]struct{})
	var walk func(Node)
	walk = func(n Node) {
		if s, ok := n.(*SourceNode); ok {
			if _, dup := seen[s.Source.Name]; !dup {
				seen[s.Source.Name] = struct{}{}
				out = append(out, s)
			}
		}
		for _, in := range n.Inputs() {
			walk(in)
		}
	}
	walk(n)
	return out
}

// SourceNames returns the names of the sources read by n.
func SourceNames(n Node) []string {
	nodes := SourceNodes(n)
	names := make([]string, 0, len(nodes))
	for _, s := range nodes {
		names = append(names, s.Source.Name)
	}
	return names
}
