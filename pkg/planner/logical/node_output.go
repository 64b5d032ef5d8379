package logical

import (
	"fmt"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

type output struct {
	id         string
	input      Node
	outputType catalog.SourceType
	windowed   bool
	limit      int
	refinement statement.Refinement
}

func (o *output) Name() string                     { return o.id }
func (o *output) Schema() schema.LogicalSchema     { return o.input.Schema().WithoutPseudoColumns() }
func (o *output) Inputs() []Node                   { return []Node{o.input} }
func (o *output) OutputType() catalog.SourceType   { return o.outputType }
func (o *output) Windowed() bool                   { return o.windowed }
func (o *output) Limit() int                       { return o.limit }
func (o *output) Refinement() statement.Refinement { return o.refinement }
func (o *output) isNode()                          {}

// BareOutputNode is the output of a query without a sink: pull, push and
// transient queries.
type BareOutputNode struct {
	output
}

var _ OutputNode = (*BareOutputNode)(nil)

// Schema keeps pseudo columns, which bare queries may select.
func (b *BareOutputNode) Schema() schema.LogicalSchema { return b.input.Schema() }

func (b *BareOutputNode) String() string {
	return fmt.Sprintf("OUTPUT %s [type=%s, windowed=%t, limit=%d]", b.input.Name(), b.outputType, b.windowed, b.limit)
}

// StructuredOutputNode is the output of a query that writes to a sink.
type StructuredOutputNode struct {
	output

	SinkName    string
	CreateInto  bool
	OrReplace   bool
	IfNotExists bool
	Properties  statement.SourceProperties
}

var _ OutputNode = (*StructuredOutputNode)(nil)

func (s *StructuredOutputNode) String() string {
	return fmt.Sprintf("SINK %s [into=%s, type=%s, create=%t]", s.input.Name(), s.SinkName, s.outputType, s.CreateInto)
}
