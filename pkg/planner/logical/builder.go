package logical

import (
	"errors"
	"fmt"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

// ErrUnknownSource is returned when a query reads a source missing from the
// catalog.
var ErrUnknownSource = errors.New("unknown source")

// Options tune logical planning.
type Options struct {
	// RowPartitionRowOffsetEnabled exposes the ROWPARTITION and ROWOFFSET
	// pseudo columns on stream sources.
	RowPartitionRowOffsetEnabled bool
}

// Sink describes where a query with a sink writes its result. A nil Sink
// produces a BareOutputNode.
type Sink struct {
	Name        string
	CreateInto  bool
	OrReplace   bool
	IfNotExists bool
	Properties  statement.SourceProperties
}

type builder struct {
	next int
}

func (b *builder) id() string {
	b.next++
	return fmt.Sprintf("%%%d", b.next)
}

// Build resolves q against ms and returns its logical plan.
func Build(text string, q statement.Query, sink *Sink, ms catalog.MetaStore, opts Options) (*Plan, error) {
	ds := ms.GetSource(q.From)
	if ds == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, q.From)
	}

	var b builder
	srcSchema := ds.Schema
	if opts.RowPartitionRowOffsetEnabled && ds.Type == catalog.Stream {
		srcSchema = srcSchema.WithPseudoColumns(schema.RowPartition, schema.RowOffset)
	}
	var node Node = &SourceNode{id: b.id(), Source: ds, schema: srcSchema}

	if q.Where != nil {
		if _, ok := node.Schema().FindColumn(q.Where.KeyColumn); !ok {
			return nil, fmt.Errorf("Column '%s' cannot be resolved.", q.Where.KeyColumn)
		}
		node = &FilterNode{id: b.id(), Input: node, Where: *q.Where}
	}

	if q.Window != nil && len(q.GroupBy) == 0 {
		return nil, errors.New("WINDOW clause requires a GROUP BY clause.")
	}
	if len(q.GroupBy) > 0 {
		s, err := aggregateSchema(node.Schema(), q.GroupBy)
		if err != nil {
			return nil, err
		}
		node = &AggregateNode{id: b.id(), Input: node, GroupBy: q.GroupBy, Window: q.Window, schema: s}
	}

	projected := node.Schema()
	if len(q.Select) > 0 {
		s, err := node.Schema().Select(q.Select...)
		if err != nil {
			return nil, err
		}
		projected = s
	}
	node = &ProjectNode{id: b.id(), Input: node, Columns: q.Select, schema: projected}

	out := output{
		id:         b.id(),
		input:      node,
		outputType: catalog.Stream,
		windowed:   q.Window != nil || ds.Windowed,
		limit:      q.Limit,
		refinement: q.Refinement,
	}
	if len(q.GroupBy) > 0 || ds.Type == catalog.Table {
		out.outputType = catalog.Table
	}

	if sink == nil {
		return &Plan{StatementText: text, Output: &BareOutputNode{output: out}}, nil
	}
	return &Plan{
		StatementText: text,
		Output: &StructuredOutputNode{
			output:      out,
			SinkName:    sink.Name,
			CreateInto:  sink.CreateInto,
			OrReplace:   sink.OrReplace,
			IfNotExists: sink.IfNotExists,
			Properties:  sink.Properties,
		},
	}, nil
}
