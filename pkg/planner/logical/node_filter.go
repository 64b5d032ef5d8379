package logical

import (
	"fmt"

	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

// FilterNode keeps the rows whose key is one of the given values.
type FilterNode struct {
	id string

	Input Node
	Where statement.Where
}

var _ Node = (*FilterNode)(nil)

func (f *FilterNode) Name() string { return f.id }

func (f *FilterNode) String() string {
	return fmt.Sprintf("FILTER %s [%s IN %v]", f.Input.Name(), f.Where.KeyColumn, f.Where.Keys)
}

// Schema returns the schema of the input since filtering only drops rows.
func (f *FilterNode) Schema() schema.LogicalSchema { return f.Input.Schema() }
func (f *FilterNode) Inputs() []Node               { return []Node{f.Input} }
func (f *FilterNode) isNode()                      {}
