package logical

import (
	"fmt"
	"strings"

	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

// AggregateNode groups its input by the group-by columns, optionally within
// a window. The group-by columns become the key of the result.
type AggregateNode struct {
	id string

	Input   Node
	GroupBy []string
	Window  *statement.Window
	schema  schema.LogicalSchema
}

var _ Node = (*AggregateNode)(nil)

func (a *AggregateNode) Name() string { return a.id }

func (a *AggregateNode) String() string {
	params := []string{"group_by=(" + strings.Join(a.GroupBy, ", ") + ")"}
	if a.Window != nil {
		params = append(params, fmt.Sprintf("window=%s %s", a.Window.Type, a.Window.Size))
	}
	return fmt.Sprintf("AGGREGATE %s [%s]", a.Input.Name(), strings.Join(params, ", "))
}

func (a *AggregateNode) Schema() schema.LogicalSchema { return a.schema }
func (a *AggregateNode) Inputs() []Node               { return []Node{a.Input} }
func (a *AggregateNode) isNode()                      {}

func aggregateSchema(in schema.LogicalSchema, groupBy []string) (schema.LogicalSchema, error) {
	cols := make([]schema.Column, 0, in.Len())
	grouped := make(map[string]struct{}, len(groupBy))
	for _, name := range groupBy {
		c, ok := in.FindColumn(name)
		if !ok {
			return schema.LogicalSchema{}, fmt.Errorf("Column '%s' cannot be resolved.", name)
		}
		grouped[strings.ToUpper(c.Name)] = struct{}{}
		cols = append(cols, schema.KeyColumn(c.Name, c.Type))
	}
	for _, c := range in.Value() {
		if _, ok := grouped[strings.ToUpper(c.Name)]; ok {
			continue
		}
		cols = append(cols, c)
	}
	return schema.New(cols...)
}
