package logical

import (
	"fmt"
	"strings"

	"github.com/grafana/sqlstream/pkg/schema"
)

// ProjectNode selects columns of its input. Key columns are always kept.
type ProjectNode struct {
	id string

	Input   Node
	Columns []string // Selected columns. Empty selects all columns.
	schema  schema.LogicalSchema
}

var _ Node = (*ProjectNode)(nil)

func (p *ProjectNode) Name() string { return p.id }

func (p *ProjectNode) String() string {
	cols := "*"
	if len(p.Columns) > 0 {
		cols = strings.Join(p.Columns, ", ")
	}
	return fmt.Sprintf("PROJECT %s [%s]", p.Input.Name(), cols)
}

func (p *ProjectNode) Schema() schema.LogicalSchema { return p.schema }
func (p *ProjectNode) Inputs() []Node               { return []Node{p.Input} }
func (p *ProjectNode) isNode()                      {}
