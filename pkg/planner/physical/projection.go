package physical

import (
	"fmt"
	"strings"

	"github.com/grafana/sqlstream/pkg/schema"
)

const (
	projectPartition = -1
	projectOffset    = -2
)

// Projection maps the value columns of a source row onto the value columns
// of a result schema.
type Projection struct {
	indexes []int
}

// NewProjection returns the projection from rows of source onto out.
func NewProjection(source, out schema.LogicalSchema) (Projection, error) {
	values := source.Value()
	var p Projection
	for _, c := range out.Columns() {
		switch {
		case c.Namespace == schema.Key:
			continue
		case c.Namespace == schema.Pseudo && strings.EqualFold(c.Name, schema.RowPartition):
			p.indexes = append(p.indexes, projectPartition)
			continue
		case c.Namespace == schema.Pseudo && strings.EqualFold(c.Name, schema.RowOffset):
			p.indexes = append(p.indexes, projectOffset)
			continue
		}
		idx := -1
		for i, v := range values {
			if strings.EqualFold(v.Name, c.Name) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Projection{}, fmt.Errorf("Column '%s' cannot be resolved.", c.Name)
		}
		p.indexes = append(p.indexes, idx)
	}
	return p, nil
}

// Apply projects the values of a row read from partition at offset.
func (p Projection) Apply(values []any, partition int32, offset int64) []any {
	out := make([]any, len(p.indexes))
	for i, idx := range p.indexes {
		switch {
		case idx == projectPartition:
			out[i] = partition
		case idx == projectOffset:
			out[i] = offset
		case idx < len(values):
			out[i] = values[idx]
		}
	}
	return out
}
