package logical

import (
	"fmt"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/schema"
)

// SourceNode reads a stream or table from the catalog.
type SourceNode struct {
	id string

	Source *catalog.DataSource
	schema schema.LogicalSchema
}

var _ Node = (*SourceNode)(nil)

func (s *SourceNode) Name() string { return s.id }

func (s *SourceNode) String() string {
	return fmt.Sprintf("SOURCE %s [type=%s, topic=%s]", s.Source.Name, s.Source.Type, s.Source.Topic.Name)
}

func (s *SourceNode) Schema() schema.LogicalSchema { return s.schema }
func (s *SourceNode) Inputs() []Node               { return nil }
func (s *SourceNode) isNode()                      {}
