// Package ddl compiles DDL statements into commands and applies them to the
// catalog.
package ddl

import (
	"fmt"
	"strings"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

const (
	defaultKeyFormat   = "KAFKA"
	defaultValueFormat = "JSON"
)

// Command is a compiled DDL action: *CreateSourceCommand or
// *DropSourceCommand.
type Command interface {
	// SourceName is the name of the catalog entry the command acts on.
	SourceName() string
	isCommand()
}

// CreateSourceCommand creates (or replaces) a stream or table.
type CreateSourceCommand struct {
	Name        string
	Type        catalog.SourceType
	Schema      schema.LogicalSchema
	Topic       catalog.Topic
	IsSource    bool
	Windowed    bool
	OrReplace   bool
	IfNotExists bool
	SQL         string
}

// DropSourceCommand removes a stream or table.
type DropSourceCommand struct {
	Name        string
	Type        catalog.SourceType
	IfExists    bool
	DeleteTopic bool
}

func (c *CreateSourceCommand) SourceName() string { return c.Name }
func (c *DropSourceCommand) SourceName() string   { return c.Name }
func (*CreateSourceCommand) isCommand()           {}
func (*DropSourceCommand) isCommand()             {}

// DataSource returns the catalog entry created by c.
func (c *CreateSourceCommand) DataSource() *catalog.DataSource {
	return &catalog.DataSource{
		Name:     c.Name,
		Type:     c.Type,
		Schema:   c.Schema,
		Topic:    c.Topic,
		IsSource: c.IsSource,
		Windowed: c.Windowed,
		SQL:      c.SQL,
	}
}

// Factory compiles statements into commands.
type Factory struct{}

// Create compiles a DDL statement.
func (Factory) Create(text string, stmt statement.Statement, _ config.Config) (Command, error) {
	switch s := stmt.(type) {
	case *statement.CreateSource:
		sch, err := schema.New(s.Elements...)
		if err != nil {
			return nil, err
		}
		if len(sch.Key()) == 0 && s.Kind == statement.Table {
			return nil, fmt.Errorf("Tables require a PRIMARY KEY. Please define the PRIMARY KEY for table '%s'.", s.Name)
		}
		return &CreateSourceCommand{
			Name:        s.Name,
			Type:        sourceType(s.Kind),
			Schema:      sch,
			Topic:       topic(s.Name, s.Properties),
			IsSource:    s.IsSource,
			Windowed:    s.Windowed,
			OrReplace:   s.OrReplace,
			IfNotExists: s.IfNotExists,
			SQL:         text,
		}, nil
	case *statement.DropSource:
		return &DropSourceCommand{
			Name:        s.Name,
			Type:        sourceType(s.Kind),
			IfExists:    s.IfExists,
			DeleteTopic: s.DeleteTopic,
		}, nil
	default:
		return nil, fmt.Errorf("statement of type %T is not a DDL statement", stmt)
	}
}

// CreateSink compiles the implicit CREATE command of a CREATE ... AS SELECT
// statement from the output node of its query.
func (Factory) CreateSink(text string, out *logical.StructuredOutputNode) *CreateSourceCommand {
	return &CreateSourceCommand{
		Name:        out.SinkName,
		Type:        out.OutputType(),
		Schema:      out.Schema(),
		Topic:       topic(out.SinkName, out.Properties),
		Windowed:    out.Windowed(),
		OrReplace:   out.OrReplace,
		IfNotExists: out.IfNotExists,
		SQL:         text,
	}
}

func sourceType(k statement.SourceKind) catalog.SourceType {
	if k == statement.Table {
		return catalog.Table
	}
	return catalog.Stream
}

func topic(name string, props statement.SourceProperties) catalog.Topic {
	t := catalog.Topic{
		Name:        props.Topic,
		Partitions:  props.Partitions,
		KeyFormat:   strings.ToUpper(props.KeyFormat),
		ValueFormat: strings.ToUpper(props.ValueFormat),
	}
	if t.Name == "" {
		t.Name = name
	}
	if t.Partitions <= 0 {
		t.Partitions = 1
	}
	if t.KeyFormat == "" {
		t.KeyFormat = defaultKeyFormat
	}
	if t.ValueFormat == "" {
		t.ValueFormat = defaultValueFormat
	}
	return t
}
