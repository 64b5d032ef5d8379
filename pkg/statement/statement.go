// Package statement defines the analyzed statements the engine accepts.
//
// Statement is a closed union: the engine switches on the concrete type
// instead of probing capabilities.
package statement

import (
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/schema"
)

// Statement is one of *CreateSource, *DropSource, *QueryWithSink,
// *BareQuery or *Unexecutable.
type Statement interface {
	isStatement()
}

// SourceKind is the relation kind declared by a statement.
type SourceKind int

const (
	Stream SourceKind = iota
	Table
)

func (k SourceKind) String() string {
	if k == Table {
		return "TABLE"
	}
	return "STREAM"
}

// SourceProperties are the WITH(...) properties of a source or sink.
type SourceProperties struct {
	Topic       string
	Partitions  int
	KeyFormat   string
	ValueFormat string
}

// CreateSource is CREATE [OR REPLACE] [SOURCE] STREAM|TABLE [IF NOT EXISTS].
type CreateSource struct {
	Kind        SourceKind
	Name        string
	Elements    []schema.Column
	IsSource    bool
	IfNotExists bool
	OrReplace   bool
	Windowed    bool
	Properties  SourceProperties
}

// DropSource is DROP STREAM|TABLE [IF EXISTS].
type DropSource struct {
	Kind        SourceKind
	Name        string
	IfExists    bool
	DeleteTopic bool
}

// SinkKind identifies the flavour of a query with a sink.
type SinkKind int

const (
	CreateStreamAsSelect SinkKind = iota
	CreateTableAsSelect
	InsertInto
)

func (k SinkKind) String() string {
	switch k {
	case CreateStreamAsSelect:
		return "CREATE STREAM AS SELECT"
	case CreateTableAsSelect:
		return "CREATE TABLE AS SELECT"
	default:
		return "INSERT INTO"
	}
}

// QueryWithSink is CREATE STREAM/TABLE AS SELECT or INSERT INTO ... SELECT.
type QueryWithSink struct {
	Kind        SinkKind
	Query       Query
	Sink        string
	Properties  SourceProperties
	OrReplace   bool
	IfNotExists bool
	// QueryID is the explicit WITH(QUERY_ID=...) id, if any.
	QueryID string
}

// BareQuery is a SELECT without a sink: a pull, push or transient query.
type BareQuery struct {
	Query Query
}

// Unexecutable is any other statement (SHOW, LIST, DESCRIBE, ...).
type Unexecutable struct {
	Kind string
}

func (*CreateSource) isStatement()  {}
func (*DropSource) isStatement()    {}
func (*QueryWithSink) isStatement() {}
func (*BareQuery) isStatement()     {}
func (*Unexecutable) isStatement()  {}

// Refinement controls what a continuous query emits.
type Refinement int

const (
	EmitChanges Refinement = iota
	EmitFinal
)

func (r Refinement) String() string {
	if r == EmitFinal {
		return "FINAL"
	}
	return "CHANGES"
}

// WindowType is the type of a windowed aggregation.
type WindowType string

const (
	Tumbling WindowType = "TUMBLING"
	Hopping  WindowType = "HOPPING"
	Session  WindowType = "SESSION"
)

// Window describes a WINDOW clause.
type Window struct {
	Type WindowType
	Size string
}

// Where restricts a query to a set of key values: WHERE key IN (...).
type Where struct {
	KeyColumn string
	Keys      []any
}

// Query is an analyzed SELECT.
type Query struct {
	// Select lists the projected columns. Empty means SELECT *.
	Select     []string
	From       string
	Where      *Where
	GroupBy    []string
	Window     *Window
	Refinement Refinement
	// Limit caps the number of rows. Zero means no limit.
	Limit int

	// PullQuery is set for point-in-time queries without EMIT CHANGES.
	PullQuery bool
	// ScalablePush is set for EMIT CHANGES queries eligible for scalable push.
	ScalablePush bool
}

// Configured is a statement together with its text and session config.
type Configured struct {
	Text      string
	Statement Statement
	Session   config.SessionConfig
}

// New returns a configured statement.
func New(text string, stmt Statement, session config.SessionConfig) Configured {
	return Configured{Text: text, Statement: stmt, Session: session}
}

// IsPullQuery reports whether c is a point-in-time query.
func (c Configured) IsPullQuery() bool {
	q, ok := c.Statement.(*BareQuery)
	return ok && q.Query.PullQuery
}

// IsScalablePush reports whether c is a scalable push query.
func (c Configured) IsScalablePush() bool {
	q, ok := c.Statement.(*BareQuery)
	return ok && q.Query.ScalablePush
}

// Query returns the query of c, if it has one.
func (c Configured) Query() (Query, bool) {
	switch s := c.Statement.(type) {
	case *BareQuery:
		return s.Query, true
	case *QueryWithSink:
		return s.Query, true
	default:
		return Query{}, false
	}
}
