package engine

import (
	"github.com/grafana/sqlstream/pkg/ddl"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
)

// Plan is the outcome of planning a statement. A DDL statement carries only
// DDL. A query statement carries a Query, and DDL too when the statement
// also creates its sink.
type Plan struct {
	StatementText       string
	DDL                 ddl.Command
	Query               *QueryPlan
	PersistentQueryType registry.PersistentQueryType
}

// QueryPlan is the persistent query part of a Plan.
type QueryPlan struct {
	Sources      []string
	Sink         string
	PhysicalPlan *physical.Plan
	QueryID      queryid.QueryID
	// RuntimeID names the shared runtime the query runs on, if shared
	// runtimes are enabled.
	RuntimeID string
	// Replace is set by CREATE OR REPLACE statements. Only then may the
	// query take over a live query with the same id.
	Replace bool
}

// ExecuteResult is the outcome of executing a Plan: the message of a DDL
// statement, or the persistent query that was started.
type ExecuteResult struct {
	Message string
	Query   *registry.PersistentQuery
}
