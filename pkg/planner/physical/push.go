package physical

import (
	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/schema"
)

// PushPlan is the plan of a scalable push query tailing the output of a
// running persistent query.
type PushPlan struct {
	QueryID queryid.QueryID
	Schema  schema.LogicalSchema
	Source  *catalog.DataSource
	// SourceQuery is the running query whose output the plan subscribes
	// to.
	SourceQuery queryid.QueryID
	Keys        []any
	Limit       int
	Projection  Projection
}

// BuildPushPlan compiles the logical plan of a scalable push query.
func BuildPushPlan(lp *logical.Plan, id, sourceQuery queryid.QueryID) (*PushPlan, error) {
	src, filter, err := linearize(lp)
	if err != nil {
		return nil, err
	}
	plan := &PushPlan{
		QueryID:     id,
		Schema:      lp.Output.Schema(),
		Source:      src.Source,
		SourceQuery: sourceQuery,
		Limit:       lp.Output.Limit(),
	}
	if filter != nil {
		if err := requireKeyColumn(src, filter.Where.KeyColumn); err != nil {
			return nil, err
		}
		plan.Keys = filter.Where.Keys
	}
	plan.Projection, err = NewProjection(src.Source.Schema, plan.Schema)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Matches reports whether a row with key belongs to the result.
func (p *PushPlan) Matches(key any) bool {
	return matchesKeys(p.Keys, key)
}
