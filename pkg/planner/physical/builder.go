package physical

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/util/dag"
)

// Builder compiles logical plans into physical plans.
type Builder interface {
	// Build compiles lp for the query id. old describes the plan being
	// replaced, if any.
	Build(lp *logical.Plan, cfg config.Config, ms catalog.MetaStore, id queryid.QueryID, old *PlanInfo) (*Plan, error)
}

// DefaultBuilder is the Builder used by the engine.
type DefaultBuilder struct{}

var _ Builder = DefaultBuilder{}

type buildContext struct {
	plan    *Plan
	queryID queryid.QueryID
	old     *PlanInfo
	counter int
}

func (c *buildContext) stepID(t StepType) string {
	c.counter++
	return fmt.Sprintf("%s-%s-%d", c.queryID, strings.ToLower(t.String()), c.counter)
}

func (c *buildContext) add(s *Step, children ...*Step) (*Step, error) {
	c.plan.graph.Add(s)
	for _, child := range children {
		if err := c.plan.graph.AddEdge(dag.Edge[*Step]{Parent: s, Child: child}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (DefaultBuilder) Build(lp *logical.Plan, _ config.Config, ms catalog.MetaStore, id queryid.QueryID, old *PlanInfo) (*Plan, error) {
	if lp == nil || lp.Output == nil {
		return nil, fmt.Errorf("cannot build physical plan without a logical plan")
	}

	sources := logical.SourceNames(lp.Output)
	for _, name := range sources {
		if ms.GetSource(name) == nil {
			return nil, fmt.Errorf("%w: %s", logical.ErrUnknownSource, name)
		}
	}
	if old != nil {
		if err := checkUpgradeable(old, sources); err != nil {
			return nil, err
		}
	}

	out := lp.Output
	plan := &Plan{
		QueryID:    id,
		Schema:     out.Schema(),
		Sources:    sources,
		OutputType: out.OutputType(),
		Windowed:   out.Windowed(),
		Refinement: out.Refinement(),
		Limit:      out.Limit(),
	}
	if s, ok := out.(*logical.StructuredOutputNode); ok {
		plan.Sink = s.SinkName
	}

	c := &buildContext{plan: plan, queryID: id, old: old}
	if _, err := c.visit(out); err != nil {
		return nil, err
	}
	optimize(plan)
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func checkUpgradeable(old *PlanInfo, sources []string) error {
	want := old.sourceNames()
	got := slices.Clone(sources)
	sort.Strings(got)
	if !slices.Equal(want, got) {
		return fmt.Errorf("Query is not upgradeable. Plan reads from [%s] but the existing query reads from [%s].",
			strings.Join(got, ", "), strings.Join(want, ", "))
	}
	return nil
}

func (c *buildContext) visit(n logical.Node) (*Step, error) {
	var children []*Step
	for _, in := range n.Inputs() {
		child, err := c.visit(in)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}

	switch n := n.(type) {
	case *logical.SourceNode:
		id := c.stepID(StepSource)
		if c.old != nil {
			if prev, ok := c.old.SourceSteps[n.Source.Name]; ok {
				id = prev
			}
		}
		return c.add(&Step{ID: id, Type: StepSource, Source: n.Source.Name, Schema: n.Schema()})
	case *logical.FilterNode:
		return c.add(&Step{ID: c.stepID(StepFilter), Type: StepFilter, Columns: []string{n.Where.KeyColumn}, Keys: n.Where.Keys, Schema: n.Schema()}, children...)
	case *logical.AggregateNode:
		return c.add(&Step{ID: c.stepID(StepAggregate), Type: StepAggregate, GroupBy: n.GroupBy, Window: n.Window, Schema: n.Schema()}, children...)
	case *logical.ProjectNode:
		return c.add(&Step{ID: c.stepID(StepProject), Type: StepProject, Columns: n.Columns, Schema: n.Schema()}, children...)
	case *logical.StructuredOutputNode:
		input, err := c.materialize(n, children)
		if err != nil {
			return nil, err
		}
		return c.add(&Step{ID: c.stepID(StepSink), Type: StepSink, Sink: n.SinkName, Schema: n.Schema()}, input...)
	case *logical.BareOutputNode:
		input, err := c.materialize(n, children)
		if err != nil {
			return nil, err
		}
		return c.add(&Step{ID: c.stepID(StepOutput), Type: StepOutput, Schema: n.Schema()}, input...)
	default:
		return nil, fmt.Errorf("unsupported logical node %T", n)
	}
}

// materialize puts a MATERIALIZE step between a table output and its
// input. All value columns of the output are materialized.
func (c *buildContext) materialize(n logical.OutputNode, children []*Step) ([]*Step, error) {
	if n.OutputType() != catalog.Table {
		return children, nil
	}
	mat, err := c.add(&Step{ID: c.stepID(StepMaterialize), Type: StepMaterialize, Schema: n.Schema()}, children...)
	if err != nil {
		return nil, err
	}
	return []*Step{mat}, nil
}
