// Package physical compiles logical plans into the executable step graphs of
// persistent queries, and into the one-shot plans of pull and push queries.
package physical

import (
	"errors"
	"fmt"
	"sort"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
	"github.com/grafana/sqlstream/pkg/util/dag"
)

// StepType is the operator implemented by a Step.
type StepType int

const (
	StepSource StepType = iota
	StepFilter
	StepProject
	StepAggregate
	StepMaterialize
	StepSink
	StepOutput
)

var stepTypeNames = map[StepType]string{
	StepSource:      "SOURCE",
	StepFilter:      "FILTER",
	StepProject:     "PROJECT",
	StepAggregate:   "AGGREGATE",
	StepMaterialize: "MATERIALIZE",
	StepSink:        "SINK",
	StepOutput:      "OUTPUT",
}

func (t StepType) String() string {
	if s, ok := stepTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("StepType(%d)", int(t))
}

// Step is a node of a physical plan.
type Step struct {
	// ID is the stable context id of the step. The runtime keys state
	// stores and internal topics by it, so it must survive replacement.
	ID     string
	Type   StepType
	Schema schema.LogicalSchema

	Source  string // Source name, for StepSource.
	Keys    []any  // Key values the step is restricted to, for StepSource and StepFilter.
	Columns []string
	GroupBy []string
	Window  *statement.Window
	Sink    string // Sink name, for StepSink.
}

// Plan is the physical plan of a persistent or transient query.
type Plan struct {
	QueryID    queryid.QueryID
	Schema     schema.LogicalSchema
	Sources    []string
	Sink       string
	OutputType catalog.SourceType
	Windowed   bool
	Refinement statement.Refinement
	Limit      int

	graph dag.Graph[*Step]
}

// ErrEmptyPlan is returned for a plan without any step.
var ErrEmptyPlan = errors.New("plan has no steps")

// Root returns the terminal step of the plan.
func (p *Plan) Root() (*Step, error) {
	if p.graph.Len() == 0 {
		return nil, ErrEmptyPlan
	}
	return p.graph.Root()
}

// Steps returns all steps of the plan in insertion order.
func (p *Plan) Steps() []*Step { return p.graph.Nodes() }

// Children returns the input steps of s.
func (p *Plan) Children(s *Step) []*Step { return p.graph.Children(s) }

// Walk visits every step reachable from the root.
func (p *Plan) Walk(f dag.WalkFunc[*Step], order dag.WalkOrder) error {
	root, err := p.Root()
	if err != nil {
		return err
	}
	return p.graph.Walk(root, f, order)
}

// Expand visits the steps below the root as a tree, for printing.
func (p *Plan) Expand(f dag.VisitFunc[*Step]) error {
	root, err := p.Root()
	if err != nil {
		return err
	}
	return p.graph.Expand(root, f)
}

// validate checks that every step feeds the root.
func (p *Plan) validate() error {
	reached := 0
	if err := p.Walk(func(*Step) error { reached++; return nil }, dag.PostOrderWalk); err != nil {
		return err
	}
	if reached != p.graph.Len() {
		return fmt.Errorf("%d of %d steps do not feed the output of the plan", p.graph.Len()-reached, p.graph.Len())
	}
	return nil
}

// HasSink reports whether the plan writes to a sink.
func (p *Plan) HasSink() bool { return p.Sink != "" }

// PlanInfo is what a replacement plan needs to know about the plan it
// replaces.
type PlanInfo struct {
	// SourceSteps maps source names to the ids of their source steps.
	SourceSteps map[string]string
}

// Info extracts the PlanInfo of p.
func (p *Plan) Info() *PlanInfo {
	info := &PlanInfo{SourceSteps: make(map[string]string)}
	for _, s := range p.graph.Nodes() {
		if s.Type == StepSource {
			info.SourceSteps[s.Source] = s.ID
		}
	}
	return info
}

func (i *PlanInfo) sourceNames() []string {
	names := make([]string, 0, len(i.SourceSteps))
	for n := range i.SourceSteps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
