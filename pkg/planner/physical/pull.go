package physical

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/schema"
)

// PullSourceType tells whether a pull query reads a windowed table.
type PullSourceType int

const (
	NonWindowed PullSourceType = iota
	Windowed
)

func (t PullSourceType) String() string {
	if t == Windowed {
		return "windowed"
	}
	return "non_windowed"
}

// PullPlanType is the access path of a pull query.
type PullPlanType int

const (
	KeyLookup PullPlanType = iota
	TableScan
)

func (t PullPlanType) String() string {
	if t == TableScan {
		return "table_scan"
	}
	return "key_lookup"
}

// ErrTableScansDisabled is returned for pull queries that would need to scan
// a whole table while table scans are disabled.
var ErrTableScansDisabled = errors.New("Query requires table scan to be enabled. Table scans can be enabled by setting " + config.PullTableScansEnabled + "=true")

// PullPlan is the one-shot plan of a pull query against a materialized
// table.
type PullPlan struct {
	QueryID    queryid.QueryID
	Schema     schema.LogicalSchema
	Source     *catalog.DataSource
	SourceType PullSourceType
	PlanType   PullPlanType
	// Materialization is the id of the persistent query maintaining the
	// table's state.
	Materialization queryid.QueryID
	Keys            []any
	Limit           int
	Projection      Projection

	rowsRead atomic.Int64
}

// BuildPullPlan compiles the logical plan of a pull query.
func BuildPullPlan(lp *logical.Plan, id, materialization queryid.QueryID, tableScansEnabled bool) (*PullPlan, error) {
	src, filter, err := linearize(lp)
	if err != nil {
		return nil, err
	}
	if src.Source.Type != catalog.Table {
		return nil, fmt.Errorf("Pull queries are not supported on streams. Source %s is a stream.", src.Source.Name)
	}

	plan := &PullPlan{
		QueryID:         id,
		Schema:          lp.Output.Schema(),
		Source:          src.Source,
		Materialization: materialization,
		Limit:           lp.Output.Limit(),
	}
	if src.Source.Windowed {
		plan.SourceType = Windowed
	}

	switch {
	case filter != nil:
		if err := requireKeyColumn(src, filter.Where.KeyColumn); err != nil {
			return nil, err
		}
		plan.PlanType = KeyLookup
		plan.Keys = filter.Where.Keys
	case tableScansEnabled:
		plan.PlanType = TableScan
	default:
		return nil, ErrTableScansDisabled
	}

	plan.Projection, err = NewProjection(src.Source.Schema, plan.Schema)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// linearize checks that lp is a chain of output, project, optional filter
// and source, and returns the source and the filter.
func linearize(lp *logical.Plan) (*logical.SourceNode, *logical.FilterNode, error) {
	var (
		src    *logical.SourceNode
		filter *logical.FilterNode
	)
	for n := logical.Node(lp.Output); n != nil; {
		switch node := n.(type) {
		case *logical.AggregateNode:
			return nil, nil, errors.New("Pull and push queries don't support GROUP BY clauses.")
		case *logical.FilterNode:
			filter = node
		case *logical.SourceNode:
			src = node
		}
		inputs := n.Inputs()
		if len(inputs) > 1 {
			return nil, nil, errors.New("Pull and push queries don't support JOIN clauses.")
		}
		n = nil
		if len(inputs) == 1 {
			n = inputs[0]
		}
	}
	if src == nil {
		return nil, nil, errors.New("query has no source")
	}
	return src, filter, nil
}

func requireKeyColumn(src *logical.SourceNode, column string) error {
	c, ok := src.Schema().FindColumn(column)
	if !ok || c.Namespace != schema.Key {
		return fmt.Errorf("WHERE clause on column '%s' is not supported: only key columns of %s can be used.", column, src.Source.Name)
	}
	return nil
}

// Partitions returns the partitions of the source topic the plan has to
// read, in ascending order.
func (p *PullPlan) Partitions() []int32 {
	n := p.Source.Topic.Partitions
	if n <= 0 {
		n = 1
	}
	if p.PlanType == TableScan {
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(i)
		}
		return out
	}
	seen := make(map[int32]struct{}, len(p.Keys))
	out := make([]int32, 0, len(p.Keys))
	for _, k := range p.Keys {
		part := PartitionFor(k, n)
		if _, ok := seen[part]; ok {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Matches reports whether a row with key belongs to the result.
func (p *PullPlan) Matches(key any) bool {
	return matchesKeys(p.Keys, key)
}

// AddRowsRead records rows read from the state store.
func (p *PullPlan) AddRowsRead(n int64) { p.rowsRead.Add(n) }

// RowsRead returns the number of rows read so far.
func (p *PullPlan) RowsRead() int64 { return p.rowsRead.Load() }

// PartitionFor returns the partition of n that stores key.
func PartitionFor(key any, n int) int32 {
	if n <= 1 {
		return 0
	}
	return int32(xxhash.Sum64String(fmt.Sprint(key)) % uint64(n))
}

func matchesKeys(keys []any, key any) bool {
	if len(keys) == 0 {
		return true
	}
	s := fmt.Sprint(key)
	for _, k := range keys {
		if fmt.Sprint(k) == s {
			return true
		}
	}
	return false
}
