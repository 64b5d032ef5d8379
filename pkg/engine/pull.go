package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

var (
	// errNotMaterialized is returned for pull queries on tables without a
	// live query maintaining their state.
	errNotMaterialized = errors.New("table is not materialized")
	// errLimitReached cancels the routing of a query whose LIMIT was
	// reached. It never surfaces to callers.
	errLimitReached = errors.New("query limit reached")
)

// ExecutePullQuery plans a pull query and routes it to the replicas
// holding its table. Rows are delivered through the returned result, which
// starts producing immediately when startNow is set and on Start
// otherwise. consistency is the vector sent by the client and may be nil.
func (e *Engine) ExecutePullQuery(
	ctx context.Context,
	stmt statement.Configured,
	opts routing.Options,
	plannerOpts QueryPlannerOptions,
	startNow bool,
	consistency *routing.ConsistencyOffsetVector,
) (*PullQueryResult, error) {
	if !stmt.IsPullQuery() {
		return nil, pkgerrors.Wrap(ErrIllegalArgument, "Executor can only handle pull queries")
	}
	nodeType := routing.NodeTypeFor(opts.SkipForwardRequest)

	ctx, span := tracer.Start(ctx, "Engine.ExecutePullQuery", trace.WithAttributes(
		attribute.String("routing_node_type", string(nodeType)),
	))
	defer span.End()

	plan, err := e.pullPlan(stmt, plannerOpts)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pullFailed(stmt, opts, plannerOpts, plan, nodeType, err)
	}
	span.SetAttributes(
		attribute.String("query_id", plan.QueryID.String()),
		attribute.String("source_type", plan.SourceType.String()),
		attribute.String("plan_type", plan.PlanType.String()),
	)

	if e.pullRouting == nil {
		err := errors.New("pull queries are not enabled on this host")
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pullFailed(stmt, opts, plannerOpts, plan, nodeType, err)
	}
	payload, err := statement.Marshal(stmt.Statement)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pullFailed(stmt, opts, plannerOpts, plan, nodeType, err)
	}

	res := &PullQueryResult{
		engine:    e,
		plan:      plan,
		nodeType:  nodeType,
		canceller: routing.NewCanceller(ctx),
		done:      make(chan struct{}),
	}
	res.queue = queue.New(stmt.Session.Config(true).PullQueueCapacity, queue.WithLimit(plan.Limit, func() {
		res.canceller.Cancel(errLimitReached)
	}))
	res.stopClose = context.AfterFunc(res.canceller.Context(), func() {
		res.queue.CloseWithError(context.Cause(res.canceller.Context()))
	})
	res.task = e.pullRouting.NewPullTask(routing.PullQuery{
		Plan:          plan,
		StatementText: stmt.Text,
		Statement:     payload,
		Properties:    stmt.Session.Overrides(),
		Options:       opts,
		Consistency:   consistency,
	})
	res.stmt, res.opts, res.plannerOpts = stmt, opts, plannerOpts

	if startNow {
		res.Start()
	}
	return res, nil
}

// pullPlan compiles a pull query. The table must be materialized by a live
// query on the cluster.
func (e *Engine) pullPlan(stmt statement.Configured, plannerOpts QueryPlannerOptions) (*physical.PullPlan, error) {
	if err := stmt.Session.CheckOverrides(); err != nil {
		return nil, err
	}
	q, _ := stmt.Query()
	cfg := stmt.Session.Config(true)
	lp, err := logical.Build(stmt.Text, q, nil, e.metaStore, logical.Options{
		RowPartitionRowOffsetEnabled: cfg.RowPartitionRowOffsetEnabled,
	})
	if err != nil {
		return nil, err
	}
	src, err := e.sourceOf(q)
	if err != nil {
		return nil, err
	}

	var materialization queryid.QueryID
	if mq, ok := e.registry.MaterializingQuery(src.Name); ok {
		materialization = mq.ID()
	}
	plan, err := physical.BuildPullPlan(lp, queryid.Pull(), materialization, plannerOpts.TableScansEnabled)
	if err != nil {
		return nil, err
	}
	if materialization == "" {
		return nil, pkgerrors.Wrapf(errNotMaterialized, "Table '%s' is not materialized.", src.Name)
	}
	return plan, nil
}

// pullFailed records the failure of a pull query and returns the error to
// surface. plan is nil when the query failed before it was planned.
func (e *Engine) pullFailed(stmt statement.Configured, opts routing.Options, plannerOpts QueryPlannerOptions, plan *physical.PullPlan, nodeType routing.NodeType, err error) error {
	if plan == nil {
		e.metrics.pullNoResult.Inc()
	} else {
		e.metrics.pullErrors.WithLabelValues(plan.SourceType.String(), plan.PlanType.String(), string(nodeType)).Inc()
	}
	logQueryFailure(e.logger, "pull", stmt.Text, err,
		"routing_options", opts.DebugString(),
		"planner_options", plannerOpts.DebugString(),
	)
	return asStatementError(err, stmt.Text)
}

// PullQueryResult is a running or ready pull query. Rows are read with Next
// until it returns io.EOF or the error that ended the query.
type PullQueryResult struct {
	engine      *Engine
	stmt        statement.Configured
	opts        routing.Options
	plannerOpts QueryPlannerOptions
	plan        *physical.PullPlan
	nodeType    routing.NodeType
	task        *routing.PullTask

	queue     *queue.Queue
	canceller *routing.Canceller
	stopClose func() bool

	startOnce sync.Once
	done      chan struct{}
	rows      atomic.Int64
	result    routing.PullResult
	err       error
}

// Start runs the query in the background. Only the first call has an
// effect.
func (r *PullQueryResult) Start() {
	r.startOnce.Do(func() { go r.run() })
}

func (r *PullQueryResult) run() {
	defer close(r.done)
	start := time.Now()

	res, err := r.task.Run(r.canceller, countingSink{sink: r.queue, rows: &r.rows})
	if errors.Is(err, errLimitReached) {
		err = nil
	}

	labels := []string{r.plan.SourceType.String(), r.plan.PlanType.String(), string(r.nodeType)}
	if err != nil {
		r.queue.CloseWithError(err)
		if !errors.Is(err, routing.ErrCancelled) {
			r.err = r.engine.pullFailed(r.stmt, r.opts, r.plannerOpts, r.plan, r.nodeType, err)
		} else {
			r.err = err
		}
	} else {
		r.queue.Close()
		r.result = res
		r.engine.metrics.pullLatency.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	}
	r.engine.metrics.pullRows.WithLabelValues(labels...).Add(float64(r.rows.Load()))

	r.stopClose()
	r.canceller.Cancel(nil)
}

// Next returns the next row, io.EOF once every row was read, or the error
// that ended the query.
func (r *PullQueryResult) Next(ctx context.Context) (queue.Row, error) {
	return r.queue.Next(ctx)
}

// Stop cancels the query. Rows already queued can still be read; Next then
// returns routing.ErrCancelled.
func (r *PullQueryResult) Stop() {
	r.canceller.Cancel(routing.ErrCancelled)
}

// Wait blocks until the query completed and returns its routing outcome.
func (r *PullQueryResult) Wait(ctx context.Context) (routing.PullResult, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return routing.PullResult{}, ctx.Err()
	}
}

// ConsistencyVector returns the merged offsets of the hosts that answered.
// It is nil until the query completed.
func (r *PullQueryResult) ConsistencyVector() *routing.ConsistencyOffsetVector {
	select {
	case <-r.done:
		return r.result.Consistency
	default:
		return nil
	}
}

func (r *PullQueryResult) Schema() schema.LogicalSchema        { return r.plan.Schema }
func (r *PullQueryResult) QueryID() queryid.QueryID            { return r.plan.QueryID }
func (r *PullQueryResult) SourceType() physical.PullSourceType { return r.plan.SourceType }
func (r *PullQueryResult) PlanType() physical.PullPlanType     { return r.plan.PlanType }
func (r *PullQueryResult) RoutingNodeType() routing.NodeType   { return r.nodeType }

// RowsRead returns the number of state rows examined on this host.
func (r *PullQueryResult) RowsRead() int64 { return r.plan.RowsRead() }

// RowsReturned returns the number of rows delivered to the queue.
func (r *PullQueryResult) RowsReturned() int64 { return r.rows.Load() }

// countingSink counts the rows accepted by sink.
type countingSink struct {
	sink routing.RowSink
	rows *atomic.Int64
}

func (s countingSink) Put(ctx context.Context, row queue.Row) bool {
	if !s.sink.Put(ctx, row) {
		return false
	}
	s.rows.Inc()
	return true
}
