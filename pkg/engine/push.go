package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/schema"
	"github.com/grafana/sqlstream/pkg/statement"
)

// errNoRunningQuery is returned for push queries on relations no live
// query is producing.
var errNoRunningQuery = errors.New("no running query produces the source")

// ResultType tells consumers how to interpret the rows of a push query.
type ResultType int

const (
	ResultStream ResultType = iota
	ResultTable
	ResultWindowedTable
)

func (t ResultType) String() string {
	switch t {
	case ResultTable:
		return "TABLE"
	case ResultWindowedTable:
		return "WINDOWED_TABLE"
	default:
		return "STREAM"
	}
}

// ExecutePushQuery plans a scalable push query and prepares its routing to
// every host running the query producing its source. Nothing is streamed
// until Start is called on the returned metadata.
func (e *Engine) ExecutePushQuery(
	ctx context.Context,
	stmt statement.Configured,
	opts routing.PushOptions,
	plannerOpts QueryPlannerOptions,
) (*PushQueryMetadata, error) {
	if !stmt.IsScalablePush() || stmt.IsPullQuery() {
		return nil, pkgerrors.Wrap(ErrIllegalArgument, "Executor can only handle scalable push queries")
	}
	nodeType := routing.NodeTypeFor(opts.HasBeenForwarded)

	ctx, span := tracer.Start(ctx, "Engine.ExecutePushQuery", trace.WithAttributes(
		attribute.String("routing_node_type", string(nodeType)),
	))
	defer span.End()

	plan, resultType, err := e.pushPlan(stmt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pushFailed(stmt, opts, plannerOpts, nil, nodeType, err)
	}
	span.SetAttributes(
		attribute.String("query_id", plan.QueryID.String()),
		attribute.String("source_query", plan.SourceQuery.String()),
	)
	if e.pushRouting == nil {
		err := errors.New("scalable push queries are not enabled on this host")
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pushFailed(stmt, opts, plannerOpts, &resultType, nodeType, err)
	}
	payload, err := statement.Marshal(stmt.Statement)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, e.pushFailed(stmt, opts, plannerOpts, &resultType, nodeType, err)
	}

	m := &PushQueryMetadata{
		engine:      e,
		stmt:        stmt,
		opts:        opts,
		plannerOpts: plannerOpts,
		plan:        plan,
		resultType:  resultType,
		nodeType:    nodeType,
		canceller:   routing.NewCanceller(ctx),
		done:        make(chan struct{}),
	}
	m.queue = queue.New(stmt.Session.Config(true).PushQueueCapacity, queue.WithLimit(plan.Limit, func() {
		m.canceller.Cancel(errLimitReached)
	}))
	m.stopClose = context.AfterFunc(m.canceller.Context(), func() {
		m.queue.CloseWithError(context.Cause(m.canceller.Context()))
	})
	m.task = e.pushRouting.NewPushTask(routing.PushQuery{
		Plan:          plan,
		StatementText: stmt.Text,
		Statement:     payload,
		Properties:    stmt.Session.Overrides(),
		Options:       opts,
	})
	return m, nil
}

// pushPlan compiles a push query against the live query producing its
// source.
func (e *Engine) pushPlan(stmt statement.Configured) (*physical.PushPlan, ResultType, error) {
	if err := stmt.Session.CheckOverrides(); err != nil {
		return nil, 0, err
	}
	q, _ := stmt.Query()
	cfg := stmt.Session.Config(true)
	lp, err := logical.Build(stmt.Text, q, nil, e.metaStore, logical.Options{
		RowPartitionRowOffsetEnabled: cfg.RowPartitionRowOffsetEnabled,
	})
	if err != nil {
		return nil, 0, err
	}
	src, err := e.sourceOf(q)
	if err != nil {
		return nil, 0, err
	}

	running, err := e.runningQueryFor(src.Name)
	if err != nil {
		return nil, 0, err
	}
	plan, err := physical.BuildPushPlan(lp, queryid.Push(), running.ID())
	if err != nil {
		return nil, 0, err
	}

	push := running.ScalablePushRegistry()
	resultType := ResultStream
	switch {
	case push.IsTable() && push.IsWindowed():
		resultType = ResultWindowedTable
	case push.IsTable():
		resultType = ResultTable
	}
	return plan, resultType, nil
}

// runningQueryFor returns the live query producing source that push
// queries can subscribe to.
func (e *Engine) runningQueryFor(source string) (*registry.PersistentQuery, error) {
	q, ok := e.registry.MaterializingQuery(source)
	if !ok || q.ScalablePushRegistry() == nil {
		return nil, pkgerrors.Wrapf(errNoRunningQuery,
			"Cannot execute a scalable push query on %s: no running query is producing it.", source)
	}
	return q, nil
}

// pushFailed records the failure of a push query and returns the error to
// surface. resultType is nil when the query failed before it was planned.
func (e *Engine) pushFailed(stmt statement.Configured, opts routing.PushOptions, plannerOpts QueryPlannerOptions, resultType *ResultType, nodeType routing.NodeType, err error) error {
	if resultType == nil {
		e.metrics.pushNoResult.Inc()
	} else {
		e.metrics.pushErrors.WithLabelValues(strings.ToLower(resultType.String()), string(nodeType)).Inc()
	}
	logQueryFailure(e.logger, "scalable push", stmt.Text, err,
		"routing_options", opts.DebugString(),
		"planner_options", plannerOpts.DebugString(),
	)
	return asStatementError(err, stmt.Text)
}

// PushQueryMetadata is a planned scalable push query. Prepare checks that
// it can be routed; Start streams rows into the queue read by Next until
// Close is called or the LIMIT is reached.
type PushQueryMetadata struct {
	engine      *Engine
	stmt        statement.Configured
	opts        routing.PushOptions
	plannerOpts QueryPlannerOptions
	plan        *physical.PushPlan
	resultType  ResultType
	nodeType    routing.NodeType
	task        *routing.PushTask

	queue     *queue.Queue
	canceller *routing.Canceller
	stopClose func() bool

	startOnce sync.Once
	done      chan struct{}
	rows      atomic.Int64
	result    routing.PushResult
	err       error
}

// Prepare fails fast when no host can serve the query.
func (m *PushQueryMetadata) Prepare(ctx context.Context) error {
	if err := m.task.Prepare(ctx); err != nil {
		return m.engine.pushFailed(m.stmt, m.opts, m.plannerOpts, &m.resultType, m.nodeType, err)
	}
	return nil
}

// Start subscribes to the hosts running the source query in the
// background. Only the first call has an effect.
func (m *PushQueryMetadata) Start() {
	m.startOnce.Do(func() { go m.run() })
}

func (m *PushQueryMetadata) run() {
	defer close(m.done)
	labels := []string{strings.ToLower(m.resultType.String()), string(m.nodeType)}

	m.engine.metrics.pushConnections.Inc()
	res, err := m.task.Run(m.canceller, countingSink{sink: m.queue, rows: &m.rows})
	m.engine.metrics.pushConnections.Dec()
	if errors.Is(err, errLimitReached) || errors.Is(err, routing.ErrCancelled) {
		err = nil
	}

	if err != nil {
		m.queue.CloseWithError(err)
		m.err = m.engine.pushFailed(m.stmt, m.opts, m.plannerOpts, &m.resultType, m.nodeType, err)
	} else {
		m.queue.Close()
		m.result = res
	}
	m.engine.metrics.pushRows.WithLabelValues(labels...).Add(float64(m.rows.Load()))

	m.stopClose()
	m.canceller.Cancel(nil)
}

// Next returns the next row. It returns io.EOF once the query ended after
// a Close or its LIMIT, and the routing error otherwise.
func (m *PushQueryMetadata) Next(ctx context.Context) (queue.Row, error) {
	row, err := m.queue.Next(ctx)
	if errors.Is(err, routing.ErrCancelled) || errors.Is(err, errLimitReached) {
		return queue.Row{}, io.EOF
	}
	return row, err
}

// Close ends the query. Rows already queued can still be read.
func (m *PushQueryMetadata) Close() {
	m.canceller.Cancel(routing.ErrCancelled)
}

// Wait blocks until the query ended and returns its routing outcome.
func (m *PushQueryMetadata) Wait(ctx context.Context) (routing.PushResult, error) {
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return routing.PushResult{}, ctx.Err()
	}
}

func (m *PushQueryMetadata) ResultType() ResultType            { return m.resultType }
func (m *PushQueryMetadata) Schema() schema.LogicalSchema      { return m.plan.Schema }
func (m *PushQueryMetadata) QueryID() queryid.QueryID          { return m.plan.QueryID }
func (m *PushQueryMetadata) SourceQuery() queryid.QueryID      { return m.plan.SourceQuery }
func (m *PushQueryMetadata) RoutingNodeType() routing.NodeType { return m.nodeType }
