// Package engine plans statements and executes them: DDL against the
// catalog, persistent and transient queries through the query registry, and
// pull and scalable push queries through the routing layer.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/ddl"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/statement"
)

var tracer = otel.Tracer("pkg/engine")

// Params holds parameters for constructing a new [Engine].
type Params struct {
	Logger     log.Logger            // Logger for optional log messages.
	Registerer prometheus.Registerer // Registerer for optional metrics.

	Config config.Config // Server side configuration.

	MetaStore catalog.MutableMetaStore // Catalog of streams and tables.
	Registry  *registry.Registry       // Live queries.

	Builder     physical.Builder  // Compiles persistent query plans. Defaults to physical.DefaultBuilder.
	IDGenerator queryid.Generator // Disambiguates query ids. Defaults to a sequential generator.

	PullRouting *routing.HARouting   // Routes pull queries. Pull queries fail without it.
	PushRouting *routing.PushRouting // Routes scalable push queries. Push queries fail without it.
	Offsets     kafka.OffsetsLookup  // Resolves the end offsets of stream pull queries.
}

// validate validates p and applies defaults.
func (p *Params) validate() error {
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Registerer == nil {
		p.Registerer = prometheus.NewRegistry()
	}
	if p.MetaStore == nil {
		return errors.New("metastore is required")
	}
	if p.Registry == nil {
		return errors.New("query registry is required")
	}
	if p.Builder == nil {
		p.Builder = physical.DefaultBuilder{}
	}
	if p.IDGenerator == nil {
		p.IDGenerator = queryid.NewSequentialGenerator()
	}
	return p.Config.Validate()
}

// Engine executes statements.
type Engine struct {
	logger  log.Logger
	metrics *metrics
	cfg     config.Config

	metaStore catalog.MutableMetaStore
	registry  *registry.Registry
	ddl       *ddl.Executor
	ddlCmds   ddl.Factory
	builder   physical.Builder
	ids       queryid.Generator

	pullRouting *routing.HARouting
	pushRouting *routing.PushRouting
	offsets     kafka.OffsetsLookup
}

// New creates a new Engine.
func New(params Params) (*Engine, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		logger:  log.With(params.Logger, "component", "engine"),
		metrics: newMetrics(params.Registerer),
		cfg:     params.Config,

		metaStore: params.MetaStore,
		registry:  params.Registry,
		builder:   params.Builder,
		ids:       params.IDGenerator,

		pullRouting: params.PullRouting,
		pushRouting: params.PushRouting,
		offsets:     params.Offsets,
	}
	e.ddl = ddl.NewExecutor(params.MetaStore, params.Registry.QueriesUsing)
	return e, nil
}

// NewSession returns a session configuration on top of the server
// configuration.
func (e *Engine) NewSession(overrides map[string]string) config.SessionConfig {
	return config.NewSessionConfig(e.cfg, overrides)
}

// MetaStore returns the catalog the engine plans against.
func (e *Engine) MetaStore() catalog.MetaStore { return e.metaStore }

// Registry returns the live queries.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Plan validates stmt and compiles it into a plan without side effects.
// Failures are returned as a *StatementError.
func (e *Engine) Plan(ctx context.Context, stmt statement.Configured) (*Plan, error) {
	_, span := tracer.Start(ctx, "Engine.Plan")
	defer span.End()

	timer := prometheus.NewTimer(e.metrics.planning)
	defer timer.ObserveDuration()

	if err := stmt.Session.CheckOverrides(); err != nil {
		span.SetStatus(codes.Error, "invalid session overrides")
		return nil, asStatementError(err, stmt.Text)
	}
	p, err := e.plan(stmt)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, asStatementError(err, stmt.Text)
	}
	if p.Query != nil {
		span.SetAttributes(attribute.String("query_id", p.Query.QueryID.String()))
	}
	return p, nil
}

// Execute applies a plan: it runs the DDL and starts the persistent query
// the plan carries.
func (e *Engine) Execute(ctx context.Context, p *Plan) (ExecuteResult, error) {
	ctx, span := tracer.Start(ctx, "Engine.Execute")
	defer span.End()

	kind := "ddl"
	if p.Query != nil {
		kind = p.PersistentQueryType.String()
		span.SetAttributes(attribute.String("query_id", p.Query.QueryID.String()))
	}

	start := time.Now()
	res, err := e.execute(ctx, p)
	if err != nil {
		e.metrics.statements.WithLabelValues(kind, statusFailure).Inc()
		span.SetStatus(codes.Error, err.Error())
		level.Warn(e.logger).Log("msg", "failed to execute statement", "kind", kind, "err", err)
		return ExecuteResult{}, asStatementError(err, p.StatementText)
	}
	e.metrics.statements.WithLabelValues(kind, statusSuccess).Inc()
	level.Debug(e.logger).Log("msg", "executed statement", "kind", kind, "duration", time.Since(start))
	return res, nil
}

// PlanAndExecute plans stmt and executes the plan.
func (e *Engine) PlanAndExecute(ctx context.Context, stmt statement.Configured) (ExecuteResult, error) {
	p, err := e.Plan(ctx, stmt)
	if err != nil {
		return ExecuteResult{}, err
	}
	return e.Execute(ctx, p)
}
