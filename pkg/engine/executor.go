package engine

import (
	"context"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/ddl"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/statement"
)

// sharedRuntimeID is the runtime persistent queries share when shared
// runtimes are enabled.
const sharedRuntimeID = "sqlstream-shared-runtime"

// plannedQuery is the output of planQuery.
type plannedQuery struct {
	logical  *logical.Plan
	physical *physical.Plan
	id       queryid.QueryID
}

func (e *Engine) plan(stmt statement.Configured) (*Plan, error) {
	switch s := stmt.Statement.(type) {
	case *statement.CreateSource:
		if s.IsSource && !e.sourceTableMaterializationEnabled(stmt) {
			return nil, newStatementError(stmt.Text, "Cannot execute command because source table materialization is disabled.")
		}
		if s.IsSource && s.Kind == statement.Table {
			return e.sourceTablePlan(stmt, s)
		}
		return e.ddlPlan(stmt)
	case *statement.DropSource:
		return e.ddlPlan(stmt)
	case *statement.QueryWithSink:
		return e.queryWithSinkPlan(stmt, s)
	case *statement.BareQuery:
		return nil, newStatementError(stmt.Text, "Bare queries are executed as transient, pull or push queries and cannot be planned as persistent queries.")
	default:
		return nil, newStatementError(stmt.Text, "Statement not executable")
	}
}

// sourceTableMaterializationEnabled reads the flag from the server
// configuration only: sessions may not override it.
func (e *Engine) sourceTableMaterializationEnabled(stmt statement.Configured) bool {
	return stmt.Session.Config(false).SourceTableMaterializationEnabled
}

func (e *Engine) ddlPlan(stmt statement.Configured) (*Plan, error) {
	cmd, err := e.ddlCmds.Create(stmt.Text, stmt.Statement, stmt.Session.Config(true))
	if err != nil {
		return nil, err
	}
	return &Plan{StatementText: stmt.Text, DDL: cmd}, nil
}

// sourceTablePlan plans a source table as its DDL plus a standing query
// that selects every value column and emits every change, so the table is
// materialized for pull queries. The table does not exist yet, so the
// query is planned against a catalog view containing only the new table.
func (e *Engine) sourceTablePlan(stmt statement.Configured, s *statement.CreateSource) (*Plan, error) {
	cmd, err := e.ddlCmds.Create(stmt.Text, s, stmt.Session.Config(true))
	if err != nil {
		return nil, err
	}
	create, ok := cmd.(*ddl.CreateSourceCommand)
	if !ok {
		return nil, errors.Wrapf(ErrInvariant, "unexpected command %T for a source table", cmd)
	}

	var columns []string
	for _, c := range create.Schema.Value() {
		columns = append(columns, c.Name)
	}
	q := statement.Query{
		Select:     columns,
		From:       s.Name,
		Refinement: statement.EmitChanges,
	}
	pq, err := e.planQuery(stmt, q, nil, queryid.Request{
		Kind:          queryid.CreateSourceTable,
		Sink:          s.Name,
		StatementText: stmt.Text,
		OrReplace:     s.OrReplace,
	}, catalog.Only(create.DataSource()))
	if err != nil {
		return nil, err
	}

	qp := &QueryPlan{
		Sources:      logical.SourceNames(pq.logical.Output),
		PhysicalPlan: pq.physical,
		QueryID:      pq.id,
		RuntimeID:    e.runtimeID(stmt),
		Replace:      s.OrReplace,
	}
	err = validateQuery(stmt.Session.Config(false), candidate{
		id:             pq.id,
		queryType:      registry.Persistent,
		persistentType: registry.CreateSource,
		creates:        s.Name,
	}, e.registry.GetAllLiveQueries())
	if err != nil {
		return nil, err
	}
	return &Plan{
		StatementText:       stmt.Text,
		DDL:                 cmd,
		Query:               qp,
		PersistentQueryType: registry.CreateSource,
	}, nil
}

func (e *Engine) queryWithSinkPlan(stmt statement.Configured, s *statement.QueryWithSink) (*Plan, error) {
	kind, persistentType := queryid.CreateStreamAsSelect, registry.CreateAs
	switch s.Kind {
	case statement.CreateTableAsSelect:
		kind = queryid.CreateTableAsSelect
	case statement.InsertInto:
		kind, persistentType = queryid.InsertInto, registry.Insert
	}

	sink := &logical.Sink{
		Name:        s.Sink,
		CreateInto:  s.Kind != statement.InsertInto,
		OrReplace:   s.OrReplace,
		IfNotExists: s.IfNotExists,
		Properties:  s.Properties,
	}
	pq, err := e.planQuery(stmt, s.Query, sink, queryid.Request{
		Kind:          kind,
		Sink:          s.Sink,
		StatementText: stmt.Text,
		WithID:        s.QueryID,
		OrReplace:     s.OrReplace,
		IfNotExists:   s.IfNotExists,
	}, e.metaStore)
	if err != nil {
		return nil, err
	}

	out, ok := pq.logical.Output.(*logical.StructuredOutputNode)
	if !ok {
		return nil, errors.Wrapf(ErrInvariant, "query with sink planned to %T", pq.logical.Output)
	}
	cmd, err := e.maybeCreateSinkDDL(stmt, out)
	if err != nil {
		return nil, err
	}
	if err := validateResultType(stmt, s, out.OutputType()); err != nil {
		return nil, err
	}

	qp := &QueryPlan{
		Sources:      logical.SourceNames(out),
		Sink:         out.SinkName,
		PhysicalPlan: pq.physical,
		QueryID:      pq.id,
		RuntimeID:    e.runtimeID(stmt),
		Replace:      s.OrReplace,
	}
	c := candidate{id: pq.id, queryType: registry.Persistent, persistentType: persistentType}
	if out.CreateInto {
		c.creates = out.SinkName
	}
	if err := validateQuery(stmt.Session.Config(false), c, e.registry.GetAllLiveQueries()); err != nil {
		return nil, err
	}

	p := &Plan{StatementText: stmt.Text, Query: qp, PersistentQueryType: persistentType}
	if cmd != nil {
		p.DDL = cmd
	}
	return p, nil
}

// planQuery builds the logical and physical plans of q against ms and
// derives the id of the persistent query running it. When the id denotes a
// live query, the physical plan is built to replace it.
func (e *Engine) planQuery(stmt statement.Configured, q statement.Query, sink *logical.Sink, req queryid.Request, ms catalog.MetaStore) (*plannedQuery, error) {
	cfg := stmt.Session.Config(true)
	lp, err := logical.Build(stmt.Text, q, sink, ms, logical.Options{
		RowPartitionRowOffsetEnabled: cfg.RowPartitionRowOffsetEnabled,
	})
	if err != nil {
		return nil, err
	}

	req.CreateOrReplaceEnabled = cfg.CreateOrReplaceEnabled
	id, err := queryid.Build(req, e.registry, e.ids)
	if err != nil {
		return nil, err
	}

	existing, live := e.registry.GetPersistentQuery(id)
	if req.WithID != "" && live {
		return nil, errors.Errorf("Query ID '%s' already exists.", id)
	}
	var old *physical.PlanInfo
	if live && existing.Plan() != nil {
		old = existing.Plan().Info()
	}

	pp, err := e.builder.Build(lp, cfg, ms, id, old)
	if err != nil {
		return nil, err
	}
	return &plannedQuery{logical: lp, physical: pp, id: id}, nil
}

// maybeCreateSinkDDL returns the command creating the sink of a CREATE ...
// AS SELECT statement. INSERT INTO statements get no command; their
// existing sink is validated instead.
func (e *Engine) maybeCreateSinkDDL(stmt statement.Configured, out *logical.StructuredOutputNode) (ddl.Command, error) {
	if !out.CreateInto {
		return nil, e.validateExistingSink(out)
	}
	if existing := e.metaStore.GetSource(out.SinkName); existing != nil && !out.IfNotExists && !out.OrReplace {
		return nil, errors.Errorf("Cannot add %s '%s': A %s with the same name already exists",
			out.OutputType().Lower(), out.SinkName, existing.Type.Lower())
	}
	return e.ddlCmds.CreateSink(stmt.Text, out), nil
}

func (e *Engine) validateExistingSink(out *logical.StructuredOutputNode) error {
	existing := e.metaStore.GetSource(out.SinkName)
	if existing == nil {
		return errors.Errorf("%s does not exist.", out.SinkName)
	}
	if existing.Type != out.OutputType() {
		return errors.Errorf("Incompatible data sink and query result. Data sink (%s) type is %s but select query result is %s.",
			existing.Name, existing.Type, out.OutputType())
	}
	result := out.Schema()
	if !result.CompatibleWith(existing.Schema) {
		return errors.Errorf("Incompatible schema between results and sink.\nResult schema is %s\nSink schema is %s", result, existing.Schema)
	}
	return nil
}

func validateResultType(stmt statement.Configured, s *statement.QueryWithSink, result catalog.SourceType) error {
	switch {
	case s.Kind == statement.CreateStreamAsSelect && result == catalog.Table:
		return newStatementError(stmt.Text, "Invalid result type. Your SELECT query produces a TABLE. Please use CREATE TABLE AS SELECT statement instead.")
	case s.Kind == statement.CreateTableAsSelect && result == catalog.Stream:
		return newStatementError(stmt.Text, "Invalid result type. Your SELECT query produces a STREAM. Please use CREATE STREAM AS SELECT statement instead.")
	}
	return nil
}

func (e *Engine) runtimeID(stmt statement.Configured) string {
	if stmt.Session.Config(true).SharedRuntimeEnabled {
		return sharedRuntimeID
	}
	return ""
}

func (e *Engine) execute(ctx context.Context, p *Plan) (ExecuteResult, error) {
	if p.Query == nil {
		if p.DDL == nil {
			return ExecuteResult{}, errors.Wrap(ErrInvariant, "plan has neither a query nor a DDL command")
		}
		res, err := e.ddl.Execute(p.StatementText, p.DDL, false, nil)
		if err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Message: res.Message}, nil
	}

	qp := p.Query
	if qp.PhysicalPlan == nil {
		return ExecuteResult{}, errors.Wrapf(ErrInvariant, "query %s has no physical plan", qp.QueryID)
	}

	// Source tables are read, never written: only queries with a sink are
	// checked.
	if p.PersistentQueryType != registry.CreateSource {
		if sink := e.metaStore.GetSource(qp.Sink); sink != nil && sink.IsSource {
			return ExecuteResult{}, errors.Errorf("Cannot insert into read-only %s: %s", sink.Type.Lower(), sink.Name)
		}
	}

	// The registry rejects the same conflict, but only after the DDL has
	// created the sink. IF NOT EXISTS statements are answered by the DDL.
	if e.registry.IsLive(qp.QueryID) && !qp.Replace && !ifNotExists(p.DDL) {
		return ExecuteResult{}, errors.Errorf("Query ID '%s' already exists.", qp.QueryID)
	}

	var msg string
	if p.DDL != nil {
		res, err := e.ddl.Execute(p.StatementText, p.DDL, true, qp.Sources)
		if err != nil {
			return ExecuteResult{}, err
		}
		if res.Status == ddl.AlreadyExists {
			return ExecuteResult{Message: res.Message}, nil
		}
		msg = res.Message
	}

	if p.PersistentQueryType == registry.CreateSource && !e.cfg.SourceTableMaterializationEnabled {
		level.Info(e.logger).Log("msg", "source table query won't be materialized because materialization is disabled",
			"query_id", qp.QueryID, "property", config.SourceTableMaterializationEnabled)
		return ExecuteResult{Message: msg}, nil
	}

	q, err := e.registry.CreateOrReplacePersistentQuery(ctx, registry.CreatePersistentRequest{
		ID:            qp.QueryID,
		Type:          p.PersistentQueryType,
		StatementText: p.StatementText,
		Plan:          qp.PhysicalPlan,
		Sources:       qp.Sources,
		Sink:          qp.Sink,
		RuntimeID:     qp.RuntimeID,
		Replace:       qp.Replace,
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{Message: "Created query with ID " + q.ID().String(), Query: q}, nil
}

func ifNotExists(cmd ddl.Command) bool {
	c, ok := cmd.(*ddl.CreateSourceCommand)
	return ok && c.IfNotExists
}

// sourceOf returns the catalog entry a bare query reads.
func (e *Engine) sourceOf(q statement.Query) (*catalog.DataSource, error) {
	ds := e.metaStore.GetSource(q.From)
	if ds == nil {
		return nil, errors.Errorf("%s does not exist.", strings.ToUpper(q.From))
	}
	return ds, nil
}
