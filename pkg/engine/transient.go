package engine

import (
	"context"

	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/statement"
)

// ExecuteTransientQuery starts an unbounded query whose rows are streamed
// to the caller through the queue of the returned query. Tombstones are
// dropped when excludeTombstones is set. The caller closes the query.
func (e *Engine) ExecuteTransientQuery(ctx context.Context, stmt statement.Configured, excludeTombstones bool) (*registry.TransientQuery, error) {
	ctx, span := tracer.Start(ctx, "Engine.ExecuteTransientQuery")
	defer span.End()

	q, err := e.executeTransient(ctx, stmt, excludeTombstones, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, asStatementError(err, stmt.Text)
	}
	span.SetAttributes(attribute.String("query_id", q.ID().String()))
	return q, nil
}

// ExecuteStreamPullQuery starts a query reading a stream from its start up
// to endOffsets, then closing its queue. When endOffsets is nil the current
// end offsets of the stream's topic are used.
func (e *Engine) ExecuteStreamPullQuery(ctx context.Context, stmt statement.Configured, excludeTombstones bool, endOffsets map[kafka.TopicPartition]int64) (*registry.TransientQuery, error) {
	ctx, span := tracer.Start(ctx, "Engine.ExecuteStreamPullQuery")
	defer span.End()

	if endOffsets == nil {
		q, ok := stmt.Query()
		if !ok {
			return nil, pkgerrors.Wrap(ErrIllegalArgument, "Executor can only handle queries")
		}
		src, err := e.sourceOf(q)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, asStatementError(err, stmt.Text)
		}
		if e.offsets == nil {
			return nil, asStatementError(pkgerrors.New("end offsets cannot be resolved on this host"), stmt.Text)
		}
		endOffsets, err = e.offsets.EndOffsets(ctx, src.Topic.Name)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, asStatementError(pkgerrors.Wrapf(err, "resolving end offsets of %s", src.Topic.Name), stmt.Text)
		}
	}

	q, err := e.executeTransient(ctx, stmt, excludeTombstones, endOffsets)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, asStatementError(err, stmt.Text)
	}
	span.SetAttributes(attribute.String("query_id", q.ID().String()))
	return q, nil
}

// executeTransient plans a bare query and registers it. A nil endOffsets
// registers an unbounded transient query.
func (e *Engine) executeTransient(ctx context.Context, stmt statement.Configured, excludeTombstones bool, endOffsets map[kafka.TopicPartition]int64) (*registry.TransientQuery, error) {
	bare, ok := stmt.Statement.(*statement.BareQuery)
	if !ok || bare.Query.PullQuery {
		return nil, pkgerrors.Wrap(ErrIllegalArgument, "Executor can only handle transient queries")
	}
	if err := stmt.Session.CheckOverrides(); err != nil {
		return nil, err
	}

	cfg := stmt.Session.Config(true)
	lp, err := logical.Build(stmt.Text, bare.Query, nil, e.metaStore, logical.Options{
		RowPartitionRowOffsetEnabled: cfg.RowPartitionRowOffsetEnabled,
	})
	if err != nil {
		return nil, err
	}
	id := queryid.Transient(bare.Query.From)
	pp, err := e.builder.Build(lp, cfg, e.metaStore, id, nil)
	if err != nil {
		return nil, err
	}

	err = validateQuery(stmt.Session.Config(false), candidate{id: id, queryType: registry.Transient}, e.registry.GetAllLiveQueries())
	if err != nil {
		return nil, err
	}

	req := registry.CreateTransientRequest{
		ID:                id,
		StatementText:     stmt.Text,
		Plan:              pp,
		Sources:           logical.SourceNames(lp.Output),
		Limit:             lp.Output.Limit(),
		QueueCapacity:     cfg.PushQueueCapacity,
		ExcludeTombstones: excludeTombstones,
		EndOffsets:        endOffsets,
	}
	if endOffsets != nil {
		return e.registry.CreateStreamPullQuery(ctx, req)
	}
	return e.registry.CreateTransientQuery(ctx, req)
}
