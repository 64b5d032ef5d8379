package engine

import (
	"context"
	"errors"
	"io"

	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/statement"
	"github.com/grafana/sqlstream/pkg/transport"
)

var (
	_ transport.Backend = (*Engine)(nil)
	_ transport.Decoder = (*Engine)(nil)
)

// DecodeStatement rebuilds a statement analyzed by the host that forwarded
// it. The request properties are applied on top of this host's config.
func (e *Engine) DecodeStatement(text string, payload []byte, properties map[string]string) (statement.Configured, error) {
	stmt, err := statement.Unmarshal(payload)
	if err != nil {
		return statement.Configured{}, err
	}
	return statement.New(text, stmt, e.NewSession(properties)), nil
}

// ServePull answers a pull query received over the network, writing its
// rows to rows. A forwarded request for a table this host does not
// materialize is rejected so the sender tries another replica.
func (e *Engine) ServePull(ctx context.Context, stmt statement.Configured, opts routing.Options, consistency *routing.ConsistencyOffsetVector, rows routing.RowSink) (routing.PullResult, error) {
	res, err := e.ExecutePullQuery(ctx, stmt, opts, PlannerOptionsFor(stmt.Session), true, consistency)
	if err != nil {
		if opts.SkipForwardRequest && errors.Is(err, errNotMaterialized) {
			return routing.PullResult{Status: routing.Rejected, Reason: err.Error()}, nil
		}
		return routing.PullResult{}, err
	}
	defer res.Stop()

	for {
		row, err := res.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return routing.PullResult{}, ctx.Err()
			}
			return res.Wait(ctx)
		}
		if !rows.Put(ctx, row) {
			res.Stop()
			break
		}
	}
	return res.Wait(ctx)
}

// ServePush streams a scalable push query received over the network to
// rows until the request ends. A forwarded request for a query not running
// on this host is rejected.
func (e *Engine) ServePush(ctx context.Context, stmt statement.Configured, opts routing.PushOptions, rows routing.RowSink) (routing.PushResult, error) {
	rejected := func(err error) bool {
		return opts.HasBeenForwarded && (errors.Is(err, errNoRunningQuery) || errors.Is(err, routing.ErrNoLocalData))
	}

	m, err := e.ExecutePushQuery(ctx, stmt, opts, PlannerOptionsFor(stmt.Session))
	if err == nil {
		if err = m.Prepare(ctx); err != nil {
			m.Close()
		}
	}
	if err != nil {
		if rejected(err) {
			return routing.PushResult{Status: routing.Rejected, Reason: err.Error()}, nil
		}
		return routing.PushResult{}, err
	}

	m.Start()
	for {
		row, err := m.Next(ctx)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			break
		}
		if err != nil {
			m.Close()
			return m.Wait(context.Background())
		}
		if !rows.Put(ctx, row) {
			break
		}
	}
	m.Close()
	res, err := m.Wait(context.Background())
	if ctx.Err() != nil {
		// The requesting host hung up.
		return routing.PushResult{Status: routing.Complete}, nil
	}
	return res, err
}
