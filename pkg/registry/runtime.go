package registry

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Runtime executes the physical plans of registered queries. It is the
// dataflow engine the registry hands queries to.
type Runtime interface {
	StartPersistent(ctx context.Context, q *PersistentQuery) error
	StartTransient(ctx context.Context, q *TransientQuery) error
	// Stop releases the resources of a query. It must be idempotent.
	Stop(ctx context.Context, q Query) error
}

// NopRuntime accepts every query without running it. Transient queries
// never receive rows.
type NopRuntime struct {
	Logger log.Logger
}

var _ Runtime = NopRuntime{}

func (r NopRuntime) logger() log.Logger {
	if r.Logger == nil {
		return log.NewNopLogger()
	}
	return r.Logger
}

func (r NopRuntime) StartPersistent(_ context.Context, q *PersistentQuery) error {
	level.Info(r.logger()).Log("msg", "starting persistent query", "query_id", q.ID(), "type", q.PersistentType(), "sink", q.Sink())
	return nil
}

func (r NopRuntime) StartTransient(_ context.Context, q *TransientQuery) error {
	level.Info(r.logger()).Log("msg", "starting transient query", "query_id", q.ID())
	return nil
}

func (r NopRuntime) Stop(_ context.Context, q Query) error {
	level.Info(r.logger()).Log("msg", "stopping query", "query_id", q.ID())
	return nil
}
