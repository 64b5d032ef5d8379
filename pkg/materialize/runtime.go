package materialize

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/registry"
)

// ConsumerFactory creates a Kafka client consuming with the given options.
type ConsumerFactory func(opts ...kgo.Opt) (*kgo.Client, error)

// Runtime runs single-source queries by consuming their source topic.
// Table outputs are materialized in the store; every output row is
// published to the query's push registry. Without a consumer factory,
// tables are registered but never fed.
type Runtime struct {
	services.Service

	store       *Store
	ms          catalog.MetaStore
	newConsumer ConsumerFactory
	logger      log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mtx     sync.Mutex
	running map[queryid.QueryID]context.CancelFunc
}

var _ registry.Runtime = (*Runtime)(nil)

// NewRuntime creates a runtime. newConsumer may be nil.
func NewRuntime(store *Store, ms catalog.MetaStore, newConsumer ConsumerFactory, logger log.Logger) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		store:       store,
		ms:          ms,
		newConsumer: newConsumer,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		running:     make(map[queryid.QueryID]context.CancelFunc),
	}
	r.Service = services.NewIdleService(nil, r.stopping)
	return r
}

func (r *Runtime) stopping(_ error) error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Runtime) StartPersistent(_ context.Context, q *registry.PersistentQuery) error {
	pipe, err := newPipeline(q.Plan(), r.ms)
	if err != nil {
		return err
	}

	var table *Table
	if q.Materializes() != "" && q.IsTable() {
		table = r.store.Create(q.ID(), pipe.topic, pipe.partitions, q.ScalablePushRegistry())
	}
	push := q.ScalablePushRegistry()
	logger := log.With(r.logger, "query_id", q.ID())

	return r.run(q.ID(), pipe.topic, kgo.NewOffset().AtStart(), func(ctx context.Context, rec *kgo.Record) bool {
		row, ok, err := pipe.process(rec)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping undecodable record", "err", err)
			return true
		}
		switch {
		case !ok:
		case table != nil:
			table.Apply(ctx, row)
		case push != nil:
			push.Publish(ctx, row)
		}
		return true
	})
}

// StartTransient feeds the query's queue. Stream pull queries read from
// the start of the topic and close the queue once every partition reached
// its end offset; other transient queries only see new records.
func (r *Runtime) StartTransient(_ context.Context, q *registry.TransientQuery) error {
	pipe, err := newPipeline(q.Plan(), r.ms)
	if err != nil {
		return err
	}

	start := kgo.NewOffset().AtEnd()
	pending := map[int32]int64{}
	if q.IsStreamPull() {
		start = kgo.NewOffset().AtStart()
		for tp, end := range q.EndOffsets() {
			if tp.Topic == pipe.topic && end > 0 {
				pending[tp.Partition] = end
			}
		}
		if len(pending) == 0 {
			q.Queue().Close()
			return nil
		}
	}
	logger := log.With(r.logger, "query_id", q.ID())

	return r.run(q.ID(), pipe.topic, start, func(ctx context.Context, rec *kgo.Record) bool {
		if q.IsStreamPull() {
			end, ok := pending[rec.Partition]
			if !ok || rec.Offset >= end {
				return true
			}
		}
		row, ok, err := pipe.process(rec)
		if err != nil {
			level.Warn(logger).Log("msg", "skipping undecodable record", "err", err)
		} else if ok && !q.Queue().Put(ctx, row) {
			return false
		}
		if q.IsStreamPull() && rec.Offset+1 >= pending[rec.Partition] {
			delete(pending, rec.Partition)
			if len(pending) == 0 {
				q.Queue().Close()
				return false
			}
		}
		return true
	})
}

// Stop cancels the consumer of q without waiting for it, since it may be
// called from the consumer itself when a queue reaches its limit.
func (r *Runtime) Stop(_ context.Context, q registry.Query) error {
	r.mtx.Lock()
	cancel, ok := r.running[q.ID()]
	delete(r.running, q.ID())
	r.mtx.Unlock()
	if ok {
		cancel()
	}
	if q.Type() == registry.Persistent {
		r.store.Drop(q.ID())
	}
	return nil
}

func (r *Runtime) run(id queryid.QueryID, topic string, start kgo.Offset, handle func(context.Context, *kgo.Record) bool) error {
	if r.newConsumer == nil {
		level.Debug(r.logger).Log("msg", "no kafka cluster configured, query will not consume", "query_id", id)
		return nil
	}
	client, err := r.newConsumer(kgo.ConsumeTopics(topic), kgo.ConsumeResetOffset(start))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.mtx.Lock()
	r.running[id] = cancel
	r.mtx.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer client.Close()
		defer cancel()
		for {
			fetches := client.PollFetches(ctx)
			if ctx.Err() != nil {
				return
			}
			fetches.EachError(func(t string, p int32, err error) {
				level.Warn(r.logger).Log("msg", "fetch failed", "query_id", id, "topic", t, "partition", p, "err", err)
			})
			stop := false
			fetches.EachRecord(func(rec *kgo.Record) {
				if !stop && !handle(ctx, rec) {
					stop = true
				}
			})
			if stop {
				return
			}
		}
	}()
	return nil
}
