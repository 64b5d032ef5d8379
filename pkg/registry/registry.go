// Package registry tracks the live queries of the engine and guarantees that
// at most one live query owns a query id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/scalablepush"
)

var (
	// ErrQueryExists is returned when creating a query whose id is owned by
	// a live query and no replacement was requested.
	ErrQueryExists = errors.New("query already exists")
	// ErrQueryNotFound is returned when stopping an unknown query.
	ErrQueryNotFound = errors.New("query not found")
	// ErrRegistryClosed is returned once the registry has been stopped.
	ErrRegistryClosed = errors.New("query registry is closed")
)

// CreatePersistentRequest describes a persistent query to create or
// replace.
type CreatePersistentRequest struct {
	ID            queryid.QueryID
	Type          PersistentQueryType
	StatementText string
	Plan          *physical.Plan
	Sources       []string
	Sink          string
	RuntimeID     string
	// Replace must be set to replace a live query with the same id.
	Replace bool
}

// CreateTransientRequest describes a transient or stream pull query.
type CreateTransientRequest struct {
	ID                queryid.QueryID
	StatementText     string
	Plan              *physical.Plan
	Sources           []string
	Limit             int
	QueueCapacity     int
	ExcludeTombstones bool
	// EndOffsets bounds a stream pull query. Nil for transient queries.
	EndOffsets map[kafka.TopicPartition]int64
}

// Registry is the set of live queries. It serializes create, replace and
// stop per query id; reads take a snapshot.
type Registry struct {
	services.Service

	logger  log.Logger
	runtime Runtime
	metrics *metrics
	locks   *keyedMutex

	mtx        sync.RWMutex
	closed     bool
	persistent map[queryid.QueryID]*PersistentQuery
	transient  map[queryid.QueryID]*TransientQuery
}

// New creates a registry handing queries to runtime.
func New(runtime Runtime, logger log.Logger, reg prometheus.Registerer) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		logger:     log.With(logger, "component", "query_registry"),
		runtime:    runtime,
		metrics:    newMetrics(reg),
		locks:      newKeyedMutex(),
		persistent: make(map[queryid.QueryID]*PersistentQuery),
		transient:  make(map[queryid.QueryID]*TransientQuery),
	}
	r.Service = services.NewBasicService(nil, r.running, r.stopping)
	return r
}

func (r *Registry) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (r *Registry) stopping(_ error) error {
	r.Close(context.Background())
	return nil
}

// CreateOrReplacePersistentQuery registers and starts a persistent query. A
// live query with the same id is rejected unless req.Replace is set, in
// which case it is stopped and swapped out while holding the id's lock.
func (r *Registry) CreateOrReplacePersistentQuery(ctx context.Context, req CreatePersistentRequest) (*PersistentQuery, error) {
	unlock := r.locks.Lock(req.ID)
	defer unlock()

	r.mtx.RLock()
	closed, existing := r.closed, r.persistent[req.ID]
	r.mtx.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if existing != nil && existing.State().Live() && !req.Replace {
		return nil, fmt.Errorf("%w: Query ID '%s' already exists.", ErrQueryExists, req.ID)
	}

	q := &PersistentQuery{
		metadata: metadata{
			id:      req.ID,
			text:    req.StatementText,
			plan:    req.Plan,
			sources: req.Sources,
			state:   Validated,
		},
		queryType: req.Type,
		sink:      req.Sink,
		runtimeID: req.RuntimeID,
	}
	if req.Plan != nil {
		q.push = scalablepush.NewRegistry(req.Plan.OutputType == catalog.Table, req.Plan.Windowed)
	}

	if existing != nil {
		if err := r.runtime.Stop(ctx, existing); err != nil {
			return nil, fmt.Errorf("stopping query %s before replacing it: %w", req.ID, err)
		}
		existing.setState(Replaced, nil)
		r.metrics.transition(Replaced)
		if existing.push != nil {
			existing.push.Close()
		}
	}

	r.mtx.Lock()
	r.persistent[req.ID] = q
	r.mtx.Unlock()

	if err := r.runtime.StartPersistent(ctx, q); err != nil {
		q.setState(Failed, err)
		r.metrics.transition(Failed)
		r.mtx.Lock()
		delete(r.persistent, req.ID)
		r.mtx.Unlock()
		r.updateGauges()
		return nil, fmt.Errorf("starting query %s: %w", req.ID, err)
	}
	q.setState(Running, nil)
	r.metrics.transition(Running)
	r.updateGauges()

	action := "created"
	if existing != nil {
		action = "replaced"
	}
	level.Info(r.logger).Log("msg", "persistent query "+action, "query_id", req.ID, "type", req.Type, "sink", req.Sink)
	return q, nil
}

// CreateTransientQuery registers and starts a transient query.
func (r *Registry) CreateTransientQuery(ctx context.Context, req CreateTransientRequest) (*TransientQuery, error) {
	req.EndOffsets = nil
	return r.createTransient(ctx, req)
}

// CreateStreamPullQuery registers a transient query bounded by end offsets.
func (r *Registry) CreateStreamPullQuery(ctx context.Context, req CreateTransientRequest) (*TransientQuery, error) {
	if req.EndOffsets == nil {
		req.EndOffsets = map[kafka.TopicPartition]int64{}
	}
	return r.createTransient(ctx, req)
}

func (r *Registry) createTransient(ctx context.Context, req CreateTransientRequest) (*TransientQuery, error) {
	unlock := r.locks.Lock(req.ID)
	defer unlock()

	r.mtx.RLock()
	closed, exists := r.closed, r.transient[req.ID] != nil
	r.mtx.RUnlock()
	if closed {
		return nil, ErrRegistryClosed
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryExists, req.ID)
	}

	q := &TransientQuery{
		metadata: metadata{
			id:      req.ID,
			text:    req.StatementText,
			plan:    req.Plan,
			sources: req.Sources,
			state:   Validated,
		},
		limit:             req.Limit,
		excludeTombstones: req.ExcludeTombstones,
		endOffsets:        req.EndOffsets,
	}
	opts := []queue.Option{queue.WithLimit(req.Limit, q.Close)}
	if req.ExcludeTombstones {
		opts = append(opts, queue.WithoutTombstones())
	}
	q.queue = queue.New(req.QueueCapacity, opts...)
	q.onClose = func() { r.removeTransient(q) }

	r.mtx.Lock()
	r.transient[req.ID] = q
	r.mtx.Unlock()

	if err := r.runtime.StartTransient(ctx, q); err != nil {
		q.setState(Failed, err)
		r.metrics.transition(Failed)
		q.queue.CloseWithError(err)
		r.mtx.Lock()
		delete(r.transient, req.ID)
		r.mtx.Unlock()
		return nil, fmt.Errorf("starting query %s: %w", req.ID, err)
	}
	q.setState(Running, nil)
	r.metrics.transition(Running)
	r.updateGauges()
	return q, nil
}

func (r *Registry) removeTransient(q *TransientQuery) {
	r.mtx.Lock()
	if r.transient[q.ID()] == q {
		delete(r.transient, q.ID())
	}
	r.mtx.Unlock()

	if err := r.runtime.Stop(context.Background(), q); err != nil {
		level.Warn(r.logger).Log("msg", "failed to stop transient query", "query_id", q.ID(), "err", err)
	}
	if q.State().Live() {
		q.setState(Stopped, nil)
		r.metrics.transition(Stopped)
	}
	r.updateGauges()
}

// GetPersistentQuery returns the live persistent query with the given id.
func (r *Registry) GetPersistentQuery(id queryid.QueryID) (*PersistentQuery, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	q, ok := r.persistent[id]
	if !ok || !q.State().Live() {
		return nil, false
	}
	return q, true
}

// PersistentQueries returns the live persistent queries sorted by id.
func (r *Registry) PersistentQueries() []*PersistentQuery {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*PersistentQuery, 0, len(r.persistent))
	for _, q := range r.persistent {
		if q.State().Live() {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetAllLiveQueries returns every live query, persistent and transient,
// sorted by id.
func (r *Registry) GetAllLiveQueries() []Query {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]Query, 0, len(r.persistent)+len(r.transient))
	for _, q := range r.persistent {
		if q.State().Live() {
			out = append(out, q)
		}
	}
	for _, q := range r.transient {
		if q.State().Live() {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IsLive reports whether id is owned by a live query.
func (r *Registry) IsLive(id queryid.QueryID) bool {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if q, ok := r.persistent[id]; ok && q.State().Live() {
		return true
	}
	q, ok := r.transient[id]
	return ok && q.State().Live()
}

// CreatingQuery returns the live CREATE ... AS SELECT or CREATE SOURCE
// query that created sink.
func (r *Registry) CreatingQuery(sink string) (queryid.QueryID, bool) {
	for _, q := range r.PersistentQueries() {
		if q.queryType != Insert && strings.EqualFold(q.Materializes(), sink) {
			return q.ID(), true
		}
	}
	return "", false
}

// QueriesWithSink returns the ids of the live queries writing to sink.
func (r *Registry) QueriesWithSink(sink string) []queryid.QueryID {
	var out []queryid.QueryID
	for _, q := range r.PersistentQueries() {
		if strings.EqualFold(q.Sink(), sink) {
			out = append(out, q.ID())
		}
	}
	return out
}

// MaterializingQuery returns the live query maintaining the state of
// source.
func (r *Registry) MaterializingQuery(source string) (*PersistentQuery, bool) {
	for _, q := range r.PersistentQueries() {
		if q.queryType != Insert && strings.EqualFold(q.Materializes(), source) {
			return q, true
		}
	}
	return nil, false
}

// PushRegistry returns the scalable push registry of the live persistent
// query id.
func (r *Registry) PushRegistry(id queryid.QueryID) (*scalablepush.Registry, bool) {
	q, ok := r.GetPersistentQuery(id)
	if !ok || q.push == nil {
		return nil, false
	}
	return q.push, true
}

// QueriesUsing returns the ids of the live queries reading or writing
// source.
func (r *Registry) QueriesUsing(source string) []string {
	var out []string
	for _, q := range r.GetAllLiveQueries() {
		used := false
		if pq, ok := q.(*PersistentQuery); ok && strings.EqualFold(pq.Sink(), source) {
			used = true
		}
		for _, s := range q.Sources() {
			if strings.EqualFold(s, source) {
				used = true
			}
		}
		if used {
			out = append(out, q.ID().String())
		}
	}
	return out
}

// Stop terminates the query with the given id.
func (r *Registry) Stop(ctx context.Context, id queryid.QueryID) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	r.mtx.RLock()
	pq := r.persistent[id]
	tq := r.transient[id]
	r.mtx.RUnlock()

	switch {
	case pq != nil:
		err := r.runtime.Stop(ctx, pq)
		pq.setState(Stopped, err)
		r.metrics.transition(Stopped)
		if pq.push != nil {
			pq.push.Close()
		}
		r.mtx.Lock()
		delete(r.persistent, id)
		r.mtx.Unlock()
		r.updateGauges()
		level.Info(r.logger).Log("msg", "persistent query stopped", "query_id", id)
		return err
	case tq != nil:
		tq.Close()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueryNotFound, id)
	}
}

// Close stops every query and rejects new ones.
func (r *Registry) Close(ctx context.Context) {
	r.mtx.Lock()
	r.closed = true
	var ids []queryid.QueryID
	for id := range r.persistent {
		ids = append(ids, id)
	}
	for id := range r.transient {
		ids = append(ids, id)
	}
	r.mtx.Unlock()

	for _, id := range ids {
		if err := r.Stop(ctx, id); err != nil && !errors.Is(err, ErrQueryNotFound) {
			level.Warn(r.logger).Log("msg", "failed to stop query on shutdown", "query_id", id, "err", err)
		}
	}
}

func (r *Registry) updateGauges() {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	r.metrics.liveQueries.WithLabelValues(Persistent.String()).Set(float64(len(r.persistent)))
	r.metrics.liveQueries.WithLabelValues(Transient.String()).Set(float64(len(r.transient)))
}
