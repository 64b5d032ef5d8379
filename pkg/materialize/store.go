// Package materialize holds the table state maintained by persistent
// queries on this host and serves pull queries from it.
package materialize

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/scalablepush"
)

// Store is the set of materialized tables of this host, keyed by the id of
// the query maintaining them.
type Store struct {
	mtx    sync.RWMutex
	tables map[queryid.QueryID]*Table
}

var _ routing.LocalPullExecutor = (*Store)(nil)

func NewStore() *Store {
	return &Store{tables: make(map[queryid.QueryID]*Table)}
}

// Create registers an empty table fed from topic. It replaces any table
// registered under id. push may be nil.
func (s *Store) Create(id queryid.QueryID, topic string, partitions int, push *scalablepush.Registry) *Table {
	if partitions <= 0 {
		partitions = 1
	}
	t := &Table{
		topic:      topic,
		partitions: partitions,
		push:       push,
		rows:       make(map[int32]map[string]queue.Row, partitions),
		offsets:    make(map[int32]int64),
	}
	s.mtx.Lock()
	s.tables[id] = t
	s.mtx.Unlock()
	return t
}

// Drop forgets the table of id. Writers still holding it are not affected.
func (s *Store) Drop(id queryid.QueryID) {
	s.mtx.Lock()
	delete(s.tables, id)
	s.mtx.Unlock()
}

func (s *Store) Table(id queryid.QueryID) (*Table, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tables[id]
	return t, ok
}

// ExecutePull implements routing.LocalPullExecutor.
func (s *Store) ExecutePull(ctx context.Context, plan *physical.PullPlan, partitions []int32, consistency *routing.ConsistencyOffsetVector, rows routing.RowSink) (*routing.ConsistencyOffsetVector, error) {
	t, ok := s.Table(plan.Materialization)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not materialized on this host", routing.ErrNoLocalData, plan.Source.Name)
	}
	for _, p := range partitions {
		if p < 0 || int(p) >= t.partitions {
			return nil, fmt.Errorf("%w: partition %d of %s", routing.ErrNoLocalData, p, plan.Source.Name)
		}
	}
	snapshot, cv := t.snapshot(partitions)
	if consistency != nil && !cv.Dominates(onlyTopic(consistency, t.topic)) {
		return nil, fmt.Errorf("%w: %s", routing.ErrLagging, plan.Source.Name)
	}

	for _, r := range snapshot {
		plan.AddRowsRead(1)
		if !plan.Matches(r.Key) {
			continue
		}
		out := r
		out.Values = plan.Projection.Apply(r.Values, r.Partition, r.Offset)
		if !rows.Put(ctx, out) {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			// The sink is full or closed: the limit was reached.
			break
		}
	}
	return cv, nil
}

func onlyTopic(v *routing.ConsistencyOffsetVector, topic string) *routing.ConsistencyOffsetVector {
	out := routing.NewConsistencyOffsetVector()
	for p, o := range v.Offsets()[topic] {
		out.Update(topic, p, o)
	}
	return out
}

// Table is the state of one materialized table. Rows are placed in state
// partitions by key; offsets track the partitions of the source topic.
type Table struct {
	topic      string
	partitions int
	push       *scalablepush.Registry

	mtx     sync.RWMutex
	rows    map[int32]map[string]queue.Row
	offsets map[int32]int64
}

// Apply upserts row, or deletes its key for a tombstone, and publishes it
// to push query subscribers.
func (t *Table) Apply(ctx context.Context, row queue.Row) {
	part := physical.PartitionFor(row.Key, t.partitions)
	key := fmt.Sprint(row.Key)

	t.mtx.Lock()
	byKey, ok := t.rows[part]
	if !ok {
		byKey = make(map[string]queue.Row)
		t.rows[part] = byKey
	}
	if row.Tombstone {
		delete(byKey, key)
	} else {
		stored := row
		stored.Partition = part
		byKey[key] = stored
	}
	if cur, ok := t.offsets[row.Partition]; !ok || row.Offset > cur {
		t.offsets[row.Partition] = row.Offset
	}
	t.mtx.Unlock()

	if t.push != nil {
		t.push.Publish(ctx, row)
	}
}

// Len returns the number of keys stored.
func (t *Table) Len() int {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n := 0
	for _, byKey := range t.rows {
		n += len(byKey)
	}
	return n
}

// snapshot copies the rows of partitions in partition and key order, with
// the source offsets they reflect.
func (t *Table) snapshot(partitions []int32) ([]queue.Row, *routing.ConsistencyOffsetVector) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var out []queue.Row
	for _, p := range partitions {
		byKey := t.rows[p]
		keys := make([]string, 0, len(byKey))
		for k := range byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, byKey[k])
		}
	}
	cv := routing.NewConsistencyOffsetVector()
	for p, o := range t.offsets {
		cv.Update(t.topic, p, o)
	}
	return out, cv
}
