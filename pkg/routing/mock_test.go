package routing

import (
	"context"
	"slices"
	"sync"

	"github.com/grafana/dskit/ring"

	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queue"
)

type mockLocal struct {
	mtx      sync.Mutex
	calls    [][]int32
	rows     []queue.Row
	offsets  *ConsistencyOffsetVector
	err      error
	lastSeen *ConsistencyOffsetVector
}

func (m *mockLocal) ExecutePull(ctx context.Context, _ *physical.PullPlan, partitions []int32, consistency *ConsistencyOffsetVector, rows RowSink) (*ConsistencyOffsetVector, error) {
	m.mtx.Lock()
	m.calls = append(m.calls, partitions)
	m.lastSeen = consistency
	m.mtx.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, r := range m.rows {
		if slices.Contains(partitions, r.Partition) {
			rows.Put(ctx, r)
		}
	}
	return m.offsets, nil
}

func (m *mockLocal) Calls() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.calls)
}

type mockClient struct {
	mtx      sync.Mutex
	calls    map[string][]PullRequest
	pushes   map[string]int
	rows     map[string][]queue.Row
	offsets  map[string]*ConsistencyOffsetVector
	failures map[string]error
}

func newMockClient() *mockClient {
	return &mockClient{
		calls:    map[string][]PullRequest{},
		pushes:   map[string]int{},
		rows:     map[string][]queue.Row{},
		offsets:  map[string]*ConsistencyOffsetVector{},
		failures: map[string]error{},
	}
}

func (m *mockClient) ExecutePull(ctx context.Context, host string, req PullRequest, rows RowSink) (*ConsistencyOffsetVector, error) {
	m.mtx.Lock()
	m.calls[host] = append(m.calls[host], req)
	err, hostRows, cv := m.failures[host], m.rows[host], m.offsets[host]
	m.mtx.Unlock()
	// A failing host may have streamed some rows before the error.
	for _, r := range hostRows {
		if slices.Contains(req.Partitions, r.Partition) {
			rows.Put(ctx, r)
		}
	}
	if err != nil {
		return nil, err
	}
	return cv, nil
}

func (m *mockClient) ExecutePush(ctx context.Context, host string, _ PushRequest, rows RowSink) error {
	m.mtx.Lock()
	m.pushes[host]++
	err, hostRows := m.failures[host], m.rows[host]
	m.mtx.Unlock()
	if err != nil {
		return err
	}
	for _, r := range hostRows {
		rows.Put(ctx, r)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockClient) PullCalls(host string) []PullRequest {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.calls[host]
}

func (m *mockClient) PushCalls(host string) int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.pushes[host]
}

type mockReadRing struct {
	ring.ReadRing
	instances []ring.InstanceDesc
}

func (m *mockReadRing) Get(key uint32, _ ring.Operation, bufInstances []ring.InstanceDesc, _, _ []string) (ring.ReplicationSet, error) {
	// Two replicas per key, picked by the key.
	first := int(key % uint32(len(m.instances)))
	second := (first + 1) % len(m.instances)
	return ring.ReplicationSet{Instances: append(bufInstances, m.instances[first], m.instances[second])}, nil
}

func (m *mockReadRing) GetAllHealthy(_ ring.Operation) (ring.ReplicationSet, error) {
	return ring.ReplicationSet{Instances: m.instances}, nil
}
