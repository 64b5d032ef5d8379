package engine

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
)

type mockClient struct {
	mtx      sync.Mutex
	pulls    map[string][]routing.PullRequest
	pushes   map[string]int
	rows     map[string][]queue.Row
	offsets  map[string]*routing.ConsistencyOffsetVector
	failures map[string]error
}

func newMockClient() *mockClient {
	return &mockClient{
		pulls:    map[string][]routing.PullRequest{},
		pushes:   map[string]int{},
		rows:     map[string][]queue.Row{},
		offsets:  map[string]*routing.ConsistencyOffsetVector{},
		failures: map[string]error{},
	}
}

func (m *mockClient) ExecutePull(ctx context.Context, host string, req routing.PullRequest, rows routing.RowSink) (*routing.ConsistencyOffsetVector, error) {
	m.mtx.Lock()
	m.pulls[host] = append(m.pulls[host], req)
	err, hostRows, cv := m.failures[host], m.rows[host], m.offsets[host]
	m.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	for _, r := range hostRows {
		if slices.Contains(req.Partitions, r.Partition) {
			rows.Put(ctx, r)
		}
	}
	return cv, nil
}

func (m *mockClient) ExecutePush(ctx context.Context, host string, _ routing.PushRequest, rows routing.RowSink) error {
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

func (m *mockClient) PullCalls(host string) []routing.PullRequest {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.pulls[host]
}

func (m *mockClient) TotalPullCalls() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	n := 0
	for _, calls := range m.pulls {
		n += len(calls)
	}
	return n
}

// syncBuffer is a log destination safe for concurrent writers.
type syncBuffer struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.buf.Reset()
}
