package registry

import (
	"context"
	"sync"

	"github.com/grafana/sqlstream/pkg/queryid"
)

type mockRuntime struct {
	mtx      sync.Mutex
	started  []queryid.QueryID
	stopped  []queryid.QueryID
	startErr error
}

func (m *mockRuntime) StartPersistent(_ context.Context, q *PersistentQuery) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, q.ID())
	return nil
}

func (m *mockRuntime) StartTransient(_ context.Context, q *TransientQuery) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = append(m.started, q.ID())
	return nil
}

func (m *mockRuntime) Stop(_ context.Context, q Query) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.stopped = append(m.stopped, q.ID())
	return nil
}

func (m *mockRuntime) Stopped() []queryid.QueryID {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]queryid.QueryID(nil), m.stopped...)
}
