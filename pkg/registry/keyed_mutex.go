package registry

import (
	"sync"

	"github.com/grafana/sqlstream/pkg/queryid"
)

// keyedMutex serializes work per query id. Entries are reference counted
// and dropped once unused.
type keyedMutex struct {
	mtx   sync.Mutex
	locks map[queryid.QueryID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[queryid.QueryID]*refMutex)}
}

// Lock locks id and returns the matching unlock function.
func (k *keyedMutex) Lock(id queryid.QueryID) func() {
	k.mtx.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mtx.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mtx.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mtx.Unlock()
	}
}
