// Package catalog holds the metadata of the streams and tables known to the
// engine.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grafana/sqlstream/pkg/schema"
)

// SourceType is the kind of a data source.
type SourceType int

const (
	Stream SourceType = iota
	Table
)

func (t SourceType) String() string {
	if t == Table {
		return "TABLE"
	}
	return "STREAM"
}

// Lower returns the lower case name of t, as used in user facing messages.
func (t SourceType) Lower() string { return strings.ToLower(t.String()) }

// Topic describes the topic backing a source.
type Topic struct {
	Name        string
	Partitions  int
	KeyFormat   string
	ValueFormat string
}

// DataSource is a stream or table registered in the catalog.
type DataSource struct {
	Name   string
	Type   SourceType
	Schema schema.LogicalSchema
	Topic  Topic
	// IsSource marks a read-only source that may never be written by a
	// query.
	IsSource bool
	Windowed bool
	// SQL is the statement that created the source.
	SQL string
}

// ErrSourceExists is returned by PutSource when replace is false and a
// source with the same name already exists.
var ErrSourceExists = errors.New("source already exists")

// ErrSourceNotFound is returned when deleting an unknown source.
var ErrSourceNotFound = errors.New("source not found")

// MetaStore is a read-only view of the catalog.
type MetaStore interface {
	// GetSource returns the named source or nil.
	GetSource(name string) *DataSource
	// AllSources returns every source sorted by name.
	AllSources() []*DataSource
}

// MutableMetaStore is a catalog that can be modified.
type MutableMetaStore interface {
	MetaStore
	PutSource(ds *DataSource, replace bool) error
	DeleteSource(name string) error
}

func normalize(name string) string { return strings.ToUpper(name) }

// Memory is a thread-safe in-memory catalog.
type Memory struct {
	mtx     sync.RWMutex
	sources map[string]*DataSource
}

// NewMemory returns an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{sources: make(map[string]*DataSource)}
}

func (m *Memory) GetSource(name string) *DataSource {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.sources[normalize(name)]
}

func (m *Memory) AllSources() []*DataSource {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return sorted(m.sources)
}

func (m *Memory) PutSource(ds *DataSource, replace bool) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return put(m.sources, ds, replace)
}

func (m *Memory) DeleteSource(name string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	key := normalize(name)
	if _, ok := m.sources[key]; !ok {
		return fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}
	delete(m.sources, key)
	return nil
}

func put(sources map[string]*DataSource, ds *DataSource, replace bool) error {
	key := normalize(ds.Name)
	if existing, ok := sources[key]; ok && !replace {
		return fmt.Errorf("%w: %s %s", ErrSourceExists, existing.Type.Lower(), existing.Name)
	}
	sources[key] = ds
	return nil
}

func sorted(sources map[string]*DataSource) []*DataSource {
	out := make([]*DataSource, 0, len(sources))
	for _, ds := range sources {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
