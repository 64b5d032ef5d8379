package ddl

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grafana/sqlstream/pkg/catalog"
)

// Status is the outcome of a DDL command.
type Status int

const (
	Created Status = iota
	Replaced
	AlreadyExists
	Dropped
	NotFound
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Replaced:
		return "replaced"
	case AlreadyExists:
		return "already_exists"
	case Dropped:
		return "dropped"
	default:
		return "not_found"
	}
}

// Result is the human readable outcome of a DDL command.
type Result struct {
	Status  Status
	Message string
}

// ErrSourceInUse is returned when dropping a source that is still read or
// written by a query or another source.
var ErrSourceInUse = errors.New("source in use")

// QueriesUsing returns the ids of the live queries reading or writing the
// named source.
type QueriesUsing func(source string) []string

// Executor applies commands to a catalog and tracks which sources were
// derived from which.
type Executor struct {
	metaStore    catalog.MutableMetaStore
	queriesUsing QueriesUsing

	mtx sync.Mutex
	// readers maps a source to the sources created by queries reading it.
	readers map[string]map[string]struct{}
}

// NewExecutor creates an executor. queriesUsing may be nil.
func NewExecutor(ms catalog.MutableMetaStore, queriesUsing QueriesUsing) *Executor {
	return &Executor{
		metaStore:    ms,
		queriesUsing: queriesUsing,
		readers:      make(map[string]map[string]struct{}),
	}
}

// Execute runs cmd. When withQuery is set the created source is written by a
// query reading sources.
func (e *Executor) Execute(text string, cmd Command, withQuery bool, sources []string) (Result, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	switch c := cmd.(type) {
	case *CreateSourceCommand:
		return e.create(c, withQuery, sources)
	case *DropSourceCommand:
		return e.drop(c)
	default:
		return Result{}, fmt.Errorf("unsupported command %T for statement: %s", cmd, text)
	}
}

func (e *Executor) create(c *CreateSourceCommand, withQuery bool, sources []string) (Result, error) {
	kind := c.Type.Lower()
	if existing := e.metaStore.GetSource(c.Name); existing != nil {
		msg := fmt.Sprintf("Cannot add %s '%s': A %s with the same name already exists.", kind, c.Name, existing.Type.Lower())
		switch {
		case c.IfNotExists:
			return Result{Status: AlreadyExists, Message: msg}, nil
		case !c.OrReplace || existing.Type != c.Type:
			return Result{}, errors.New(msg)
		case existing.IsSource != c.IsSource:
			return Result{}, fmt.Errorf("Cannot add %s '%s': a source %s cannot replace a non-source %s or the reverse.", kind, c.Name, kind, kind)
		}
		if err := e.metaStore.PutSource(c.DataSource(), true); err != nil {
			return Result{}, err
		}
		e.track(c.Name, withQuery, sources)
		return Result{Status: Replaced, Message: created(c.Type)}, nil
	}

	if err := e.metaStore.PutSource(c.DataSource(), false); err != nil {
		return Result{}, err
	}
	e.track(c.Name, withQuery, sources)
	return Result{Status: Created, Message: created(c.Type)}, nil
}

func created(t catalog.SourceType) string {
	if t == catalog.Table {
		return "Table created"
	}
	return "Stream created"
}

func (e *Executor) track(name string, withQuery bool, sources []string) {
	if !withQuery {
		return
	}
	for _, src := range sources {
		key := strings.ToUpper(src)
		if e.readers[key] == nil {
			e.readers[key] = make(map[string]struct{})
		}
		e.readers[key][name] = struct{}{}
	}
}

func (e *Executor) drop(c *DropSourceCommand) (Result, error) {
	existing := e.metaStore.GetSource(c.Name)
	if existing == nil {
		msg := fmt.Sprintf("Source %s does not exist.", c.Name)
		if c.IfExists {
			return Result{Status: NotFound, Message: msg}, nil
		}
		return Result{}, errors.New(msg)
	}
	if existing.Type != c.Type {
		return Result{}, fmt.Errorf("Incompatible data source type is %s, but statement was DROP %s", existing.Type, c.Type)
	}

	if names := e.derived(c.Name); len(names) > 0 {
		return Result{}, fmt.Errorf("%w: Cannot drop %s. The following streams and/or tables read from this source: [%s]. You need to drop them before dropping %s.",
			ErrSourceInUse, c.Name, strings.Join(names, ", "), c.Name)
	}
	if e.queriesUsing != nil {
		if ids := e.queriesUsing(c.Name); len(ids) > 0 {
			sort.Strings(ids)
			return Result{}, fmt.Errorf("%w: Cannot drop %s. The following queries read from this source: [%s].",
				ErrSourceInUse, c.Name, strings.Join(ids, ", "))
		}
	}

	if err := e.metaStore.DeleteSource(c.Name); err != nil {
		return Result{}, err
	}
	for _, readers := range e.readers {
		delete(readers, c.Name)
	}
	delete(e.readers, strings.ToUpper(c.Name))
	return Result{Status: Dropped, Message: fmt.Sprintf("Source `%s` (topic: %s) was dropped.", existing.Name, existing.Topic.Name)}, nil
}

func (e *Executor) derived(name string) []string {
	var out []string
	for n := range e.readers[strings.ToUpper(name)] {
		if e.metaStore.GetSource(n) != nil && !strings.EqualFold(n, name) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
