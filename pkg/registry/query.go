package registry

import (
	"sync"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/scalablepush"
)

// QueryType distinguishes persistent queries from transient ones.
type QueryType int

const (
	Persistent QueryType = iota
	Transient
)

func (t QueryType) String() string {
	if t == Transient {
		return "transient"
	}
	return "persistent"
}

// PersistentQueryType is the statement a persistent query was created by.
type PersistentQueryType int

const (
	CreateAs PersistentQueryType = iota
	Insert
	CreateSource
)

func (t PersistentQueryType) String() string {
	switch t {
	case CreateAs:
		return "CREATE_AS"
	case Insert:
		return "INSERT"
	default:
		return "CREATE_SOURCE"
	}
}

// State is the lifecycle state of a query.
type State int

const (
	Planned State = iota
	Validated
	Running
	Replaced
	Stopped
	Failed
)

var stateNames = [...]string{"PLANNED", "VALIDATED", "RUNNING", "REPLACED", "STOPPED", "FAILED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Live reports whether a query in state s still claims its id.
func (s State) Live() bool { return s == Validated || s == Running }

// Query is the metadata shared by every registered query.
type Query interface {
	ID() queryid.QueryID
	Type() QueryType
	StatementText() string
	Sources() []string
	Plan() *physical.Plan
	State() State
	// Err is the error that made the query fail, if any.
	Err() error
}

type metadata struct {
	id      queryid.QueryID
	text    string
	plan    *physical.Plan
	sources []string

	mtx   sync.RWMutex
	state State
	err   error
}

func (m *metadata) ID() queryid.QueryID   { return m.id }
func (m *metadata) StatementText() string { return m.text }
func (m *metadata) Sources() []string     { return m.sources }
func (m *metadata) Plan() *physical.Plan  { return m.plan }

func (m *metadata) State() State {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.state
}

func (m *metadata) Err() error {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.err
}

func (m *metadata) setState(s State, err error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.state = s
	if err != nil {
		m.err = err
	}
}

// PersistentQuery is a continuously running query.
type PersistentQuery struct {
	metadata

	queryType PersistentQueryType
	sink      string
	runtimeID string
	push      *scalablepush.Registry
}

var _ Query = (*PersistentQuery)(nil)

func (q *PersistentQuery) Type() QueryType                              { return Persistent }
func (q *PersistentQuery) PersistentType() PersistentQueryType          { return q.queryType }
func (q *PersistentQuery) Sink() string                                 { return q.sink }
func (q *PersistentQuery) RuntimeID() string                            { return q.runtimeID }
func (q *PersistentQuery) ScalablePushRegistry() *scalablepush.Registry { return q.push }

// Materializes returns the name of the relation whose state the query
// maintains: its sink, or the source table for CREATE SOURCE TABLE queries.
func (q *PersistentQuery) Materializes() string {
	if q.sink != "" {
		return q.sink
	}
	if q.queryType == CreateSource && len(q.sources) == 1 {
		return q.sources[0]
	}
	return ""
}

// IsTable reports whether the query produces a table.
func (q *PersistentQuery) IsTable() bool {
	return q.plan != nil && q.plan.OutputType == catalog.Table
}

// TransientQuery is a query whose results are streamed to a single caller.
type TransientQuery struct {
	metadata

	queue             *queue.Queue
	limit             int
	excludeTombstones bool
	endOffsets        map[kafka.TopicPartition]int64
	onClose           func()
	closeOnce         sync.Once
}

var _ Query = (*TransientQuery)(nil)

func (q *TransientQuery) Type() QueryType         { return Transient }
func (q *TransientQuery) Queue() *queue.Queue     { return q.queue }
func (q *TransientQuery) Limit() int              { return q.limit }
func (q *TransientQuery) ExcludeTombstones() bool { return q.excludeTombstones }

// EndOffsets returns the offsets a stream pull query stops at. It is nil
// for unbounded transient queries.
func (q *TransientQuery) EndOffsets() map[kafka.TopicPartition]int64 { return q.endOffsets }

// IsStreamPull reports whether the query is bounded by end offsets.
func (q *TransientQuery) IsStreamPull() bool { return q.endOffsets != nil }

// Close stops the query and closes its queue.
func (q *TransientQuery) Close() {
	q.closeOnce.Do(func() {
		q.queue.Close()
		if q.onClose != nil {
			q.onClose()
		}
	})
}
