package routing

import (
	"context"
	"errors"

	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/scalablepush"
)

var (
	// ErrNoLocalData is returned by local executors that do not hold the
	// state of a requested partition.
	ErrNoLocalData = errors.New("no local data for partition")
	// ErrLagging is returned by local executors whose state is behind the
	// consistency vector of the request.
	ErrLagging = errors.New("local state is behind the requested consistency vector")
	// ErrNoViableHost is returned when no replica could answer a request.
	ErrNoViableHost = errors.New("no viable host could serve the request")
	// ErrRejected is returned by clients when the remote host declined a
	// forwarded request.
	ErrRejected = errors.New("request rejected by remote host")
	// ErrSourceQueryStopped ends push queries whose source query stopped or
	// was replaced.
	ErrSourceQueryStopped = errors.New("source query is no longer running")
)

// RowSink receives result rows. Put returns false once the sink no longer
// accepts rows. *queue.Queue implements it.
type RowSink interface {
	Put(ctx context.Context, row queue.Row) bool
}

var _ RowSink = (*queue.Queue)(nil)

// LocalPullExecutor runs a pull plan against the state held by this host.
type LocalPullExecutor interface {
	// ExecutePull writes the rows of partitions to rows and returns the
	// offsets the state reflects. It returns an error wrapping
	// ErrNoLocalData or ErrLagging without writing any row when it cannot
	// serve the request.
	ExecutePull(ctx context.Context, plan *physical.PullPlan, partitions []int32, consistency *ConsistencyOffsetVector, rows RowSink) (*ConsistencyOffsetVector, error)
}

// PushRegistryLookup returns the push registry of a running persistent
// query on this host.
type PushRegistryLookup func(id queryid.QueryID) (*scalablepush.Registry, bool)

// PullRequest is a pull query forwarded to another host.
type PullRequest struct {
	StatementText string `json:"sql"`
	// Statement is the analyzed statement, encoded by statement.Marshal.
	Statement        jsoniter.RawMessage `json:"statement"`
	Properties       map[string]string   `json:"properties,omitempty"`
	Partitions       []int32             `json:"partitions,omitempty"`
	ConsistencyToken string              `json:"consistency_token,omitempty"`
}

// PushRequest is a scalable push query forwarded to another host.
type PushRequest struct {
	StatementText                string              `json:"sql"`
	Statement                    jsoniter.RawMessage `json:"statement"`
	Properties                   map[string]string   `json:"properties,omitempty"`
	ExpectingStartOfRegistryData bool                `json:"expecting_start,omitempty"`
}

// Client forwards requests to remote hosts. Implementations mark the
// requests as forwarded so the remote host never forwards them again.
type Client interface {
	ExecutePull(ctx context.Context, host string, req PullRequest, rows RowSink) (*ConsistencyOffsetVector, error)
	ExecutePush(ctx context.Context, host string, req PushRequest, rows RowSink) error
}

// Status is the outcome of a routed request.
type Status int

const (
	// Complete means every partition was served by its preferred host.
	Complete Status = iota
	// Degraded means some hosts failed and other replicas answered for
	// them.
	Degraded
	// Rejected means a forwarded request could not be answered locally.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Degraded:
		return "degraded"
	case Rejected:
		return "rejected"
	default:
		return "complete"
	}
}
