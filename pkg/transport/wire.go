// Package transport forwards pull and push queries between hosts over
// HTTP, streaming rows as newline delimited JSON.
package transport

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/sqlstream/pkg/queue"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	PullPath = "/internal/query/pull"
	PushPath = "/internal/query/push"

	// ForwardedHeader marks a request sent by another host.
	ForwardedHeader = "X-Sqlstream-Forwarded"

	contentTypeJSON   = "application/json"
	contentTypeNDJSON = "application/x-ndjson"
)

// message is one line of a response stream. Exactly one field is set.
type message struct {
	Row              *wireRow `json:"row,omitempty"`
	Done             bool     `json:"done,omitempty"`
	ConsistencyToken string   `json:"consistency_token,omitempty"`
	Rejected         string   `json:"rejected,omitempty"`
	Error            string   `json:"error,omitempty"`
}

type wireRow struct {
	Key       any           `json:"key,omitempty"`
	Values    []any         `json:"values"`
	Window    *queue.Window `json:"window,omitempty"`
	Tombstone bool          `json:"tombstone,omitempty"`
	Partition int32         `json:"partition"`
	Offset    int64         `json:"offset"`
}

func toWire(r queue.Row) *wireRow {
	return &wireRow{Key: r.Key, Values: r.Values, Window: r.Window, Tombstone: r.Tombstone, Partition: r.Partition, Offset: r.Offset}
}

func (w *wireRow) row() queue.Row {
	return queue.Row{Key: w.Key, Values: w.Values, Window: w.Window, Tombstone: w.Tombstone, Partition: w.Partition, Offset: w.Offset}
}
