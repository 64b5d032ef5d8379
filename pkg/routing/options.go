// Package routing decides where pull and push queries execute and fans them
// out to the hosts holding the data.
package routing

import (
	"fmt"
	"sort"
	"strings"
)

// NodeType classifies the node handling a request, for metrics.
type NodeType string

const (
	// SourceNode is the node that received the request from a client.
	SourceNode NodeType = "source_node"
	// RemoteNode is a node answering a request forwarded by another node.
	RemoteNode NodeType = "remote_node"
)

// NodeTypeFor returns the node type of a request that was, or was not,
// forwarded.
func NodeTypeFor(forwarded bool) NodeType {
	if forwarded {
		return RemoteNode
	}
	return SourceNode
}

// Options are the per request routing flags of a pull query.
type Options struct {
	// SkipForwardRequest is set on requests forwarded by another node. Such
	// requests are answered locally or fail; they are never forwarded again.
	SkipForwardRequest bool
	// SkipHosts are hosts that must not be contacted.
	SkipHosts []string
	// Partitions restricts the query to these partitions. Empty means all
	// partitions the plan needs.
	Partitions []int32
	// DebugRequest asks for routing details to be logged.
	DebugRequest bool
}

// IsSkippedHost reports whether host is in the skip list.
func (o Options) IsSkippedHost(host string) bool {
	for _, h := range o.SkipHosts {
		if h == host {
			return true
		}
	}
	return false
}

func (o Options) DebugString() string {
	hosts := append([]string(nil), o.SkipHosts...)
	sort.Strings(hosts)
	return fmt.Sprintf("forwarded=%t skip_hosts=[%s] partitions=%v debug=%t",
		o.SkipForwardRequest, strings.Join(hosts, ","), o.Partitions, o.DebugRequest)
}

// PushOptions are the per request routing flags of a scalable push query.
type PushOptions struct {
	// HasBeenForwarded is set on requests forwarded by another node.
	HasBeenForwarded bool
	// ExpectingStartOfRegistryData asks the local registry to deliver rows
	// only from the start of its data.
	ExpectingStartOfRegistryData bool
	DebugRequest                 bool
}

func (o PushOptions) DebugString() string {
	return fmt.Sprintf("forwarded=%t expecting_start=%t debug=%t", o.HasBeenForwarded, o.ExpectingStartOfRegistryData, o.DebugRequest)
}
