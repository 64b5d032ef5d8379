package routing

import (
	"context"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/grafana/dskit/ring"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/queryid"
)

// ReplicaRead selects the active replicas of a partition.
var ReplicaRead = ring.NewOp([]ring.InstanceState{ring.ACTIVE}, nil)

// PartitionLocation lists the hosts able to serve a partition, in order of
// preference.
type PartitionLocation struct {
	Partition int32
	Hosts     []string
}

// HostLocator resolves where the partitions of a materialized source live.
type HostLocator interface {
	Locate(ctx context.Context, source *catalog.DataSource, partitions []int32) ([]PartitionLocation, error)
}

// QueryHostLocator resolves the hosts running a persistent query.
type QueryHostLocator interface {
	HostsRunning(ctx context.Context, id queryid.QueryID) ([]string, error)
}

// Locator resolves both partitions and queries.
type Locator interface {
	HostLocator
	QueryHostLocator
}

// StaticLocator treats every host of a fixed list as a replica of every
// partition and of every query.
type StaticLocator struct {
	Hosts []string
}

var (
	_ Locator = StaticLocator{}
	_ Locator = (*RingLocator)(nil)
)

func (l StaticLocator) Locate(_ context.Context, _ *catalog.DataSource, partitions []int32) ([]PartitionLocation, error) {
	out := make([]PartitionLocation, 0, len(partitions))
	for _, p := range partitions {
		out = append(out, PartitionLocation{Partition: p, Hosts: append([]string(nil), l.Hosts...)})
	}
	return out, nil
}

func (l StaticLocator) HostsRunning(_ context.Context, _ queryid.QueryID) ([]string, error) {
	return append([]string(nil), l.Hosts...), nil
}

// RingLocator places partitions on the instances of a hash ring.
type RingLocator struct {
	ring ring.ReadRing
}

// NewRingLocator returns a locator backed by r.
func NewRingLocator(r ring.ReadRing) *RingLocator {
	return &RingLocator{ring: r}
}

func (l *RingLocator) Locate(_ context.Context, source *catalog.DataSource, partitions []int32) ([]PartitionLocation, error) {
	var (
		bufDescs [5]ring.InstanceDesc
		bufHosts [5]string
		bufZones [5]string
	)
	out := make([]PartitionLocation, 0, len(partitions))
	for _, p := range partitions {
		rs, err := l.ring.Get(PartitionToken(source.Topic.Name, p), ReplicaRead, bufDescs[:0], bufHosts[:0], bufZones[:0])
		if err != nil {
			return nil, err
		}
		loc := PartitionLocation{Partition: p, Hosts: make([]string, 0, len(rs.Instances))}
		for _, inst := range rs.Instances {
			loc.Hosts = append(loc.Hosts, inst.Addr)
		}
		out = append(out, loc)
	}
	return out, nil
}

// HostsRunning returns every healthy instance, since each instance runs
// every persistent query over its share of the partitions.
func (l *RingLocator) HostsRunning(_ context.Context, _ queryid.QueryID) ([]string, error) {
	rs, err := l.ring.GetAllHealthy(ReplicaRead)
	if err != nil {
		return nil, err
	}
	return rs.GetAddresses(), nil
}

// PartitionToken is the ring token of a topic partition.
func PartitionToken(topic string, partition int32) uint32 {
	return uint32(xxhash.Sum64String(topic + "/" + strconv.Itoa(int(partition))))
}
