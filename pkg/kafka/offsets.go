package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// TopicPartition identifies a partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string { return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition) }

// OffsetsLookup finds the end of topics.
type OffsetsLookup interface {
	// EndOffsets returns, for each partition of topic, the offset the next
	// produced record will get.
	EndOffsets(ctx context.Context, topic string) (map[TopicPartition]int64, error)
}

// AdminOffsets looks offsets up with the Kafka admin API.
type AdminOffsets struct {
	client *kgo.Client
	admin  *kadm.Client
}

var _ OffsetsLookup = (*AdminOffsets)(nil)

// NewAdminOffsets wraps client. The caller keeps ownership of client.
func NewAdminOffsets(client *kgo.Client) *AdminOffsets {
	return &AdminOffsets{client: client, admin: kadm.NewClient(client)}
}

func (a *AdminOffsets) EndOffsets(ctx context.Context, topic string) (map[TopicPartition]int64, error) {
	listed, err := a.admin.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("listing end offsets of topic %s: %w", topic, err)
	}
	if err := listed.Error(); err != nil {
		return nil, fmt.Errorf("listing end offsets of topic %s: %w", topic, err)
	}

	out := make(map[TopicPartition]int64)
	for t, partitions := range listed.Offsets() {
		for p, o := range partitions {
			out[TopicPartition{Topic: t, Partition: p}] = o.At
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", topic)
	}
	return out, nil
}

// PartitionEndOffset returns the end offset of a single partition with a
// ListOffsets request sent to the partition leader.
func (a *AdminOffsets) PartitionEndOffset(ctx context.Context, tp TopicPartition) (int64, error) {
	partitionReq := kmsg.NewListOffsetsRequestTopicPartition()
	partitionReq.Partition = tp.Partition
	partitionReq.Timestamp = -1 // Latest.

	topicReq := kmsg.NewListOffsetsRequestTopic()
	topicReq.Topic = tp.Topic
	topicReq.Partitions = []kmsg.ListOffsetsRequestTopicPartition{partitionReq}

	req := kmsg.NewPtrListOffsetsRequest()
	req.IsolationLevel = 0 // READ_UNCOMMITTED.
	req.Topics = []kmsg.ListOffsetsRequestTopic{topicReq}

	resps := a.client.RequestSharded(ctx, req)
	if len(resps) != 1 {
		return 0, fmt.Errorf("unexpected number of responses: %d", len(resps))
	}
	res := resps[0]
	if res.Err != nil {
		return 0, res.Err
	}
	listRes, ok := res.Resp.(*kmsg.ListOffsetsResponse)
	if !ok {
		return 0, errors.New("unexpected response type")
	}
	if len(listRes.Topics) != 1 || len(listRes.Topics[0].Partitions) != 1 {
		return 0, errors.New("malformed response")
	}
	partition := listRes.Topics[0].Partitions[0]
	if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
		return 0, err
	}
	return partition.Offset, nil
}

// StaticOffsets is an OffsetsLookup backed by a fixed map.
type StaticOffsets map[TopicPartition]int64

func (s StaticOffsets) EndOffsets(_ context.Context, topic string) (map[TopicPartition]int64, error) {
	out := make(map[TopicPartition]int64)
	for tp, o := range s {
		if tp.Topic == topic {
			out[tp] = o
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions", topic)
	}
	return out, nil
}
