package materialize

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/config"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/logical"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/registry"
	"github.com/grafana/sqlstream/pkg/statement"
)

func buildPlan(t *testing.T, ms catalog.MetaStore, id queryid.QueryID, q statement.Query, sink *logical.Sink) *physical.Plan {
	t.Helper()
	lp, err := logical.Build("stmt", q, sink, ms, logical.Options{})
	require.NoError(t, err)
	p, err := physical.DefaultBuilder{}.Build(lp, config.Default(), ms, id, nil)
	require.NoError(t, err)
	return p
}

func TestRuntime_Kafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "users"))
	require.NoError(t, err)
	defer cluster.Close()
	addrs := cluster.ListenAddrs()

	producer, err := kgo.NewClient(kgo.SeedBrokers(addrs...))
	require.NoError(t, err)
	defer producer.Close()
	for _, row := range []queue.Row{
		{Key: "a", Values: []any{"ada", int32(36), 1.0}},
		{Key: "b", Values: []any{"bob", int32(40), 2.0}},
		{Key: "a", Values: []any{"alan", int32(41), 3.0}},
	} {
		rec, err := EncodeRecord(usersSchema, "users", row)
		require.NoError(t, err)
		require.NoError(t, producer.ProduceSync(ctx, rec).FirstErr())
	}

	ms := catalog.NewMemory()
	require.NoError(t, ms.PutSource(&catalog.DataSource{Name: "USERS", Type: catalog.Table, Schema: usersSchema, Topic: catalog.Topic{Name: "users", Partitions: 1}}, false))

	store := NewStore()
	rt := NewRuntime(store, ms, func(opts ...kgo.Opt) (*kgo.Client, error) {
		return kgo.NewClient(append([]kgo.Opt{kgo.SeedBrokers(addrs...)}, opts...)...)
	}, log.NewNopLogger())
	require.NoError(t, services.StartAndAwaitRunning(ctx, rt))
	defer func() { require.NoError(t, services.StopAndAwaitTerminated(context.Background(), rt)) }()

	reg := registry.New(rt, log.NewNopLogger(), prometheus.NewRegistry())
	defer reg.Close(context.Background())

	t.Run("persistent query materializes its sink", func(t *testing.T) {
		plan := buildPlan(t, ms, "CTAS_U2_1", statement.Query{From: "USERS"}, &logical.Sink{Name: "U2", CreateInto: true})
		_, err := reg.CreateOrReplacePersistentQuery(ctx, registry.CreatePersistentRequest{
			ID:            "CTAS_U2_1",
			Type:          registry.CreateAs,
			StatementText: "CREATE TABLE U2 AS SELECT * FROM USERS;",
			Plan:          plan,
			Sources:       []string{"USERS"},
			Sink:          "U2",
		})
		require.NoError(t, err)

		table, ok := store.Table("CTAS_U2_1")
		require.True(t, ok)
		require.Eventually(t, func() bool {
			offset, ok := offsetOf(table, 0)
			return ok && offset == 2
		}, 10*time.Second, 10*time.Millisecond)
		require.Equal(t, 2, table.Len())

		require.NoError(t, reg.Stop(ctx, "CTAS_U2_1"))
		_, ok = store.Table("CTAS_U2_1")
		require.False(t, ok)
	})

	t.Run("stream pull query stops at end offsets", func(t *testing.T) {
		offsets, err := kafka.NewAdminOffsets(producer).EndOffsets(ctx, "users")
		require.NoError(t, err)

		plan := buildPlan(t, ms, "transient_USERS_1", statement.Query{From: "USERS"}, nil)
		q, err := reg.CreateStreamPullQuery(ctx, registry.CreateTransientRequest{
			ID:            "transient_USERS_1",
			StatementText: "SELECT * FROM USERS;",
			Plan:          plan,
			Sources:       []string{"USERS"},
			QueueCapacity: 10,
			EndOffsets:    offsets,
		})
		require.NoError(t, err)
		defer q.Close()

		var keys []any
		for {
			row, err := q.Queue().Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			keys = append(keys, row.Key)
		}
		require.Equal(t, []any{"a", "b", "a"}, keys)
	})
}

func offsetOf(t *Table, partition int32) (int64, bool) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	o, ok := t.offsets[partition]
	return o, ok
}
