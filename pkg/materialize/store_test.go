package materialize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/scalablepush"
	"github.com/grafana/sqlstream/pkg/schema"
)

func pullPlan(t *testing.T, materialization queryid.QueryID, keys ...any) *physical.PullPlan {
	t.Helper()
	out := schema.MustNew(schema.KeyColumn("ID", schema.TypeString), schema.ValueColumn("NAME", schema.TypeString))
	proj, err := physical.NewProjection(usersSchema, out)
	require.NoError(t, err)
	plan := &physical.PullPlan{
		QueryID:         "query_1",
		Schema:          out,
		Source:          &catalog.DataSource{Name: "USERS", Type: catalog.Table, Schema: usersSchema, Topic: catalog.Topic{Name: "users", Partitions: 2}},
		Materialization: materialization,
		Keys:            keys,
		Projection:      proj,
	}
	if len(keys) == 0 {
		plan.PlanType = physical.TableScan
	}
	return plan
}

func TestStore_ExecutePull(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	push := scalablepush.NewRegistry(true, false)
	table := s.Create("CTAS_USERS_1", "users", 2, push)

	published := queue.New(10)
	sub, err := push.Register(published)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	table.Apply(ctx, queue.Row{Key: "a", Values: []any{"ada", int32(36), 1.0}, Partition: 0, Offset: 0})
	table.Apply(ctx, queue.Row{Key: "b", Values: []any{"bob", int32(40), 2.0}, Partition: 0, Offset: 1})
	table.Apply(ctx, queue.Row{Key: "a", Values: []any{"alan", int32(41), 3.0}, Partition: 1, Offset: 5})
	table.Apply(ctx, queue.Row{Key: "b", Tombstone: true, Partition: 0, Offset: 2})
	require.Equal(t, 1, table.Len())
	require.Eventually(t, func() bool { return published.Len() == 4 }, 5*time.Second, 10*time.Millisecond)

	t.Run("table scan", func(t *testing.T) {
		plan := pullPlan(t, "CTAS_USERS_1")
		rows := queue.New(10)
		cv, err := s.ExecutePull(ctx, plan, plan.Partitions(), nil, rows)
		require.NoError(t, err)
		rows.Close()
		got := rows.Drain()
		require.Len(t, got, 1)
		require.Equal(t, "a", got[0].Key)
		require.Equal(t, []any{"alan"}, got[0].Values)
		require.Equal(t, map[string]map[int32]int64{"users": {0: 2, 1: 5}}, cv.Offsets())
		require.Equal(t, int64(1), plan.RowsRead())
	})

	t.Run("key lookup misses", func(t *testing.T) {
		plan := pullPlan(t, "CTAS_USERS_1", "b")
		rows := queue.New(10)
		_, err := s.ExecutePull(ctx, plan, plan.Partitions(), nil, rows)
		require.NoError(t, err)
		require.Equal(t, 0, rows.Len())
	})

	t.Run("lagging", func(t *testing.T) {
		plan := pullPlan(t, "CTAS_USERS_1")
		want := routing.NewConsistencyOffsetVector()
		want.Update("users", 1, 6)
		want.Update("other", 0, 100)
		_, err := s.ExecutePull(ctx, plan, plan.Partitions(), want, queue.New(10))
		require.ErrorIs(t, err, routing.ErrLagging)

		caughtUp := routing.NewConsistencyOffsetVector()
		caughtUp.Update("users", 1, 5)
		_, err = s.ExecutePull(ctx, plan, plan.Partitions(), caughtUp, queue.New(10))
		require.NoError(t, err)
	})

	t.Run("not materialized here", func(t *testing.T) {
		plan := pullPlan(t, "CTAS_OTHER_1")
		_, err := s.ExecutePull(ctx, plan, []int32{0}, nil, queue.New(10))
		require.ErrorIs(t, err, routing.ErrNoLocalData)

		plan = pullPlan(t, "CTAS_USERS_1")
		_, err = s.ExecutePull(ctx, plan, []int32{7}, nil, queue.New(10))
		require.ErrorIs(t, err, routing.ErrNoLocalData)
	})

	t.Run("limit reached", func(t *testing.T) {
		table.Apply(ctx, queue.Row{Key: "c", Values: []any{"cy", int32(1), 0.0}, Partition: 0, Offset: 3})
		plan := pullPlan(t, "CTAS_USERS_1")
		rows := queue.New(10, queue.WithLimit(1, nil))
		_, err := s.ExecutePull(ctx, plan, plan.Partitions(), nil, rows)
		require.NoError(t, err)
		require.Len(t, rows.Drain(), 1)
	})

	s.Drop("CTAS_USERS_1")
	_, ok := s.Table("CTAS_USERS_1")
	require.False(t, ok)
}
