package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/kafka"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
)

func newTestRegistry(t *testing.T) (*Registry, *mockRuntime, *prometheus.Registry) {
	t.Helper()
	rt := &mockRuntime{}
	reg := prometheus.NewRegistry()
	return New(rt, log.NewNopLogger(), reg), rt, reg
}

func persistentRequest(id queryid.QueryID, sink string) CreatePersistentRequest {
	return CreatePersistentRequest{
		ID:            id,
		Type:          CreateAs,
		StatementText: "CREATE TABLE " + sink + " AS SELECT ...",
		Plan:          &physical.Plan{QueryID: id, OutputType: catalog.Table, Sink: sink},
		Sources:       []string{"ORDERS"},
		Sink:          sink,
	}
}

func TestRegistry_CreateOrReplacePersistentQuery(t *testing.T) {
	ctx := context.Background()
	r, rt, reg := newTestRegistry(t)

	q, err := r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_1", "T"))
	require.NoError(t, err)
	require.Equal(t, Running, q.State())
	require.True(t, q.IsTable())
	require.NotNil(t, q.ScalablePushRegistry())

	_, err = r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_1", "T"))
	require.ErrorIs(t, err, ErrQueryExists)
	require.ErrorContains(t, err, "Query ID 'CTAS_T_1' already exists.")

	req := persistentRequest("CTAS_T_1", "T")
	req.Replace = true
	replacement, err := r.CreateOrReplacePersistentQuery(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Replaced, q.State())
	require.Equal(t, Running, replacement.State())
	require.Equal(t, []queryid.QueryID{"CTAS_T_1"}, rt.Stopped())

	got, ok := r.GetPersistentQuery("CTAS_T_1")
	require.True(t, ok)
	require.Same(t, replacement, got)
	require.Len(t, r.GetAllLiveQueries(), 1)

	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.liveQueries.WithLabelValues("persistent")))
	count, err := testutil.GatherAndCount(reg, "sqlstream_query_state_transitions_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRegistry_ConcurrentCreateSameID(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	var (
		wg        sync.WaitGroup
		mtx       sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_1", "T")); err == nil {
				mtx.Lock()
				succeeded++
				mtx.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, succeeded)
}

func TestRegistry_StartFailure(t *testing.T) {
	r, rt, _ := newTestRegistry(t)
	rt.startErr = errors.New("boom")

	_, err := r.CreateOrReplacePersistentQuery(context.Background(), persistentRequest("CTAS_T_1", "T"))
	require.ErrorContains(t, err, "boom")
	require.False(t, r.IsLive("CTAS_T_1"))
}

func TestRegistry_Lookups(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)

	_, err := r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_1", "T"))
	require.NoError(t, err)
	_, err = r.CreateOrReplacePersistentQuery(ctx, CreatePersistentRequest{
		ID:      "CST_USERS_1",
		Type:    CreateSource,
		Plan:    &physical.Plan{OutputType: catalog.Table},
		Sources: []string{"USERS"},
	})
	require.NoError(t, err)
	insert := persistentRequest("INSERTQUERY_T_1", "T")
	insert.Type = Insert
	_, err = r.CreateOrReplacePersistentQuery(ctx, insert)
	require.NoError(t, err)

	id, ok := r.CreatingQuery("t")
	require.True(t, ok)
	require.Equal(t, queryid.QueryID("CTAS_T_1"), id)

	mat, ok := r.MaterializingQuery("users")
	require.True(t, ok)
	require.Equal(t, queryid.QueryID("CST_USERS_1"), mat.ID())

	require.ElementsMatch(t, []queryid.QueryID{"CTAS_T_1", "INSERTQUERY_T_1"}, r.QueriesWithSink("T"))
	require.ElementsMatch(t, []string{"CTAS_T_1", "INSERTQUERY_T_1"}, r.QueriesUsing("ORDERS"))
	require.True(t, r.IsLive("CST_USERS_1"))

	push, ok := r.PushRegistry("CTAS_T_1")
	require.True(t, ok)
	require.True(t, push.IsTable())

	require.NoError(t, r.Stop(ctx, "CTAS_T_1"))
	require.False(t, r.IsLive("CTAS_T_1"))
	_, ok = r.PushRegistry("CTAS_T_1")
	require.False(t, ok)
	require.ErrorIs(t, r.Stop(ctx, "CTAS_T_1"), ErrQueryNotFound)
}

func TestRegistry_TransientQueries(t *testing.T) {
	ctx := context.Background()
	r, rt, _ := newTestRegistry(t)

	q, err := r.CreateTransientQuery(ctx, CreateTransientRequest{
		ID:            "transient_ORDERS_1",
		Sources:       []string{"ORDERS"},
		Limit:         2,
		QueueCapacity: 10,
	})
	require.NoError(t, err)
	require.False(t, q.IsStreamPull())
	require.True(t, r.IsLive(q.ID()))

	_, err = r.CreateTransientQuery(ctx, CreateTransientRequest{ID: "transient_ORDERS_1", QueueCapacity: 1})
	require.ErrorIs(t, err, ErrQueryExists)

	require.True(t, q.Queue().Put(ctx, queue.Row{Key: 1}))
	require.True(t, q.Queue().Put(ctx, queue.Row{Key: 2}))
	require.False(t, r.IsLive(q.ID()), "reaching the limit removes the query")
	require.Equal(t, Stopped, q.State())
	require.Contains(t, rt.Stopped(), q.ID())

	sp, err := r.CreateStreamPullQuery(ctx, CreateTransientRequest{
		ID:            "transient_ORDERS_2",
		QueueCapacity: 10,
		EndOffsets:    map[kafka.TopicPartition]int64{{Topic: "orders", Partition: 0}: 10},
	})
	require.NoError(t, err)
	require.True(t, sp.IsStreamPull())
	require.NoError(t, r.Stop(ctx, sp.ID()))
	require.False(t, r.IsLive(sp.ID()))
}

func TestRegistry_Service(t *testing.T) {
	ctx := context.Background()
	r, rt, _ := newTestRegistry(t)
	require.NoError(t, services.StartAndAwaitRunning(ctx, r))

	_, err := r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_1", "T"))
	require.NoError(t, err)
	_, err = r.CreateTransientQuery(ctx, CreateTransientRequest{ID: "transient_T_1", QueueCapacity: 1})
	require.NoError(t, err)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, r))
	require.Empty(t, r.GetAllLiveQueries())
	require.Len(t, rt.Stopped(), 2)

	_, err = r.CreateOrReplacePersistentQuery(ctx, persistentRequest("CTAS_T_2", "T2"))
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestState(t *testing.T) {
	for _, s := range []State{Planned, Validated, Running, Replaced, Stopped, Failed} {
		require.False(t, strings.Contains(s.String(), "UNKNOWN"))
	}
	require.True(t, Running.Live())
	require.False(t, Replaced.Live())
}
