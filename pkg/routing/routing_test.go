package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/ring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/sqlstream/pkg/catalog"
	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queryid"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/scalablepush"
	"github.com/grafana/sqlstream/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const localAddr = "local:8088"

func testConfig() Config {
	return Config{
		LocalAddr:             localAddr,
		MaxConcurrentRequests: 4,
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 1,
			Interval:            time.Minute,
			OpenTimeout:         time.Hour,
			HalfOpenRequests:    1,
		},
	}
}

func testPullPlan(partitions int) *physical.PullPlan {
	return &physical.PullPlan{
		QueryID:  "query_1",
		PlanType: physical.TableScan,
		Source: &catalog.DataSource{
			Name:   "T",
			Type:   catalog.Table,
			Schema: schema.MustNew(schema.KeyColumn("ID", schema.TypeString), schema.ValueColumn("V", schema.TypeInteger)),
			Topic:  catalog.Topic{Name: "t", Partitions: partitions},
		},
	}
}

func drain(q *queue.Queue) []queue.Row {
	q.Close()
	return q.Drain()
}

func TestConsistencyOffsetVector(t *testing.T) {
	a := NewConsistencyOffsetVector()
	a.Update("t", 0, 10)
	a.Update("t", 0, 5)
	a.Update("t", 1, 3)

	b := NewConsistencyOffsetVector()
	b.Update("t", 1, 7)
	b.Update("u", 0, 1)

	a.Merge(b)
	o, ok := a.Get("t", 0)
	require.True(t, ok)
	require.Equal(t, int64(10), o)
	o, _ = a.Get("t", 1)
	require.Equal(t, int64(7), o)
	require.True(t, a.Dominates(b))
	require.False(t, b.Dominates(a))

	token, err := a.Serialize()
	require.NoError(t, err)
	decoded, err := DeserializeConsistencyOffsetVector(token)
	require.NoError(t, err)
	require.Equal(t, a.Offsets(), decoded.Offsets())

	empty, err := DeserializeConsistencyOffsetVector("")
	require.NoError(t, err)
	require.True(t, empty.IsEmpty())

	_, err = DeserializeConsistencyOffsetVector("not a token!")
	require.Error(t, err)
}

func TestCanceller(t *testing.T) {
	c := NewCanceller(context.Background())
	require.False(t, c.IsCancelled())
	require.NoError(t, c.Err())

	cause := errors.New("client went away")
	c.Cancel(cause)
	c.Cancel(errors.New("ignored"))
	require.True(t, c.IsCancelled())
	require.ErrorIs(t, c.Err(), cause)

	timed := NewCanceller(context.Background())
	stop := timed.CancelAfter(10 * time.Millisecond)
	defer stop()
	select {
	case <-timed.Done():
	case <-time.After(time.Second):
		t.Fatal("canceller did not fire")
	}
	require.ErrorIs(t, timed.Err(), context.DeadlineExceeded)
}

func TestHARouting_OneReplicaUnreachable(t *testing.T) {
	client := newMockClient()
	client.failures["a:8088"] = errors.New("connection refused")
	client.rows["b:8088"] = []queue.Row{{Key: "k1", Partition: 0}, {Key: "k2", Partition: 1}}
	cv := NewConsistencyOffsetVector()
	cv.Update("t", 0, 42)
	cv.Update("t", 1, 7)
	client.offsets["b:8088"] = cv
	client.offsets["a:8088"] = NewConsistencyOffsetVector()

	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", "b:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())
	q := queue.New(10)
	payload := []byte(`{"kind":"bare_query","body":{}}`)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(2), StatementText: "SELECT * FROM T;", Statement: payload}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)

	require.Equal(t, Degraded, res.Status)
	require.Equal(t, []string{"a:8088"}, res.FailedHosts)
	require.Equal(t, map[string]map[int32]int64{"t": {0: 42, 1: 7}}, res.Consistency.Offsets())
	require.Len(t, drain(q), 2)
	require.Len(t, client.PullCalls("b:8088"), 1)
	require.Equal(t, []int32{0, 1}, client.PullCalls("b:8088")[0].Partitions)
	require.JSONEq(t, string(payload), string(client.PullCalls("b:8088")[0].Statement))
	require.Equal(t, SourceNode, NodeTypeFor(false))
}

func TestHARouting_PrefersLocal(t *testing.T) {
	client := newMockClient()
	local := &mockLocal{rows: []queue.Row{{Key: "k", Partition: 0}}}
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", localAddr}}, local, client, log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)
	require.Equal(t, Complete, res.Status)
	require.Equal(t, 1, local.Calls())
	require.Empty(t, client.PullCalls("a:8088"))
	require.Len(t, drain(q), 1)
}

func TestHARouting_LocalFailsOver(t *testing.T) {
	client := newMockClient()
	client.rows["a:8088"] = []queue.Row{{Key: "k", Partition: 0}}
	local := &mockLocal{err: ErrNoLocalData}
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{localAddr, "a:8088"}}, local, client, log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)
	require.Equal(t, Degraded, res.Status)
	require.Equal(t, []string{localAddr}, res.FailedHosts)
	require.Len(t, client.PullCalls("a:8088"), 1)
	require.Len(t, drain(q), 1)
}

func TestHARouting_FailoverDropsPartialRows(t *testing.T) {
	client := newMockClient()
	// a streams a row and then loses its connection. b serves the same partition.
	client.rows["a:8088"] = []queue.Row{{Key: "k1", Partition: 0}}
	client.failures["a:8088"] = errors.New("connection reset")
	client.rows["b:8088"] = []queue.Row{{Key: "k1", Partition: 0}}
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", "b:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)
	require.Equal(t, Degraded, res.Status)
	require.Equal(t, []string{"a:8088"}, res.FailedHosts)

	rows := drain(q)
	require.Len(t, rows, 1)
	require.Equal(t, "k1", rows[0].Key)
}

func TestHARouting_CancelledRequestKeepsBreakerClosed(t *testing.T) {
	client := newMockClient()
	client.failures["a:8088"] = context.Canceled
	client.rows["b:8088"] = []queue.Row{{Key: "k", Partition: 0}}
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", "b:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())

	for i := 0; i < 3; i++ {
		_, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), queue.New(10))
		require.NoError(t, err)
		require.False(t, h.breakers.isOpen("a:8088"))
	}
	// The breaker trips after one real failure, so a was tried every time.
	require.Len(t, client.PullCalls("a:8088"), 3)
}

func TestHARouting_ForwardedRequestNeverForwards(t *testing.T) {
	client := newMockClient()
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{localAddr, "a:8088"}}, &mockLocal{err: ErrNoLocalData}, client, log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1), Options: Options{SkipForwardRequest: true}}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Status)
	require.NotEmpty(t, res.Reason)
	require.Empty(t, client.PullCalls("a:8088"))
	require.Equal(t, RemoteNode, NodeTypeFor(true))
}

func TestHARouting_ForwardedRequestHonorsPartitions(t *testing.T) {
	local := &mockLocal{rows: []queue.Row{{Key: "k0", Partition: 0}, {Key: "k1", Partition: 1}}}
	h := NewHARouting(testConfig(), StaticLocator{}, local, newMockClient(), log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	res, err := h.NewPullTask(PullQuery{Plan: testPullPlan(2), Options: Options{SkipForwardRequest: true, Partitions: []int32{1}}}).Run(NewCanceller(context.Background()), q)
	require.NoError(t, err)
	require.Equal(t, Complete, res.Status)
	rows := drain(q)
	require.Len(t, rows, 1)
	require.Equal(t, "k1", rows[0].Key)
}

func TestHARouting_NoViableHost(t *testing.T) {
	client := newMockClient()
	client.failures["a:8088"] = errors.New("connection refused")
	client.failures["b:8088"] = errors.New("connection reset")
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", "b:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())

	_, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), queue.New(10))
	require.ErrorIs(t, err, ErrNoViableHost)
	require.ErrorContains(t, err, "connection refused")
	require.ErrorContains(t, err, "connection reset")

	// Both breakers are open now, so no host is contacted at all.
	_, err = h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(NewCanceller(context.Background()), queue.New(10))
	require.ErrorIs(t, err, ErrNoViableHost)
	require.Len(t, client.PullCalls("a:8088"), 1)
	require.Len(t, client.PullCalls("b:8088"), 1)
}

func TestHARouting_SkipHosts(t *testing.T) {
	client := newMockClient()
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088", "b:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())

	_, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1), Options: Options{SkipHosts: []string{"a:8088"}}}).Run(NewCanceller(context.Background()), queue.New(10))
	require.NoError(t, err)
	require.Empty(t, client.PullCalls("a:8088"))
	require.Len(t, client.PullCalls("b:8088"), 1)
}

func TestHARouting_ForwardsConsistencyToken(t *testing.T) {
	client := newMockClient()
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088"}}, &mockLocal{}, client, log.NewNopLogger(), prometheus.NewRegistry())

	cv := NewConsistencyOffsetVector()
	cv.Update("t", 0, 3)
	_, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1), Consistency: cv}).Run(NewCanceller(context.Background()), queue.New(10))
	require.NoError(t, err)

	calls := client.PullCalls("a:8088")
	require.Len(t, calls, 1)
	decoded, err := DeserializeConsistencyOffsetVector(calls[0].ConsistencyToken)
	require.NoError(t, err)
	require.Equal(t, cv.Offsets(), decoded.Offsets())
}

func TestHARouting_Cancelled(t *testing.T) {
	h := NewHARouting(testConfig(), StaticLocator{Hosts: []string{"a:8088"}}, &mockLocal{}, newMockClient(), log.NewNopLogger(), prometheus.NewRegistry())
	c := NewCanceller(context.Background())
	c.Cancel(nil)
	_, err := h.NewPullTask(PullQuery{Plan: testPullPlan(1)}).Run(c, queue.New(10))
	require.ErrorIs(t, err, ErrCancelled)
}

func TestRingLocator(t *testing.T) {
	r := &mockReadRing{instances: []ring.InstanceDesc{{Addr: "a:8088"}, {Addr: "b:8088"}, {Addr: "c:8088"}}}
	l := NewRingLocator(r)

	locs, err := l.Locate(context.Background(), testPullPlan(4).Source, []int32{0, 1, 2, 3})
	require.NoError(t, err)
	require.Len(t, locs, 4)
	for i, loc := range locs {
		require.Equal(t, int32(i), loc.Partition)
		require.Len(t, loc.Hosts, 2)
		require.NotEqual(t, loc.Hosts[0], loc.Hosts[1])
	}

	hosts, err := l.HostsRunning(context.Background(), "CTAS_T_1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a:8088", "b:8088", "c:8088"}, hosts)
}

func testPushPlan() *physical.PushPlan {
	src := testPullPlan(1).Source
	proj, _ := physical.NewProjection(src.Schema, src.Schema)
	return &physical.PushPlan{
		QueryID:     "SCALABLE_PUSH_QUERY_1",
		Schema:      src.Schema,
		Source:      src,
		SourceQuery: "CTAS_T_1",
		Keys:        []any{"k1"},
		Projection:  proj,
	}
}

func TestPushRouting_LocalAndRemote(t *testing.T) {
	reg := scalablepush.NewRegistry(true, false)
	client := newMockClient()
	client.rows["a:8088"] = []queue.Row{{Key: "k1", Values: []any{1}}}
	p := NewPushRouting(testConfig(), StaticLocator{Hosts: []string{localAddr, "a:8088"}}, func(id queryid.QueryID) (*scalablepush.Registry, bool) {
		return reg, id == "CTAS_T_1"
	}, client, log.NewNopLogger(), prometheus.NewRegistry())

	q := queue.New(10)
	c := NewCanceller(context.Background())
	type outcome struct {
		res PushResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.NewPushTask(PushQuery{Plan: testPushPlan()}).Run(c, q)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return reg.NumSubscribers() == 1 }, time.Second, time.Millisecond)
	reg.Publish(context.Background(), queue.Row{Key: "k2", Values: []any{2}})
	reg.Publish(context.Background(), queue.Row{Key: "k1", Values: []any{3}})
	require.Eventually(t, func() bool { return q.Len() == 2 }, time.Second, time.Millisecond)

	c.Cancel(nil)
	out := <-done
	require.NoError(t, out.err)
	require.Equal(t, Complete, out.res.Status)
	require.Equal(t, 1, client.PushCalls("a:8088"))
	require.Equal(t, 0, reg.NumSubscribers())
	for _, row := range drain(q) {
		require.Equal(t, "k1", row.Key)
	}
}

func TestPushRouting_SourceQueryStopped(t *testing.T) {
	reg := scalablepush.NewRegistry(false, false)
	p := NewPushRouting(testConfig(), StaticLocator{Hosts: []string{localAddr}}, func(queryid.QueryID) (*scalablepush.Registry, bool) {
		return reg, true
	}, newMockClient(), log.NewNopLogger(), prometheus.NewRegistry())

	for _, forwarded := range []bool{false, true} {
		q := queue.New(10)
		done := make(chan error, 1)
		go func() {
			_, err := p.NewPushTask(PushQuery{Plan: testPushPlan(), Options: PushOptions{HasBeenForwarded: forwarded}}).
				Run(NewCanceller(context.Background()), q)
			done <- err
		}()
		require.Eventually(t, func() bool { return reg.NumSubscribers() == 1 }, time.Second, time.Millisecond)

		// Stopping or replacing the source query closes its registry.
		reg.Close()
		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrSourceQueryStopped)
		case <-time.After(5 * time.Second):
			t.Fatalf("push query still running after its source query stopped (forwarded=%t)", forwarded)
		}
		require.Equal(t, 0, reg.NumSubscribers())
		reg = scalablepush.NewRegistry(false, false)
	}
}

func TestPushRouting_ForwardedWithoutLocalQuery(t *testing.T) {
	client := newMockClient()
	p := NewPushRouting(testConfig(), StaticLocator{Hosts: []string{"a:8088"}}, func(queryid.QueryID) (*scalablepush.Registry, bool) {
		return nil, false
	}, client, log.NewNopLogger(), prometheus.NewRegistry())

	res, err := p.NewPushTask(PushQuery{Plan: testPushPlan(), Options: PushOptions{HasBeenForwarded: true}}).Run(NewCanceller(context.Background()), queue.New(1))
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Status)
	require.Equal(t, 0, client.PushCalls("a:8088"))
}

func TestPushRouting_AllHostsFail(t *testing.T) {
	client := newMockClient()
	client.failures["a:8088"] = errors.New("connection refused")
	p := NewPushRouting(testConfig(), StaticLocator{Hosts: []string{"a:8088"}}, func(queryid.QueryID) (*scalablepush.Registry, bool) {
		return nil, false
	}, client, log.NewNopLogger(), prometheus.NewRegistry())

	_, err := p.NewPushTask(PushQuery{Plan: testPushPlan()}).Run(NewCanceller(context.Background()), queue.New(1))
	require.ErrorIs(t, err, ErrNoViableHost)
}

func TestPushRouting_Prepare(t *testing.T) {
	client := newMockClient()
	client.failures["a:8088"] = errors.New("connection refused")
	lookup := func(queryid.QueryID) (*scalablepush.Registry, bool) { return nil, false }
	p := NewPushRouting(testConfig(), StaticLocator{Hosts: []string{"a:8088"}}, lookup, client, log.NewNopLogger(), prometheus.NewRegistry())

	task := p.NewPushTask(PushQuery{Plan: testPushPlan()})
	require.NoError(t, task.Prepare(context.Background()))
	require.Equal(t, 0, client.PushCalls("a:8088"))

	// A failed connection opens the breaker, after which no host is left.
	_, err := task.Run(NewCanceller(context.Background()), queue.New(1))
	require.ErrorIs(t, err, ErrNoViableHost)
	require.ErrorIs(t, task.Prepare(context.Background()), ErrNoViableHost)

	forwarded := p.NewPushTask(PushQuery{Plan: testPushPlan(), Options: PushOptions{HasBeenForwarded: true}})
	require.ErrorIs(t, forwarded.Prepare(context.Background()), ErrNoLocalData)
}
