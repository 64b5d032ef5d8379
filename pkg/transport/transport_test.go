package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/routing"
	"github.com/grafana/sqlstream/pkg/statement"
)

type fakeDecoder struct{}

func (fakeDecoder) DecodeStatement(text string, payload []byte, _ map[string]string) (statement.Configured, error) {
	stmt, err := statement.Unmarshal(payload)
	if err != nil {
		return statement.Configured{}, err
	}
	return statement.Configured{Text: text, Statement: stmt}, nil
}

func encode(t *testing.T, q statement.Query) []byte {
	t.Helper()
	b, err := statement.Marshal(&statement.BareQuery{Query: q})
	require.NoError(t, err)
	return b
}

type fakeBackend struct {
	rows       []queue.Row
	pullResult routing.PullResult
	err        error

	mtx      sync.Mutex
	pullStmt statement.Configured
	pullOpts routing.Options
	pullCV   *routing.ConsistencyOffsetVector
	pushOpts routing.PushOptions
}

func (b *fakeBackend) ServePull(ctx context.Context, stmt statement.Configured, opts routing.Options, cv *routing.ConsistencyOffsetVector, rows routing.RowSink) (routing.PullResult, error) {
	b.mtx.Lock()
	b.pullStmt, b.pullOpts, b.pullCV = stmt, opts, cv
	b.mtx.Unlock()
	for _, r := range b.rows {
		rows.Put(ctx, r)
	}
	return b.pullResult, b.err
}

func (b *fakeBackend) ServePush(ctx context.Context, _ statement.Configured, opts routing.PushOptions, rows routing.RowSink) (routing.PushResult, error) {
	b.mtx.Lock()
	b.pushOpts = opts
	b.mtx.Unlock()
	for _, r := range b.rows {
		rows.Put(ctx, r)
	}
	<-ctx.Done()
	return routing.PushResult{}, nil
}

func newServer(t *testing.T, decoder Decoder, backend Backend) string {
	t.Helper()
	srv := httptest.NewServer(NewHandler(decoder, backend, log.NewNopLogger()))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestClient_ExecutePull(t *testing.T) {
	cv := routing.NewConsistencyOffsetVector()
	cv.Update("t", 0, 12)
	backend := &fakeBackend{
		rows:       []queue.Row{{Key: "a", Values: []any{"x", 1.5}, Partition: 0, Offset: 3}},
		pullResult: routing.PullResult{Status: routing.Complete, Consistency: cv},
	}
	host := newServer(t, fakeDecoder{}, backend)

	want := routing.NewConsistencyOffsetVector()
	want.Update("t", 0, 10)
	token, err := want.Serialize()
	require.NoError(t, err)

	rows := queue.New(10)
	got, err := NewClient(nil).ExecutePull(context.Background(), host, routing.PullRequest{
		StatementText:    "SELECT * FROM T WHERE ID IN (7);",
		Statement:        encode(t, statement.Query{From: "T", Where: &statement.Where{KeyColumn: "ID", Keys: []any{7}}, PullQuery: true}),
		Partitions:       []int32{0},
		ConsistencyToken: token,
	}, rows)
	require.NoError(t, err)
	require.Equal(t, cv.Offsets(), got.Offsets())

	backend.mtx.Lock()
	defer backend.mtx.Unlock()
	require.Equal(t, "SELECT * FROM T WHERE ID IN (7);", backend.pullStmt.Text)
	require.True(t, backend.pullStmt.IsPullQuery())
	q, _ := backend.pullStmt.Query()
	require.Equal(t, "7", fmt.Sprint(q.Where.Keys[0]))
	require.True(t, backend.pullOpts.SkipForwardRequest)
	require.Equal(t, []int32{0}, backend.pullOpts.Partitions)
	require.Equal(t, want.Offsets(), backend.pullCV.Offsets())

	rows.Close()
	received := rows.Drain()
	require.Len(t, received, 1)
	require.Equal(t, "a", received[0].Key)
	require.Equal(t, []any{"x", 1.5}, received[0].Values)
	require.Equal(t, int64(3), received[0].Offset)
}

func TestClient_ExecutePullFailures(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		host := newServer(t, fakeDecoder{}, &fakeBackend{pullResult: routing.PullResult{Status: routing.Rejected, Reason: "no local data"}})
		_, err := NewClient(nil).ExecutePull(context.Background(), host, routing.PullRequest{StatementText: "SELECT 1;", Statement: encode(t, statement.Query{PullQuery: true})}, queue.New(1))
		require.ErrorIs(t, err, routing.ErrRejected)
		require.ErrorContains(t, err, "no local data")
	})
	t.Run("backend error", func(t *testing.T) {
		host := newServer(t, fakeDecoder{}, &fakeBackend{err: errors.New("boom")})
		_, err := NewClient(nil).ExecutePull(context.Background(), host, routing.PullRequest{StatementText: "SELECT 1;", Statement: encode(t, statement.Query{PullQuery: true})}, queue.New(1))
		require.EqualError(t, err, "boom")
	})
	t.Run("missing statement", func(t *testing.T) {
		host := newServer(t, fakeDecoder{}, &fakeBackend{})
		_, err := NewClient(nil).ExecutePull(context.Background(), host, routing.PullRequest{StatementText: "SELECT 1;"}, queue.New(1))
		require.ErrorContains(t, err, "400 Bad Request")
		require.ErrorContains(t, err, "no analyzed statement")
	})
	t.Run("undecodable statement", func(t *testing.T) {
		host := newServer(t, fakeDecoder{}, &fakeBackend{})
		_, err := NewClient(nil).ExecutePull(context.Background(), host, routing.PullRequest{StatementText: "SELECT 1;", Statement: []byte(`{"kind":"vacuum","body":{}}`)}, queue.New(1))
		require.ErrorContains(t, err, "400 Bad Request")
		require.ErrorContains(t, err, "unknown statement kind")
	})
}

func TestClient_ExecutePush(t *testing.T) {
	backend := &fakeBackend{rows: []queue.Row{{Key: "a", Values: []any{"x"}}, {Key: "b", Values: []any{"y"}}}}
	host := newServer(t, fakeDecoder{}, backend)

	ctx, cancel := context.WithCancel(context.Background())
	rows := queue.New(10)
	req := routing.PushRequest{
		StatementText:                "SELECT * FROM S EMIT CHANGES;",
		Statement:                    encode(t, statement.Query{From: "S", ScalablePush: true}),
		ExpectingStartOfRegistryData: true,
	}
	done := make(chan error, 1)
	go func() {
		done <- NewClient(nil).ExecutePush(ctx, host, req, rows)
	}()

	require.Eventually(t, func() bool { return rows.Len() == 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	backend.mtx.Lock()
	defer backend.mtx.Unlock()
	require.True(t, backend.pushOpts.HasBeenForwarded)
	require.True(t, backend.pushOpts.ExpectingStartOfRegistryData)
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	host := newServer(t, fakeDecoder{}, &fakeBackend{})
	resp, err := http.Get("http://" + host + PullPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
