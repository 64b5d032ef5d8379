package queue

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueue_PutNext(t *testing.T) {
	ctx := context.Background()
	q := New(4)
	require.True(t, q.Put(ctx, Row{Key: "a"}))
	require.True(t, q.Put(ctx, Row{Key: "b"}))
	q.Close()
	require.False(t, q.Put(ctx, Row{Key: "c"}))
	require.False(t, q.AcceptsRows())

	row, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", row.Key)
	row, err = q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", row.Key)
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestQueue_CloseWithError(t *testing.T) {
	ctx := context.Background()
	q := New(2)
	require.True(t, q.Put(ctx, Row{Key: "a"}))

	boom := errors.New("boom")
	q.CloseWithError(boom)
	q.CloseWithError(errors.New("ignored"))

	_, err := q.Next(ctx)
	require.NoError(t, err)
	_, err = q.Next(ctx)
	require.ErrorIs(t, err, boom)
}

func TestQueue_Backpressure(t *testing.T) {
	q := New(1)
	require.True(t, q.Put(context.Background(), Row{Key: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.False(t, q.Put(ctx, Row{Key: 2}), "put must block on a full queue until ctx expires")

	done := make(chan bool)
	go func() { done <- q.Put(context.Background(), Row{Key: 3}) }()

	row, err := q.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, row.Key)
	require.True(t, <-done)
}

func TestQueue_CloseUnblocksProducer(t *testing.T) {
	q := New(1)
	require.True(t, q.Put(context.Background(), Row{}))

	done := make(chan bool)
	go func() { done <- q.Put(context.Background(), Row{}) }()

	q.Close()
	select {
	case ok := <-done:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("producer was not unblocked by close")
	}
}

func TestQueue_CloseUnblocksConsumer(t *testing.T) {
	q := New(1)
	errs := make(chan error)
	go func() {
		_, err := q.Next(context.Background())
		errs <- err
	}()
	q.Close()
	require.ErrorIs(t, <-errs, io.EOF)
}

func TestQueue_Limit(t *testing.T) {
	ctx := context.Background()
	var hits int
	q := New(10, WithLimit(2, func() { hits++ }))

	require.True(t, q.Put(ctx, Row{Key: 1}))
	require.True(t, q.Put(ctx, Row{Key: 2}))
	require.False(t, q.Put(ctx, Row{Key: 3}))
	require.Equal(t, 1, hits)
	require.Len(t, q.Drain(), 2)
}

func TestQueue_LimitWithConcurrentProducers(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		hits := atomic.NewInt32(0)
		q := New(16, WithLimit(1, func() { hits.Inc() }))

		var wg sync.WaitGroup
		accepted := atomic.NewInt32(0)
		for p := 0; p < 8; p++ {
			p := p
			wg.Add(1)
			go func() {
				defer wg.Done()
				if q.Put(ctx, Row{Key: p}) {
					accepted.Inc()
				}
			}()
		}
		wg.Wait()

		require.Len(t, q.Drain(), 1, "iteration %d", i)
		require.Equal(t, int32(1), accepted.Load(), "iteration %d", i)
		require.Equal(t, int32(1), hits.Load(), "iteration %d", i)
		require.False(t, q.AcceptsRows())
	}
}

func TestQueue_ExcludeTombstones(t *testing.T) {
	ctx := context.Background()
	q := New(10, WithoutTombstones())
	require.True(t, q.Put(ctx, Row{Key: 1, Tombstone: true}))
	require.True(t, q.Put(ctx, Row{Key: 2}))
	require.Equal(t, 1, q.Len())
}
