// Package queue implements the bounded row queues that connect query
// producers to the caller consuming the results.
package queue

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Window bounds the row of a windowed table.
type Window struct {
	Start int64
	End   int64
}

// Row is a single result row.
type Row struct {
	Key    any
	Values []any
	Window *Window
	// Tombstone marks the deletion of Key from a table.
	Tombstone bool
	Partition int32
	Offset    int64
}

// ErrClosed is returned by Put-like operations once the queue is closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded multi-producer, single-consumer queue of rows. Put
// blocks while the queue is full so a slow consumer throttles producers.
type Queue struct {
	rows chan Row
	done chan struct{}

	mtx       sync.RWMutex
	closed    bool
	err       error
	closeOnce sync.Once

	limit             int
	reserved          int
	queued            int
	onLimit           func()
	excludeTombstones bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimit closes the queue after limit rows have been queued and then
// calls onLimit. A limit of zero means no limit.
func WithLimit(limit int, onLimit func()) Option {
	return func(q *Queue) {
		q.limit = limit
		q.onLimit = onLimit
	}
}

// WithoutTombstones drops tombstone rows instead of queueing them.
func WithoutTombstones() Option {
	return func(q *Queue) { q.excludeTombstones = true }
}

// New returns a queue buffering up to capacity rows.
func New(capacity int, opts ...Option) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{
		rows: make(chan Row, capacity),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Put adds row to the queue, blocking while the queue is full. It returns
// false if the row was not queued because the queue was closed, its limit was
// reached, or ctx was cancelled.
func (q *Queue) Put(ctx context.Context, row Row) bool {
	if q.excludeTombstones && row.Tombstone {
		return !q.isClosed()
	}

	if !q.reserve() {
		return false
	}

	q.mtx.RLock()
	if q.closed {
		q.mtx.RUnlock()
		q.release()
		return false
	}
	select {
	case q.rows <- row:
	case <-q.done:
		q.mtx.RUnlock()
		q.release()
		return false
	case <-ctx.Done():
		q.mtx.RUnlock()
		q.release()
		return false
	}
	q.mtx.RUnlock()

	if q.limit > 0 && q.countAndCheckLimit() {
		q.Close()
		if q.onLimit != nil {
			q.onLimit()
		}
	}
	return true
}

// reserve claims one of the limit's slots before the row is sent, so
// concurrent producers never queue more than limit rows.
func (q *Queue) reserve() bool {
	if q.limit <= 0 {
		return true
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.closed || q.reserved >= q.limit {
		return false
	}
	q.reserved++
	return true
}

func (q *Queue) release() {
	if q.limit <= 0 {
		return
	}
	q.mtx.Lock()
	q.reserved--
	q.mtx.Unlock()
}

func (q *Queue) countAndCheckLimit() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.queued++
	return q.queued == q.limit
}

// AcceptsRows reports whether rows would still be queued.
func (q *Queue) AcceptsRows() bool { return !q.isClosed() }

func (q *Queue) isClosed() bool {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return q.closed
}

// Close closes the queue. Rows already queued can still be read.
func (q *Queue) Close() { q.CloseWithError(nil) }

// CloseWithError closes the queue with a terminal error. Once queued rows
// are drained Next returns err instead of io.EOF. Only the first call has an
// effect.
func (q *Queue) CloseWithError(err error) {
	q.closeOnce.Do(func() {
		// Signal blocked producers before taking the write lock they hold
		// in read mode.
		close(q.done)
		q.mtx.Lock()
		q.closed = true
		q.err = err
		q.mtx.Unlock()
	})
}

// Done is closed once the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Err returns the error the queue was closed with.
func (q *Queue) Err() error {
	q.mtx.RLock()
	defer q.mtx.RUnlock()
	return q.err
}

// Next returns the next row. It blocks until a row is available, the queue
// is closed and drained, or ctx is done. At the end of a successful result
// it returns io.EOF.
func (q *Queue) Next(ctx context.Context) (Row, error) {
	select {
	case row := <-q.rows:
		return row, nil
	default:
	}

	select {
	case row := <-q.rows:
		return row, nil
	case <-q.done:
		select {
		case row := <-q.rows:
			return row, nil
		default:
		}
		if err := q.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	case <-ctx.Done():
		return Row{}, ctx.Err()
	}
}

// Drain returns every row currently queued without blocking.
func (q *Queue) Drain() []Row {
	var out []Row
	for {
		select {
		case row := <-q.rows:
			out = append(out, row)
		default:
			return out
		}
	}
}

// Len returns the number of queued rows.
func (q *Queue) Len() int { return len(q.rows) }
