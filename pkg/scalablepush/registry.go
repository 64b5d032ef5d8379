// Package scalablepush lets push queries subscribe to the output of a
// running persistent query.
package scalablepush

import (
	"context"
	"errors"
	"sync"

	"github.com/grafana/sqlstream/pkg/queue"
)

var (
	// ErrRegistryClosed is returned when subscribing to a closed registry,
	// and ends the subscriptions of a registry whose query stopped or was
	// replaced.
	ErrRegistryClosed = errors.New("scalable push registry is closed")
	// ErrSlowConsumer ends a subscription whose buffer overflowed.
	ErrSlowConsumer = errors.New("push consumer fell behind the query output")
)

// DefaultBufferSize is the number of rows buffered per subscription.
const DefaultBufferSize = 1024

// Consumer receives the rows published by the running query.
type Consumer interface {
	// Put delivers a row. Returning false ends the subscription.
	Put(ctx context.Context, row queue.Row) bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithBufferSize sets the number of rows buffered per subscription.
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// Registry fans out the rows produced by one persistent query to the push
// queries subscribed to it. New subscribers only see rows published after
// they registered. Publishing never blocks: each subscription has its own
// buffer and a subscription that lets it overflow is dropped.
type Registry struct {
	isTable    bool
	windowed   bool
	bufferSize int

	mtx    sync.RWMutex
	closed bool
	nextID int
	subs   map[int]*Subscription
}

// NewRegistry returns a registry for a query producing a table or a stream.
func NewRegistry(isTable, windowed bool, opts ...Option) *Registry {
	r := &Registry{
		isTable:    isTable,
		windowed:   windowed,
		bufferSize: DefaultBufferSize,
		subs:       make(map[int]*Subscription),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsTable reports whether the query produces a table.
func (r *Registry) IsTable() bool { return r.isTable }

// IsWindowed reports whether the query produces a windowed result.
func (r *Registry) IsWindowed() bool { return r.windowed }

// Register subscribes c. Rows are delivered to c from a goroutine owned by
// the subscription until it ends.
func (r *Registry) Register(c Consumer) (*Subscription, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		reg:      r,
		id:       r.nextID,
		consumer: c,
		rows:     make(chan queue.Row, r.bufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.nextID++
	r.subs[s.id] = s
	go s.run()
	return s, nil
}

// NumSubscribers returns the number of live subscriptions.
func (r *Registry) NumSubscribers() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.subs)
}

// Publish offers row to every subscription without blocking. Subscriptions
// with a full buffer end with ErrSlowConsumer.
func (r *Registry) Publish(_ context.Context, row queue.Row) {
	r.mtx.RLock()
	var slow []*Subscription
	for _, s := range r.subs {
		select {
		case s.rows <- row:
		default:
			slow = append(slow, s)
		}
	}
	r.mtx.RUnlock()

	for _, s := range slow {
		r.remove(s.id)
		s.end(ErrSlowConsumer)
	}
}

// Close ends every subscription with ErrRegistryClosed and rejects new
// ones.
func (r *Registry) Close() {
	r.mtx.Lock()
	r.closed = true
	subs := r.subs
	r.subs = make(map[int]*Subscription)
	r.mtx.Unlock()

	for _, s := range subs {
		s.end(ErrRegistryClosed)
	}
}

func (r *Registry) remove(id int) {
	r.mtx.Lock()
	delete(r.subs, id)
	r.mtx.Unlock()
}

// Subscription is a consumer registered with a Registry.
type Subscription struct {
	reg      *Registry
	id       int
	consumer Consumer
	rows     chan queue.Row
	done     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	err  error
}

// Done is closed once the subscription ended.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil when it was unsubscribed or
// its consumer refused a row, ErrRegistryClosed when the query stopped, and
// ErrSlowConsumer when the consumer fell behind. It must be called after
// Done is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Unsubscribe ends the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.reg.remove(s.id)
	s.end(nil)
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		s.cancel()
		close(s.done)
	})
}

func (s *Subscription) run() {
	for {
		select {
		case row := <-s.rows:
			if !s.consumer.Put(s.ctx, row) {
				s.reg.remove(s.id)
				s.end(nil)
				return
			}
		case <-s.done:
			return
		}
	}
}
