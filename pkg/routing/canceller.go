package routing

import (
	"context"
	"errors"
	"time"
)

// ErrCancelled is the default cause of a cancelled request.
var ErrCancelled = errors.New("query cancelled")

// Canceller is a write-once cancellation signal shared by an executor, the
// producer filling its queue, and every remote hop of the request.
type Canceller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewCanceller derives a canceller from parent.
func NewCanceller(parent context.Context) *Canceller {
	ctx, cancel := context.WithCancelCause(parent)
	return &Canceller{ctx: ctx, cancel: cancel}
}

// Context returns the context cancelled by c.
func (c *Canceller) Context() context.Context { return c.ctx }

// Cancel sets the signal. A nil cause is recorded as ErrCancelled. Only the
// first call has an effect.
func (c *Canceller) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	c.cancel(cause)
}

// CancelAfter sets the signal with context.DeadlineExceeded after d. The
// returned function stops the timer.
func (c *Canceller) CancelAfter(d time.Duration) (stop func() bool) {
	t := time.AfterFunc(d, func() { c.cancel(context.DeadlineExceeded) })
	return t.Stop
}

// Done is closed once the signal is set.
func (c *Canceller) Done() <-chan struct{} { return c.ctx.Done() }

// IsCancelled reports whether the signal is set.
func (c *Canceller) IsCancelled() bool { return c.ctx.Err() != nil }

// Err returns the cause of the cancellation, or nil.
func (c *Canceller) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}
