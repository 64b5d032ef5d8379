package routing

import (
	"context"
	"errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker/v2"
)

// breakers holds one circuit breaker per remote host.
type breakers struct {
	cfg     BreakerConfig
	logger  log.Logger
	metrics *metrics

	mtx    sync.Mutex
	byHost map[string]*gobreaker.CircuitBreaker[any]
}

func newBreakers(cfg BreakerConfig, logger log.Logger, m *metrics) *breakers {
	return &breakers{cfg: cfg, logger: logger, metrics: m, byHost: make(map[string]*gobreaker.CircuitBreaker[any])}
}

func (b *breakers) get(host string) *gobreaker.CircuitBreaker[any] {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if cb, ok := b.byHost[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        host,
		MaxRequests: uint32(b.cfg.HalfOpenRequests),
		Interval:    b.cfg.Interval,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(b.cfg.ConsecutiveFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level.Warn(b.logger).Log("msg", "host circuit breaker changed state", "host", name, "from", from.String(), "to", to.String())
			b.metrics.breakerChanges.WithLabelValues(to.String()).Inc()
		},
		// A cancelled caller says nothing about the health of the host.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.byHost[host] = cb
	return cb
}

// isOpen reports whether host is currently skipped.
func (b *breakers) isOpen(host string) bool {
	if !b.cfg.Enabled {
		return false
	}
	b.mtx.Lock()
	cb, ok := b.byHost[host]
	b.mtx.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

func (b *breakers) execute(host string, f func() (any, error)) (any, error) {
	if !b.cfg.Enabled {
		return f()
	}
	return b.get(host).Execute(f)
}
