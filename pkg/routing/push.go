package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queue"
	"github.com/grafana/sqlstream/pkg/scalablepush"
)

// PushQuery is everything needed to route a scalable push query.
type PushQuery struct {
	Plan          *physical.PushPlan
	StatementText string
	Statement     []byte
	Properties    map[string]string
	Options       PushOptions
}

// PushResult is the outcome of a routed push query once it ended.
type PushResult struct {
	Status      Status
	FailedHosts []string
	Reason      string
}

// PushRouting connects scalable push queries to every host running their
// source query.
type PushRouting struct {
	cfg        Config
	locator    QueryHostLocator
	registries PushRegistryLookup
	client     Client
	logger     log.Logger
	metrics    *metrics
	breakers   *breakers
}

// NewPushRouting creates the push query router.
func NewPushRouting(cfg Config, locator QueryHostLocator, registries PushRegistryLookup, client Client, logger log.Logger, reg prometheus.Registerer) *PushRouting {
	m := newMetrics(reg, "push_routing")
	return &PushRouting{
		cfg:        cfg,
		locator:    locator,
		registries: registries,
		client:     client,
		logger:     logger,
		metrics:    m,
		breakers:   newBreakers(cfg.Breaker, logger, m),
	}
}

// NewPushTask prepares q for execution without starting it.
func (p *PushRouting) NewPushTask(q PushQuery) *PushTask {
	return &PushTask{router: p, query: q}
}

// PushTask is a routed push query ready to run.
type PushTask struct {
	router *PushRouting
	query  PushQuery
}

func (t *PushTask) Query() PushQuery { return t.query }

// Run subscribes to every host running the source query and forwards
// their rows to rows. It returns once c is cancelled or every connection
// ended.
func (t *PushTask) Run(c *Canceller, rows RowSink) (PushResult, error) {
	var (
		p   = t.router
		q   = t.query
		ctx = c.Context()
	)
	if q.Options.DebugRequest {
		level.Info(p.logger).Log("msg", "routing push query", "query_id", q.Plan.QueryID, "source_query", q.Plan.SourceQuery, "options", q.Options.DebugString())
	}

	if q.Options.HasBeenForwarded {
		err := t.subscribeLocal(ctx, rows)
		p.metrics.observe(true, err)
		if errors.Is(err, ErrNoLocalData) {
			return PushResult{Status: Rejected, Reason: err.Error()}, nil
		}
		return PushResult{Status: Complete}, err
	}

	candidates, err := t.candidateHosts(ctx)
	if err != nil {
		return PushResult{}, err
	}

	var (
		g        errgroup.Group
		mtx      sync.Mutex
		result   PushResult
		failures []error
	)
	for _, host := range candidates {
		host := host
		g.Go(func() error {
			err := t.connect(ctx, host, rows)
			if err == nil || c.IsCancelled() {
				return nil
			}
			level.Warn(p.logger).Log("msg", "push query connection failed", "host", host, "err", err)
			mtx.Lock()
			defer mtx.Unlock()
			failures = append(failures, fmt.Errorf("host %s: %w", host, err))
			result.FailedHosts = append(result.FailedHosts, host)
			return nil
		})
	}
	_ = g.Wait()

	if len(failures) == len(candidates) {
		for _, err := range failures {
			if errors.Is(err, ErrSourceQueryStopped) {
				return PushResult{}, err
			}
		}
		return PushResult{}, fmt.Errorf("%w for query %s: %w", ErrNoViableHost, q.Plan.SourceQuery, errors.Join(failures...))
	}
	if len(failures) > 0 {
		result.Status = Degraded
	}
	return result, nil
}

// Prepare checks that the query can be routed without subscribing to any
// host.
func (t *PushTask) Prepare(ctx context.Context) error {
	if t.query.Options.HasBeenForwarded {
		if reg, ok := t.router.registries(t.query.Plan.SourceQuery); !ok || reg == nil {
			return fmt.Errorf("%w: query %s is not running on this host", ErrNoLocalData, t.query.Plan.SourceQuery)
		}
		return nil
	}
	_, err := t.candidateHosts(ctx)
	return err
}

// candidateHosts returns the hosts running the source query whose circuit
// breaker is not open.
func (t *PushTask) candidateHosts(ctx context.Context) ([]string, error) {
	p := t.router
	source := t.query.Plan.SourceQuery
	hosts, err := p.locator.HostsRunning(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("locating hosts running %s: %w", source, err)
	}
	candidates := hosts[:0:0]
	for _, host := range hosts {
		if host != p.cfg.LocalAddr && p.breakers.isOpen(host) {
			continue
		}
		candidates = append(candidates, host)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w for query %s", ErrNoViableHost, source)
	}
	return candidates, nil
}

func (t *PushTask) connect(ctx context.Context, host string, rows RowSink) error {
	p := t.router
	if host == p.cfg.LocalAddr {
		err := t.subscribeLocal(ctx, rows)
		p.metrics.observe(true, err)
		return err
	}
	req := PushRequest{
		StatementText:                t.query.StatementText,
		Statement:                    t.query.Statement,
		Properties:                   t.query.Properties,
		ExpectingStartOfRegistryData: t.query.Options.ExpectingStartOfRegistryData,
	}
	_, err := p.breakers.execute(host, func() (any, error) {
		return nil, p.client.ExecutePush(ctx, host, req, rows)
	})
	if ctx.Err() != nil {
		return nil
	}
	p.metrics.observe(false, err)
	return err
}

// subscribeLocal feeds rows from the local push registry of the source
// query until ctx is done.
func (t *PushTask) subscribeLocal(ctx context.Context, rows RowSink) error {
	plan := t.query.Plan
	reg, ok := t.router.registries(plan.SourceQuery)
	if !ok || reg == nil {
		return fmt.Errorf("%w: query %s is not running on this host", ErrNoLocalData, plan.SourceQuery)
	}
	sub, err := reg.Register(&pushConsumer{plan: plan, rows: rows})
	if errors.Is(err, scalablepush.ErrRegistryClosed) {
		return fmt.Errorf("%w: %s", ErrSourceQueryStopped, plan.SourceQuery)
	}
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
	}
	// A nil error means the sink stopped accepting rows.
	err = sub.Err()
	if errors.Is(err, scalablepush.ErrRegistryClosed) {
		return fmt.Errorf("%w: %s", ErrSourceQueryStopped, plan.SourceQuery)
	}
	return err
}

// pushConsumer filters and projects the rows published by a source query.
type pushConsumer struct {
	plan *physical.PushPlan
	rows RowSink
}

func (c *pushConsumer) Put(ctx context.Context, row queue.Row) bool {
	if !c.plan.Matches(row.Key) {
		return true
	}
	out := row
	out.Values = c.plan.Projection.Apply(row.Values, row.Partition, row.Offset)
	return c.rows.Put(ctx, out)
}
