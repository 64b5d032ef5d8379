package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/sqlstream/pkg/planner/physical"
	"github.com/grafana/sqlstream/pkg/queue"
)

// PullQuery is everything needed to route a pull query. It is not modified
// by routing.
type PullQuery struct {
	Plan          *physical.PullPlan
	StatementText string
	// Statement is the encoded analyzed statement sent to other hosts.
	Statement  []byte
	Properties map[string]string
	Options    Options
	// Consistency is the vector sent by the client, if any.
	Consistency *ConsistencyOffsetVector
}

// PullResult is the outcome of a routed pull query.
type PullResult struct {
	Status      Status
	Consistency *ConsistencyOffsetVector
	FailedHosts []string
	// Reason explains a Rejected status.
	Reason string
}

// HARouting executes pull queries on the replicas holding the data,
// preferring this host and failing over between replicas.
type HARouting struct {
	cfg      Config
	locator  HostLocator
	local    LocalPullExecutor
	client   Client
	logger   log.Logger
	metrics  *metrics
	breakers *breakers
}

// NewHARouting creates the pull query router.
func NewHARouting(cfg Config, locator HostLocator, local LocalPullExecutor, client Client, logger log.Logger, reg prometheus.Registerer) *HARouting {
	m := newMetrics(reg, "pull_routing")
	return &HARouting{
		cfg:      cfg,
		locator:  locator,
		local:    local,
		client:   client,
		logger:   logger,
		metrics:  m,
		breakers: newBreakers(cfg.Breaker, logger, m),
	}
}

// NewPullTask prepares q for execution without starting it.
func (h *HARouting) NewPullTask(q PullQuery) *PullTask {
	return &PullTask{router: h, query: q}
}

// PullTask is a routed pull query ready to run.
type PullTask struct {
	router *HARouting
	query  PullQuery
}

func (t *PullTask) Query() PullQuery { return t.query }

type hostJob struct {
	host       string
	partitions []int32
}

// Run executes the query, writing rows to rows until done or until c is
// cancelled.
func (t *PullTask) Run(c *Canceller, rows RowSink) (PullResult, error) {
	var (
		h    = t.router
		q    = t.query
		ctx  = c.Context()
		opts = q.Options
	)
	partitions := opts.Partitions
	if len(partitions) == 0 {
		partitions = q.Plan.Partitions()
	}
	if opts.DebugRequest {
		level.Info(h.logger).Log("msg", "routing pull query", "query_id", q.Plan.QueryID, "partitions", fmt.Sprint(partitions), "options", opts.DebugString())
	}

	if opts.SkipForwardRequest {
		return t.runForwarded(ctx, partitions, rows)
	}

	locations, err := h.locator.Locate(ctx, q.Plan.Source, partitions)
	if err != nil {
		return PullResult{}, fmt.Errorf("locating partitions of %s: %w", q.Plan.Source.Name, err)
	}
	candidates := make(map[int32][]string, len(locations))
	for _, loc := range locations {
		candidates[loc.Partition] = t.candidateHosts(loc.Hosts)
	}

	var (
		result   = PullResult{Consistency: NewConsistencyOffsetVector()}
		cursor   = make(map[int32]int, len(partitions))
		pending  = partitions
		failures []error
	)
	for len(pending) > 0 {
		jobs, exhausted := groupByHost(pending, candidates, cursor, h.cfg.LocalAddr)
		if len(exhausted) > 0 {
			cause := errors.Join(failures...)
			if cause == nil {
				cause = errors.New("no candidate hosts")
			}
			return PullResult{}, fmt.Errorf("%w for partitions %v of %s: %w", ErrNoViableHost, exhausted, q.Plan.Source.Name, cause)
		}

		cvs := make([]*ConsistencyOffsetVector, len(jobs))
		errs := make([]error, len(jobs))
		bufs := make([]rowBuffer, len(jobs))
		_ = concurrency.ForEachJob(ctx, len(jobs), h.cfg.MaxConcurrentRequests, func(ctx context.Context, idx int) error {
			cvs[idx], errs[idx] = t.execute(ctx, jobs[idx], &bufs[idx])
			return nil
		})
		if err := c.Err(); err != nil {
			return PullResult{}, err
		}

		pending = pending[:0:0]
		for i, job := range jobs {
			if errs[i] == nil {
				result.Consistency.Merge(cvs[i])
				bufs[i].flush(ctx, rows)
				continue
			}
			level.Warn(h.logger).Log("msg", "pull query failed on host, trying next replica", "host", job.host, "partitions", fmt.Sprint(job.partitions), "err", errs[i])
			failures = append(failures, fmt.Errorf("host %s: %w", job.host, errs[i]))
			result.FailedHosts = append(result.FailedHosts, job.host)
			for _, p := range job.partitions {
				cursor[p]++
				pending = append(pending, p)
				h.metrics.failovers.Inc()
			}
		}
	}

	if len(result.FailedHosts) > 0 {
		result.Status = Degraded
	}
	return result, nil
}

// runForwarded answers a request another host forwarded to this one. It
// never forwards again.
func (t *PullTask) runForwarded(ctx context.Context, partitions []int32, rows RowSink) (PullResult, error) {
	cv, err := t.router.local.ExecutePull(ctx, t.query.Plan, partitions, t.query.Consistency, rows)
	t.router.metrics.observe(true, err)
	switch {
	case errors.Is(err, ErrNoLocalData), errors.Is(err, ErrLagging):
		return PullResult{Status: Rejected, Reason: err.Error()}, nil
	case err != nil:
		return PullResult{}, err
	}
	return PullResult{Status: Complete, Consistency: cv}, nil
}

// candidateHosts orders the replicas of a partition: this host first, then
// the others in locator order. Skipped hosts and hosts with an open
// circuit breaker are dropped.
func (t *PullTask) candidateHosts(hosts []string) []string {
	local := t.router.cfg.LocalAddr
	out := make([]string, 0, len(hosts))
	if slices.Contains(hosts, local) && !t.query.Options.IsSkippedHost(local) {
		out = append(out, local)
	}
	for _, host := range hosts {
		if host == local || t.query.Options.IsSkippedHost(host) || t.router.breakers.isOpen(host) {
			continue
		}
		out = append(out, host)
	}
	return out
}

// groupByHost assigns every pending partition to its current candidate
// and returns the partitions without candidates left.
func groupByHost(pending []int32, candidates map[int32][]string, cursor map[int32]int, local string) ([]hostJob, []int32) {
	var (
		jobs      []hostJob
		index     = map[string]int{}
		exhausted []int32
	)
	for _, p := range pending {
		hosts := candidates[p]
		if cursor[p] >= len(hosts) {
			exhausted = append(exhausted, p)
			continue
		}
		host := hosts[cursor[p]]
		i, ok := index[host]
		if !ok {
			i = len(jobs)
			index[host] = i
			jobs = append(jobs, hostJob{host: host})
		}
		jobs[i].partitions = append(jobs[i].partitions, p)
	}
	// Run the local job first so it is not starved by remote ones.
	slices.SortStableFunc(jobs, func(a, b hostJob) int {
		switch {
		case a.host == local && b.host != local:
			return -1
		case b.host == local && a.host != local:
			return 1
		}
		return 0
	})
	return jobs, exhausted
}

func (t *PullTask) execute(ctx context.Context, job hostJob, rows RowSink) (*ConsistencyOffsetVector, error) {
	h := t.router
	if job.host == h.cfg.LocalAddr {
		cv, err := h.local.ExecutePull(ctx, t.query.Plan, job.partitions, t.query.Consistency, rows)
		h.metrics.observe(true, err)
		return cv, err
	}

	req := PullRequest{
		StatementText: t.query.StatementText,
		Statement:     t.query.Statement,
		Properties:    t.query.Properties,
		Partitions:    job.partitions,
	}
	if t.query.Consistency != nil {
		token, err := t.query.Consistency.Serialize()
		if err != nil {
			return nil, err
		}
		req.ConsistencyToken = token
	}
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}
	res, err := h.breakers.execute(job.host, func() (any, error) {
		return h.client.ExecutePull(ctx, job.host, req, rows)
	})
	h.metrics.observe(false, err)
	if err != nil {
		return nil, err
	}
	cv, _ := res.(*ConsistencyOffsetVector)
	return cv, nil
}

// rowBuffer holds the rows of one host until its request succeeded. Rows of
// a host that fails part way are dropped, so the replica taking over its
// partitions does not duplicate them.
type rowBuffer struct {
	rows []queue.Row
}

func (b *rowBuffer) Put(ctx context.Context, row queue.Row) bool {
	if ctx.Err() != nil {
		return false
	}
	b.rows = append(b.rows, row)
	return true
}

func (b *rowBuffer) flush(ctx context.Context, sink RowSink) {
	for _, row := range b.rows {
		if !sink.Put(ctx, row) {
			break
		}
	}
	b.rows = nil
}
