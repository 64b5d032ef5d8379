package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

type metrics struct {
	statements *prometheus.CounterVec
	planning   prometheus.Histogram

	pullErrors   *prometheus.CounterVec
	pullNoResult prometheus.Counter
	pullLatency  *prometheus.HistogramVec
	pullRows     *prometheus.CounterVec

	pushErrors      *prometheus.CounterVec
	pushNoResult    prometheus.Counter
	pushConnections prometheus.Gauge
	pushRows        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		statements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "statements_executed_total",
			Help:      "Statements executed by kind and status.",
		}, []string{"kind", "status"}),
		planning: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "sqlstream",
			Name:      "statement_planning_duration_seconds",
			Help:      "Time spent planning statements.",
			Buckets:   prometheus.DefBuckets,
		}),

		pullErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "pull_query_errors_total",
			Help:      "Pull queries that failed after their plan was built.",
		}, []string{"source_type", "plan_type", "routing_node_type"}),
		pullNoResult: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "pull_query_no_result_errors_total",
			Help:      "Pull queries that failed before a plan was built.",
		}),
		pullLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sqlstream",
			Name:      "pull_query_duration_seconds",
			Help:      "Duration of pull queries from start to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"source_type", "plan_type", "routing_node_type"}),
		pullRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "pull_query_rows_returned_total",
			Help:      "Rows returned by pull queries.",
		}, []string{"source_type", "plan_type", "routing_node_type"}),

		pushErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "scalable_push_query_errors_total",
			Help:      "Scalable push queries that failed after their plan was built.",
		}, []string{"source_type", "routing_node_type"}),
		pushNoResult: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "scalable_push_query_no_result_errors_total",
			Help:      "Scalable push queries that failed before a plan was built.",
		}),
		pushConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "sqlstream",
			Name:      "scalable_push_query_active_connections",
			Help:      "Scalable push queries currently streaming rows.",
		}),
		pushRows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "scalable_push_query_rows_returned_total",
			Help:      "Rows returned by scalable push queries.",
		}, []string{"source_type", "routing_node_type"}),
	}
}
