package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests       *prometheus.CounterVec
	failovers      prometheus.Counter
	breakerChanges *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, subsystem string) *metrics {
	return &metrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Partition groups executed per target and outcome.",
		}, []string{"target", "outcome"}),
		failovers: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Subsystem: subsystem,
			Name:      "failovers_total",
			Help:      "Partitions retried on another replica after a host failed.",
		}),
		breakerChanges: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Subsystem: subsystem,
			Name:      "circuit_breaker_transitions_total",
			Help:      "State transitions of the per host circuit breakers.",
		}, []string{"state"}),
	}
}

func (m *metrics) observe(local bool, err error) {
	target, outcome := "remote", "success"
	if local {
		target = "local"
	}
	if err != nil {
		outcome = "failure"
	}
	m.requests.WithLabelValues(target, outcome).Inc()
}
