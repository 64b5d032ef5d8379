package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	liveQueries *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		liveQueries: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sqlstream",
			Name:      "live_queries",
			Help:      "Number of live queries by type.",
		}, []string{"type"}),
		transitions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sqlstream",
			Name:      "query_state_transitions_total",
			Help:      "Total number of query lifecycle transitions by target state.",
		}, []string{"state"}),
	}
}

func (m *metrics) transition(s State) {
	m.transitions.WithLabelValues(s.String()).Inc()
}
