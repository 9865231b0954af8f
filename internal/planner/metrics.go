package planner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "depbump"

type metricCollector struct {
	updatesFound prometheus.Counter
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		updatesFound: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      "updates_found_total",
				Help:      "count of dependency updates found",
			},
		),
	}
}

func (m *metricCollector) UpdatesFoundAdd(n int) {
	m.updatesFound.Add(float64(n))
}
