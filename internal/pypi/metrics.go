package pypi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/logfields"
)

const metricNamespace = "depbump"

const lookupsMetricName = "package_index_lookups_total"

const resultLabel = "result"

type lookupResultVal string

const (
	lookupResultFound    lookupResultVal = "found"
	lookupResultCached   lookupResultVal = "cached"
	lookupResultNotFound lookupResultVal = "not_found"
	lookupResultFailed   lookupResultVal = "failed"
)

type metricCollector struct {
	logger  *zap.Logger
	lookups *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		lookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      lookupsMetricName,
				Help:      "count of latest version lookups at the package index",
			},
			[]string{resultLabel},
		),
	}
}

func (m *metricCollector) LookupInc(result lookupResultVal) {
	cnt, err := m.lookups.GetMetricWith(prometheus.Labels{resultLabel: string(result)})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", lookupsMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}
