package httpapi

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/logfields"
)

const metricNamespace = "depbump"

const requestsMetricName = "http_requests_total"

const (
	endpointLabel = "endpoint"
	statusLabel   = "status"
)

type metricCollector struct {
	logger   *zap.Logger
	requests *prometheus.CounterVec
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		logger: zap.L().Named(loggerName).Named("metrics"),
		requests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricNamespace,
				Name:      requestsMetricName,
				Help:      "count of processed http requests",
			},
			[]string{endpointLabel, statusLabel},
		),
	}
}

func (m *metricCollector) RequestInc(endpoint string, status int) {
	cnt, err := m.requests.GetMetricWith(prometheus.Labels{
		endpointLabel: endpoint,
		statusLabel:   strconv.Itoa(status),
	})
	if err != nil {
		m.logger.Warn(
			"could not record metric",
			zap.String("metric", requestsMetricName),
			logfields.Event("recording_metric_failed"),
			zap.Error(err),
		)
		return
	}

	cnt.Inc()
}

// statusRecorder records the status code that is sent to the client.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(resp http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: resp, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
