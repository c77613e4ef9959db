// Package monitor exports gateway request metrics to Prometheus and tracks
// component health.
package monitor

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aryangodara/apigateway"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of gateway requests by endpoint, outcome and status",
		},
		[]string{"endpoint", "method", "status", "outcome", "cached"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Gateway pipeline traversal time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

var _ apigateway.MetricsRecorder = Recorder{}

// Recorder maps gateway metrics onto the Prometheus collectors.
type Recorder struct{}

func (Recorder) RecordMetric(name string, value float64, tags map[string]string) error {
	switch name {
	case apigateway.MetricRequestCount:
		RequestsTotal.WithLabelValues(tags["endpoint"], tags["method"], tags["status"], tags["outcome"], tags["cached"]).Add(value)
	case apigateway.MetricRequestDuration:
		RequestDuration.WithLabelValues(tags["endpoint"], tags["method"], tags["outcome"]).Observe(value / 1000)
	default:
		return fmt.Errorf("unknown metric %q", name)
	}
	return nil
}
