// Package metrics holds the Prometheus collectors exposed on the ops
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hackage",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hackage",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hackage",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method"},
	)

	blobAdds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hackage",
			Subsystem: "blobstore",
			Name:      "adds_total",
			Help:      "Total number of blob store writes.",
		},
		[]string{"dedup"},
	)

	checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hackage",
			Subsystem: "state",
			Name:      "checkpoints_total",
			Help:      "Total number of state component checkpoints.",
		},
		[]string{"component", "result"},
	)
)

func init() {
	Registry.MustRegister(httpInFlight, httpRequests, httpDuration, blobAdds, checkpoints)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight bumps the in-flight request gauge.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight drops the in-flight request gauge.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one completed request.
func RecordHTTPRequest(method, status string, seconds float64) {
	httpRequests.WithLabelValues(method, status).Inc()
	httpDuration.WithLabelValues(method).Observe(seconds)
}

// RecordBlobAdd records a blob store write; dedup marks writes that found
// the content already present.
func RecordBlobAdd(dedup bool) {
	label := "false"
	if dedup {
		label = "true"
	}
	blobAdds.WithLabelValues(label).Inc()
}

// RecordCheckpoint records a checkpoint attempt for a component.
func RecordCheckpoint(component string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpoints.WithLabelValues(component, result).Inc()
}
