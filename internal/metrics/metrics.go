// Package metrics provides Prometheus metrics for the image proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts served image requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imageproxy",
			Name:      "requests_total",
			Help:      "Total number of image requests",
		},
		[]string{"outcome"},
	)

	// TransformDuration measures one transform including the blur pass.
	TransformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imageproxy",
			Name:      "transform_duration_seconds",
			Help:      "Duration of transforms in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"backend", "format"},
	)

	// TransformErrorsTotal counts failed transforms by error type.
	TransformErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imageproxy",
			Name:      "transform_errors_total",
			Help:      "Total number of failed transforms",
		},
		[]string{"backend", "error_type"},
	)

	// InflightTransforms tracks transforms holding a worker slot.
	InflightTransforms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "imageproxy",
			Name:      "inflight_transforms",
			Help:      "Number of transforms currently running",
		},
	)

	// SharedTransformsTotal counts requests that joined an identical
	// in-flight transform instead of starting their own.
	SharedTransformsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "imageproxy",
			Name:      "shared_transforms_total",
			Help:      "Total number of requests served by another request's transform",
		},
	)
)

// RecordRequest records a served request.
func RecordRequest(outcome string) {
	RequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransform records a completed transform.
func RecordTransform(backend, format string, seconds float64) {
	TransformDuration.WithLabelValues(backend, format).Observe(seconds)
}

// RecordTransformError records a failed transform.
func RecordTransformError(backend, errorType string) {
	TransformErrorsTotal.WithLabelValues(backend, errorType).Inc()
}

// RecordShared records a request that reused an in-flight transform.
func RecordShared() {
	SharedTransformsTotal.Inc()
}
