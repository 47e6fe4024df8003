// Package telemetry provides Prometheus and OpenTelemetry implementations of
// the service observability hooks.
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/tillage/pkg/core"
)

// PrometheusRecorder counts operations and observes their latency per model.
type PrometheusRecorder struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the service metrics on reg under namespace.
func NewPrometheusRecorder(reg prometheus.Registerer, namespace string) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entity_service",
			Name:      "operations_total",
			Help:      "Entity service operations by model, operation and outcome.",
		}, []string{"model", "operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entity_service",
			Name:      "operation_duration_seconds",
			Help:      "Entity service operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model", "operation"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{r.operations, r.durations} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Observe implements core.MetricsRecorder.
func (r *PrometheusRecorder) Observe(_ context.Context, model, operation string, success bool, d time.Duration) {
	status := "error"
	if success {
		status = "success"
	}
	r.operations.WithLabelValues(model, operation, status).Inc()
	r.durations.WithLabelValues(model, operation).Observe(d.Seconds())
}

var _ core.MetricsRecorder = (*PrometheusRecorder)(nil)
