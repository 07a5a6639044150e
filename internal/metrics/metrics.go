// Package metrics exposes the Prometheus collectors of the engine and the
// webhook dispatcher.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"propline/internal/domain"
)

const (
	namespace = "propline"
	subsystem = "engine"

	ResultOK = "ok"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Engine operations by name and result code",
		},
		[]string{"operation", "result"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including persistence",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_changes_total",
			Help:      "Recorded dimension changes by dimension and trigger",
		},
		[]string{"dimension", "trigger"},
	)

	webhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts by result",
		},
		[]string{"result"},
	)
)

// ObserveOperation records one engine call. The result label is the domain
// error code, or ok.
func ObserveOperation(operation string, start time.Time, err error) {
	result := ResultOK
	if err != nil {
		result = string(domain.CodeOf(err))
	}
	operationsTotal.WithLabelValues(operation, result).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordStateChange counts one committed dimension change.
func RecordStateChange(c domain.StateChange) {
	stateChangesTotal.WithLabelValues(string(c.Dimension), c.Trigger).Inc()
}

// RecordWebhookDelivery counts one delivery attempt.
func RecordWebhookDelivery(err error) {
	if err != nil {
		webhookDeliveries.WithLabelValues("error").Inc()
		return
	}
	webhookDeliveries.WithLabelValues(ResultOK).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
