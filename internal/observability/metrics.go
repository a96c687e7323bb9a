package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venality",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "venality",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	registryOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venality",
			Subsystem: "registry",
			Name:      "operations_total",
			Help:      "Registry lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venality",
			Subsystem: "webhooks",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts.",
		},
		[]string{"type", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, registryOperations, webhookDeliveries)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordOperation(op string, outcome string) {
	RegisterMetrics()
	registryOperations.WithLabelValues(op, outcome).Inc()
}

func RecordWebhookDelivery(evtType string, success bool) {
	RegisterMetrics()
	webhookDeliveries.WithLabelValues(evtType, strconv.FormatBool(success)).Inc()
}
