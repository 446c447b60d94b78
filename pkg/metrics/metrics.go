package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all delivery engine metrics
type Metrics struct {
	// Notification dispatcher metrics
	NotificationsSent       prometheus.Counter
	NotificationsFailed     prometheus.Counter
	NotificationsDeadLetter prometheus.Counter
	NotificationsRateLimit  prometheus.Counter
	DispatchLatency         prometheus.Histogram
	BatchSize               prometheus.Histogram

	// Webhook delivery metrics
	WebhookDeliveries      *prometheus.CounterVec
	WebhookDeliveryLatency *prometheus.HistogramVec
	WebhookRetries         *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// New creates and registers all delivery engine metrics under the given namespace
func New(namespace string) *Metrics {
	return &Metrics{
		NotificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "Total number of notifications delivered successfully",
		}),
		NotificationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Total number of notifications that failed delivery",
		}),
		NotificationsDeadLetter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dead_letter_total",
			Help:      "Total number of notifications moved to the dead letter store",
		}),
		NotificationsRateLimit: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_rate_limited_total",
			Help:      "Total number of notifications deferred by rate limiting",
		}),
		DispatchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent processing one dispatcher batch",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_batch_size",
			Help:      "Number of due notifications picked up per batch",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook delivery calls",
		}, []string{"event_type", "status"}),
		WebhookDeliveryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Wall-clock duration of one webhook delivery call including retries",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"event_type"}),
		WebhookRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_retry_attempts_total",
			Help:      "Total number of webhook retry attempts",
		}, []string{"event_type"}),
		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}
