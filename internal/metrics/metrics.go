package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_events_published_total",
			Help: "Total number of platform events fanned out.",
		},
		[]string{"tenant_id"},
	)

	FanoutEndpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookd_fanout_endpoints_total",
			Help: "Total number of deliveries created by fan-out.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_deliveries_total",
			Help: "Total number of delivery attempts by resulting status.",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	RetryTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookd_retry_triggers_total",
			Help: "Total number of retries scheduled by mechanism.",
		},
		[]string{"mechanism"}, // queue_delay or trigger
	)

	AbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookd_abandoned_total",
			Help: "Total number of deliveries abandoned after exhausting attempts.",
		},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookd_delivery_latency_seconds",
			Help:    "Latency of outbound webhook HTTP calls.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		FanoutEndpointsTotal,
		DeliveriesTotal,
		RetriesTotal,
		RetryTriggersTotal,
		AbandonedTotal,
		DeliveryLatency,
	)
}

// RecordEventPublished increments the published-events counter for a tenant.
func RecordEventPublished(tenantID string) {
	EventsPublishedTotal.WithLabelValues(tenantID).Inc()
}

// RecordDelivery increments the per-status delivery counter.
func RecordDelivery(status string) {
	DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordRetry increments the per-reason retry counter.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordRetryTrigger increments the per-mechanism scheduling counter.
func RecordRetryTrigger(mechanism string) {
	RetryTriggersTotal.WithLabelValues(mechanism).Inc()
}
