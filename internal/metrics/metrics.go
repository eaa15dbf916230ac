package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	FanoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_fanouts_total",
			Help: "Total number of fan-out attempts processed, by terminal state of the attempt.",
		},
		[]string{"state", "class"}, // completed, scheduled, exhausted
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_deliveries_total",
			Help: "Total number of per-endpoint delivery results by status.",
		},
		[]string{"status", "class"}, // delivered, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_retries_total",
			Help: "Total number of endpoint deliveries scheduled for retry, by failure reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_exhausted_total",
			Help: "Total number of endpoint deliveries that ran out of retry budget.",
		},
		[]string{"class"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaypoint_delivery_duration_seconds",
			Help:    "Latency of individual endpoint deliveries.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"class"},
	)

	WorkerBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypoint_worker_backlog",
			Help: "Depth of the fan-out topic channel consumed by workers.",
		},
	)

	QueueTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relaypoint_queue_topic_depth",
			Help: "Depth of NSQ topics/channels used by relaypoint.",
		},
		[]string{"topic", "channel"},
	)
)

// MustRegister registers all relaypoint collectors on the given registry
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		FanoutsTotal,
		DeliveriesTotal,
		RetriesTotal,
		ExhaustedTotal,
		DeliveryDuration,
		WorkerBacklog,
		QueueTopicDepth,
	)
}

// RecordFanout counts one processed fan-out attempt by terminal state
func RecordFanout(state, class string) {
	FanoutsTotal.WithLabelValues(state, class).Inc()
}

// RecordDelivery counts one per-endpoint delivery result
func RecordDelivery(status, class string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, class).Inc()
	if latency > 0 {
		DeliveryDuration.WithLabelValues(class).Observe(latency.Seconds())
	}
}

// RecordRetry counts one endpoint delivery scheduled for retry
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordExhausted counts one endpoint delivery whose retry budget ran out
func RecordExhausted(class string) {
	ExhaustedTotal.WithLabelValues(class).Inc()
}

// UpdateWorkerBacklog sets the current worker channel depth
func UpdateWorkerBacklog(depth float64) {
	WorkerBacklog.Set(depth)
}

// UpdateQueueTopicDepth sets the current depth for a topic/channel pair
func UpdateQueueTopicDepth(topic, channel string, depth float64) {
	QueueTopicDepth.WithLabelValues(topic, channel).Set(depth)
}
