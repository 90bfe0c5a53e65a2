package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChecksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sw_check_handler",
			Name:      "messages_received_total",
			Help:      "Kafka messages pulled by the worker",
		},
		[]string{"topic"},
	)

	ChecksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sw_check_handler",
			Name:      "processed_total",
			Help:      "Successfully processed verification checks",
		},
		[]string{"topic"},
	)

	ChecksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sw_check_handler",
			Name:      "failed_total",
			Help:      "Failed verification checks by reason",
		},
		[]string{"topic", "reason"},
	)

	DLQPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sw_check_handler",
			Name:      "dlq_total",
			Help:      "Jobs sent to DLQ by reason",
		},
		[]string{"topic", "reason"},
	)

	CheckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sw_check_handler",
			Name:      "process_duration_seconds",
			Help:      "End-to-end processing latency per message, due-time wait excluded",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	InflightChecks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sw_check_handler",
			Name:      "inflight_checks",
			Help:      "Number of checks currently being processed (semaphore depth)",
		},
	)
)
