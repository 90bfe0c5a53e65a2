package explorer

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usdt_settlement",
			Subsystem: "explorer",
			Name:      "requests_total",
			Help:      "Explorer API requests by module/action",
		},
		[]string{"module", "action"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "usdt_settlement",
			Subsystem: "explorer",
			Name:      "errors_total",
			Help:      "Explorer API failures by error code",
		},
		[]string{"code"},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usdt_settlement",
			Subsystem: "explorer",
			Name:      "rate_limited_total",
			Help:      "Calls rejected or delayed by rate limiting",
		},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "usdt_settlement",
			Subsystem: "explorer",
			Name:      "retries_total",
			Help:      "Retry attempts across all requests",
		},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "usdt_settlement",
			Subsystem: "explorer",
			Name:      "request_duration_seconds",
			Help:      "Latency of successful explorer requests",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Stats are process-wide monotonic counters, kept alongside the Prometheus
// metrics for cheap programmatic inspection (e.g. the monitoring report).
type Stats struct {
	Requests    atomic.Int64
	Errors      atomic.Int64
	RateLimited atomic.Int64
	Retries     atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats plus remaining quota for
// the client's current scope.
type StatsSnapshot struct {
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	RateLimited     int64   `json:"rateLimited"`
	Retries         int64   `json:"retries"`
	RemainingTokens float64 `json:"remainingTokens"`
	DailyRemaining  int     `json:"dailyRemaining"`
}
