package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flowsync"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops API requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	syncRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Tenant sync runs by type and final status.",
		},
		[]string{"type", "status"},
	)

	syncDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_run_duration_seconds",
			Help:      "Tenant sync run duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	syncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Synchronized items by entity and result.",
		},
		[]string{"entity", "result"},
	)

	apiCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_api_calls_total",
			Help:      "Remote API call attempts by outcome.",
		},
		[]string{"outcome"},
	)

	retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_attempts_total",
			Help:      "Retry queue re-attempts by result.",
		},
		[]string{"result"},
	)

	deadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_dead_lettered_total",
			Help:      "Retry entries given up after exceeding the max retry count.",
		},
	)

	skippedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_ticks_total",
			Help:      "Scheduler ticks skipped because the previous run was still in flight.",
		},
		[]string{"job"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			syncRuns,
			syncDuration,
			syncItems,
			apiCalls,
			retryAttempts,
			deadLettered,
			skippedTicks,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

// ObserveRun records a finished tenant run.
func ObserveRun(syncType, status string, d time.Duration) {
	syncRuns.WithLabelValues(syncType, status).Inc()
	syncDuration.WithLabelValues(syncType).Observe(d.Seconds())
}

// AddItems adds n items for an entity/result pair.
func AddItems(entity, result string, n int) {
	if n <= 0 {
		return
	}
	syncItems.WithLabelValues(entity, result).Add(float64(n))
}

// IncAPICall counts one remote call attempt.
func IncAPICall(outcome string) {
	apiCalls.WithLabelValues(outcome).Inc()
}

// IncRetry counts one retry queue re-attempt.
func IncRetry(result string) {
	retryAttempts.WithLabelValues(result).Inc()
}

// IncDeadLetter counts a given-up retry entry.
func IncDeadLetter() {
	deadLettered.Inc()
}

// IncSkippedTick counts a scheduler tick dropped by the reentrancy guard.
func IncSkippedTick(job string) {
	skippedTicks.WithLabelValues(job).Inc()
}
