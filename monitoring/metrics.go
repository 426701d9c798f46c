// Package monitoring provides metrics, tracing and alerting for the job feed importer
package monitoring

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item outcomes recorded by the item processor and failure recorder
const (
	OutcomeNew     = "new"
	OutcomeUpdated = "updated"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

var (
	// Run metrics
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_runs_total",
			Help: "Total number of import runs by final status",
		},
		[]string{"status"},
	)

	feedFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfeed_feed_fetch_duration_seconds",
			Help:    "Duration of feed fetch and parse",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	feedItemsCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobfeed_feed_items_count",
			Help:    "Number of items fetched per feed",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Item metrics
	itemsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_items_processed_total",
			Help: "Total number of item processing outcomes",
		},
		[]string{"outcome"},
	)

	itemDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobfeed_item_duration_seconds",
			Help:    "Duration of a single item normalize and upsert",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Queue metrics
	queueEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_queue_enqueued_total",
			Help: "Total number of messages enqueued",
		},
		[]string{"queue"},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobfeed_active_workers",
			Help: "Number of consumer goroutines per queue",
		},
		[]string{"queue"},
	)

	// Store metrics
	storeOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_store_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "status"},
	)

	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfeed_store_operation_duration_seconds",
			Help:    "Duration of store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Cache metrics
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_cache_hits_total",
			Help: "Total number of listing cache hits",
		},
		[]string{"operation"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_cache_misses_total",
			Help: "Total number of listing cache misses",
		},
		[]string{"operation"},
	)

	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobfeed_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobfeed_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// itemWindow counts item outcomes between two alert evaluations
var itemWindow struct {
	succeeded atomic.Int64
	failed    atomic.Int64
}

// RecordRun records a run reaching a terminal status
func RecordRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}

// RecordFeedFetch records fetch duration and item count. itemsCount < 0 skips the count.
func RecordFeedFetch(status string, duration float64, itemsCount int) {
	feedFetchDuration.WithLabelValues(status).Observe(duration)
	if itemsCount >= 0 {
		feedItemsCount.Observe(float64(itemsCount))
	}
}

// RecordItemProcessed records one item outcome
func RecordItemProcessed(outcome string, duration float64) {
	itemsProcessedTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		itemDuration.Observe(duration)
	}
	switch outcome {
	case OutcomeNew, OutcomeUpdated:
		itemWindow.succeeded.Add(1)
	case OutcomeFailed:
		itemWindow.failed.Add(1)
	}
}

// TakeItemFailureRate returns the share of terminally failed items since the
// previous call along with the sample size, and starts a new window.
func TakeItemFailureRate() (float64, int64) {
	ok := itemWindow.succeeded.Swap(0)
	failed := itemWindow.failed.Swap(0)
	total := ok + failed
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// RecordEnqueued records messages accepted by a queue
func RecordEnqueued(queue string, count int) {
	queueEnqueuedTotal.WithLabelValues(queue).Add(float64(count))
}

// AddActiveWorkers adjusts the consumer gauge for a queue
func AddActiveWorkers(queue string, delta int) {
	activeWorkers.WithLabelValues(queue).Add(float64(delta))
}

// RecordStoreOperation records store operation metrics
func RecordStoreOperation(operation, status string, duration float64) {
	storeOperations.WithLabelValues(operation, status).Inc()
	storeOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordCacheHit records a cache hit
func RecordCacheHit(operation string) {
	cacheHits.WithLabelValues(operation).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(operation string) {
	cacheMisses.WithLabelValues(operation).Inc()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}
