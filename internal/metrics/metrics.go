package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_cache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_cache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_cache_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Store metrics
var (
	StoreOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_cache_store_ops_total",
			Help: "Total number of serialized store operations",
		},
		[]string{"operation", "status"},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_cache_store_op_duration_seconds",
			Help:    "Serialized store operation duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	StoreQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_cache_store_queue_depth",
			Help: "Number of store operations waiting in the serialized queue",
		},
	)

	StoreBusyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_store_busy_retries_total",
			Help: "Total number of retries caused by busy/locked store contention",
		},
	)

	StoreCorruptionEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_store_corruption_events_total",
			Help: "Total number of failed store integrity checks",
		},
	)

	StoreCheckpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_cache_store_checkpoints_total",
			Help: "Total number of WAL checkpoints",
		},
		[]string{"trigger"}, // "periodic", "close"
	)
)

// Scheduler metrics
var (
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_cache_tasks_total",
			Help: "Total number of processed queue tasks",
		},
		[]string{"kind", "status"}, // kind: "download"/"thumbnail", status: "succeeded"/"failed"/"skipped"
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_cache_task_duration_seconds",
			Help:    "Queue task duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	TaskQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_cache_task_queue_length",
			Help: "Number of tasks currently queued or running",
		},
	)

	TasksDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_tasks_deduplicated_total",
			Help: "Total number of enqueue requests dropped because an identical task was already queued or running",
		},
	)
)

// Download metrics
var (
	DownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_download_bytes_total",
			Help: "Total bytes downloaded into the cache",
		},
	)

	DownloadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_download_retries_total",
			Help: "Total number of transient download retries",
		},
	)
)

// Engine metrics
var (
	SnapshotPublishes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_cache_snapshot_publishes_total",
			Help: "Total number of metadata snapshots published to subscribers",
		},
	)

	CachedItems = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_cache_items",
			Help: "Number of metadata records by lifecycle state",
		},
		[]string{"state"},
	)
)
