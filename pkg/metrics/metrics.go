package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	SyncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_sync_attempts_total",
		Help: "The total number of sync attempts by server and status",
	}, []string{"server", "status"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autosync_sync_duration_seconds",
		Help:    "Time taken by one sync attempt",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // Start at 1s with 10 buckets doubling in size
	}, []string{"server"})

	AccountSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_account_syncs_total",
		Help: "The total number of per-account bank syncs by result",
	}, []string{"server", "result"})

	LastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autosync_last_success_timestamp_seconds",
		Help: "Unix time of the last successful sync per server",
	}, []string{"server"})

	ConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "autosync_consecutive_failures",
		Help: "Number of consecutive failed attempts per server",
	}, []string{"server"})

	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autosync_health_status",
		Help: "Overall health: 0 pending, 1 healthy, 2 degraded, 3 unhealthy",
	})

	SyncInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autosync_sync_in_progress",
		Help: "1 while a sync run is executing",
	})

	// Retry related metrics
	RetryCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_retries_total",
		Help: "The total number of retried remote operations by error type",
	}, []string{"operation", "error_type"})

	PermanentErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_permanent_errors_total",
		Help: "Total number of errors that were not retried",
	}, []string{"operation", "error_type"})

	MaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_max_retries_reached_total",
		Help: "Number of operations that exhausted their retries",
	}, []string{"operation", "error_type"})

	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autosync_notifications_total",
		Help: "Notifications by channel and result",
	}, []string{"channel", "result"})
)
