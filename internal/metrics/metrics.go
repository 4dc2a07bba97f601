package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP request metrics for the operator API
var (
	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests by method, path, and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestsTotal counts the total number of HTTP requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)
)

// Fleet lifecycle metrics
var (
	// WorkersByStatus tracks the worker inventory by provider and status
	WorkersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_workers",
			Help: "Number of workers by provider and status",
		},
		[]string{"provider", "status"},
	)

	// SessionsStarted counts successful session starts
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sessions_started_total",
			Help: "Total number of sessions started by provider",
		},
		[]string{"provider"},
	)

	// SessionsStopped counts session stops by provider and shutdown reason
	SessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sessions_stopped_total",
			Help: "Total number of sessions stopped by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	// StartFailures counts refused or failed start attempts
	StartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_start_failures_total",
			Help: "Start attempts refused or failed by provider and failure kind",
		},
		[]string{"provider", "kind"},
	)

	// SessionUtilization reports per-worker session utilization percent
	SessionUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_session_utilization_percent",
			Help: "Session runtime as percent of the true provider maximum",
		},
		[]string{"provider", "account"},
	)

	// WeeklyUtilization reports family-K weekly utilization percent
	WeeklyUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_weekly_utilization_percent",
			Help: "Weekly usage as percent of the true provider weekly maximum",
		},
		[]string{"account"},
	)

	// AlternationOverrides counts explicit alternation fallback overrides
	AlternationOverrides = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_alternation_overrides_total",
			Help: "Total number of alternation gate overrides (dual-exhaustion fallback)",
		},
	)

	// AlternationDenials counts starts refused by the alternation gate
	AlternationDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_alternation_denials_total",
			Help: "Starts refused by the alternation gate, by requested provider",
		},
		[]string{"provider"},
	)

	// ActivationRequests counts on-demand activation requests by outcome
	ActivationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_activation_requests_total",
			Help: "On-demand activation requests by outcome (reuse, cold_start, rejected)",
		},
		[]string{"outcome"},
	)

	// IdleShutdowns counts idle watcher stops
	IdleShutdowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_idle_shutdowns_total",
			Help: "Total number of workers stopped by the idle watcher",
		},
	)

	// QuotaStops counts stops initiated by the quota monitor
	QuotaStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_quota_stops_total",
			Help: "Workers stopped by the quota monitor, by reason",
		},
		[]string{"reason"},
	)

	// DiscoveryWorkers counts workers added and removed by auto-discovery
	DiscoveryWorkers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_discovery_workers_total",
			Help: "Workers added or removed by auto-discovery, by provider and action",
		},
		[]string{"provider", "action"},
	)

	// RotationReplans counts schedule rebuilds triggered by pool changes
	RotationReplans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleet_rotation_replans_total",
			Help: "Total number of rotation schedule rebuilds",
		},
	)

	// SessionsReaped counts stale or expired sessions reaped
	SessionsReaped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_sessions_reaped_total",
			Help: "Stale or expired sessions reaped, by reason",
		},
		[]string{"reason"},
	)

	// DriverStartDuration tracks how long driver session starts take
	DriverStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleet_driver_start_duration_seconds",
			Help:    "Duration of driver StartSession calls by provider",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9), // 1s to ~4min
		},
		[]string{"provider"},
	)

	// DriverErrors counts driver call failures
	DriverErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_driver_errors_total",
			Help: "Driver call failures by provider and operation",
		},
		[]string{"provider", "operation"},
	)

	// ScrapedQuotaRemaining exports the provider's own advisory quota view
	ScrapedQuotaRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleet_scraped_quota_remaining_seconds",
			Help: "Provider-reported remaining quota (advisory; local ledger wins)",
		},
		[]string{"provider", "account", "window"},
	)
)

// Helper functions for common metric operations

// RecordSessionStarted increments the session started counter
func RecordSessionStarted(provider string) {
	SessionsStarted.WithLabelValues(provider).Inc()
}

// RecordSessionStopped increments the session stopped counter
func RecordSessionStopped(provider, reason string) {
	SessionsStopped.WithLabelValues(provider, reason).Inc()
}

// RecordStartFailure increments the start failure counter
func RecordStartFailure(provider, kind string) {
	StartFailures.WithLabelValues(provider, kind).Inc()
}

// RecordActivation increments the activation counter for an outcome
func RecordActivation(outcome string) {
	ActivationRequests.WithLabelValues(outcome).Inc()
}

// RecordIdleShutdown increments the idle shutdown counter
func RecordIdleShutdown() {
	IdleShutdowns.Inc()
}

// RecordQuotaStop increments the quota stop counter
func RecordQuotaStop(reason string) {
	QuotaStops.WithLabelValues(reason).Inc()
}

// RecordDiscovery increments the discovery counter for an action
// ("added" or "removed")
func RecordDiscovery(provider, action string) {
	DiscoveryWorkers.WithLabelValues(provider, action).Inc()
}

// RecordAlternationOverride increments the override counter
func RecordAlternationOverride() {
	AlternationOverrides.Inc()
}

// RecordAlternationDenial increments the denial counter
func RecordAlternationDenial(provider string) {
	AlternationDenials.WithLabelValues(provider).Inc()
}

// RecordReaped increments the reaped-session counter
func RecordReaped(reason string, count int64) {
	if count > 0 {
		SessionsReaped.WithLabelValues(reason).Add(float64(count))
	}
}

// RecordDriverStart records a driver StartSession duration
func RecordDriverStart(provider string, duration time.Duration) {
	DriverStartDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordDriverError increments the driver error counter
func RecordDriverError(provider, operation string) {
	DriverErrors.WithLabelValues(provider, operation).Inc()
}

// UpdateWorkerStatus moves a worker between status gauges
func UpdateWorkerStatus(provider, oldStatus, newStatus string) {
	if oldStatus != "" {
		WorkersByStatus.WithLabelValues(provider, oldStatus).Dec()
	}
	if newStatus != "" {
		WorkersByStatus.WithLabelValues(provider, newStatus).Inc()
	}
}

// RecordHTTPRequest records the duration and increments the counter for an HTTP request
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordScrapedQuota exports an advisory quota snapshot from a provider scrape
func RecordScrapedQuota(provider, account, window string, remainingSeconds float64) {
	ScrapedQuotaRemaining.WithLabelValues(provider, account, window).Set(remainingSeconds)
}
