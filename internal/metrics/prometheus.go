package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics contains all Prometheus metrics for the ledger service
type PrometheusMetrics struct {
	// Contribution metrics
	ContributionsTotal      *prometheus.CounterVec
	ContributionAmounts     *prometheus.HistogramVec
	ContributionDuration    prometheus.Histogram
	ConcurrencyRetriesTotal prometheus.Counter

	// Settlement metrics
	SettlementRequestsTotal   *prometheus.CounterVec
	SettlementRequestDuration *prometheus.HistogramVec
	SettlementTimeoutsTotal   prometheus.Counter

	// Notarization metrics
	NotarizationRequestsTotal *prometheus.CounterVec
	TopicsCreatedTotal        prometheus.Counter
	MessagesMirroredTotal     prometheus.Counter

	// Reconciliation metrics
	ReconcileRunsTotal      *prometheus.CounterVec
	ReconcileRecoveredTotal prometheus.Counter
	ReconcileDuration       prometheus.Histogram

	// Storage metrics
	DatabaseOperationsTotal   *prometheus.CounterVec
	DatabaseOperationDuration *prometheus.HistogramVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Application health metrics
	ApplicationUptime prometheus.Gauge
	ComponentHealth   *prometheus.GaugeVec
	MemoryUsage       prometheus.Gauge
	GoroutineCount    prometheus.Gauge

	// Ledger state metrics
	ActiveProjects   prometheus.Gauge
	CollectedAmounts *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		// Contribution metrics
		ContributionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_contributions_total",
				Help: "Total number of contribution attempts by outcome",
			},
			[]string{"status"},
		),

		ContributionAmounts: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdledger_contribution_amount",
				Help:    "Distribution of contribution amounts in the currency of record",
				Buckets: []float64{1000, 5000, 10000, 50000, 100000, 500000, 1000000},
			},
			[]string{"status"},
		),

		ContributionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crowdledger_contribution_duration_seconds",
				Help:    "End-to-end time spent processing a contribution",
				Buckets: prometheus.DefBuckets,
			},
		),

		ConcurrencyRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdledger_concurrency_retries_total",
				Help: "Total number of confirmation retries after a concurrency conflict",
			},
		),

		// Settlement metrics
		SettlementRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_settlement_requests_total",
				Help: "Total number of settlement network requests",
			},
			[]string{"operation", "status"},
		),

		SettlementRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdledger_settlement_request_duration_seconds",
				Help:    "Duration of settlement network requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		SettlementTimeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdledger_settlement_timeouts_total",
				Help: "Total number of settlement transfers flagged as timed out",
			},
		),

		// Notarization metrics
		NotarizationRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_notarization_requests_total",
				Help: "Total number of notarization service requests",
			},
			[]string{"operation", "status"},
		),

		TopicsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdledger_notarization_topics_created_total",
				Help: "Total number of notarization topics created",
			},
		),

		MessagesMirroredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdledger_notarization_messages_mirrored_total",
				Help: "Total number of remote messages mirrored locally",
			},
		),

		// Reconciliation metrics
		ReconcileRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_reconcile_runs_total",
				Help: "Total number of reconciliation runs by outcome",
			},
			[]string{"status"},
		),

		ReconcileRecoveredTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crowdledger_reconcile_recovered_total",
				Help: "Total number of timed-out transfers recovered as confirmed",
			},
		),

		ReconcileDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crowdledger_reconcile_duration_seconds",
				Help:    "Duration of reconciliation runs",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Storage metrics
		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_database_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		DatabaseOperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdledger_database_operation_duration_seconds",
				Help:    "Duration of database operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "table"},
		),

		// API metrics
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crowdledger_http_requests_total",
				Help: "Total number of HTTP requests received",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crowdledger_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Application health metrics
		ApplicationUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdledger_application_uptime_seconds",
				Help: "Application uptime in seconds",
			},
		),

		ComponentHealth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crowdledger_component_health",
				Help: "Health status of application components (1=healthy, 0=unhealthy)",
			},
			[]string{"component"},
		),

		MemoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdledger_memory_usage_bytes",
				Help: "Current memory usage in bytes",
			},
		),

		GoroutineCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdledger_goroutines",
				Help: "Number of running goroutines",
			},
		),

		// Ledger state metrics
		ActiveProjects: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crowdledger_active_projects",
				Help: "Number of projects currently accepting contributions",
			},
		),

		CollectedAmounts: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crowdledger_collected_amount",
				Help: "Collected amount per project in the currency of record",
			},
			[]string{"project_id"},
		),
	}
}

// RecordContribution increments the contribution counter for an outcome
func (m *PrometheusMetrics) RecordContribution(status string, amount int64) {
	m.ContributionsTotal.WithLabelValues(status).Inc()
	m.ContributionAmounts.WithLabelValues(status).Observe(float64(amount))
}

// RecordContributionDuration records end-to-end contribution processing time
func (m *PrometheusMetrics) RecordContributionDuration(duration time.Duration) {
	m.ContributionDuration.Observe(duration.Seconds())
}

// RecordConcurrencyRetry counts one confirmation retry
func (m *PrometheusMetrics) RecordConcurrencyRetry() {
	m.ConcurrencyRetriesTotal.Inc()
}

// RecordSettlementRequest records a settlement network request
func (m *PrometheusMetrics) RecordSettlementRequest(operation, status string, duration time.Duration) {
	m.SettlementRequestsTotal.WithLabelValues(operation, status).Inc()
	m.SettlementRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSettlementTimeout counts one timed-out transfer
func (m *PrometheusMetrics) RecordSettlementTimeout() {
	m.SettlementTimeoutsTotal.Inc()
}

// RecordNotarizationRequest records a notarization service request
func (m *PrometheusMetrics) RecordNotarizationRequest(operation, status string) {
	m.NotarizationRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordTopicCreated counts one new notarization topic
func (m *PrometheusMetrics) RecordTopicCreated() {
	m.TopicsCreatedTotal.Inc()
}

// RecordMessagesMirrored counts newly mirrored messages
func (m *PrometheusMetrics) RecordMessagesMirrored(count int) {
	m.MessagesMirroredTotal.Add(float64(count))
}

// RecordReconcileRun records a reconciliation run outcome
func (m *PrometheusMetrics) RecordReconcileRun(status string, duration time.Duration) {
	m.ReconcileRunsTotal.WithLabelValues(status).Inc()
	m.ReconcileDuration.Observe(duration.Seconds())
}

// RecordReconcileRecovered counts a timed-out transfer recovered as confirmed
func (m *PrometheusMetrics) RecordReconcileRecovered() {
	m.ReconcileRecoveredTotal.Inc()
}

// RecordDatabaseOperation records a database operation
func (m *PrometheusMetrics) RecordDatabaseOperation(operation, table, status string, duration time.Duration) {
	m.DatabaseOperationsTotal.WithLabelValues(operation, table, status).Inc()
	m.DatabaseOperationDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request
func (m *PrometheusMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateApplicationUptime updates application uptime
func (m *PrometheusMetrics) UpdateApplicationUptime(startTime time.Time) {
	m.ApplicationUptime.Set(time.Since(startTime).Seconds())
}

// UpdateComponentHealth updates component health status
func (m *PrometheusMetrics) UpdateComponentHealth(component string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.ComponentHealth.WithLabelValues(component).Set(value)
}

// UpdateMemoryUsage updates memory usage
func (m *PrometheusMetrics) UpdateMemoryUsage(bytes uint64) {
	m.MemoryUsage.Set(float64(bytes))
}

// UpdateGoroutineCount updates goroutine count
func (m *PrometheusMetrics) UpdateGoroutineCount(count int) {
	m.GoroutineCount.Set(float64(count))
}

// UpdateActiveProjects updates the count of projects accepting contributions
func (m *PrometheusMetrics) UpdateActiveProjects(count int) {
	m.ActiveProjects.Set(float64(count))
}

// UpdateCollectedAmount updates the running total for a project
func (m *PrometheusMetrics) UpdateCollectedAmount(projectID string, amount int64) {
	m.CollectedAmounts.WithLabelValues(projectID).Set(float64(amount))
}
