// Package metrics provides Prometheus-based metrics collection for v6ledger.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all v6ledger metrics
	namespace = "v6ledger"

	// Subsystems
	subsystemReconcile = "reconcile"
	subsystemAggregate = "aggregate"
	subsystemDatabase  = "database"
	subsystemSystem    = "system"
	subsystemAPI       = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Reconciliation metrics
	operationsTotal    *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	addressesTotal     *prometheus.CounterVec
	rollbacksTotal     *prometheus.CounterVec
	teardownFailures   prometheus.Counter
	activeOperations   prometheus.Gauge
	aggregatesRecomput *prometheus.CounterVec

	// Audit metrics
	auditRuns  *prometheus.CounterVec
	auditDrift *prometheus.GaugeVec

	// Database pool metrics
	dbOpenConnections prometheus.Gauge
	dbInUse           prometheus.Gauge
	dbIdle            prometheus.Gauge
	dbWaitCount       prometheus.Gauge

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initReconcileMetrics()
	pm.initAggregateMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initReconcileMetrics() {
	pm.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "operations_total",
			Help:      "Total number of reconciliation operations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	pm.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "duration_seconds",
			Help:      "Duration of reconciliation operations in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 120.0},
		},
		[]string{"kind"},
	)

	pm.addressesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "addresses_total",
			Help:      "Addresses processed by kind and result category",
		},
		[]string{"kind", "category"},
	)

	pm.rollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "rollbacks_total",
			Help:      "Total number of rolled back reconciliation operations",
		},
		[]string{"kind"},
	)

	pm.teardownFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "staging_teardown_failures_total",
			Help:      "Staging tables that could not be dropped",
		},
	)

	pm.activeOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemReconcile,
			Name:      "active",
			Help:      "Number of reconciliation operations in flight",
		},
	)
}

func (pm *PrometheusMetrics) initAggregateMetrics() {
	pm.aggregatesRecomput = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregate,
			Name:      "recomputed_total",
			Help:      "Counter rows recomputed by scope (country or asn)",
		},
		[]string{"scope"},
	)

	pm.auditRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregate,
			Name:      "audit_runs_total",
			Help:      "Aggregate audit runs by status",
		},
		[]string{"status"},
	)

	pm.auditDrift = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregate,
			Name:      "audit_drift",
			Help:      "Counter rows found out of sync by the last audit, by scope",
		},
		[]string{"scope"},
	)
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      name,
			Help:      help,
		})
	}

	pm.dbOpenConnections = gauge("connections_open", "Open connections in the pool")
	pm.dbInUse = gauge("connections_in_use", "Connections currently in use")
	pm.dbIdle = gauge("connections_idle", "Idle connections in the pool")
	pm.dbWaitCount = gauge("connections_wait_count", "Total number of connections waited for")
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.operationsTotal,
		pm.operationDuration,
		pm.addressesTotal,
		pm.rollbacksTotal,
		pm.teardownFailures,
		pm.activeOperations,
		pm.aggregatesRecomput,
		pm.auditRuns,
		pm.auditDrift,
		pm.dbOpenConnections,
		pm.dbInUse,
		pm.dbIdle,
		pm.dbWaitCount,
		pm.httpRequests,
		pm.httpDuration,
		pm.memoryUsage,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Reconciliation Metrics Methods

// RecordOperation counts a finished operation and observes its duration.
func (pm *PrometheusMetrics) RecordOperation(kind, outcome string, duration time.Duration) {
	pm.operationsTotal.WithLabelValues(kind, outcome).Inc()
	pm.operationDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordAddresses adds count addresses to a result category.
func (pm *PrometheusMetrics) RecordAddresses(kind, category string, count int) {
	if count <= 0 {
		return
	}
	pm.addressesTotal.WithLabelValues(kind, category).Add(float64(count))
}

// IncrementRollbacks counts a rolled back operation.
func (pm *PrometheusMetrics) IncrementRollbacks(kind string) {
	pm.rollbacksTotal.WithLabelValues(kind).Inc()
}

// IncrementTeardownFailures counts a staging table that could not be dropped.
func (pm *PrometheusMetrics) IncrementTeardownFailures() {
	pm.teardownFailures.Inc()
}

// AddAggregatesRecomputed counts recomputed counter rows.
func (pm *PrometheusMetrics) AddAggregatesRecomputed(scope string, rows int64) {
	pm.aggregatesRecomput.WithLabelValues(scope).Add(float64(rows))
}

// SetActiveOperations sets the number of in-flight operations.
func (pm *PrometheusMetrics) SetActiveOperations(count int) {
	pm.activeOperations.Set(float64(count))
}

// Audit Metrics Methods

// RecordAudit counts an audit run and publishes the drift it found per scope.
func (pm *PrometheusMetrics) RecordAudit(status string, countryDrift, asnDrift int) {
	pm.auditRuns.WithLabelValues(status).Inc()
	pm.auditDrift.WithLabelValues("country").Set(float64(countryDrift))
	pm.auditDrift.WithLabelValues("asn").Set(float64(asnDrift))
}

// Database Metrics Methods

// UpdatePoolStats publishes connection pool statistics.
func (pm *PrometheusMetrics) UpdatePoolStats(stats sql.DBStats) {
	pm.dbOpenConnections.Set(float64(stats.OpenConnections))
	pm.dbInUse.Set(float64(stats.InUse))
	pm.dbIdle.Set(float64(stats.Idle))
	pm.dbWaitCount.Set(float64(stats.WaitCount))
}

// API Metrics Methods

// IncrementHTTPRequests increments HTTP request counter
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records HTTP request duration
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics, and pool statistics when
// stats is non-nil, until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration, stats func() sql.DBStats) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	update := func() {
		pm.UpdateSystemMetrics()
		if stats != nil {
			pm.UpdatePoolStats(stats())
		}
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
