package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgmux.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	queryDuration      *prometheus.HistogramVec
	poolHealth         *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	// Transaction-mode metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	acquireDuration     *prometheus.HistogramVec
	sessionPinsTotal    *prometheus.CounterVec
	backendResetsTotal  *prometheus.CounterVec
	dirtyDisconnects    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_connections_active",
				Help: "Number of active server connections per pool",
			},
			[]string{"pool", "db_type"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_connections_idle",
				Help: "Number of idle server connections per pool",
			},
			[]string{"pool", "db_type"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_connections_total",
				Help: "Total number of server connections per pool",
			},
			[]string{"pool", "db_type"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_connections_waiting",
				Help: "Number of clients waiting for a server connection per pool",
			},
			[]string{"pool", "db_type"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_query_duration_seconds",
				Help:    "Duration of proxied sessions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"pool", "db_type"},
		),
		poolHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgmux_pool_health",
				Help: "Health status of a pool's backend server (1=healthy, 0=unhealthy)",
			},
			[]string{"pool"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_pool_exhausted_total",
				Help: "Total number of times a pool was exhausted",
			},
			[]string{"pool"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"pool", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"pool", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"pool", "db_type"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_transaction_duration_seconds",
				Help:    "Duration from backend acquire to return per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"pool", "db_type"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgmux_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"pool", "db_type"},
		),
		sessionPinsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_session_pins_total",
				Help: "Session pin events in transaction-mode pooling",
			},
			[]string{"pool", "reason"},
		),
		backendResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_backend_resets_total",
				Help: "Backend DISCARD ALL reset results",
			},
			[]string{"pool", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgmux_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring ROLLBACK",
			},
			[]string{"pool"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.queryDuration,
		c.poolHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.sessionPinsTotal,
		c.backendResetsTotal,
		c.dirtyDisconnects,
	)

	return c
}

// QueryDuration observes a session duration.
func (c *Collector) QueryDuration(pool, dbType string, d time.Duration) {
	c.queryDuration.WithLabelValues(pool, dbType).Observe(d.Seconds())
}

// SetPoolHealth sets the health gauge for a pool.
func (c *Collector) SetPoolHealth(pool string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.poolHealth.WithLabelValues(pool).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(pool string) {
	c.poolExhausted.WithLabelValues(pool).Inc()
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(pool, dbType string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(pool, dbType).Set(float64(active))
	c.connectionsIdle.WithLabelValues(pool, dbType).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(pool, dbType).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(pool, dbType).Set(float64(waiting))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(pool string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(pool, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(pool, errorType string) {
	c.healthCheckErrors.WithLabelValues(pool, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(pool, dbType string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(pool, dbType).Inc()
	c.transactionDuration.WithLabelValues(pool, dbType).Observe(d.Seconds())
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(pool, dbType string, d time.Duration) {
	c.acquireDuration.WithLabelValues(pool, dbType).Observe(d.Seconds())
}

// SessionPinned increments the session pin counter with the given reason.
func (c *Collector) SessionPinned(pool, reason string) {
	c.sessionPinsTotal.WithLabelValues(pool, reason).Inc()
}

// BackendReset records a DISCARD ALL result (success or failure).
func (c *Collector) BackendReset(pool string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.backendResetsTotal.WithLabelValues(pool, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(pool string) {
	c.dirtyDisconnects.WithLabelValues(pool).Inc()
}

// RemovePool removes all metrics for a pool, e.g. after it's dropped from
// the registry via a config reload.
func (c *Collector) RemovePool(pool string) {
	c.connectionsActive.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsIdle.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.connectionsWaiting.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.poolHealth.DeleteLabelValues(pool)
	c.poolExhausted.DeleteLabelValues(pool)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.transactionsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.sessionPinsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.backendResetsTotal.DeletePartialMatch(prometheus.Labels{"pool": pool})
	c.dirtyDisconnects.DeleteLabelValues(pool)
}
