// Package metrics provides Prometheus instrumentation for the coin escrow service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coinescrow"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts committed escrow transitions by event.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Committed escrow transitions by event (created, payment_confirmed, completed, expired, cancelled).",
		},
		[]string{"event"},
	)

	// EscrowRejectedTotal counts failed escrow operations by operation and error kind.
	EscrowRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_rejected_total",
			Help:      "Escrow operations that returned an error, by operation and error kind.",
		},
		[]string{"operation", "kind"},
	)

	// EscrowOperationDuration observes escrow manager latency by operation.
	EscrowOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escrow_operation_duration_seconds",
			Help:      "Escrow manager operation latency in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	// EscrowDuration observes time from request to resolution by outcome.
	EscrowDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escrow_duration_seconds",
			Help:      "Time from purchase request to terminal state in seconds.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// CoinsSoldTotal counts coins moved from agents to buyers.
	CoinsSoldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coins_sold_total",
		Help:      "Total coins transferred from agents to buyers by completed purchases.",
	})

	// BonusCoinsIssuedTotal counts bonus coins minted by the platform pool.
	BonusCoinsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bonus_coins_issued_total",
		Help:      "Total bonus coins credited to buyers from the platform pool.",
	})

	// SchedulerSweepsTotal counts expiration sweep outcomes per record.
	SchedulerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_records_total",
			Help:      "Records handled by the expiration scheduler, by result (expired, skipped, failed).",
		},
		[]string{"result"},
	)

	// SchedulerSweepDuration observes how long one expiration sweep takes.
	SchedulerSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scheduler_sweep_duration_seconds",
		Help:      "Expiration sweep duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// OpenEscrowCoins sums the quantity of escrows in Requested or
	// PaymentConfirmed, sampled by reconciliation. It should equal LockedCoins.
	OpenEscrowCoins = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_escrow_coins",
		Help:      "Coins committed to escrows not yet in a terminal state.",
	})

	// LockedCoins sums agents' locked balances, sampled by reconciliation.
	LockedCoins = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "locked_coins",
		Help:      "Coins locked in agent offers across all agents.",
	})

	// ReconciliationMismatches tracks agents whose balances disagree with open escrows.
	ReconciliationMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_mismatches",
		Help:      "Agents failing a conservation check in the last reconciliation run.",
	})

	// ReconciliationRunsTotal counts reconciliation runs by result.
	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_runs_total",
			Help:      "Reconciliation runs by result (ok, mismatch, error).",
		},
		[]string{"result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// CircuitBreakerTransitions counts breaker state changes by target state.
	CircuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by new state.",
		},
		[]string{"state"},
	)

	// RateLimitedTotal counts requests rejected by the rate limiter.
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by the rate limiter.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowRejectedTotal,
		EscrowOperationDuration,
		EscrowDuration,
		CoinsSoldTotal,
		BonusCoinsIssuedTotal,
		SchedulerSweepsTotal,
		SchedulerSweepDuration,
		OpenEscrowCoins,
		LockedCoins,
		ReconciliationMismatches,
		ReconciliationRunsTotal,
		WebhookDeliveriesTotal,
		CircuitBreakerTransitions,
		RateLimitedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath() // route pattern, not the raw path
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
