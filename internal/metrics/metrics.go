// Package metrics provides Prometheus instrumentation for the fraudwatch relay.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraudwatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsObservedTotal counts transactions seen by the change
	// watchers, by source.
	TransactionsObservedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "transactions_observed_total",
			Help:      "Total transactions observed on the change streams by source.",
		},
		[]string{"source"},
	)

	// MalformedRecordsTotal counts change-stream records dropped as
	// undecodable or invalid, by source.
	MalformedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "malformed_records_total",
			Help:      "Total change-stream records dropped as malformed, by source.",
		},
		[]string{"source"},
	)

	// WatcherRestartsTotal counts change-watcher restarts by source.
	WatcherRestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "watcher_restarts_total",
			Help:      "Total change watcher restarts after a lost subscription, by source.",
		},
		[]string{"source"},
	)

	// EventsBroadcastTotal counts events fanned out to stream clients by type.
	EventsBroadcastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "events_broadcast_total",
			Help:      "Total events broadcast to stream clients by event type.",
		},
		[]string{"type"},
	)

	// BroadcastDropsTotal counts events dropped because the broadcast queue
	// was full.
	BroadcastDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "broadcast_drops_total",
		Help:      "Total events dropped due to a saturated broadcast queue.",
	})

	// StatsResyncsTotal counts periodic statistics re-syncs from the store.
	StatsResyncsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Name:      "stats_resyncs_total",
		Help:      "Total statistics re-syncs from the backing store.",
	})

	// ActiveStreamClients tracks connected WebSocket clients.
	ActiveStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fraudwatch",
			Name:      "active_stream_clients",
			Help:      "Number of currently connected stream clients.",
		},
	)

	// FeederTransactionsTotal counts transactions ingested by the feeder,
	// by scored verdict.
	FeederTransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudwatch",
			Name:      "feeder_transactions_total",
			Help:      "Total transactions ingested from the payment stream, by scored verdict.",
		},
		[]string{"verdict"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraudwatch", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsObservedTotal,
		MalformedRecordsTotal,
		WatcherRestartsTotal,
		EventsBroadcastTotal,
		BroadcastDropsTotal,
		StatsResyncsTotal,
		ActiveStreamClients,
		FeederTransactionsTotal,
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
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
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
