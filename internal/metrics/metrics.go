// Package metrics provides Prometheus instrumentation for the risk engine.
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
			Namespace: "finsentry",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "finsentry",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// FraudEvaluationsTotal counts risk evaluations by verdict.
	FraudEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsentry",
			Name:      "fraud_evaluations_total",
			Help:      "Total fraud evaluations by verdict (allow, challenge, deny).",
		},
		[]string{"verdict"},
	)

	// FraudRiskScore observes the aggregate risk score distribution.
	FraudRiskScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "finsentry",
			Name:      "fraud_risk_score",
			Help:      "Aggregate risk score per evaluation.",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	// FraudTriggersTotal counts fired heuristic triggers by code.
	FraudTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsentry",
			Name:      "fraud_triggers_total",
			Help:      "Total fired heuristic triggers by trigger code.",
		},
		[]string{"trigger"},
	)

	// FraudCheckFailures counts per-check infrastructure failures.
	FraudCheckFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "finsentry",
			Name:      "fraud_check_failures_total",
			Help:      "Total per-check infrastructure failures by check name.",
		},
		[]string{"check"},
	)

	// DevicesGenerated counts device fingerprint generations.
	DevicesGenerated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finsentry",
		Name:      "devices_generated_total",
		Help:      "Total device fingerprint generations.",
	})

	// DevicesTrusted tracks explicit device trust grants.
	DevicesTrusted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "finsentry",
		Name:      "devices_trusted_total",
		Help:      "Total explicit device trust grants.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsentry", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsentry", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsentry", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "finsentry", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FraudEvaluationsTotal,
		FraudRiskScore,
		FraudTriggersTotal,
		FraudCheckFailures,
		DevicesGenerated,
		DevicesTrusted,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
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
