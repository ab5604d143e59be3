package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "securechat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	MessagesPosted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "securechat_messages_posted_total",
		Help: "Total number of messages appended to conversations",
	})
	BackupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_backups_total",
		Help: "Backup archives processed, by operation and result",
	}, []string{"op", "result"})
	StorageRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "securechat_storage_retries_total",
		Help: "Transient storage failures that triggered a retry",
	})
	IntegrityFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "securechat_integrity_failures_total",
		Help: "Decryption or archive integrity failures",
	}, []string{"code"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		MessagesPosted,
		BackupsTotal,
		StorageRetries,
		IntegrityFailures,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware records request count and latency per route.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
