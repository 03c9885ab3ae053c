// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file instruments HTTP traffic with Prometheus. Labels are the method,
// the registered Gin route (raw path when nothing matched) and the status
// code, which keeps cardinality bounded. Websocket upgrades are counted but
// not timed: their handler runs for the life of the connection.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomchat_http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	httpRespSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_response_size_bytes",
			Help:    "Size of HTTP responses in bytes.",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8), // 128B..2MiB
		},
		[]string{"method", "path"},
	)

	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_rate_limited_total",
			Help: "HTTP requests rejected by the per-identity rate limit.",
		},
		[]string{"path"},
	)
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, httpRateLimited)
}

// Metrics returns a Gin middleware that instruments requests.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		upgrade := c.IsWebsocket()
		start := time.Now()
		if !upgrade {
			httpInflight.Inc()
			defer httpInflight.Dec()
		}

		c.Next()

		path := routeOf(c)
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		if upgrade {
			return
		}
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}

func routeOf(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}
