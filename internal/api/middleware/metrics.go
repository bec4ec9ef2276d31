// Package middleware provides HTTP middleware components for the ShareTunnel API.
// This file contains Prometheus metrics for the API itself and for the
// supervised processes behind it.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// httpRequestsTotal counts the total number of HTTP requests processed.
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharetunnel_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDurationSeconds tracks the duration of HTTP requests.
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharetunnel_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// httpResponseSizeBytes tracks the size of HTTP response bodies.
	httpResponseSizeBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharetunnel_http_response_size_bytes",
			Help:    "Size of HTTP response bodies in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// activeConnections tracks the number of requests in flight, including
	// open event streams.
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharetunnel_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	activeConnectionsCount int64

	readinessProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharetunnel_readiness_probes_total",
			Help: "Readiness probe attempts against the backend server",
		},
		[]string{"result"},
	)

	serverReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharetunnel_server_ready",
			Help: "1 while the backend server is ready",
		},
	)

	processExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharetunnel_process_exits_total",
			Help: "Terminated child processes by role and kind (stopped, exited, crashed)",
		},
		[]string{"role", "kind"},
	)

	serverRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sharetunnel_server_restarts_total",
			Help: "Backend server respawns after an unexpected exit",
		},
	)

	tunnelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharetunnel_tunnel_events_total",
			Help: "Tunnel lifecycle events by type",
		},
		[]string{"type"},
	)

	tunnelUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharetunnel_tunnel_up",
			Help: "1 while a public tunnel URL is known",
		},
	)

	sharesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharetunnel_shares_total",
			Help: "Share requests by result code",
		},
		[]string{"result"},
	)

	shareDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharetunnel_share_duration_seconds",
			Help:    "Time spent creating a share on the backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	// metricsRegistered ensures metrics are only registered once.
	metricsRegistered atomic.Bool
	metricsEnabled    atomic.Bool
)

// SetMetricsEnabled toggles Prometheus metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
	if enabled {
		RegisterMetrics()
	}
}

// IsMetricsEnabled reports whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// RegisterMetrics registers all Prometheus metrics.
// It is safe to call multiple times; metrics will only be registered once.
func RegisterMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}

	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		httpResponseSizeBytes,
		activeConnections,
		readinessProbes,
		serverReady,
		processExits,
		serverRestarts,
		tunnelEvents,
		tunnelUp,
		sharesTotal,
		shareDurationSeconds,
	)
}

// PrometheusMiddleware returns a Gin middleware that collects Prometheus metrics
// for HTTP requests including request count, duration, and active connections.
// GetActiveConnections is maintained whether or not metrics are enabled.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// The in-flight count backs /api/status and is kept even with metrics off.
		atomic.AddInt64(&activeConnectionsCount, 1)
		defer atomic.AddInt64(&activeConnectionsCount, -1)

		if !IsMetricsEnabled() {
			c.Next()
			return
		}

		// Skip metrics endpoint to avoid self-referential metrics
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		activeConnections.Inc()
		defer activeConnections.Dec()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		start := time.Now()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size > 0 {
			httpResponseSizeBytes.WithLabelValues(method, path).Observe(float64(size))
		}
	}
}

// normalizePath normalizes URL paths to prevent high cardinality in metrics.
func normalizePath(path string) string {
	switch path {
	case "/", "/healthz", "/metrics",
		"/api/status", "/api/tunnel", "/api/shares", "/api/browse", "/api/events", "/api/logs":
		return path
	}
	if strings.HasPrefix(path, "/api/") {
		return "/api/*"
	}
	return "other"
}

// MetricsHandler returns the Prometheus HTTP handler for the /metrics endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		if !IsMetricsEnabled() {
			c.AbortWithStatus(http.StatusNotFound)
			return
		}
		RegisterMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// GetActiveConnections returns the current number of active connections.
func GetActiveConnections() int64 {
	return atomic.LoadInt64(&activeConnectionsCount)
}

// RecordProbe counts one readiness attempt.
func RecordProbe(ok bool) {
	if !IsMetricsEnabled() {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	readinessProbes.WithLabelValues(result).Inc()
}

// SetServerReady mirrors the readiness flag.
func SetServerReady(ready bool) {
	if !IsMetricsEnabled() {
		return
	}
	serverReady.Set(boolGauge(ready))
}

// RecordProcessExit counts a terminated child. kind is stopped, exited or crashed.
func RecordProcessExit(role, kind string) {
	if !IsMetricsEnabled() {
		return
	}
	processExits.WithLabelValues(role, kind).Inc()
}

// RecordServerRestart counts a respawn of the backend.
func RecordServerRestart() {
	if !IsMetricsEnabled() {
		return
	}
	serverRestarts.Inc()
}

// RecordTunnelEvent counts a tunnel lifecycle event and keeps tunnel_up in
// step with it.
func RecordTunnelEvent(kind string, up bool) {
	if !IsMetricsEnabled() {
		return
	}
	tunnelEvents.WithLabelValues(kind).Inc()
	tunnelUp.Set(boolGauge(up))
}

// RecordShare counts a share request; result is "ok" or an error code.
func RecordShare(result string, d time.Duration) {
	if !IsMetricsEnabled() {
		return
	}
	sharesTotal.WithLabelValues(result).Inc()
	shareDurationSeconds.Observe(d.Seconds())
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
