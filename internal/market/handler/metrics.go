package handler

import (
	"strconv"
	"time"

	"github.com/agrimarket/agrimarket/internal/market/engine"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	marketRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimarket_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	marketRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrimarket_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	marketLedgerEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimarket_ledger_entries_total",
		Help: "Total ledger entries appended by entry kind.",
	}, []string{"kind"})

	marketCommandErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimarket_command_errors_total",
		Help: "Total rejected marketplace commands by error code.",
	}, []string{"code"})

	marketSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrimarket_expiry_sweeps_total",
		Help: "Total expiry sweeps by result.",
	}, []string{"result"})

	marketExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrimarket_expired_entities_total",
		Help: "Total listings and bids moved to EXPIRED by sweeps.",
	})

	marketLedgerHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrimarket_ledger_halted",
		Help: "1 when a failed verification has halted ledger appends.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		marketRequestsTotal.WithLabelValues(method, path, status).Inc()
		marketRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records a ledger entry of the given kind.
func RecordLedgerAppend(kind string) {
	marketLedgerEntriesTotal.WithLabelValues(kind).Inc()
}

// RecordCommandError records a command rejected with code.
func RecordCommandError(code string) {
	marketCommandErrorsTotal.WithLabelValues(code).Inc()
}

// RecordSweep records an expiry sweep and the ledger entries it appended.
// It matches sweeper.MetricsRecordFunc.
func RecordSweep(transitions []engine.Transition, err error) {
	if err != nil {
		marketSweepsTotal.WithLabelValues("failure").Inc()
	} else {
		marketSweepsTotal.WithLabelValues("success").Inc()
	}
	marketExpiredTotal.Add(float64(len(transitions)))
	for _, t := range transitions {
		RecordLedgerAppend(string(t.Kind()))
	}
}

// SetLedgerHalted sets the ledger halt gauge.
func SetLedgerHalted(halted bool) {
	if halted {
		marketLedgerHalted.Set(1)
	} else {
		marketLedgerHalted.Set(0)
	}
}
