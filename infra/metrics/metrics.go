package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ReserveOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stock_reserve_total",
			Help: "Reserve attempts by outcome",
		},
		[]string{"outcome"},
	)
	ReserveConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stock_reserve_version_conflicts_total",
			Help: "Optimistic reserve writes that lost to a concurrent write and were retried",
		},
	)
	TransitionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stock_reservation_transitions_total",
			Help: "Commit, release and expiry calls by outcome",
		},
		[]string{"operation", "outcome"},
	)
	SweepExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stock_sweeper_expired_total",
			Help: "Reservations moved to expired by the sweeper",
		},
	)
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stock_sweeper_pass_duration_seconds",
			Help:    "Duration of one sweeper pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient_stock"
	OutcomeConflict     = "conflict"
	OutcomeNotFound     = "not_found"
	OutcomeNoop         = "noop"
	OutcomeError        = "error"
)

// NormalizePath keeps the first path segment so ids do not explode label cardinality.
func NormalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if idx := strings.Index(p, "/"); idx >= 0 {
		p = p[:idx]
	}
	if p == "" {
		return "root"
	}
	return p
}

func Middleware(c *gin.Context) {
	if c.Request.URL.Path == "/metrics" {
		c.Next()
		return
	}
	start := time.Now()
	c.Next()
	path := NormalizePath(c.Request.URL.Path)
	RequestTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
}
