// Package metrics exposes tracery's Prometheus collectors. Everything is
// registered on the default registry, which /metrics serves.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracery"

// HTTP
var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"method", "route"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "response_size_bytes",
		Help:      "HTTP response body size.",
		Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
	}, []string{"method", "route"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests being served.",
	})
)

// Executions
var (
	executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Execution phases that ended, by function and resulting status.",
	}, []string{"function", "status"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "execution_duration_seconds",
		Help:      "Wall time of one execution phase.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"function"})

	steps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_total",
		Help:      "Finalized steps by function and status.",
	}, []string{"function", "status"})

	slots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "slots",
		Help:      "Runtime slots by state.",
	}, []string{"state"})

	validationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "validation_failures_total",
		Help:      "Rejected function sources by failure code.",
	}, []string{"code"})
)

// Triggers and streaming
var (
	webhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Webhook deliveries by outcome.",
	}, []string{"outcome"})

	scheduleRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "schedule",
		Name:      "runs_total",
		Help:      "Scheduled invocations by outcome.",
	}, []string{"outcome"})

	streamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "connections",
		Help:      "Open execution stream websockets.",
	})

	streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "subscribers",
		Help:      "Live subscriptions on the event hub.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, route string, status, size int, d time.Duration) {
	httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
	httpResponseSize.WithLabelValues(method, route).Observe(float64(size))
}

func IncrementInFlight() { httpInFlight.Inc() }
func DecrementInFlight() { httpInFlight.Dec() }

func RecordExecution(function, status string, d time.Duration) {
	executions.WithLabelValues(function, status).Inc()
	executionDuration.WithLabelValues(function).Observe(d.Seconds())
}

func RecordStep(function, status string) {
	steps.WithLabelValues(function, status).Inc()
}

func UpdateSlotStats(busy, free int) {
	slots.WithLabelValues("busy").Set(float64(busy))
	slots.WithLabelValues("free").Set(float64(free))
}

func RecordValidationFailure(code string) {
	validationFailures.WithLabelValues(code).Inc()
}

func RecordWebhookRequest(outcome string) {
	webhookRequests.WithLabelValues(outcome).Inc()
}

func RecordScheduleRun(outcome string) {
	scheduleRuns.WithLabelValues(outcome).Inc()
}

func SetStreamConnections(n int) { streamConnections.Set(float64(n)) }
func SetStreamSubscribers(n int) { streamSubscribers.Set(float64(n)) }

var dbStats struct {
	sync.Mutex
	collector prometheus.Collector
}

// RegisterDatabase exports the connection pool stats of db as go_sql_*
// with db_name="tracery". A later call replaces the earlier database.
func RegisterDatabase(db *sql.DB) error {
	dbStats.Lock()
	defer dbStats.Unlock()

	if dbStats.collector != nil {
		prometheus.Unregister(dbStats.collector)
		dbStats.collector = nil
	}
	c := collectors.NewDBStatsCollector(db, namespace)
	if err := prometheus.Register(c); err != nil {
		return err
	}
	dbStats.collector = c
	return nil
}

// NormalizePath turns a ServeMux pattern such as
// "GET /api/functions/{name}" into a bounded label like
// "/api/functions/:name". Unmatched requests share one label.
func NormalizePath(pattern string) string {
	if pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		pattern = path
	}

	var b strings.Builder
	for {
		open := strings.IndexByte(pattern, '{')
		if open < 0 {
			b.WriteString(pattern)
			break
		}
		end := strings.IndexByte(pattern[open:], '}')
		if end < 0 {
			b.WriteString(pattern)
			break
		}
		b.WriteString(pattern[:open])
		b.WriteByte(':')
		b.WriteString(strings.TrimSuffix(pattern[open+1:open+end], "..."))
		pattern = pattern[open+end+1:]
	}
	return b.String()
}
