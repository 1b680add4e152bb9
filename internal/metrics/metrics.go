// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	tasksDequeuedTotal         *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	queueErrorsTotal           *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsFallbackTotal        prometheus.Counter
	queueDepth                 *prometheus.GaugeVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is safe to call
// more than once. Helpers are no-ops until Init runs.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_http_requests_total",
				Help: "HTTP requests served, labeled by method and status code.",
			},
			[]string{"method", "code"},
		)
		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_http_request_duration_seconds",
				Help:    "HTTP request latency, labeled by method and route pattern.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
		tasksDequeuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_tasks_dequeued_total",
				Help: "Tasks claimed by workers, labeled by stage.",
			},
			[]string{"stage"},
		)
		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_stage_duration_seconds",
				Help:    "Stage collaborator run time, labeled by stage and result.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage", "result"},
		)
		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_active_workers",
				Help: "Workers currently running a stage.",
			},
		)
		queueErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_queue_errors_total",
				Help: "Work queue operations that failed, labeled by operation.",
			},
			[]string{"op"},
		)
		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-host crawl rate limits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_robots_fallback_total",
				Help: "robots.txt fetches that kept timing out and were treated as allow-all.",
			},
		)
		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "audit_queue_depth",
				Help: "Tasks in the work queue, labeled by state (ready or claimed).",
			},
			[]string{"state"},
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeHost reduces a URL or bare host to a lowercase hostname label, or
// "unknown".
func SanitizeHost(raw string) string {
	if !strings.HasPrefix(raw, "http") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveDequeue counts a claimed task.
func ObserveDequeue(stage string) {
	if tasksDequeuedTotal == nil {
		return
	}
	tasksDequeuedTotal.WithLabelValues(stage).Inc()
}

// ObserveStage records a collaborator run. result is success, retryable,
// fatal or cancelled.
func ObserveStage(stage, result string, d time.Duration) {
	if stageDurationSeconds == nil {
		return
	}
	stageDurationSeconds.WithLabelValues(stage, result).Observe(d.Seconds())
}

// IncActiveWorkers marks a worker busy.
func IncActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Inc()
	}
}

// DecActiveWorkers marks a worker idle.
func DecActiveWorkers() {
	if activeWorkers != nil {
		activeWorkers.Dec()
	}
}

// ObserveQueueError counts a failed queue operation.
func ObserveQueueError(op string) {
	if queueErrorsTotal == nil {
		return
	}
	queueErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveRateLimitDelay records time spent waiting for a host token.
func ObserveRateLimitDelay(host string, d time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveRobotsFallback counts a robots.txt fetch given up after retries.
func ObserveRobotsFallback() {
	if robotsFallbackTotal == nil {
		return
	}
	robotsFallbackTotal.Inc()
}

// SetQueueDepth records the latest queue depth sample.
func SetQueueDepth(ready, claimed int64) {
	if queueDepth == nil {
		return
	}
	queueDepth.WithLabelValues("ready").Set(float64(ready))
	queueDepth.WithLabelValues("claimed").Set(float64(claimed))
}
