// Package metrics is the dispatcher's Prometheus registry: a package-level,
// mutex-guarded set of collectors exposed on a dedicated listener, separate
// from the main HTTP API. Reset rebuilds the registry from scratch so
// table-driven handler tests don't see counters bleed in from earlier
// tests.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsEnqueued       *prometheus.CounterVec
	webhookRejected    *prometheus.CounterVec
	logSubscribers     prometheus.Gauge
	httpRequestLatency *prometheus.HistogramVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Used by tests to avoid
// cross-test counter leakage.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobEnqueued increments the enqueued-jobs counter for a provider.
func ObserveJobEnqueued(provider string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsEnqueued != nil {
		jobsEnqueued.WithLabelValues(provider).Inc()
	}
}

// ObserveWebhookRejected increments the rejected-webhooks counter, labeled
// by provider and the reason it was rejected (invalid_signature,
// unsupported_event, malformed_body, unavailable).
func ObserveWebhookRejected(provider, reason string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookRejected != nil {
		webhookRejected.WithLabelValues(provider, reason).Inc()
	}
}

// IncLogSubscribersActive records one new open SSE log subscription.
func IncLogSubscribersActive() {
	mu.RLock()
	defer mu.RUnlock()
	if logSubscribers != nil {
		logSubscribers.Inc()
	}
}

// DecLogSubscribersActive records one SSE log subscription closing.
func DecLogSubscribersActive() {
	mu.RLock()
	defer mu.RUnlock()
	if logSubscribers != nil {
		logSubscribers.Dec()
	}
}

// ObserveHTTPRequest records one completed request's latency, labeled by
// route pattern and status class.
func ObserveHTTPRequest(route, method string, status int, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if httpRequestLatency != nil {
		httpRequestLatency.WithLabelValues(route, method, statusClass(status)).Observe(d.Seconds())
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	enqueued := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raibid",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs successfully enqueued, labeled by webhook provider.",
	}, []string{"provider"})

	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "raibid",
		Name:      "webhook_rejected_total",
		Help:      "Total webhook deliveries rejected, labeled by provider and reason.",
	}, []string{"provider", "reason"})

	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "raibid",
		Name:      "log_subscribers_active",
		Help:      "Current number of open job log SSE subscriptions.",
	})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "raibid",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route, method, and status class.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	registry.MustRegister(enqueued, rejected, subscribers, latency)

	reg = registry
	jobsEnqueued = enqueued
	webhookRejected = rejected
	logSubscribers = subscribers
	httpRequestLatency = latency
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
