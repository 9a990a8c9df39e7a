// Package metrics exposes the proxy's prometheus metrics: per-request
// counts, hook-level failures, credential-refresh outcomes, and
// end-to-end pipeline latency. The collector shape (promauto-registered
// CounterVec/HistogramVec behind a small façade) is a standard
// client_golang usage pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector wraps the prometheus instruments for the metrics listed in
// SPEC_FULL.md §4's domain-stack table, plus routing-fallback counts. A nil *Collector is safe to call every method on: every
// method is a no-op when metrics_enabled is false, so callers never need
// to branch on whether metrics are on.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	hookFailures     *prometheus.CounterVec
	routingFallbacks *prometheus.CounterVec
	credentialEvents *prometheus.CounterVec
}

// New registers and returns a Collector against the default prometheus
// registry. Call only when config.MetricsEnabled is true.
func New() *Collector {
	return &Collector{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccproxy",
			Name:      "requests_total",
			Help:      "Total number of completed proxy requests.",
		}, []string{"model_name", "is_passthrough", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccproxy",
			Name:      "pipeline_duration_seconds",
			Help:      "Wall-clock duration of the hook pipeline per request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"model_name"}),

		hookFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccproxy",
			Name:      "hook_failures_total",
			Help:      "Hook panics isolated by the executor, by hook name.",
		}, []string{"hook"}),

		routingFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccproxy",
			Name:      "routing_fallbacks_total",
			Help:      "model_router fallback outcomes (default entry, passthrough, or error).",
		}, []string{"outcome"}),

		credentialEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccproxy",
			Name:      "credential_refresh_total",
			Help:      "OAuth credential refresh attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// ObserveRequest records one completed request's routing outcome.
func (c *Collector) ObserveRequest(modelName string, isPassthrough bool, status string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(modelName, boolLabel(isPassthrough), status).Inc()
}

// ObservePipelineDuration records the hook pipeline's wall-clock cost.
func (c *Collector) ObservePipelineDuration(modelName string, d time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(modelName).Observe(d.Seconds())
}

// ObserveHookFailure records a hook panic the executor isolated.
func (c *Collector) ObserveHookFailure(hookName string) {
	if c == nil {
		return
	}
	c.hookFailures.WithLabelValues(hookName).Inc()
}

// ObserveRoutingFallback records a model_router fallback outcome:
// "default_entry", "passthrough", or "error".
func (c *Collector) ObserveRoutingFallback(outcome string) {
	if c == nil {
		return
	}
	c.routingFallbacks.WithLabelValues(outcome).Inc()
}

// ObserveCredentialRefresh records an OAuth refresh attempt's outcome:
// "success" or "failure".
func (c *Collector) ObserveCredentialRefresh(provider, outcome string) {
	if c == nil {
		return
	}
	c.credentialEvents.WithLabelValues(provider, outcome).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
