// Package metrics registers the gateway's Prometheus collectors. Metric
// names are stable; labels stay low-cardinality (service ID, method,
// status class, outcome).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every gateway metric series.
type Collector struct {
	registry *prometheus.Registry
	enabled  bool

	requestsTotal             *prometheus.CounterVec
	proxyLatency              *prometheus.SummaryVec
	gatewayResults            *prometheus.CounterVec
	trafficBytes              *prometheus.CounterVec
	errorsTotal               *prometheus.CounterVec
	authFailures              *prometheus.CounterVec
	authSuccess               *prometheus.CounterVec
	accessDenied              *prometheus.CounterVec
	connsActive               prometheus.Gauge
	wsActive                  prometheus.Gauge
	wsConnsTotal              *prometheus.CounterVec
	wsDuration                *prometheus.HistogramVec
	ratelimitChecks           *prometheus.CounterVec
	ratelimitExceeded         *prometheus.CounterVec
	ratelimitFallbacks        prometheus.Counter
	tokenTranslationTotal     *prometheus.CounterVec
	tokenTranslationFailures  *prometheus.CounterVec
	samplingPopulateFailures  prometheus.Counter
	samplingPlatformFallbacks prometheus.Counter
	securityEventsDropped     prometheus.Counter
}

// New creates and registers all collectors. When enabled is false every
// record method is a no-op but the collectors still exist so /q/metrics
// renders an empty but valid exposition.
func New(enabled bool) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg, enabled: enabled}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_requests_total",
		Help: "Total requests admitted to the routing pipeline.",
	}, []string{"service_id", "method", "status"})

	c.proxyLatency = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       "aussie_proxy_latency_seconds",
		Help:       "Upstream proxy latency.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.95: 0.005, 0.99: 0.001},
	}, []string{"service_id"})

	c.gatewayResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_gateway_results_total",
		Help: "Terminal gateway result variants.",
	}, []string{"service_id", "outcome"})

	c.trafficBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_traffic_bytes_total",
		Help: "Bytes transferred, attributed for cost allocation.",
	}, []string{"service_id", "direction", "team", "tenant", "environment"})

	c.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_errors_total",
		Help: "Requests terminating in an error variant.",
	}, []string{"service_id", "status_class"})

	c.authFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_auth_failures_total",
		Help: "Route authentication failures.",
	}, []string{"service_id", "reason"})

	c.authSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_auth_success_total",
		Help: "Route authentication successes.",
	}, []string{"service_id", "method"})

	c.accessDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_access_denied_total",
		Help: "Requests denied by the access-control evaluator.",
	}, []string{"service_id", "rule"})

	c.connsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aussie_connections_active",
		Help: "In-flight HTTP requests.",
	})

	c.wsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aussie_websockets_active",
		Help: "Open WebSocket connections.",
	})

	c.wsConnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_websocket_connections_total",
		Help: "WebSocket connections accepted.",
	}, []string{"service_id"})

	c.wsDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aussie_websocket_duration_seconds",
		Help:    "WebSocket connection lifetime.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"service_id"})

	c.ratelimitChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_ratelimit_checks_total",
		Help: "Rate limit checks performed.",
	}, []string{"service_id", "variant"})

	c.ratelimitExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_ratelimit_exceeded_total",
		Help: "Rate limit checks that denied the request.",
	}, []string{"service_id", "variant"})

	c.tokenTranslationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_token_translation_total",
		Help: "Internal forward-token issuance attempts.",
	}, []string{"service_id"})

	c.tokenTranslationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aussie_token_translation_failures_total",
		Help: "Forward-token issuance failures (degraded to minimal token).",
	}, []string{"service_id"})

	c.ratelimitFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aussie_ratelimit_resolver_fallbacks_total",
		Help: "Rate-limit resolutions that fell back to platform defaults.",
	})

	c.samplingPopulateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aussie_sampling_cache_populate_failures_total",
		Help: "Async sampling-cache populate tasks that failed.",
	})

	c.samplingPlatformFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aussie_sampling_platform_fallbacks_total",
		Help: "Sampling resolutions that fell back to the platform default.",
	})

	c.securityEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aussie_security_events_dropped_total",
		Help: "Security events dropped because the dispatch queue was full.",
	})

	reg.MustRegister(
		c.requestsTotal, c.proxyLatency, c.gatewayResults, c.trafficBytes,
		c.errorsTotal, c.authFailures, c.authSuccess, c.accessDenied,
		c.connsActive, c.wsActive, c.wsConnsTotal, c.wsDuration,
		c.ratelimitChecks, c.ratelimitExceeded, c.ratelimitFallbacks,
		c.tokenTranslationTotal, c.tokenTranslationFailures,
		c.samplingPopulateFailures, c.samplingPlatformFallbacks,
		c.securityEventsDropped,
	)

	return c
}

// Handler returns the Prometheus exposition handler for /q/metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(serviceID, method string, status int) {
	if !c.enabled {
		return
	}
	c.requestsTotal.WithLabelValues(serviceID, method, strconv.Itoa(status)).Inc()
	if status >= 400 {
		c.errorsTotal.WithLabelValues(serviceID, statusClass(status)).Inc()
	}
}

// RecordProxyLatency records an upstream round-trip duration.
func (c *Collector) RecordProxyLatency(serviceID string, d time.Duration) {
	if !c.enabled {
		return
	}
	c.proxyLatency.WithLabelValues(serviceID).Observe(d.Seconds())
}

// RecordResult records the terminal GatewayResult variant.
func (c *Collector) RecordResult(serviceID, outcome string) {
	if !c.enabled {
		return
	}
	c.gatewayResults.WithLabelValues(serviceID, outcome).Inc()
}

// RecordTraffic records attributed byte counts for one request.
func (c *Collector) RecordTraffic(serviceID, team, tenant, environment string, in, out int64) {
	if !c.enabled {
		return
	}
	if in > 0 {
		c.trafficBytes.WithLabelValues(serviceID, "in", team, tenant, environment).Add(float64(in))
	}
	if out > 0 {
		c.trafficBytes.WithLabelValues(serviceID, "out", team, tenant, environment).Add(float64(out))
	}
}

// RecordAuthFailure records a route authentication failure.
func (c *Collector) RecordAuthFailure(serviceID, reason string) {
	if !c.enabled {
		return
	}
	c.authFailures.WithLabelValues(serviceID, reason).Inc()
}

// RecordAuthSuccess records a route authentication success.
func (c *Collector) RecordAuthSuccess(serviceID, method string) {
	if !c.enabled {
		return
	}
	c.authSuccess.WithLabelValues(serviceID, method).Inc()
}

// RecordAccessDenied records an access-control denial.
func (c *Collector) RecordAccessDenied(serviceID, rule string) {
	if !c.enabled {
		return
	}
	c.accessDenied.WithLabelValues(serviceID, rule).Inc()
}

// ConnInc and ConnDec track in-flight HTTP requests.
func (c *Collector) ConnInc() {
	if c.enabled {
		c.connsActive.Inc()
	}
}

func (c *Collector) ConnDec() {
	if c.enabled {
		c.connsActive.Dec()
	}
}

// RecordWSOpen tracks a new WebSocket connection.
func (c *Collector) RecordWSOpen(serviceID string) {
	if !c.enabled {
		return
	}
	c.wsActive.Inc()
	c.wsConnsTotal.WithLabelValues(serviceID).Inc()
}

// RecordWSClose tracks a closed WebSocket connection and its lifetime.
func (c *Collector) RecordWSClose(serviceID string, lifetime time.Duration) {
	if !c.enabled {
		return
	}
	c.wsActive.Dec()
	c.wsDuration.WithLabelValues(serviceID).Observe(lifetime.Seconds())
}

// RecordRateLimitCheck records one limiter decision.
func (c *Collector) RecordRateLimitCheck(serviceID, variant string, allowed bool) {
	if !c.enabled {
		return
	}
	c.ratelimitChecks.WithLabelValues(serviceID, variant).Inc()
	if !allowed {
		c.ratelimitExceeded.WithLabelValues(serviceID, variant).Inc()
	}
}

// RecordRateLimitFallback counts a resolution that could not load its
// service config and used platform defaults instead.
func (c *Collector) RecordRateLimitFallback() {
	if c.enabled {
		c.ratelimitFallbacks.Inc()
	}
}

// RecordTokenTranslation records a forward-token issuance attempt.
func (c *Collector) RecordTokenTranslation(serviceID string, failed bool) {
	if !c.enabled {
		return
	}
	c.tokenTranslationTotal.WithLabelValues(serviceID).Inc()
	if failed {
		c.tokenTranslationFailures.WithLabelValues(serviceID).Inc()
	}
}

// RecordSamplingPopulateFailure counts a failed async cache populate.
func (c *Collector) RecordSamplingPopulateFailure() {
	if c.enabled {
		c.samplingPopulateFailures.Inc()
	}
}

// RecordSamplingPlatformFallback counts a platform-default fallback.
func (c *Collector) RecordSamplingPlatformFallback() {
	if c.enabled {
		c.samplingPlatformFallbacks.Inc()
	}
}

// RecordSecurityEventDropped counts a dropped security event.
func (c *Collector) RecordSecurityEventDropped() {
	if c.enabled {
		c.securityEventsDropped.Inc()
	}
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
