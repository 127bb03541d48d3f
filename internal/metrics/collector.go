// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds every Prometheus metric the gateway exports.
type Collector struct {
	// HTTP metrics.
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Upstream provider dispatch metrics.
	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	tokensUsed              *prometheus.CounterVec

	// VCR cassette metrics.
	cassetteReadsTotal  *prometheus.CounterVec
	cassetteWritesTotal *prometheus.CounterVec
	cassetteTamperTotal *prometheus.CounterVec

	// Rate limit metrics.
	rateLimitRejectedTotal *prometheus.CounterVec

	// Storage / circuit breaker metrics.
	storageTracesSavedTotal     prometheus.Counter
	storageTracesFailedTotal    prometheus.Counter
	storageConsecutiveFailures  prometheus.Gauge
	storageCircuitOpen          prometheus.Gauge
	storageSuccessRatePercent   prometheus.Gauge

	uptimeSeconds prometheus.Gauge

	logger *zap.Logger
}

// NewCollector registers every TraceForge metric under namespace
// (normally "traceforge") and returns the Collector used to record them.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Gateway HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of upstream provider dispatches",
		},
		[]string{"provider", "model", "status"},
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider dispatch duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens recorded in traces",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.cassetteReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vcr_cassette_reads_total",
			Help:      "Total number of VCR cassette lookups, by hit/miss",
		},
		[]string{"provider", "result"}, // result: hit, miss
	)

	c.cassetteWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vcr_cassette_writes_total",
			Help:      "Total number of VCR cassettes written",
		},
		[]string{"provider"},
	)

	c.cassetteTamperTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vcr_cassette_tamper_total",
			Help:      "Total number of cassette fingerprint mismatches detected on replay",
		},
		[]string{"provider"},
	)

	c.rateLimitRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejected_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
		[]string{"provider"},
	)

	c.storageTracesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_traces_saved_total",
			Help:      "Total number of traces successfully persisted",
		},
	)

	c.storageTracesFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_traces_failed_total",
			Help:      "Total number of trace persistence failures",
		},
	)

	c.storageConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_consecutive_failures",
			Help:      "Current consecutive storage failure count observed by the circuit breaker",
		},
	)

	c.storageCircuitOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_circuit_open",
			Help:      "1 if the storage circuit breaker is open, 0 otherwise",
		},
	)

	c.storageSuccessRatePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_success_rate_percent",
			Help:      "Rolling storage write success rate as a percentage",
		},
	)

	c.uptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records one completed gateway HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// Provider dispatch
// =============================================================================

// RecordProviderRequest records one upstream provider dispatch.
func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// =============================================================================
// VCR
// =============================================================================

// RecordCassetteRead records one VCR cassette lookup.
func (c *Collector) RecordCassetteRead(provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cassetteReadsTotal.WithLabelValues(provider, result).Inc()
}

// RecordCassetteWrite records one VCR cassette write.
func (c *Collector) RecordCassetteWrite(provider string) {
	c.cassetteWritesTotal.WithLabelValues(provider).Inc()
}

// RecordCassetteTamper records one detected cassette fingerprint mismatch,
// distinct from an ordinary replay miss.
func (c *Collector) RecordCassetteTamper(provider string) {
	c.cassetteTamperTotal.WithLabelValues(provider).Inc()
}

// =============================================================================
// Rate limiting
// =============================================================================

// RecordRateLimitRejected records one request rejected by the rate limiter.
func (c *Collector) RecordRateLimitRejected(provider string) {
	c.rateLimitRejectedTotal.WithLabelValues(provider).Inc()
}

// =============================================================================
// Storage / circuit breaker
// =============================================================================

// RecordStorageSave records the outcome of one trace persistence attempt.
func (c *Collector) RecordStorageSave(success bool) {
	if success {
		c.storageTracesSavedTotal.Inc()
	} else {
		c.storageTracesFailedTotal.Inc()
	}
}

// SetStorageBreakerState reflects the circuit breaker's current counters.
func (c *Collector) SetStorageBreakerState(consecutiveFailures int, open bool, successRatePercent float64) {
	c.storageConsecutiveFailures.Set(float64(consecutiveFailures))
	if open {
		c.storageCircuitOpen.Set(1)
	} else {
		c.storageCircuitOpen.Set(0)
	}
	c.storageSuccessRatePercent.Set(successRatePercent)
}

// SetUptime reports seconds elapsed since process start.
func (c *Collector) SetUptime(d time.Duration) {
	c.uptimeSeconds.Set(d.Seconds())
}

// =============================================================================
// Helpers
// =============================================================================

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
