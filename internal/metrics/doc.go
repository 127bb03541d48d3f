// Copyright 2026 TraceForge Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package metrics provides Prometheus-based instrumentation for the
gateway, covering HTTP, upstream provider dispatch, VCR cassettes, rate
limiting, and storage/circuit-breaker health.

# Overview

Collector registers and records every Prometheus metric via promauto,
avoiding manual Registry bookkeeping. Metrics are namespaced (normally
"traceforge") and labeled for Grafana-style dashboards and alerting.

# Core types

  - Collector: holds the Counter/Histogram/Gauge vectors, grouped by
    concern (HTTP, provider, cassette, rate limit, storage).

# Capabilities

  - HTTP metrics: request count and duration by method/path, status
    bucketed into 2xx/3xx/4xx/5xx.
  - Provider metrics: dispatch count and duration, token usage
    (prompt/completion), by provider/model.
  - VCR metrics: cassette read hit/miss counts and write counts, by
    provider.
  - Rate limit metrics: rejection counts by provider.
  - Storage metrics: save/failure counts and live circuit breaker state
    (consecutive failures, open/closed, rolling success rate).
  - Process metrics: uptime gauge.
*/
package metrics
