package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

// =============================================================================
// Collector tests
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.providerRequestsTotal)
	assert.NotNil(t, collector.providerRequestDuration)
	assert.NotNil(t, collector.tokensUsed)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 100*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("POST", "/v1/chat/completions", 429, 5*time.Millisecond)

	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordProviderRequest(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordProviderRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)

	count := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Greater(t, count, 0)

	tokensCount := testutil.CollectAndCount(collector.tokensUsed)
	assert.Greater(t, tokensCount, 0)
}

func TestCollector_RecordCassetteOperations(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordCassetteRead("openai", true)
	collector.RecordCassetteRead("openai", false)
	collector.RecordCassetteWrite("openai")

	readCount := testutil.CollectAndCount(collector.cassetteReadsTotal)
	assert.Equal(t, 2, readCount)

	writeCount := testutil.CollectAndCount(collector.cassetteWritesTotal)
	assert.Greater(t, writeCount, 0)
}

func TestCollector_RecordRateLimitRejected(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordRateLimitRejected("anthropic")

	count := testutil.CollectAndCount(collector.rateLimitRejectedTotal)
	assert.Greater(t, count, 0)
}

func TestCollector_RecordStorageSave(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.RecordStorageSave(true)
	collector.RecordStorageSave(false)

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storageTracesSavedTotal))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storageTracesFailedTotal))
}

func TestCollector_SetStorageBreakerState(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetStorageBreakerState(3, true, 92.5)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.storageConsecutiveFailures))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.storageCircuitOpen))
	assert.InDelta(t, 92.5, testutil.ToFloat64(collector.storageSuccessRatePercent), 0.001)

	collector.SetStorageBreakerState(0, false, 100)
	assert.Equal(t, float64(0), testutil.ToFloat64(collector.storageCircuitOpen))
}

func TestCollector_SetUptime(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	collector.SetUptime(90 * time.Second)
	assert.Equal(t, float64(90), testutil.ToFloat64(collector.uptimeSeconds))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector(nextTestNamespace(), logger)

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			collector.RecordHTTPRequest("POST", "/v1/chat/completions", 200, 100*time.Millisecond)
			collector.RecordProviderRequest("openai", "gpt-4o", "success", 500*time.Millisecond, 100, 50)
			collector.RecordCassetteRead("openai", true)
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)

	providerCount := testutil.CollectAndCount(collector.providerRequestsTotal)
	assert.Greater(t, providerCount, 0)

	cassetteCount := testutil.CollectAndCount(collector.cassetteReadsTotal)
	assert.Greater(t, cassetteCount, 0)
}

func TestCollector_MetricsRegistration(t *testing.T) {
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()

	collector := NewCollector(nextTestNamespace(), logger)

	registry.MustRegister(collector.httpRequestsTotal)
	registry.MustRegister(collector.httpRequestDuration)

	collector.RecordHTTPRequest("GET", "/health", 200, 1*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)
}
