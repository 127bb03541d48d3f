package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, StorageConfig{}, cfg.Storage)
	assert.NotEqual(t, VCRConfig{}, cfg.VCR)
	assert.NotEqual(t, RetentionConfig{}, cfg.Retention)
	assert.NotEqual(t, RedactConfig{}, cfg.Redact)
	assert.NotEqual(t, RateLimitConfig{}, cfg.RateLimit)
	assert.NotEqual(t, ProvidersConfig{}, cfg.Providers)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.EqualValues(t, 1<<20, cfg.MaxBodyBytes)
}

func TestDefaultStorageConfig(t *testing.T) {
	cfg := DefaultStorageConfig()
	assert.Equal(t, "file", cfg.Backend)
	assert.NotEmpty(t, cfg.TracesDir)
	assert.NotEmpty(t, cfg.TestsDir)
	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, 10, cfg.BreakerThreshold)
	assert.Equal(t, 60*time.Second, cfg.BreakerResetTimeout)
}

func TestDefaultVCRConfig(t *testing.T) {
	cfg := DefaultVCRConfig()
	assert.Equal(t, "auto", cfg.Mode)
	assert.Equal(t, "exact", cfg.Match)
	assert.NotEmpty(t, cfg.Dir)
}

func TestDefaultRetentionConfig(t *testing.T) {
	cfg := DefaultRetentionConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 30, cfg.MaxTraceAgeDays)
	assert.Equal(t, 1*time.Hour, cfg.CleanupInterval)
}

func TestDefaultRedactConfig(t *testing.T) {
	cfg := DefaultRedactConfig()
	assert.Contains(t, cfg.FieldNames, "api_key")
	assert.Contains(t, cfg.HeaderKeys, "authorization")
	assert.Equal(t, "[REDACTED]", cfg.Placeholder)
	assert.True(t, cfg.ScanPatterns)
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 1*time.Minute, cfg.Window)
}

func TestDefaultProvidersConfig(t *testing.T) {
	cfg := DefaultProvidersConfig()
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.NotEmpty(t, cfg.OllamaBaseURL)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "traceforge", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
