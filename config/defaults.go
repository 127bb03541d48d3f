// =============================================================================
// TraceForge default configuration
// =============================================================================
// Sane defaults for every configuration section.
// =============================================================================
package config

import "time"

// DefaultConfig returns a Config with TraceForge's default values.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Storage:   DefaultStorageConfig(),
		VCR:       DefaultVCRConfig(),
		Retention: DefaultRetentionConfig(),
		Redact:    DefaultRedactConfig(),
		RateLimit: DefaultRateLimitConfig(),
		Providers: DefaultProvidersConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP gateway configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RequestTimeout:  30 * time.Second,
		MaxBodyBytes:    1 << 20,
	}
}

// DefaultStorageConfig returns the default trace storage configuration.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:             "file",
		Fallback:            "",
		TracesDir:           "./data/traces",
		TestsDir:            "./data/tests",
		SQLitePath:          "./data/traceforge.db",
		RetryAttempts:       2,
		RetryDelay:          100 * time.Millisecond,
		BreakerThreshold:    10,
		BreakerResetTimeout: 60 * time.Second,
	}
}

// DefaultVCRConfig returns the default cassette configuration.
func DefaultVCRConfig() VCRConfig {
	return VCRConfig{
		Mode:  "auto",
		Match: "exact",
		Dir:   "./data/cassettes",
	}
}

// DefaultRetentionConfig returns the default retention policy.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enabled:         false,
		MaxTraceAgeDays: 30,
		MaxTraceCount:   0,
		CleanupInterval: 1 * time.Hour,
	}
}

// DefaultRedactConfig returns the default secret-scrubbing configuration.
func DefaultRedactConfig() RedactConfig {
	return RedactConfig{
		FieldNames: []string{
			"api_key", "apikey", "api-key", "password", "secret", "token",
			"authorization", "credential", "private_key", "access_key", "client_secret",
		},
		HeaderKeys: []string{
			"authorization", "x-api-key", "api-key", "cookie", "x-auth-token", "proxy-authorization",
		},
		Placeholder:  "[REDACTED]",
		ScanPatterns: true,
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Backend: "memory",
		Window:  1 * time.Minute,
	}
}

// DefaultProvidersConfig returns the default provider routing configuration.
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		DefaultProvider: "openai",
		OllamaBaseURL:   "http://localhost:11434",
		RequestTimeout:  30 * time.Second,
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "traceforge",
		SampleRate:   0.1,
	}
}
