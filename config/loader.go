// =============================================================================
// TraceForge configuration loader
// =============================================================================
// Unified config loading: YAML file + environment variable overrides.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("TRACEFORGE").
//	    Load()
//
// Precedence: defaults -> YAML file -> environment variables
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Core config structure
// =============================================================================

// Config is TraceForge's complete configuration.
type Config struct {
	// Server controls the HTTP gateway listener and dispatch timeouts.
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Storage controls where traces and tests are persisted.
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`

	// VCR controls cassette record/replay behavior.
	VCR VCRConfig `yaml:"vcr" env:"VCR"`

	// Retention controls background trace pruning.
	Retention RetentionConfig `yaml:"retention" env:"RETENTION"`

	// Redact controls secret scrubbing before a trace is persisted.
	Redact RedactConfig `yaml:"redact" env:"REDACT"`

	// RateLimit controls per-provider request throttling.
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`

	// Providers holds upstream credentials and routing rules.
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Log controls structured logging output.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry controls OpenTelemetry export.
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	// HTTP port the gateway listens on.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port serving /metrics and /health.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout for incoming requests.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout for outgoing responses.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Graceful shutdown drain deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Hard ceiling on a single upstream dispatch.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// Max request body size accepted from a client, in bytes.
	MaxBodyBytes int64 `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
}

// StorageConfig configures the trace/test persistence backend.
type StorageConfig struct {
	// Backend: "file" or "sqlite".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Fallback backend used when the primary backend's circuit is open.
	Fallback string `yaml:"fallback" env:"FALLBACK"`
	// Directory traces are written to.
	TracesDir string `yaml:"traces_dir" env:"TRACES_DIR"`
	// Directory saved test definitions are written to.
	TestsDir string `yaml:"tests_dir" env:"TESTS_DIR"`
	// Path to the SQLite database file, when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
	// Retry attempts against the primary backend before falling back.
	RetryAttempts int `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	// Delay between retry attempts.
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	// Circuit breaker failure threshold before tripping open.
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// Circuit breaker reset timeout before probing half-open.
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// VCRConfig configures cassette record/replay.
type VCRConfig struct {
	// Mode: off, record, replay, auto, strict.
	Mode string `yaml:"mode" env:"MODE"`
	// Match: exact or fuzzy.
	Match string `yaml:"match" env:"MATCH"`
	// Directory cassettes are written to and read from.
	Dir string `yaml:"dir" env:"DIR"`
	// HMAC secret used to sign and verify cassette contents.
	Secret string `yaml:"secret" env:"SECRET"`
}

// RetentionConfig configures background trace pruning.
type RetentionConfig struct {
	// Enabled turns on the periodic cleanup loop.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// MaxTraceAgeDays deletes traces older than this many days. Zero disables age-based pruning.
	MaxTraceAgeDays int `yaml:"max_trace_age_days" env:"MAX_TRACE_AGE_DAYS"`
	// MaxTraceCount caps the number of retained traces, oldest evicted first. Zero disables count-based pruning.
	MaxTraceCount int `yaml:"max_trace_count" env:"MAX_TRACE_COUNT"`
	// CleanupInterval is how often the retention loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
}

// RedactConfig configures secret scrubbing of stored requests/responses.
type RedactConfig struct {
	// FieldNames are JSON field names redacted regardless of value.
	FieldNames []string `yaml:"field_names" env:"FIELD_NAMES"`
	// HeaderKeys are HTTP header names redacted when captured.
	HeaderKeys []string `yaml:"header_keys" env:"HEADER_KEYS"`
	// Placeholder replaces a redacted value.
	Placeholder string `yaml:"placeholder" env:"PLACEHOLDER"`
	// ScanPatterns enables regex scanning of string values (API keys, JWTs, emails, etc).
	ScanPatterns bool `yaml:"scan_patterns" env:"SCAN_PATTERNS"`
}

// RateLimitConfig configures per-provider request throttling.
type RateLimitConfig struct {
	// Backend: "memory" or "redis".
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis address, when Backend is "redis".
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`
	// Redis password, when Backend is "redis".
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	// Redis DB index, when Backend is "redis".
	RedisDB int `yaml:"redis_db" env:"REDIS_DB"`
	// Window is the sliding window length requests are counted over.
	Window time.Duration `yaml:"window" env:"WINDOW"`
}

// ProvidersConfig holds upstream credentials, base URLs, and routing rules.
type ProvidersConfig struct {
	// DefaultProvider is used when a request's model matches no configured rule.
	DefaultProvider string `yaml:"default_provider" env:"DEFAULT_PROVIDER"`
	// OpenAI credentials.
	OpenAIAPIKey  string `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	// Anthropic credentials.
	AnthropicAPIKey  string `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `yaml:"anthropic_base_url" env:"ANTHROPIC_BASE_URL"`
	// Gemini credentials.
	GeminiAPIKey  string `yaml:"gemini_api_key" env:"GEMINI_API_KEY"`
	GeminiBaseURL string `yaml:"gemini_base_url" env:"GEMINI_BASE_URL"`
	// Ollama endpoint, no credentials required.
	OllamaBaseURL string `yaml:"ollama_base_url" env:"OLLAMA_BASE_URL"`
	// RequestTimeout bounds a single upstream call.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// Rules is a model-ID-prefix-to-provider-name routing table, consulted
	// before DefaultProvider and before the built-in fallback table.
	// Expressed as comma-separated "prefix=provider" pairs over the wire.
	Rules []string `yaml:"rules" env:"RULES"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	// OutputPaths are zap sink targets, e.g. "stdout".
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// EnableCaller adds caller file:line to each entry.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// EnableStacktrace attaches a stacktrace to error-level entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns on OTLP export.
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLPEndpoint is the collector address.
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// SampleRate is the fraction of requests traced, 0..1.
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader loads a Config via a builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a new Loader with the default "TRACEFORGE" env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TRACEFORGE",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a config validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves a Config: defaults -> YAML file -> environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads a Config, panicking on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv loads a Config from environment variables only.
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate checks invariants DefaultConfig always satisfies but an
// operator-supplied override might violate.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Storage.Backend != "file" && c.Storage.Backend != "sqlite" {
		errs = append(errs, "storage backend must be file or sqlite")
	}
	switch c.VCR.Mode {
	case "off", "record", "replay", "auto", "strict":
	default:
		errs = append(errs, "vcr mode must be one of off, record, replay, auto, strict")
	}
	switch c.VCR.Match {
	case "exact", "fuzzy":
	default:
		errs = append(errs, "vcr match must be exact or fuzzy")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ParsedRules splits Providers.Rules's "prefix=provider" pairs into a
// router.PrefixRule-shaped slice of (prefix, provider) tuples. Malformed
// entries (missing "=") are skipped.
func (p ProvidersConfig) ParsedRules() [][2]string {
	rules := make([][2]string, 0, len(p.Rules))
	for _, raw := range p.Rules {
		prefix, provider, ok := strings.Cut(raw, "=")
		if !ok || prefix == "" || provider == "" {
			continue
		}
		rules = append(rules, [2]string{prefix, provider})
	}
	return rules
}
