/*
Package config manages TraceForge's configuration lifecycle: multi-source
loading and validation. Config is merged in "defaults -> YAML file ->
environment variables" order.

# Core types

  - Config: top-level aggregate covering Server, Storage, VCR, Retention,
    Redact, RateLimit, Providers, Log, Telemetry
  - Loader: builder-pattern loader supporting a config file path, an
    environment variable prefix, and custom validators

# Capabilities

  - Multi-source loading: YAML file, environment variables (TRACEFORGE_
    prefix by default), and built-in defaults
  - Validation: structural checks plus caller-supplied ValidateFunc hooks

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("TRACEFORGE").
		Load()
*/
package config
