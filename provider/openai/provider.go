// Package openai adapts OpenAI's chat-completions API, which is the
// canonical shape openaicompat.Provider already speaks natively.
package openai

import (
	"time"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/provider"
	"github.com/traceforge/traceforge/provider/openaicompat"
)

// Config configures the OpenAI adapter.
type Config struct {
	APIKey        string
	BaseURL       string
	DefaultModel  string
	FallbackModel string
	Timeout       time.Duration
}

// Provider is a thin wrapper over openaicompat.Provider with OpenAI's
// defaults baked in.
type Provider struct {
	*openaicompat.Provider
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = "gpt-4o-mini"
	}
	return &Provider{Provider: openaicompat.New(openaicompat.Config{
		ProviderName:  "openai",
		APIKey:        cfg.APIKey,
		BaseURL:       cfg.BaseURL,
		DefaultModel:  cfg.DefaultModel,
		FallbackModel: cfg.FallbackModel,
		Timeout:       cfg.Timeout,
	}, logger)}
}

var _ provider.Adapter = (*Provider)(nil)
