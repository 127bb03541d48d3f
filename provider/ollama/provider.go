// Package ollama adapts a local Ollama server's OpenAI-compatible
// endpoint (/v1/chat/completions, served since Ollama 0.1.x) to the
// canonical provider.Adapter shape. Unlike the hosted providers, no API
// key is required by default.
package ollama

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/provider"
	"github.com/traceforge/traceforge/provider/openaicompat"
)

// Config configures the Ollama adapter.
type Config struct {
	// BaseURL defaults to the local daemon's default listen address.
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

type Provider struct {
	*openaicompat.Provider
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "llama3"
	}
	if cfg.Timeout == 0 {
		// Local inference on modest hardware can be slow.
		cfg.Timeout = 120 * time.Second
	}
	return &Provider{Provider: openaicompat.New(openaicompat.Config{
		ProviderName: "ollama",
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.DefaultModel,
		Timeout:      cfg.Timeout,
		BuildHeaders: buildHeaders,
	}, logger)}
}

// buildHeaders omits the Authorization header when no key is configured,
// since a bare local Ollama install doesn't require one.
func buildHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

var _ provider.Adapter = (*Provider)(nil)
