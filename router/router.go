// Package router selects which provider.Adapter should serve a chat
// request: first by a configured provider-prefix table, then by a
// default-flagged provider, and finally by a built-in model-name
// fallback table.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/provider"
)

// PrefixRule maps a model-ID prefix to a provider name. Rules are
// matched longest-prefix-first so "claude-3-5" outranks "claude".
type PrefixRule struct {
	Prefix   string
	Provider string
}

// PrefixRouter resolves a model ID to a provider name via the longest
// matching configured prefix.
type PrefixRouter struct {
	rules []PrefixRule
}

// NewPrefixRouter sorts rules by descending prefix length so the most
// specific rule always wins.
func NewPrefixRouter(rules []PrefixRule) *PrefixRouter {
	sorted := make([]PrefixRule, len(rules))
	copy(sorted, rules)
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if len(sorted[j].Prefix) < len(sorted[j+1].Prefix) {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}
	return &PrefixRouter{rules: sorted}
}

func (r *PrefixRouter) RouteByModelID(modelID string) (string, bool) {
	if r == nil || len(r.rules) == 0 || modelID == "" {
		return "", false
	}
	for _, rule := range r.rules {
		if strings.HasPrefix(modelID, rule.Prefix) {
			return rule.Provider, true
		}
	}
	return "", false
}

// builtinFallback is the hard-coded model-name-prefix table consulted
// when no configured rule and no default provider apply.
var builtinFallback = NewPrefixRouter([]PrefixRule{
	{Prefix: "claude", Provider: "anthropic"},
	{Prefix: "gemini", Provider: "gemini"},
	{Prefix: "llama", Provider: "ollama"},
	{Prefix: "mistral", Provider: "ollama"},
	{Prefix: "codellama", Provider: "ollama"},
	{Prefix: "phi", Provider: "ollama"},
	{Prefix: "vicuna", Provider: "ollama"},
})

// ErrNoProvider is returned when no adapter is registered for the
// provider a routing decision selected.
var ErrNoProvider = fmt.Errorf("router: no adapter registered for resolved provider")

// Router holds the configured adapters and prefix rules, and resolves
// each incoming request to the adapter that should serve it.
type Router struct {
	mu              sync.RWMutex
	adapters        map[string]provider.Adapter
	configuredRules *PrefixRouter
	defaultProvider string
	logger          *zap.Logger
}

// New builds a Router. configuredRules are consulted before the
// default provider and before the built-in fallback table.
func New(defaultProvider string, configuredRules []PrefixRule, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		adapters:        make(map[string]provider.Adapter),
		configuredRules: NewPrefixRouter(configuredRules),
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// Register adds an adapter under its own Name().
func (r *Router) Register(a provider.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Resolve picks the adapter for req.Model using, in order:
// 1. An explicit provider name prefixing the model, e.g. "anthropic/claude-3-5".
// 2. The configured prefix rules.
// 3. The default-flagged provider, if one is registered.
// 4. The built-in model-name fallback table.
func (r *Router) Resolve(ctx context.Context, req *provider.ChatRequest) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if req != nil && req.Model != "" {
		if name, rest, ok := strings.Cut(req.Model, "/"); ok {
			if a, found := r.adapters[name]; found {
				req.Model = rest
				return a, nil
			}
		}
		if name, ok := r.configuredRules.RouteByModelID(req.Model); ok {
			if a, found := r.adapters[name]; found {
				return a, nil
			}
		}
	}

	if r.defaultProvider != "" {
		if a, found := r.adapters[r.defaultProvider]; found {
			return a, nil
		}
	}

	if req != nil && req.Model != "" {
		if name, ok := builtinFallback.RouteByModelID(req.Model); ok {
			if a, found := r.adapters[name]; found {
				return a, nil
			}
		}
	}

	if a, found := r.adapters["openai"]; found {
		return a, nil
	}

	r.logger.Warn("router: no adapter resolved", zap.String("model", modelOf(req)))
	return nil, ErrNoProvider
}

// ResolveDefault picks the default-flagged provider (or "openai" as a
// last resort), skipping every model-based routing rule. It serves
// endpoints like /v1/embeddings that are, per spec, "not eligible for
// provider auto-detection."
func (r *Router) ResolveDefault(ctx context.Context) (provider.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defaultProvider != "" {
		if a, found := r.adapters[r.defaultProvider]; found {
			return a, nil
		}
	}
	if a, found := r.adapters["openai"]; found {
		return a, nil
	}
	r.logger.Warn("router: no default adapter resolved")
	return nil, ErrNoProvider
}

func modelOf(req *provider.ChatRequest) string {
	if req == nil {
		return ""
	}
	return req.Model
}
