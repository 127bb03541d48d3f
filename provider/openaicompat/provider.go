// Package openaicompat is the shared base implementation for every
// provider whose wire format is OpenAI's chat-completions shape
// (OpenAI itself, and locally-hosted Ollama). Providers embed this and
// override Name/BaseURL/header-building as needed.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/provider"
)

// Config configures an OpenAI-compatible provider.
type Config struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	DefaultModel string
	FallbackModel string
	Timeout       time.Duration
	EndpointPath  string
	ModelsEndpoint string

	// BuildHeaders overrides the default "Authorization: Bearer" header,
	// e.g. for providers with no API key (Ollama) or a custom scheme.
	BuildHeaders func(req *http.Request, apiKey string)
}

// Provider is the base implementation embedded by openai.Provider and
// ollama.Provider.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{Cfg: cfg, Client: &http.Client{Timeout: cfg.Timeout}, Logger: logger}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, apiKey)
		return
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.Cfg.BaseURL, "/"), path)
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := provider.ReadErrorMessage(resp.Body)
		return &provider.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("%s health check failed: status=%d msg=%s", p.Cfg.ProviderName, resp.StatusCode, msg)
	}
	return &provider.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) Completion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	model := provider.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)

	body := provider.OpenAICompatRequest{
		Model:       model,
		Messages:    provider.ConvertMessagesToOpenAI(req.Messages),
		Tools:       provider.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := provider.ReadErrorMessage(resp.Body)
		return nil, provider.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var oaResp provider.OpenAICompatResponse
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}

	result := provider.ToChatResponse(oaResp, p.Name())
	if oaResp.Created != 0 {
		result.CreatedAt = time.Unix(oaResp.Created, 0)
	}
	return result, nil
}

func (p *Provider) Stream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	model := provider.ChooseModel(req, p.Cfg.DefaultModel, p.Cfg.FallbackModel)

	body := provider.OpenAICompatRequest{
		Model:       model,
		Messages:    provider.ConvertMessagesToOpenAI(req.Messages),
		Tools:       provider.ConvertToolsToOpenAI(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      true,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	if resp.StatusCode >= 400 {
		defer provider.SafeCloseBody(resp.Body)
		msg := provider.ReadErrorMessage(resp.Body)
		return nil, provider.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	return StreamSSE(ctx, resp.Body, p.Name()), nil
}

// RawPassthrough forwards rawBody verbatim to path on this provider's
// base URL and returns the upstream body and status code unmodified.
// It backs the gateway's opaque /v1/embeddings route, which has no
// canonical cross-provider shape to normalize into.
func (p *Provider) RawPassthrough(ctx context.Context, path string, rawBody json.RawMessage) (json.RawMessage, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(path), bytes.NewReader(rawBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.Cfg.APIKey)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, 0, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer provider.SafeCloseBody(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	return body, resp.StatusCode, nil
}

// StreamSSE parses an OpenAI-compatible SSE stream into StreamChunks.
func StreamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan provider.StreamChunk {
	ch := make(chan provider.StreamChunk)
	go func() {
		defer provider.SafeCloseBody(body)
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
						return
					case ch <- provider.StreamChunk{Err: &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName}}:
					}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var oaResp provider.OpenAICompatResponse
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				select {
				case <-ctx.Done():
					return
				case ch <- provider.StreamChunk{Err: &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: providerName}}:
				}
				return
			}

			for _, choice := range oaResp.Choices {
				chunk := provider.StreamChunk{
					ID: oaResp.ID, Provider: providerName, Model: oaResp.Model,
					Index: choice.Index, FinishReason: choice.FinishReason,
					Delta: provider.Message{Role: provider.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					if len(choice.Delta.ToolCalls) > 0 {
						chunk.Delta.ToolCalls = make([]provider.ToolCall, 0, len(choice.Delta.ToolCalls))
						for _, tc := range choice.Delta.ToolCalls {
							chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, provider.ToolCall{
								ID: tc.ID, Type: "function",
								Function: provider.ToolFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
							})
						}
					}
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}
