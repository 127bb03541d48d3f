// Package gemini adapts Google's Gemini generateContent API to the
// canonical provider.Adapter shape.
package gemini

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

// Config configures the Gemini adapter.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) buildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("x-goog-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1beta/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := readErrMsg(resp.Body)
		return &provider.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("gemini health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &provider.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Gemini's wire shape uses "contents"/"parts" rather than flat messages,
// and a "model" role instead of "assistant".
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

type geminiErrorResp struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func convertContents(msgs []provider.Message) (*geminiContent, []geminiContent) {
	var systemInstruction *geminiContent
	var contents []geminiContent

	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			systemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}

		role := string(m.Role)
		if role == "assistant" {
			role = "model"
		}

		content := geminiContent{Role: role}
		if m.Content != "" && m.Role != provider.RoleTool {
			content.Parts = append(content.Parts, geminiPart{Text: m.Content})
		}

		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
				content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
		}

		if m.Role == provider.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Role = "function"
			content.Parts = append(content.Parts, geminiPart{FunctionResponse: &geminiFunctionResponse{Name: m.Name, Response: response}})
		}

		if len(content.Parts) > 0 {
			contents = append(contents, content)
		}
	}

	return systemInstruction, contents
}

func convertTools(tools []provider.ToolSchema) []geminiTool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]geminiFunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		if raw, err := json.Marshal(t.Function.Parameters); err == nil {
			_ = json.Unmarshal(raw, &params)
		}
		declarations = append(declarations, geminiFunctionDeclaration{Name: t.Function.Name, Description: t.Function.Description, Parameters: params})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []geminiTool{{FunctionDeclarations: declarations}}
}

func (p *Provider) Completion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	systemInstruction, contents := convertContents(req.Messages)
	body := geminiRequest{Contents: contents, Tools: convertTools(req.Tools), SystemInstruction: systemInstruction}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 || len(req.Stop) > 0 {
		body.GenerationConfig = &geminiGenerationConfig{Temperature: req.Temperature, TopP: req.TopP, MaxOutputTokens: req.MaxTokens, StopSequences: req.Stop}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	model := chooseModel(req, p.cfg.Model)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}

	return toChatResponse(geminiResp, p.Name(), model), nil
}

func (p *Provider) Stream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	systemInstruction, contents := convertContents(req.Messages)
	body := geminiRequest{Contents: contents, Tools: convertTools(req.Tools), SystemInstruction: systemInstruction}
	if req.Temperature > 0 || req.TopP > 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenerationConfig{Temperature: req.Temperature, TopP: req.TopP, MaxOutputTokens: req.MaxTokens}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	model := chooseModel(req, p.cfg.Model)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent", strings.TrimRight(p.cfg.BaseURL, "/"), model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer provider.SafeCloseBody(resp.Body)
		msg := readErrMsg(resp.Body)
		return nil, mapError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan provider.StreamChunk)
	go func() {
		defer provider.SafeCloseBody(resp.Body)
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- provider.StreamChunk{Err: &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			// Gemini's streamGenerateContent emits one complete JSON
			// object per line rather than a named-event SSE format.
			line = strings.TrimPrefix(line, "data:")
			line = strings.TrimPrefix(line, ",")
			line = strings.TrimSuffix(line, "]")
			line = strings.TrimPrefix(line, "[")
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(line), &geminiResp); err != nil {
				continue
			}

			for _, candidate := range geminiResp.Candidates {
				chunk := provider.StreamChunk{Provider: p.Name(), Model: model, Index: candidate.Index, FinishReason: candidate.FinishReason, Delta: provider.Message{Role: provider.RoleAssistant}}
				toolIdx := 0
				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						chunk.Delta.Content += part.Text
					}
					if part.FunctionCall != nil {
						argsJSON, _ := json.Marshal(part.FunctionCall.Args)
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, provider.ToolCall{
							ID: fmt.Sprintf("call_%s_%d_%d", part.FunctionCall.Name, candidate.Index, toolIdx),
							Type: "function",
							Function: provider.ToolFunction{Name: part.FunctionCall.Name, Arguments: string(argsJSON)},
						})
						toolIdx++
					}
				}
				ch <- chunk
			}

			if geminiResp.UsageMetadata != nil {
				ch <- provider.StreamChunk{
					Provider: p.Name(), Model: model,
					Usage: &provider.ChatUsage{
						PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
						CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
						TotalTokens:      geminiResp.UsageMetadata.TotalTokenCount,
					},
				}
			}
		}
	}()

	return ch, nil
}

func toChatResponse(gr geminiResponse, providerName, model string) *provider.ChatResponse {
	choices := make([]provider.ChatChoice, 0, len(gr.Candidates))
	for _, candidate := range gr.Candidates {
		msg := provider.Message{Role: provider.RoleAssistant}
		toolIdx := 0
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				msg.Content += part.Text
			}
			if part.FunctionCall != nil {
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, toolIdx)
				if gr.ResponseID != "" {
					id = fmt.Sprintf("call_%s_%s_%d", gr.ResponseID, part.FunctionCall.Name, toolIdx)
				}
				msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{ID: id, Type: "function", Function: provider.ToolFunction{Name: part.FunctionCall.Name, Arguments: string(argsJSON)}})
				toolIdx++
			}
		}
		choices = append(choices, provider.ChatChoice{Index: candidate.Index, FinishReason: candidate.FinishReason, Message: msg})
	}

	resp := &provider.ChatResponse{ID: gr.ResponseID, Provider: providerName, Model: model, Choices: choices}
	if gr.UsageMetadata != nil {
		resp.Usage = provider.ChatUsage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		}
	}
	return resp
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp geminiErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (status: %s)", errResp.Error.Message, errResp.Error.Status)
	}
	return string(data)
}

func mapError(status int, msg, providerName string) *provider.Error {
	switch status {
	case http.StatusUnauthorized:
		return &provider.Error{Code: provider.ErrAuthentication, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusForbidden:
		return &provider.Error{Code: provider.ErrForbidden, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusTooManyRequests:
		return &provider.Error{Code: provider.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: providerName}
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
			return &provider.Error{Code: provider.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: providerName}
		}
		return &provider.Error{Code: provider.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &provider.Error{Code: provider.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: providerName}
	default:
		return &provider.Error{Code: provider.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: providerName}
	}
}

func chooseModel(req *provider.ChatRequest, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return "gemini-2.0-flash"
}

var _ provider.Adapter = (*Provider)(nil)
