// Package anthropic adapts Anthropic's Messages API to the canonical
// provider.Adapter shape.
package anthropic

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

// Config configures the Anthropic adapter.
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
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/v1/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := provider.ReadErrorMessage(resp.Body)
		return &provider.HealthStatus{Healthy: false, Latency: latency}, fmt.Errorf("anthropic health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &provider.HealthStatus{Healthy: true, Latency: latency}, nil
}

// Claude's wire shape differs from OpenAI's: system is a top-level field,
// content is a block array mixing text and tool_use/tool_result blocks.
type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	Messages    []claudeMessage `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	StopSeq     []string        `json:"stop_sequences,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Content      []claudeContent `json:"content"`
	Model        string          `json:"model"`
	StopReason   string          `json:"stop_reason"`
	StopSequence string          `json:"stop_sequence,omitempty"`
	Usage        *claudeUsage    `json:"usage,omitempty"`
}

type claudeStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index,omitempty"`
	Delta        *claudeDelta    `json:"delta,omitempty"`
	ContentBlock *claudeContent  `json:"content_block,omitempty"`
	Message      *claudeResponse `json:"message,omitempty"`
	Usage        *claudeUsage    `json:"usage,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

func (p *Provider) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

// convertMessages extracts the system message and reshapes the rest into
// Claude's content-block array form. Tool results arrive wrapped as a
// user message with a tool_result block.
func convertMessages(msgs []provider.Message) (string, []claudeMessage) {
	var system string
	var out []claudeMessage

	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			system = m.Content
			continue
		}
		if m.Role == provider.RoleTool {
			out = append(out, claudeMessage{
				Role: "user",
				Content: []claudeContent{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		cm := claudeMessage{Role: string(m.Role)}
		if m.Content != "" {
			cm.Content = append(cm.Content, claudeContent{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			cm.Content = append(cm.Content, claudeContent{
				Type: "tool_use", ID: tc.ID, Name: tc.Function.Name,
				Input: json.RawMessage(tc.Function.Arguments),
			})
		}
		if len(cm.Content) > 0 {
			out = append(out, cm)
		}
	}
	return system, out
}

func convertTools(tools []provider.ToolSchema) []claudeTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]claudeTool, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(t.Function.Parameters)
		out = append(out, claudeTool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: params})
	}
	return out
}

func (p *Provider) Completion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	system, messages := convertMessages(req.Messages)
	body := claudeRequest{
		Model:       chooseModel(req, p.cfg.Model),
		Messages:    messages,
		System:      system,
		MaxTokens:   chooseMaxTokens(req),
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeq:     req.Stop,
		Tools:       convertTools(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}
	defer provider.SafeCloseBody(resp.Body)

	if resp.StatusCode >= 400 {
		msg := provider.ReadErrorMessage(resp.Body)
		return nil, provider.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}
	}

	return toChatResponse(claudeResp, p.Name()), nil
}

func (p *Provider) Stream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	system, messages := convertMessages(req.Messages)
	body := claudeRequest{
		Model:     chooseModel(req, p.cfg.Model),
		Messages:  messages,
		System:    system,
		MaxTokens: chooseMaxTokens(req),
		Stream:    true,
		Tools:     convertTools(req.Tools),
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &provider.Error{Code: provider.ErrInvalidRequest, Message: err.Error(), Provider: p.Name()}
	}
	endpoint := fmt.Sprintf("%s/v1/messages", strings.TrimRight(p.cfg.BaseURL, "/"))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer provider.SafeCloseBody(resp.Body)
		msg := provider.ReadErrorMessage(resp.Body)
		return nil, provider.MapHTTPError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan provider.StreamChunk)
	go func() {
		defer provider.SafeCloseBody(resp.Body)
		defer close(ch)
		reader := bufio.NewReader(resp.Body)

		var currentID, currentModel string
		toolAccumulator := make(map[int]*provider.ToolCall)

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- provider.StreamChunk{Err: &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				}
				return
			}

			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "event:") {
				continue
			}
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				ch <- provider.StreamChunk{Err: &provider.Error{Code: provider.ErrUpstreamError, Message: err.Error(), HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name()}}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					currentID = event.Message.ID
					currentModel = event.Message.Model
				}

			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
					toolAccumulator[event.Index] = &provider.ToolCall{
						ID: event.ContentBlock.ID, Type: "function",
						Function: provider.ToolFunction{Name: event.ContentBlock.Name, Arguments: "{}"},
					}
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				chunk := provider.StreamChunk{ID: currentID, Provider: p.Name(), Model: currentModel, Index: event.Index, Delta: provider.Message{Role: provider.RoleAssistant}}
				switch event.Delta.Type {
				case "text_delta":
					chunk.Delta.Content = event.Delta.Text
				case "input_json_delta":
					if tc, ok := toolAccumulator[event.Index]; ok {
						tc.Function.Arguments += event.Delta.PartialJSON
					}
					continue
				}
				ch <- chunk

			case "content_block_stop":
				if tc, ok := toolAccumulator[event.Index]; ok {
					ch <- provider.StreamChunk{
						ID: currentID, Provider: p.Name(), Model: currentModel, Index: event.Index,
						Delta: provider.Message{Role: provider.RoleAssistant, ToolCalls: []provider.ToolCall{*tc}},
					}
					delete(toolAccumulator, event.Index)
				}

			case "message_delta":
				if event.Delta != nil && event.Delta.StopReason != "" {
					ch <- provider.StreamChunk{ID: currentID, Provider: p.Name(), Model: currentModel, FinishReason: event.Delta.StopReason}
				}

			case "message_stop":
				if event.Usage != nil {
					ch <- provider.StreamChunk{
						ID: currentID, Provider: p.Name(), Model: currentModel,
						Usage: &provider.ChatUsage{
							PromptTokens:     event.Usage.InputTokens,
							CompletionTokens: event.Usage.OutputTokens,
							TotalTokens:      event.Usage.InputTokens + event.Usage.OutputTokens,
						},
					}
				}
				return
			}
		}
	}()

	return ch, nil
}

func toChatResponse(cr claudeResponse, providerName string) *provider.ChatResponse {
	msg := provider.Message{Role: provider.RoleAssistant}
	for _, c := range cr.Content {
		switch c.Type {
		case "text":
			msg.Content += c.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
				ID: c.ID, Type: "function",
				Function: provider.ToolFunction{Name: c.Name, Arguments: string(c.Input)},
			})
		}
	}

	resp := &provider.ChatResponse{
		ID: cr.ID, Provider: providerName, Model: cr.Model,
		Choices: []provider.ChatChoice{{Index: 0, FinishReason: cr.StopReason, Message: msg}},
	}
	if cr.Usage != nil {
		resp.Usage = provider.ChatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		}
	}
	return resp
}

func chooseModel(req *provider.ChatRequest, defaultModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return "claude-3-5-sonnet-20241022"
}

func chooseMaxTokens(req *provider.ChatRequest) int {
	if req != nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}

var _ provider.Adapter = (*Provider)(nil)
