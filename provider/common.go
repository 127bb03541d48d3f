package provider

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MapHTTPError maps an upstream HTTP status code to a typed *Error with
// the appropriate retryable flag. Shared by every adapter's error path.
func MapHTTPError(status int, msg, providerName string) *Error {
	switch status {
	case http.StatusUnauthorized:
		return &Error{Code: ErrAuthentication, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusForbidden:
		return &Error{Code: ErrForbidden, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: providerName}
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "credit") || strings.Contains(lower, "limit") {
			return &Error{Code: ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: providerName}
		}
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: providerName}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: providerName}
	case 529: // model overloaded, used by Anthropic
		return &Error{Code: ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: providerName}
	default:
		return &Error{Code: ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: providerName}
	}
}

// ReadErrorMessage extracts a human-readable message from an upstream
// error body, preferring a parsed `{"error":{"message":...}}` shape and
// falling back to the raw body text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil {
		return "failed to read error response"
	}
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return string(data)
}

// SafeCloseBody closes an HTTP response body, swallowing a nil receiver.
func SafeCloseBody(body io.ReadCloser) {
	if body != nil {
		_ = body.Close()
	}
}

// ChooseModel resolves the effective model name: the request's model if
// set, else defaultModel, else fallbackModel.
func ChooseModel(req *ChatRequest, defaultModel, fallbackModel string) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if defaultModel != "" {
		return defaultModel
	}
	return fallbackModel
}

// --- OpenAI-compatible wire shape, shared by the openai and ollama adapters ---

type OpenAICompatMessage struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCalls  []OpenAICompatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
}

type OpenAICompatToolCall struct {
	ID       string               `json:"id"`
	Type     string               `json:"type"`
	Function OpenAICompatFunction `json:"function"`
}

type OpenAICompatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAICompatTool struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

type OpenAICompatRequest struct {
	Model       string                `json:"model"`
	Messages    []OpenAICompatMessage `json:"messages"`
	Tools       []OpenAICompatTool    `json:"tools,omitempty"`
	ToolChoice  any                   `json:"tool_choice,omitempty"`
	MaxTokens   int                   `json:"max_tokens,omitempty"`
	Temperature float64               `json:"temperature,omitempty"`
	TopP        float64               `json:"top_p,omitempty"`
	Stop        []string              `json:"stop,omitempty"`
	Stream      bool                  `json:"stream,omitempty"`
}

type OpenAICompatChoice struct {
	Index        int                  `json:"index"`
	FinishReason string               `json:"finish_reason"`
	Message      OpenAICompatMessage  `json:"message"`
	Delta        *OpenAICompatMessage `json:"delta,omitempty"`
}

type OpenAICompatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type OpenAICompatResponse struct {
	ID      string               `json:"id"`
	Model   string               `json:"model"`
	Choices []OpenAICompatChoice `json:"choices"`
	Usage   *OpenAICompatUsage   `json:"usage,omitempty"`
	Created int64                `json:"created,omitempty"`
}

type OpenAICompatErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// ConvertMessagesToOpenAI converts canonical Messages to the OpenAI wire
// shape.
func ConvertMessagesToOpenAI(msgs []Message) []OpenAICompatMessage {
	out := make([]OpenAICompatMessage, 0, len(msgs))
	for _, m := range msgs {
		oa := OpenAICompatMessage{Role: string(m.Role), Name: m.Name, Content: m.Content, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			oa.ToolCalls = make([]OpenAICompatToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				oa.ToolCalls = append(oa.ToolCalls, OpenAICompatToolCall{
					ID: tc.ID, Type: "function",
					Function: OpenAICompatFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
				})
			}
		}
		out = append(out, oa)
	}
	return out
}

// ConvertToolsToOpenAI converts canonical ToolSchemas to the OpenAI wire
// shape.
func ConvertToolsToOpenAI(tools []ToolSchema) []OpenAICompatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]OpenAICompatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAICompatTool{Type: "function", Function: t.Function})
	}
	return out
}

// ToChatResponse converts an OpenAI-shaped response into the canonical
// ChatResponse.
func ToChatResponse(oa OpenAICompatResponse, providerName string) *ChatResponse {
	choices := make([]ChatChoice, 0, len(oa.Choices))
	for _, c := range oa.Choices {
		msg := Message{Role: RoleAssistant, Content: c.Message.Content, Name: c.Message.Name}
		if len(c.Message.ToolCalls) > 0 {
			msg.ToolCalls = make([]ToolCall, 0, len(c.Message.ToolCalls))
			for _, tc := range c.Message.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: tc.ID, Type: "function", Function: ToolFunction{Name: tc.Function.Name, Arguments: tc.Function.Arguments}})
			}
		}
		choices = append(choices, ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg})
	}
	resp := &ChatResponse{ID: oa.ID, Provider: providerName, Model: oa.Model, Choices: choices}
	if oa.Usage != nil {
		resp.Usage = ChatUsage{PromptTokens: oa.Usage.PromptTokens, CompletionTokens: oa.Usage.CompletionTokens, TotalTokens: oa.Usage.TotalTokens}
	}
	return resp
}
