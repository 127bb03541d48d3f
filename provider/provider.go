// Package provider defines the canonical request/response shape and the
// Adapter interface every upstream LLM provider (OpenAI, Anthropic,
// Gemini, Ollama) is translated to and from.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Role is a chat message's author role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn in a chat conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-emitted function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema describes a tool the model may call.
type ToolSchema struct {
	Type     string           `json:"type"`
	Function ToolFunctionSpec `json:"function"`
}

type ToolFunctionSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ErrorCode classifies a provider error for both metrics and the wire
// error taxonomy in SPEC_FULL.md §5.
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "invalid_request_error"
	ErrAuthentication  ErrorCode = "authentication_error"
	ErrForbidden       ErrorCode = "forbidden"
	ErrRateLimited     ErrorCode = "rate_limit_error"
	ErrQuotaExceeded   ErrorCode = "quota_exceeded"
	ErrModelNotFound   ErrorCode = "model_not_found"
	ErrModelOverloaded ErrorCode = "model_overloaded"
	ErrContextTooLong  ErrorCode = "context_too_long"
	ErrContentFiltered ErrorCode = "content_filtered"
	ErrUpstreamError   ErrorCode = "provider_error"
	ErrUpstreamTimeout ErrorCode = "timeout"
	ErrInternal        ErrorCode = "internal_error"
)

// Error is the typed error every adapter maps its upstream failures to.
type Error struct {
	Provider   string    `json:"provider,omitempty"`
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Retryable  bool      `json:"-"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// IsRetryable reports whether err (if a *Error) is safe to retry.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// ChatRequest is the canonical (OpenAI-shaped) chat completion request
// every adapter accepts.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	TopP        float64      `json:"top_p,omitempty"`
	FrequencyPenalty float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64 `json:"presence_penalty,omitempty"`
	Stop        []string     `json:"stop,omitempty"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	ToolChoice  string       `json:"tool_choice,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

// ChatResponse is the canonical chat completion response.
type ChatResponse struct {
	ID        string       `json:"id,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Model     string       `json:"model"`
	Choices   []ChatChoice `json:"choices"`
	Usage     ChatUsage    `json:"usage"`
	CreatedAt time.Time    `json:"created_at"`
}

type ChatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Message      Message `json:"message"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one SSE-delivered delta in a streaming response.
type StreamChunk struct {
	ID           string     `json:"id,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Index        int        `json:"index,omitempty"`
	Delta        Message    `json:"delta"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *ChatUsage `json:"usage,omitempty"`
	Err          *Error     `json:"error,omitempty"`
}

// HealthStatus is the result of an adapter's HealthCheck.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
}

// Adapter is the interface every provider package implements.
type Adapter interface {
	Name() string
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// PassthroughAdapter is optionally implemented by adapters that can
// forward a raw request body to one of their own endpoints without
// interpreting it, e.g. for embeddings (§4.1: "always opaque
// passthrough"). The gateway type-asserts for this rather than
// widening Adapter, since not every provider's embedding wire shape
// is known.
type PassthroughAdapter interface {
	RawPassthrough(ctx context.Context, path string, rawBody json.RawMessage) (json.RawMessage, int, error)
}
