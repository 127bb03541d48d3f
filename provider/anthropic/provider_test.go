package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traceforge/traceforge/provider"
)

func TestCompletionSendsXAPIKeyHeaderAndSplitsSystem(t *testing.T) {
	var gotReq claudeRequest
	var gotAPIKey, gotVersion string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(claudeResponse{
			ID:    "msg_1",
			Model: "claude-3-5-sonnet-20241022",
			Content: []claudeContent{
				{Type: "text", Text: "hi there"},
			},
			StopReason: "end_turn",
			Usage:      &claudeUsage{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "sk-ant-test", BaseURL: srv.URL}, nil)
	resp, err := p.Completion(context.Background(), &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "be nice"},
			{Role: provider.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "sk-ant-test", gotAPIKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "be nice", gotReq.System)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)

	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompletionDefaultsMaxTokensWhenUnset(t *testing.T) {
	var gotReq claudeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(claudeResponse{ID: "msg_2"})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), &provider.ChatRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, 4096, gotReq.MaxTokens)
}

func TestCompletionMapsRateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "rate limited", "type": "rate_limit_error"}})
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	_, err := p.Completion(context.Background(), &provider.ChatRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	var perr *provider.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, provider.ErrRateLimited, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestConvertMessagesWrapsToolResultAsUser(t *testing.T) {
	system, msgs := convertMessages([]provider.Message{
		{Role: provider.RoleSystem, Content: "sys"},
		{Role: provider.RoleTool, Content: "42", ToolCallID: "call_1"},
	})
	assert.Equal(t, "sys", system)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "tool_result", msgs[0].Content[0].Type)
	assert.Equal(t, "call_1", msgs[0].Content[0].ToolUseID)
}

func TestStreamParsesTextDeltaAndToolUse(t *testing.T) {
	events := []string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_3","model":"claude-3-5-sonnet-20241022"}}` + "\n\n",
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n",
		`data: {"type":"message_stop","usage":{"input_tokens":3,"output_tokens":2}}` + "\n\n",
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, e := range events {
			_, _ = w.Write([]byte(e))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	p := New(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	ch, err := p.Stream(context.Background(), &provider.ChatRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	var textSeen bool
	var usageSeen bool
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		if chunk.Delta.Content == "hi" {
			textSeen = true
		}
		if chunk.Usage != nil {
			assert.Equal(t, 5, chunk.Usage.TotalTokens)
			usageSeen = true
		}
	}
	assert.True(t, textSeen)
	assert.True(t, usageSeen)
}
