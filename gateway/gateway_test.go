package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/traceforge/traceforge/breaker"
	"github.com/traceforge/traceforge/provider"
	"github.com/traceforge/traceforge/ratelimit"
	"github.com/traceforge/traceforge/redact"
	"github.com/traceforge/traceforge/router"
	"github.com/traceforge/traceforge/storage"
	"github.com/traceforge/traceforge/storage/file"
	"github.com/traceforge/traceforge/trace"
	"github.com/traceforge/traceforge/vcr"
)

type fakeAdapter struct {
	name   string
	resp   *provider.ChatResponse
	err    error
	chunks []provider.StreamChunk
	calls  int

	// passthroughResp/passthroughStatus/passthroughErr, when non-nil,
	// make the adapter also implement provider.PassthroughAdapter.
	passthroughResp   json.RawMessage
	passthroughStatus int
	passthroughErr    error
	passthroughCalls  int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Completion(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan provider.StreamChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	return &provider.HealthStatus{Healthy: true}, nil
}

// passthroughAdapter wraps fakeAdapter to additionally satisfy
// provider.PassthroughAdapter, so tests can opt a given fakeAdapter into
// embeddings support without widening the interface for every test.
type passthroughAdapter struct {
	*fakeAdapter
}

func (f *passthroughAdapter) RawPassthrough(ctx context.Context, path string, rawBody json.RawMessage) (json.RawMessage, int, error) {
	f.passthroughCalls++
	if f.passthroughErr != nil {
		return nil, 0, f.passthroughErr
	}
	return f.passthroughResp, f.passthroughStatus, nil
}

func newTestGateway(t *testing.T, adapter provider.Adapter, cassettesDir string, mode vcr.Mode) *Gateway {
	t.Helper()
	gw, _ := newTestGatewayWithBackend(t, adapter, cassettesDir, mode)
	return gw
}

// newTestGatewayWithBackend additionally returns the storage backend, for
// tests that need to assert on what was actually persisted rather than
// just what was written to the HTTP response.
func newTestGatewayWithBackend(t *testing.T, adapter provider.Adapter, cassettesDir string, mode vcr.Mode) (*Gateway, storage.Backend) {
	t.Helper()
	r := router.New("", nil, zap.NewNop())
	r.Register(adapter)

	v := vcr.New(vcr.Config{Mode: mode, MatchMode: vcr.MatchExact, CassettesDir: cassettesDir})

	backend, err := file.New(t.TempDir(), t.TempDir())
	require.NoError(t, err)
	cb := breaker.New(breaker.DefaultConfig(), zap.NewNop())
	recorder := trace.New(backend, cb, redact.New(redact.DefaultConfig()), zap.NewNop())

	return New(r, v, ratelimit.New(), recorder, nil, DefaultConfig(), zap.NewNop()), backend
}

func chatRequestBody(model string) string {
	return `{"model":"` + model + `","messages":[{"role":"user","content":"hello"}]}`
}

func TestServeHTTPCompletionDispatchesAndRecordsTrace(t *testing.T) {
	adapter := &fakeAdapter{
		name: "openai",
		resp: &provider.ChatResponse{
			Model:   "gpt-4o",
			Choices: []provider.ChatChoice{{Message: provider.Message{Role: provider.RoleAssistant, Content: "hi there"}}},
			Usage:   provider.ChatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		},
	}
	gw := newTestGateway(t, adapter, t.TempDir(), vcr.ModeOff)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, adapter.calls)
	assert.NotEmpty(t, rec.Header().Get("X-TraceForge-Trace-ID"))
	assert.NotEmpty(t, rec.Header().Get("X-TraceForge-Session-ID"))

	var resp provider.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
}

func TestServeHTTPRejectsMissingModel(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeOff)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request_error", body.Error.Type)
}

func TestServeHTTPMapsProviderErrorToWireError(t *testing.T) {
	adapter := &fakeAdapter{
		name: "openai",
		err:  &provider.Error{Provider: "openai", Code: provider.ErrRateLimited, Message: "too many requests", HTTPStatus: http.StatusTooManyRequests},
	}
	gw := newTestGateway(t, adapter, t.TempDir(), vcr.ModeOff)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_error", body.Error.Type)
}

func TestServeHTTPRecordModeWritesCassetteThenReplays(t *testing.T) {
	dir := t.TempDir()
	adapter := &fakeAdapter{
		name: "openai",
		resp: &provider.ChatResponse{
			Model:   "gpt-4o",
			Choices: []provider.ChatChoice{{Message: provider.Message{Role: provider.RoleAssistant, Content: "recorded answer"}}},
		},
	}
	gwRecord := newTestGateway(t, adapter, dir, vcr.ModeRecord)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	gwRecord.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	gwReplay := newTestGateway(t, adapter, dir, vcr.ModeReplay)
	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req2.Header.Set("Content-Type", "application/json")
	rec2 := httptest.NewRecorder()
	gwReplay.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, 1, adapter.calls, "replay must not call the adapter again")

	var resp provider.ChatResponse
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "recorded answer", resp.Choices[0].Message.Content)
}

func TestServeHTTPReplayMissReturns500(t *testing.T) {
	gw, backend := newTestGatewayWithBackend(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeReplay)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "vcr_miss", body.Error.Type)
	assert.Contains(t, body.Error.Message, "VCR replay miss")

	traceID := rec.Header().Get("X-TraceForge-Trace-ID")
	require.NotEmpty(t, traceID)

	tr, err := backend.GetTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, "error", statusClass(tr.StatusCode))
	assert.Contains(t, tr.Error, "VCR replay miss")
}

func statusClass(code int) string {
	if code >= 400 {
		return "error"
	}
	return "ok"
}

func TestServeHTTPStrictMissReturns500WithTrace(t *testing.T) {
	gw, backend := newTestGatewayWithBackend(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeStrict)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(chatRequestBody("gpt-4o")))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "strict_miss", body.Error.Type)
	assert.Contains(t, body.Error.Message, "VCR replay miss")

	traceID := rec.Header().Get("X-TraceForge-Trace-ID")
	require.NotEmpty(t, traceID)
	tr, err := backend.GetTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Contains(t, tr.Error, "VCR replay miss")
}

func TestServeHTTPLegacyCompletionUsesPromptFingerprint(t *testing.T) {
	adapter := &fakeAdapter{
		name: "openai",
		resp: &provider.ChatResponse{
			Model:   "gpt-3.5-turbo-instruct",
			Choices: []provider.ChatChoice{{Message: provider.Message{Role: provider.RoleAssistant, Content: "completion text"}}},
		},
	}
	gw := newTestGateway(t, adapter, t.TempDir(), vcr.ModeOff)

	body := `{"model":"gpt-3.5-turbo-instruct","prompt":"once upon a time"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, adapter.calls)

	var resp provider.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completion text", resp.Choices[0].Message.Content)
}

func TestServeHTTPLegacyCompletionRejectsMissingPrompt(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeOff)

	req := httptest.NewRequest(http.MethodPost, "/v1/completions", strings.NewReader(`{"model":"gpt-3.5-turbo-instruct"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_request_error", body.Error.Type)
}

func TestServeHTTPEmbeddingsForwardsOpaquePassthroughAndRecordsTrace(t *testing.T) {
	adapter := &passthroughAdapter{fakeAdapter: &fakeAdapter{name: "openai"}}
	adapter.passthroughResp = json.RawMessage(`{"object":"list","data":[{"embedding":[0.1,0.2]}]}`)
	adapter.passthroughStatus = http.StatusOK

	gw, backend := newTestGatewayWithBackend(t, adapter, t.TempDir(), vcr.ModeOff)

	body := `{"model":"text-embedding-3-small","input":"hello world"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, adapter.passthroughCalls)
	assert.JSONEq(t, string(adapter.passthroughResp), rec.Body.String())

	traceID := rec.Header().Get("X-TraceForge-Trace-ID")
	require.NotEmpty(t, traceID)
	tr, err := backend.GetTrace(context.Background(), traceID)
	require.NoError(t, err)
	assert.Equal(t, "/v1/embeddings", tr.Endpoint)
	assert.JSONEq(t, body, string(tr.Request))
}

func TestServeHTTPEmbeddingsRejectsAdapterWithoutPassthroughSupport(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeOff)

	body := `{"model":"text-embedding-3-small","input":"hello world"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var wireErr wireError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wireErr))
	assert.Equal(t, "provider_error", wireErr.Error.Type)
}

func TestServeHTTPUnknownPathReturns404(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeOff)

	req := httptest.NewRequest(http.MethodPost, "/v1/unknown", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndpointLabelAnnotatesNormalizedProviders(t *testing.T) {
	assert.Equal(t, "/v1/messages (Anthropic)", endpointLabel("/v1/chat/completions", "anthropic"))
	assert.Equal(t, "/v1/models/{model}:generateContent (Gemini)", endpointLabel("/v1/chat/completions", "gemini"))
	assert.Equal(t, "/v1/chat/completions", endpointLabel("/v1/chat/completions", "openai"))
}

func TestServeHTTPStreamForwardsChunksAndAggregatesTrace(t *testing.T) {
	adapter := &fakeAdapter{
		name: "openai",
		chunks: []provider.StreamChunk{
			{Delta: provider.Message{Role: provider.RoleAssistant, Content: "Hel"}},
			{Delta: provider.Message{Content: "lo"}, FinishReason: "stop", Usage: &provider.ChatUsage{TotalTokens: 4}},
		},
	}
	gw := newTestGateway(t, adapter, t.TempDir(), vcr.ModeOff)

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.GreaterOrEqual(t, len(dataLines), 3)
	assert.Equal(t, "[DONE]", dataLines[len(dataLines)-1])
}

func TestServeHTTPRejectsNonPOST(t *testing.T) {
	gw := newTestGateway(t, &fakeAdapter{name: "openai"}, t.TempDir(), vcr.ModeOff)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	gw.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
