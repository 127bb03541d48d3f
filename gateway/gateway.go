// Package gateway implements the HTTP surface of the proxy: parsing and
// validating an incoming request, resolving a provider, consulting the
// VCR for replay, dispatching upstream (or replaying), recording a trace
// of the exchange, and writing session-tracking response headers
// regardless of outcome.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/internal/metrics"
	"github.com/traceforge/traceforge/provider"
	"github.com/traceforge/traceforge/ratelimit"
	"github.com/traceforge/traceforge/router"
	"github.com/traceforge/traceforge/session"
	"github.com/traceforge/traceforge/trace"
	"github.com/traceforge/traceforge/vcr"
)

// Config controls request-handling limits independent of any single
// dependency above.
type Config struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// DefaultConfig matches SPEC_FULL.md §4: a 30s upstream timeout and a
// 1 MiB request body cap.
func DefaultConfig() Config {
	return Config{RequestTimeout: 30 * time.Second, MaxBodyBytes: 1 << 20}
}

// Gateway wires the router, VCR, rate limiter, trace recorder, and
// metrics collector into one request lifecycle across all three routes
// named in SPEC_FULL.md §4.1.
type Gateway struct {
	router   *router.Router
	vcr      *vcr.VCR
	limiter  ratelimit.RateLimiter
	recorder *trace.Recorder
	metrics  *metrics.Collector
	cfg      Config
	logger   *zap.Logger
}

func New(r *router.Router, v *vcr.VCR, limiter ratelimit.RateLimiter, recorder *trace.Recorder, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Gateway{router: r, vcr: v, limiter: limiter, recorder: recorder, metrics: collector, cfg: cfg, logger: logger}
}

// wireError is the error body shape every non-2xx response uses.
type wireError struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, info session.Info, status int, errType, message string) {
	session.WriteResponseHeaders(w, info, "")
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(wireError{Error: wireErrorBody{Message: message, Type: errType}})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// normalizedEndpoint is the upstream path a provider's adapter actually
// calls, paired with the display label stamped onto a trace when that
// path differs from the canonical OpenAI-shaped gateway route.
type normalizedEndpoint struct {
	Display string
}

// normalizedEndpoints annotates a trace's endpoint with the provider
// whose native wire shape served it (SPEC_FULL.md §3: "annotated with
// provider when normalized"). Providers that are already OpenAI-shaped
// on the wire (openai, ollama, and anything else built on openaicompat)
// need no annotation — the inbound gateway path already describes them.
var normalizedEndpoints = map[string]normalizedEndpoint{
	"anthropic": {Display: "/v1/messages (Anthropic)"},
	"gemini":    {Display: "/v1/models/{model}:generateContent (Gemini)"},
}

// endpointLabel returns the trace endpoint label for a request that came
// in on basePath and was ultimately resolved to providerName's adapter.
func endpointLabel(basePath, providerName string) string {
	if ne, ok := normalizedEndpoints[providerName]; ok {
		return ne.Display
	}
	return basePath
}

// ServeHTTP dispatches to one of the three routes SPEC_FULL.md §4.1
// names: chat completions, legacy completions, and embeddings.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, session.Info{}, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyBytes)
	rawBody, err := decodeRawBody(r)
	if err != nil {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	switch r.URL.Path {
	case "/v1/chat/completions":
		g.serveChatCompletions(w, r, rawBody)
	case "/v1/completions":
		g.serveLegacyCompletion(w, r, rawBody)
	case "/v1/embeddings":
		g.serveEmbeddings(w, r, rawBody)
	default:
		writeError(w, session.Info{}, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("unknown endpoint %q", r.URL.Path))
	}
}

func (g *Gateway) serveChatCompletions(w http.ResponseWriter, r *http.Request, rawBody json.RawMessage) {
	var req provider.ChatRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if req.Model == "" {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "messages cannot be empty")
		return
	}

	g.handleChatLikeRequest(w, r, &req, "/v1/chat/completions", rawBody, func(providerName string) vcr.FingerprintInput {
		return fingerprintInput(providerName, &req)
	})
}

// legacyCompletionRequest is the pre-chat /v1/completions wire shape
// (SPEC_FULL.md §4.1): a single prompt string rather than a messages
// array. The gateway still returns the canonical ChatResponse shape
// rather than the historical {choices:[{text:...}]} body — every route
// shares one response contract.
type legacyCompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      float64  `json:"temperature,omitempty"`
	TopP             float64  `json:"top_p,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Stream           bool     `json:"stream,omitempty"`
}

func (g *Gateway) serveLegacyCompletion(w http.ResponseWriter, r *http.Request, rawBody json.RawMessage) {
	var legacy legacyCompletionRequest
	if err := json.Unmarshal(rawBody, &legacy); err != nil {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if legacy.Model == "" {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	if legacy.Prompt == "" {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "prompt cannot be empty")
		return
	}

	req := &provider.ChatRequest{
		Model:            legacy.Model,
		Messages:         []provider.Message{{Role: provider.RoleUser, Content: legacy.Prompt}},
		MaxTokens:        legacy.MaxTokens,
		Temperature:      legacy.Temperature,
		TopP:             legacy.TopP,
		FrequencyPenalty: legacy.FrequencyPenalty,
		PresencePenalty:  legacy.PresencePenalty,
		Stop:             legacy.Stop,
		Stream:           legacy.Stream,
	}

	g.handleChatLikeRequest(w, r, req, "/v1/completions", rawBody, func(providerName string) vcr.FingerprintInput {
		return completionFingerprintInput(providerName, &legacy)
	})
}

// handleChatLikeRequest is the shared resolve/decide/dispatch pipeline
// behind both /v1/chat/completions and /v1/completions: the two routes
// differ only in how the wire body was decoded into a ChatRequest and
// how its VCR fingerprint is built.
func (g *Gateway) handleChatLikeRequest(w http.ResponseWriter, r *http.Request, req *provider.ChatRequest, basePath string, rawBody json.RawMessage, fpBuilder func(providerName string) vcr.FingerprintInput) {
	info := session.Extract(r, g.logger)
	ctx := session.WithInfo(r.Context(), info)

	adapter, err := g.router.Resolve(ctx, req)
	if err != nil {
		writeError(w, info, http.StatusBadGateway, "provider_error", "no provider available for requested model")
		return
	}

	endpoint := endpointLabel(basePath, adapter.Name())
	fpIn := fpBuilder(adapter.Name())

	decision, err := g.vcr.Decide(adapter.Name(), fpIn)
	if err != nil {
		fp, _ := vcr.Fingerprint(fpIn, g.vcr.MatchMode())
		g.handleVCRError(ctx, w, info, adapter.Name(), req.Model, endpoint, rawBody, fp, err)
		return
	}

	ip := clientIP(r)

	if req.Stream && !decision.Replay {
		g.serveStream(ctx, w, adapter, req, info, decision, ip, endpoint)
		return
	}

	g.serveCompletion(ctx, w, adapter, req, info, decision, rawBody, ip, endpoint)
}

// embeddingRequest is decoded only far enough to route and trace the
// request; the body itself is forwarded to the provider byte-for-byte
// (SPEC_FULL.md §4.1: embeddings are "traced but always opaque
// passthrough" and "not eligible for provider auto-detection").
type embeddingRequest struct {
	Model string `json:"model"`
}

func (g *Gateway) serveEmbeddings(w http.ResponseWriter, r *http.Request, rawBody json.RawMessage) {
	var embed embeddingRequest
	if err := json.Unmarshal(rawBody, &embed); err != nil {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}
	if embed.Model == "" {
		writeError(w, session.Info{}, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}

	info := session.Extract(r, g.logger)
	ctx := session.WithInfo(r.Context(), info)

	adapter, err := g.router.ResolveDefault(ctx)
	if err != nil {
		writeError(w, info, http.StatusBadGateway, "provider_error", "no default provider available for embeddings")
		return
	}

	passthrough, ok := adapter.(provider.PassthroughAdapter)
	if !ok {
		writeError(w, info, http.StatusBadGateway, "provider_error", fmt.Sprintf("provider %q does not support embeddings passthrough", adapter.Name()))
		return
	}

	if !g.allowRateLimit(ctx, w, info, clientIP(r), adapter.Name()) {
		return
	}

	start := time.Now()
	dctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	respBytes, status, err := passthrough.RawPassthrough(dctx, "/v1/embeddings", rawBody)
	duration := time.Since(start)
	endpoint := endpointLabel("/v1/embeddings", adapter.Name())

	if err != nil {
		g.recordAndRespondError(ctx, w, adapter.Name(), embed.Model, rawBody, info, err, duration, endpoint)
		return
	}

	traceID, recErr := g.recorder.Record(ctx, trace.Entry{
		Provider:   adapter.Name(),
		Model:      embed.Model,
		Endpoint:   endpoint,
		Request:    rawBody,
		Response:   respBytes,
		StatusCode: status,
		Duration:   duration,
		Session:    info,
	})
	if recErr != nil {
		g.logger.Error("failed to record trace", zap.Error(recErr))
	}

	session.WriteResponseHeaders(w, info, traceID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(respBytes)
}

// handleVCRError reports a VCR decision failure to the client and, for
// the two miss cases, also persists an error trace so the miss shows up
// in trace history the same way a live provider error would
// (scenarios 3 and 4: a 500 carrying the fingerprint, and a recorded
// trace whose error names "VCR replay miss").
func (g *Gateway) handleVCRError(ctx context.Context, w http.ResponseWriter, info session.Info, providerName, model, endpoint string, rawReq json.RawMessage, fingerprint string, err error) {
	var (
		status   = http.StatusInternalServerError
		errType  string
		message  string
		traceErr error
	)

	switch {
	case errors.Is(err, vcr.ErrVCRMiss):
		errType = "vcr_miss"
		message = fmt.Sprintf("VCR replay miss: no cassette matches fingerprint %s in replay mode", fingerprint)
		traceErr = errors.New(message)
	case errors.Is(err, vcr.ErrStrictMiss):
		errType = "strict_miss"
		message = fmt.Sprintf("VCR replay miss: no cassette matches fingerprint %s in strict mode", fingerprint)
		traceErr = errors.New(message)
	case errors.Is(err, vcr.ErrTamper):
		errType = "cassette_tamper"
		message = fmt.Sprintf("cassette signature verification failed for fingerprint %s", fingerprint)
		if g.metrics != nil {
			g.metrics.RecordCassetteTamper(providerName)
		}
	default:
		errType = "provider_error"
		message = "vcr decision failed"
	}

	if traceErr != nil {
		if _, recErr := g.recorder.Record(ctx, trace.Entry{
			Provider:            providerName,
			Model:               model,
			Endpoint:            endpoint,
			Request:             rawReq,
			Response:            mustMarshal(wireError{Error: wireErrorBody{Message: message, Type: errType}}),
			StatusCode:          status,
			Duration:            0,
			Err:                 traceErr,
			Session:             info,
			CassetteFingerprint: fingerprint,
		}); recErr != nil {
			g.logger.Error("failed to record vcr-miss trace", zap.Error(recErr))
		}
	}

	writeError(w, info, status, errType, message)
}

func (g *Gateway) serveCompletion(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, req *provider.ChatRequest, info session.Info, decision vcr.Decision, rawReq json.RawMessage, clientIP, endpoint string) {
	start := time.Now()

	var (
		resp       *provider.ChatResponse
		status     = http.StatusOK
		dispatched bool
	)

	if decision.Replay {
		var cassetteResp provider.ChatResponse
		if err := json.Unmarshal(decision.Cassette.Response, &cassetteResp); err != nil {
			writeError(w, info, http.StatusInternalServerError, "provider_error", "cassette response is malformed")
			return
		}
		resp = &cassetteResp
		status = decision.Cassette.StatusCode
	} else {
		if !g.allowRateLimit(ctx, w, info, clientIP, adapter.Name()) {
			return
		}
		dispatched = true
		dctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()

		var err error
		resp, err = adapter.Completion(dctx, req)
		if err != nil {
			g.recordAndRespondError(ctx, w, adapter.Name(), req.Model, rawReq, info, err, time.Since(start), endpoint)
			return
		}
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		writeError(w, info, http.StatusInternalServerError, "internal_error", "failed to encode provider response")
		return
	}

	if dispatched && decision.RecordAfterLiveCall {
		fp, _ := vcr.Fingerprint(fingerprintInput(adapter.Name(), req), g.vcr.MatchMode())
		if err := g.vcr.Record(adapter.Name(), fp, req.Model, rawReq, respBytes, status); err != nil {
			g.logger.Warn("failed to record cassette", zap.Error(err))
		}
	}

	traceID, err := g.recorder.Record(ctx, trace.Entry{
		Provider:             adapter.Name(),
		Model:                req.Model,
		Endpoint:             endpoint,
		Request:              rawReq,
		Response:             respBytes,
		StatusCode:           status,
		Duration:             time.Since(start),
		Usage:                resp.Usage,
		Session:              info,
		ReplayedFromCassette: decision.Replay,
		CassetteFingerprint:  cassetteFingerprint(decision),
	})
	if err != nil {
		g.logger.Error("failed to record trace", zap.Error(err))
	}

	session.WriteResponseHeaders(w, info, traceID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(respBytes)
}

// serveStream forwards each upstream chunk to the client as SSE while
// accumulating the full response text, first-chunk latency, and stream
// duration for a single aggregated trace written once the stream closes.
func (g *Gateway) serveStream(ctx context.Context, w http.ResponseWriter, adapter provider.Adapter, req *provider.ChatRequest, info session.Info, decision vcr.Decision, clientIP, endpoint string) {
	start := time.Now()

	if !g.allowRateLimit(ctx, w, info, clientIP, adapter.Name()) {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	chunks, err := adapter.Stream(dctx, req)
	if err != nil {
		g.recordAndRespondError(ctx, w, adapter.Name(), req.Model, mustMarshal(req), info, err, time.Since(start), endpoint)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, info, http.StatusInternalServerError, "internal_error", "streaming not supported by this transport")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	session.WriteResponseHeaders(w, info, "")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var (
		content       string
		role          provider.Role
		finishReason  string
		usage         provider.ChatUsage
		firstChunk    time.Duration
		gotFirstChunk bool
		streamErr     *provider.Error
	)

	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
		}
		if !gotFirstChunk {
			firstChunk = time.Since(start)
			gotFirstChunk = true
		}
		if chunk.Delta.Role != "" {
			role = chunk.Delta.Role
		}
		content += chunk.Delta.Content
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}

		payload, _ := json.Marshal(chunk)
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	duration := time.Since(start)

	resp := provider.ChatResponse{
		Provider: adapter.Name(),
		Model:    req.Model,
		Choices: []provider.ChatChoice{{
			FinishReason: finishReason,
			Message:      provider.Message{Role: role, Content: content},
		}},
		Usage:     usage,
		CreatedAt: time.Now(),
	}
	respBytes, _ := json.Marshal(resp)
	status := http.StatusOK
	var entryErr error
	if streamErr != nil {
		status = streamErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		entryErr = streamErr
	}

	rawReq := mustMarshal(req)
	if streamErr == nil && decision.RecordAfterLiveCall {
		fp, _ := vcr.Fingerprint(fingerprintInput(adapter.Name(), req), g.vcr.MatchMode())
		if err := g.vcr.Record(adapter.Name(), fp, req.Model, rawReq, respBytes, status); err != nil {
			g.logger.Warn("failed to record cassette for stream", zap.Error(err))
		}
	}

	if _, err := g.recorder.Record(ctx, trace.Entry{
		Provider:          adapter.Name(),
		Model:             req.Model,
		Endpoint:          endpoint,
		Request:           rawReq,
		Response:          respBytes,
		StatusCode:        status,
		Duration:          duration,
		Err:               entryErr,
		Usage:             usage,
		Session:           info,
		FirstChunkLatency: firstChunk,
		StreamDuration:    duration,
		Streamed:          true,
	}); err != nil {
		g.logger.Error("failed to record stream trace", zap.Error(err))
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// allowRateLimit checks providerName's limit for clientIP. A limiter
// backend error (e.g. Redis unreachable) fails open with a warning log
// rather than blocking every request on an infrastructure hiccup.
func (g *Gateway) allowRateLimit(ctx context.Context, w http.ResponseWriter, info session.Info, clientIP, providerName string) bool {
	if g.limiter == nil {
		return true
	}
	result, err := g.limiter.Allow(ctx, clientIP, providerName)
	if err != nil {
		g.logger.Warn("rate limiter unavailable, allowing request", zap.Error(err), zap.String("provider", providerName))
		return true
	}
	if !result.Allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimitRejected(providerName)
		}
		writeError(w, info, http.StatusTooManyRequests, "rate_limit_error", fmt.Sprintf("rate limit exceeded for provider %q, retry after %s", providerName, result.RetryAfter))
		return false
	}
	return true
}

func (g *Gateway) recordAndRespondError(ctx context.Context, w http.ResponseWriter, providerName, model string, rawReq json.RawMessage, info session.Info, err error, duration time.Duration, endpoint string) {
	status := http.StatusBadGateway
	errType := "provider_error"
	message := err.Error()

	var perr *provider.Error
	if errors.As(err, &perr) {
		if perr.HTTPStatus != 0 {
			status = perr.HTTPStatus
		}
		errType = string(perr.Code)
		message = perr.Message
	}

	errBody, _ := json.Marshal(wireError{Error: wireErrorBody{Message: message, Type: errType}})

	traceID, recErr := g.recorder.Record(ctx, trace.Entry{
		Provider:   providerName,
		Model:      model,
		Endpoint:   endpoint,
		Request:    rawReq,
		Response:   errBody,
		StatusCode: status,
		Duration:   duration,
		Err:        err,
		Session:    info,
	})
	if recErr != nil {
		g.logger.Error("failed to record error trace", zap.Error(recErr))
	}

	session.WriteResponseHeaders(w, info, traceID)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(errBody)
}

func cassetteFingerprint(decision vcr.Decision) string {
	if decision.Cassette == nil {
		return ""
	}
	return decision.Cassette.Fingerprint
}

func fingerprintInput(providerName string, req *provider.ChatRequest) vcr.FingerprintInput {
	temp := req.Temperature
	topP := req.TopP
	freq := req.FrequencyPenalty
	pres := req.PresencePenalty
	maxTok := req.MaxTokens
	return vcr.FingerprintInput{
		Provider:         providerName,
		Model:            req.Model,
		Messages:         req.Messages,
		Tools:            req.Tools,
		Temperature:      &temp,
		MaxTokens:        &maxTok,
		TopP:             &topP,
		FrequencyPenalty: &freq,
		PresencePenalty:  &pres,
		Stop:             req.Stop,
	}
}

// completionFingerprintInput is fingerprintInput's counterpart for the
// legacy /v1/completions route: it hashes Prompt instead of Messages, so
// a prompt-based request never collides with a chat-shaped one.
func completionFingerprintInput(providerName string, req *legacyCompletionRequest) vcr.FingerprintInput {
	temp := req.Temperature
	topP := req.TopP
	freq := req.FrequencyPenalty
	pres := req.PresencePenalty
	maxTok := req.MaxTokens
	return vcr.FingerprintInput{
		Provider:         providerName,
		Model:            req.Model,
		Prompt:           req.Prompt,
		Temperature:      &temp,
		MaxTokens:        &maxTok,
		TopP:             &topP,
		FrequencyPenalty: &freq,
		PresencePenalty:  &pres,
		Stop:             req.Stop,
	}
}

func decodeRawBody(r *http.Request) (json.RawMessage, error) {
	var raw json.RawMessage
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
