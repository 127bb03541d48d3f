// Package trace binds a provider exchange (request, response, timing,
// session metadata) into a storage.Trace and persists it through the
// circuit breaker that guards the storage backend.
package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/traceforge/traceforge/breaker"
	"github.com/traceforge/traceforge/provider"
	"github.com/traceforge/traceforge/redact"
	"github.com/traceforge/traceforge/session"
	"github.com/traceforge/traceforge/storage"
)

// Entry is everything the gateway has learned about a single provider
// exchange by the time it's ready to be durably recorded.
type Entry struct {
	Provider      string
	Model         string
	Endpoint      string
	SchemaVersion string
	Request       json.RawMessage
	Response      json.RawMessage
	StatusCode    int
	Duration      time.Duration
	Err           error
	Usage         provider.ChatUsage

	Session session.Info

	ReplayedFromCassette bool
	CassetteFingerprint  string

	FirstChunkLatency time.Duration
	StreamDuration    time.Duration
	Streamed          bool
}

// Recorder persists Entries as storage.Trace rows, falling back to an
// approximate token count via tiktoken when a provider response omits
// usage (e.g. a streamed response with no trailing usage event).
type Recorder struct {
	backend  storage.Backend
	breaker  breaker.Breaker
	redactor *redact.Redactor
	logger   *zap.Logger

	encMu sync.Mutex
	enc   *tiktoken.Tiktoken
}

func New(backend storage.Backend, cb breaker.Breaker, redactor *redact.Redactor, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{backend: backend, breaker: cb, redactor: redactor, logger: logger}
}

// Record redacts and saves entry as a trace. Storage failures are routed
// through the circuit breaker; a client-side recording mistake (e.g. a
// nil entry) is marked as a client fault so it never counts against the
// breaker's failure budget.
func (r *Recorder) Record(ctx context.Context, entry Entry) (string, error) {
	if entry.Provider == "" {
		return "", fmt.Errorf("trace: missing provider: %w", breaker.ErrClientFault)
	}

	t := r.toTrace(uuid.NewString(), entry)

	err := r.breaker.Call(ctx, func() error {
		return r.backend.SaveTrace(ctx, t)
	})
	if err != nil {
		r.logger.Error("failed to record trace", zap.Error(err), zap.String("trace_id", t.ID))
		return t.ID, err
	}
	return t.ID, nil
}

func (r *Recorder) toTrace(traceID string, entry Entry) *storage.Trace {
	req := entry.Request
	resp := entry.Response
	if r.redactor != nil {
		if redacted, _, err := r.redactor.RedactRawJSON(req, traceID); err == nil {
			req = redacted
		} else {
			r.logger.Warn("failed to redact request, storing unredacted", zap.Error(err))
		}
		if redacted, _, err := r.redactor.RedactRawJSON(resp, traceID); err == nil {
			resp = redacted
		} else {
			r.logger.Warn("failed to redact response, storing unredacted", zap.Error(err))
		}
	}

	usage := entry.Usage
	if usage.TotalTokens == 0 && len(resp) > 0 {
		usage = r.estimateUsage(entry.Model, req, resp)
	}

	errMsg := ""
	if entry.Err != nil {
		errMsg = entry.Err.Error()
	}

	schemaVersion := entry.SchemaVersion
	if schemaVersion == "" {
		schemaVersion = storage.CurrentSchemaVersion
	}

	return &storage.Trace{
		ID:                   traceID,
		SchemaVersion:        schemaVersion,
		Timestamp:            time.Now(),
		Provider:             entry.Provider,
		Model:                entry.Model,
		Endpoint:             entry.Endpoint,
		Request:              req,
		Response:             resp,
		StatusCode:           entry.StatusCode,
		DurationMS:           entry.Duration.Milliseconds(),
		Error:                errMsg,
		PromptTokens:         usage.PromptTokens,
		CompletionTokens:     usage.CompletionTokens,
		TotalTokens:          usage.TotalTokens,
		SessionID:            entry.Session.SessionID,
		StepIndex:            entry.Session.StepIndex,
		StepID:               entry.Session.StepID,
		ParentTraceID:        entry.Session.ParentTraceID,
		ParentStepID:         entry.Session.ParentStepID,
		OrganizationID:       entry.Session.OrganizationID,
		ServiceID:            entry.Session.ServiceID,
		ReplayedFromCassette: entry.ReplayedFromCassette,
		CassetteFingerprint:  entry.CassetteFingerprint,
		FirstChunkLatencyMS:  entry.FirstChunkLatency.Milliseconds(),
		StreamDurationMS:     entry.StreamDuration.Milliseconds(),
		Streamed:             entry.Streamed,
		CreatedAt:            time.Now(),
	}
}

// estimateUsage approximates prompt/completion tokens with tiktoken's
// cl100k_base encoding when a provider's response carried no usage
// block (observed with some streaming Ollama/local setups).
func (r *Recorder) estimateUsage(model string, req, resp json.RawMessage) provider.ChatUsage {
	enc, err := r.encoding()
	if err != nil {
		r.logger.Warn("tiktoken encoding unavailable, skipping usage estimate", zap.Error(err))
		return provider.ChatUsage{}
	}

	prompt := len(enc.Encode(string(req), nil, nil))
	completion := len(enc.Encode(string(resp), nil, nil))
	return provider.ChatUsage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (r *Recorder) encoding() (*tiktoken.Tiktoken, error) {
	r.encMu.Lock()
	defer r.encMu.Unlock()
	if r.enc != nil {
		return r.enc, nil
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, err
	}
	r.enc = enc
	return enc, nil
}
