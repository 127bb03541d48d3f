// Package session extracts and propagates the X-TraceForge-* headers
// that bind a sequence of requests into one multi-step agent session.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderSessionID      = "X-TraceForge-Session-ID"
	HeaderStepIndex      = "X-TraceForge-Step-Index"
	HeaderParentTraceID  = "X-TraceForge-Parent-Trace-ID"
	HeaderStepID         = "X-TraceForge-Step-ID"
	HeaderParentStepID   = "X-TraceForge-Parent-Step-ID"
	HeaderOrganizationID = "X-TraceForge-Organization-ID"
	HeaderServiceID      = "X-TraceForge-Service-ID"
	HeaderState          = "X-TraceForge-State"

	HeaderResponseSessionID = "X-TraceForge-Session-ID"
	HeaderResponseTraceID   = "X-TraceForge-Trace-ID"
	HeaderResponseNextStep  = "X-TraceForge-Next-Step"
)

// Info is everything the gateway extracted from a request's session
// headers, with defaults already applied (auto-minted session id,
// zeroed step index).
type Info struct {
	SessionID      string
	StepIndex      int
	ParentTraceID  string
	StepID         string
	ParentStepID   string
	OrganizationID string
	ServiceID      string
	State          json.RawMessage
}

// Extract reads the session headers off r. A missing session id is
// auto-minted. A malformed X-TraceForge-State value is logged and
// dropped — it never fails the request.
func Extract(r *http.Request, logger *zap.Logger) Info {
	if logger == nil {
		logger = zap.NewNop()
	}
	info := Info{
		SessionID:      r.Header.Get(HeaderSessionID),
		ParentTraceID:  r.Header.Get(HeaderParentTraceID),
		StepID:         r.Header.Get(HeaderStepID),
		ParentStepID:   r.Header.Get(HeaderParentStepID),
		OrganizationID: r.Header.Get(HeaderOrganizationID),
		ServiceID:      r.Header.Get(HeaderServiceID),
	}

	if info.SessionID == "" {
		info.SessionID = uuid.NewString()
	}

	if raw := r.Header.Get(HeaderStepIndex); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			info.StepIndex = n
		} else {
			logger.Warn("dropping malformed step index header", zap.String("value", raw))
		}
	}

	if raw := r.Header.Get(HeaderState); raw != "" {
		var state json.RawMessage
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			logger.Warn("dropping malformed session state header", zap.Error(err))
		} else {
			info.State = state
		}
	}

	return info
}

// WriteResponseHeaders echoes the session/trace headers on every
// response, regardless of outcome.
func WriteResponseHeaders(w http.ResponseWriter, info Info, traceID string) {
	w.Header().Set(HeaderResponseSessionID, info.SessionID)
	if traceID != "" {
		w.Header().Set(HeaderResponseTraceID, traceID)
	}
	w.Header().Set(HeaderResponseNextStep, strconv.Itoa(info.StepIndex+1))
}

type contextKey int

const infoKey contextKey = iota

// WithInfo attaches Info to ctx.
func WithInfo(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext retrieves Info previously attached with WithInfo.
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(infoKey).(Info)
	return info, ok
}
