package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractAutoMintsSessionID(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	info := Extract(r, zap.NewNop())
	assert.NotEmpty(t, info.SessionID)
	assert.Equal(t, 0, info.StepIndex)
}

func TestExtractReadsAllHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	r.Header.Set(HeaderSessionID, "sess-1")
	r.Header.Set(HeaderStepIndex, "3")
	r.Header.Set(HeaderParentTraceID, "trace-0")
	r.Header.Set(HeaderOrganizationID, "org-1")

	info := Extract(r, zap.NewNop())
	assert.Equal(t, "sess-1", info.SessionID)
	assert.Equal(t, 3, info.StepIndex)
	assert.Equal(t, "trace-0", info.ParentTraceID)
	assert.Equal(t, "org-1", info.OrganizationID)
}

func TestExtractDropsMalformedStepIndex(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(HeaderStepIndex, "not-a-number")
	info := Extract(r, zap.NewNop())
	assert.Equal(t, 0, info.StepIndex)
}

func TestExtractDropsMalformedStateWithoutFailing(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set(HeaderState, "{not valid json")
	info := Extract(r, zap.NewNop())
	assert.Nil(t, info.State)
}

func TestWriteResponseHeadersEchoesNextStep(t *testing.T) {
	w := httptest.NewRecorder()
	info := Info{SessionID: "sess-1", StepIndex: 2}
	WriteResponseHeaders(w, info, "trace-99")

	require.Equal(t, "sess-1", w.Header().Get(HeaderResponseSessionID))
	assert.Equal(t, "trace-99", w.Header().Get(HeaderResponseTraceID))
	assert.Equal(t, "3", w.Header().Get(HeaderResponseNextStep))
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithInfo(context.Background(), Info{SessionID: "s1"})
	info, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "s1", info.SessionID)
}
