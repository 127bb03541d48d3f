package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockCheck struct {
	name string
	err  error
}

func (m *mockCheck) Name() string                     { return m.name }
func (m *mockCheck) Check(ctx context.Context) error { return m.err }

func TestHandleHealth(t *testing.T) {
	h := NewHandler(zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.HandleHealth(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestHandleReady_AllPass(t *testing.T) {
	h := NewHandler(zap.NewNop())
	h.Register(&mockCheck{name: "storage"})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ready", nil)
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var status Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "pass", status.Checks["storage"].Status)
}

func TestHandleReady_OneFails(t *testing.T) {
	h := NewHandler(zap.NewNop())
	h.Register(&mockCheck{name: "storage"})
	h.Register(&mockCheck{name: "upstream", err: errors.New("boom")})

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ready", nil)
	h.HandleReady(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["upstream"].Status)
	assert.Equal(t, "boom", status.Checks["upstream"].Message)
}

func TestHandleVersion(t *testing.T) {
	h := NewHandler(zap.NewNop())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/version", nil)
	h.HandleVersion("1.2.3", "2026-08-01", "abc123")(w, r)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "1.2.3", body["version"])
	assert.Equal(t, "abc123", body["git_commit"])
}

func TestBackendCheck(t *testing.T) {
	c := &BackendCheck{NameStr: "sqlite", Ping: func(ctx context.Context) error { return nil }}
	assert.Equal(t, "sqlite", c.Name())
	assert.NoError(t, c.Check(context.Background()))
}
