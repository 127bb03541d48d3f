package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/traceforge/traceforge/storage"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traces.db")
	b, err := Open(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteSaveAndGetTrace(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	tr := &storage.Trace{
		Provider: "openai", Model: "gpt-4o", Endpoint: "/v1/chat/completions",
		Request: json.RawMessage(`{"messages":[{"role":"user","content":"hello world"}]}`),
		Response: json.RawMessage(`{"choices":[{"message":{"content":"hi there"}}]}`),
		StatusCode: 200,
	}
	require.NoError(t, b.SaveTrace(ctx, tr))

	got, err := b.GetTrace(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", got.Model)
}

func TestSQLiteSaveTraceUpsertsOnDuplicateID(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	tr := &storage.Trace{ID: "dup-1", Provider: "openai", Model: "gpt-4o"}
	require.NoError(t, b.SaveTrace(ctx, tr))
	tr.Model = "gpt-4o-mini"
	require.NoError(t, b.SaveTrace(ctx, tr))

	n, err := b.CountTraces(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := b.GetTrace(ctx, "dup-1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", got.Model)
}

func TestSQLiteListTracesSortAndFilter(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveTrace(ctx, &storage.Trace{Provider: "openai", Model: "gpt-4o", DurationMS: 100}))
	require.NoError(t, b.SaveTrace(ctx, &storage.Trace{Provider: "anthropic", Model: "claude-3-opus", DurationMS: 50}))

	opts := storage.DefaultListOptions()
	opts.SortBy = storage.SortByDuration
	opts.SortOrder = storage.SortAsc
	got, err := b.ListTraces(ctx, opts)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "claude-3-opus", got[0].Model)
}

func TestSQLiteFullTextSearch(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SaveTrace(ctx, &storage.Trace{
		Provider: "openai", Model: "gpt-4o", Endpoint: "/v1/chat/completions",
		Request:  json.RawMessage(`{"messages":[{"role":"user","content":"tell me about kubernetes networking"}]}`),
		Response: json.RawMessage(`{"choices":[{"message":{"content":"kubernetes uses a flat network model"}}]}`),
	}))
	require.NoError(t, b.SaveTrace(ctx, &storage.Trace{
		Provider: "openai", Model: "gpt-4o",
		Request:  json.RawMessage(`{"messages":[{"role":"user","content":"write a haiku about the ocean"}]}`),
		Response: json.RawMessage(`{"choices":[{"message":{"content":"waves crash on the shore"}}]}`),
	}))

	results, err := b.Search(ctx, "kubernetes", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSQLiteCleanupMaxCount(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.SaveTrace(ctx, &storage.Trace{Provider: "openai", Model: "gpt-4o"}))
	}
	maxCount := 1
	deleted, err := b.Cleanup(ctx, nil, &maxCount)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	n, err := b.CountTraces(ctx, storage.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteTestFixtureCRUD(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	tc := &storage.Test{Name: "openai-basic", Request: json.RawMessage(`{"model":"gpt-4o"}`)}
	require.NoError(t, b.SaveTest(ctx, tc))

	got, err := b.GetTest(ctx, tc.ID)
	require.NoError(t, err)
	assert.Equal(t, "openai-basic", got.Name)

	require.NoError(t, b.DeleteTest(ctx, tc.ID))
	_, err = b.GetTest(ctx, tc.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSQLitePingAndPoolStats(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))

	stats := b.PoolStats()
	assert.Equal(t, 1, stats.MaxOpenConnections)
}
