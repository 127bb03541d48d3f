// Package storage defines the trace/test persistence contract shared by
// the file-based and SQLite-indexed backends, plus the fallback Manager
// that wraps them with retries.
package storage

import (
	"context"
	"encoding/json"
	"time"
)

// CurrentSchemaVersion is the schema_version stamped onto a trace when
// the caller didn't already carry one forward (e.g. from a replayed or
// migrated record).
const CurrentSchemaVersion = "1.0"

// Trace is a single recorded proxy exchange.
type Trace struct {
	ID            string          `json:"id"`
	SchemaVersion string          `json:"schema_version"`
	Timestamp     time.Time       `json:"timestamp"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Endpoint   string          `json:"endpoint"`
	Request    json.RawMessage `json:"request"`
	Response   json.RawMessage `json:"response"`
	StatusCode int             `json:"status_code"`
	DurationMS int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	SessionID     string `json:"session_id,omitempty"`
	StepIndex     int    `json:"step_index,omitempty"`
	StepID        string `json:"step_id,omitempty"`
	ParentTraceID string `json:"parent_trace_id,omitempty"`
	ParentStepID  string `json:"parent_step_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	ServiceID     string `json:"service_id,omitempty"`

	ReplayedFromCassette bool   `json:"replayed_from_cassette,omitempty"`
	CassetteFingerprint  string `json:"cassette_fingerprint,omitempty"`

	FirstChunkLatencyMS int64 `json:"first_chunk_latency_ms,omitempty"`
	StreamDurationMS    int64 `json:"stream_duration_ms,omitempty"`
	Streamed            bool  `json:"streamed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Test is a saved request/expectation fixture, independent of recorded
// traces, used for regression checks against cassettes.
type Test struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Request   json.RawMessage `json:"request"`
	Expected  json.RawMessage `json:"expected,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SortField enumerates ListOptions.SortBy values.
type SortField string

const (
	SortByTimestamp SortField = "timestamp"
	SortByDuration  SortField = "duration"
	SortByModel     SortField = "model"
)

// SortOrder enumerates ListOptions.SortOrder values.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Filter narrows ListTraces results.
type Filter struct {
	Model    string
	Status   int
	HasStatus bool
	DateFrom time.Time
	DateTo   time.Time
}

// ListOptions controls pagination, sorting, and filtering for ListTraces.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    SortField
	SortOrder SortOrder
	Filter    Filter
}

// DefaultListOptions matches spec.md's defaults (limit 100, offset 0).
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 100, Offset: 0, SortBy: SortByTimestamp, SortOrder: SortDesc}
}

// SessionMetadata summarizes a session for ListTracesBySession callers.
type SessionMetadata struct {
	SessionID    string    `json:"session_id"`
	StepCount    int       `json:"step_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	Organization string    `json:"organization_id,omitempty"`
	Service      string    `json:"service_id,omitempty"`
}

// SearchResult is one hit from Backend.Search.
type SearchResult struct {
	Trace Trace   `json:"trace"`
	Rank  float64 `json:"rank"`
}

// Backend is the storage contract implemented by the file and SQLite
// backends (and composed by Manager).
type Backend interface {
	SaveTrace(ctx context.Context, t *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	ListTraces(ctx context.Context, opts ListOptions) ([]Trace, error)
	DeleteTrace(ctx context.Context, id string) error
	CountTraces(ctx context.Context, f Filter) (int, error)

	ListTracesBySession(ctx context.Context, sessionID string) ([]Trace, error)
	SessionMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error)

	SaveTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]Test, error)
	DeleteTest(ctx context.Context, id string) error

	// Cleanup enforces retention: maxAge (if non-nil) drops traces older
	// than now-maxAge; maxCount (if non-nil) keeps only the most recent
	// maxCount traces. Returns the number of traces deleted.
	Cleanup(ctx context.Context, maxAge *time.Duration, maxCount *int) (int, error)

	Close() error
}

// Searcher is optionally implemented by backends that support full-text
// search (the SQLite backend, via its FTS5 companion index).
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	SearchCount(ctx context.Context, query string) (int, error)
	SearchSuggest(ctx context.Context, prefix string, limit int) ([]string, error)
}

// ErrNotFound is returned by Get{Trace,Test} when the id does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }
