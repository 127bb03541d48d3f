package sqlite

import "time"

// traceRow is the GORM model backing the traces table. RowID is the
// table's real integer rowid, kept distinct from the trace's public
// string ID so the FTS5 companion index (which requires an integer
// content_rowid) can reference it directly.
type traceRow struct {
	RowID         int64     `gorm:"column:rowid;primaryKey;autoIncrement"`
	ID            string    `gorm:"column:id;uniqueIndex:idx_traces_id"`
	SchemaVersion string    `gorm:"column:schema_version"`
	Timestamp     time.Time `gorm:"column:timestamp;index:idx_traces_timestamp"`
	Provider      string    `gorm:"column:provider"`
	Model      string    `gorm:"column:model;index:idx_traces_model"`
	Endpoint   string    `gorm:"column:endpoint"`
	Request    string    `gorm:"column:request"`
	Response   string    `gorm:"column:response"`
	StatusCode int       `gorm:"column:status_code;index:idx_traces_status"`
	DurationMS int64     `gorm:"column:duration_ms"`
	Error      string    `gorm:"column:error"`

	PromptTokens     int `gorm:"column:prompt_tokens"`
	CompletionTokens int `gorm:"column:completion_tokens"`
	TotalTokens      int `gorm:"column:total_tokens"`

	SessionID      string `gorm:"column:session_id;index:idx_traces_session"`
	StepIndex      int    `gorm:"column:step_index;index:idx_traces_session_step,priority:2"`
	StepID         string `gorm:"column:step_id"`
	ParentTraceID  string `gorm:"column:parent_trace_id"`
	ParentStepID   string `gorm:"column:parent_step_id"`
	OrganizationID string `gorm:"column:organization_id"`
	ServiceID      string `gorm:"column:service_id"`

	ReplayedFromCassette bool   `gorm:"column:replayed_from_cassette"`
	CassetteFingerprint  string `gorm:"column:cassette_fingerprint"`

	FirstChunkLatencyMS int64 `gorm:"column:first_chunk_latency_ms"`
	StreamDurationMS    int64 `gorm:"column:stream_duration_ms"`
	Streamed            bool  `gorm:"column:streamed"`

	CreatedAt time.Time `gorm:"column:created_at;index:idx_traces_created_at"`
}

func (traceRow) TableName() string { return "traces" }

type testRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Name      string    `gorm:"column:name"`
	Request   string    `gorm:"column:request"`
	Expected  string    `gorm:"column:expected"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (testRow) TableName() string { return "tests" }

type redactionAuditRow struct {
	RowID         int64     `gorm:"column:rowid;primaryKey;autoIncrement"`
	TraceID       string    `gorm:"column:trace_id;index:idx_redaction_trace"`
	FieldPath     string    `gorm:"column:field_path"`
	HashOfMasked  string    `gorm:"column:hash_of_masked_value"`
	RedactionType string    `gorm:"column:redaction_type"`
	Timestamp     time.Time `gorm:"column:timestamp"`
	User          string    `gorm:"column:user"`
	Reversible    bool      `gorm:"column:reversible"`
}

func (redactionAuditRow) TableName() string { return "redaction_audit" }
