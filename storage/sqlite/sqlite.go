// Package sqlite implements the indexed storage.Backend on top of a
// single embedded SQLite database file, with an FTS5 full-text index
// kept in sync via triggers and a redaction_audit side table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/traceforge/traceforge/internal/database"
	"github.com/traceforge/traceforge/redact"
	"github.com/traceforge/traceforge/storage"
)

// Backend is the SQLite-backed storage.Backend + storage.Searcher.
type Backend struct {
	db   *gorm.DB
	pool *database.PoolManager
}

// Open opens (creating if necessary) the database file at path, applies
// the base schema, and wires the FTS5 companion index and its triggers.
func Open(path string, zlog *zap.Logger) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("sqlite backend: %s: %w", pragma, err)
		}
	}

	if err := db.AutoMigrate(&traceRow{}, &testRow{}, &redactionAuditRow{}); err != nil {
		return nil, fmt.Errorf("sqlite backend: automigrate: %w", err)
	}

	if err := ensureFTS(db); err != nil {
		return nil, fmt.Errorf("sqlite backend: fts setup: %w", err)
	}

	// A single SQLite file effectively serializes writers regardless of
	// pool size; keep the pool small and rely on WAL for reader
	// concurrency.
	pool, err := database.NewPoolManager(db, database.DefaultPoolConfig(), zlog)
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: pool: %w", err)
	}

	return &Backend{db: db, pool: pool}, nil
}

// OpenDB wraps an already-open *sql.DB (used by tests against
// DATA-DOG/go-sqlmock, which cannot satisfy gorm's migrator).
func OpenDB(sqlDB *sql.DB) (*Backend, error) {
	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	return &Backend{db: db}, nil
}

func ensureFTS(db *gorm.DB) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS traces_fts USING fts5(
			endpoint, request, response, model,
			content='traces', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS traces_fts_ai AFTER INSERT ON traces BEGIN
			INSERT INTO traces_fts(rowid, endpoint, request, response, model)
			VALUES (new.rowid, new.endpoint, new.request, new.response, new.model);
		END`,
		`CREATE TRIGGER IF NOT EXISTS traces_fts_ad AFTER DELETE ON traces BEGIN
			INSERT INTO traces_fts(traces_fts, rowid, endpoint, request, response, model)
			VALUES ('delete', old.rowid, old.endpoint, old.request, old.response, old.model);
		END`,
		`CREATE TRIGGER IF NOT EXISTS traces_fts_au AFTER UPDATE ON traces BEGIN
			INSERT INTO traces_fts(traces_fts, rowid, endpoint, request, response, model)
			VALUES ('delete', old.rowid, old.endpoint, old.request, old.response, old.model);
			INSERT INTO traces_fts(rowid, endpoint, request, response, model)
			VALUES (new.rowid, new.endpoint, new.request, new.response, new.model);
		END`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return err
		}
	}
	return nil
}

func toRow(t *storage.Trace) *traceRow {
	return &traceRow{
		ID:                   t.ID,
		SchemaVersion:        t.SchemaVersion,
		Timestamp:            t.Timestamp,
		Provider:             t.Provider,
		Model:                t.Model,
		Endpoint:             t.Endpoint,
		Request:              string(t.Request),
		Response:             string(t.Response),
		StatusCode:           t.StatusCode,
		DurationMS:           t.DurationMS,
		Error:                t.Error,
		PromptTokens:         t.PromptTokens,
		CompletionTokens:     t.CompletionTokens,
		TotalTokens:          t.TotalTokens,
		SessionID:            t.SessionID,
		StepIndex:            t.StepIndex,
		StepID:               t.StepID,
		ParentTraceID:        t.ParentTraceID,
		ParentStepID:         t.ParentStepID,
		OrganizationID:       t.OrganizationID,
		ServiceID:            t.ServiceID,
		ReplayedFromCassette: t.ReplayedFromCassette,
		CassetteFingerprint:  t.CassetteFingerprint,
		FirstChunkLatencyMS:  t.FirstChunkLatencyMS,
		StreamDurationMS:     t.StreamDurationMS,
		Streamed:             t.Streamed,
		CreatedAt:            t.CreatedAt,
	}
}

func fromRow(r *traceRow) storage.Trace {
	return storage.Trace{
		ID: r.ID, SchemaVersion: r.SchemaVersion, Timestamp: r.Timestamp, Provider: r.Provider, Model: r.Model,
		Endpoint: r.Endpoint, Request: json.RawMessage(r.Request), Response: json.RawMessage(r.Response),
		StatusCode: r.StatusCode, DurationMS: r.DurationMS, Error: r.Error,
		PromptTokens: r.PromptTokens, CompletionTokens: r.CompletionTokens, TotalTokens: r.TotalTokens,
		SessionID: r.SessionID, StepIndex: r.StepIndex, StepID: r.StepID,
		ParentTraceID: r.ParentTraceID, ParentStepID: r.ParentStepID,
		OrganizationID: r.OrganizationID, ServiceID: r.ServiceID,
		ReplayedFromCassette: r.ReplayedFromCassette, CassetteFingerprint: r.CassetteFingerprint,
		FirstChunkLatencyMS: r.FirstChunkLatencyMS, StreamDurationMS: r.StreamDurationMS, Streamed: r.Streamed,
		CreatedAt: r.CreatedAt,
	}
}

func (b *Backend) SaveTrace(ctx context.Context, t *storage.Trace) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	t.CreatedAt = time.Now().UTC()
	row := toRow(t)

	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (b *Backend) GetTrace(ctx context.Context, id string) (*storage.Trace, error) {
	var row traceRow
	err := b.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := fromRow(&row)
	return &out, nil
}

func applyFilter(q *gorm.DB, f storage.Filter) *gorm.DB {
	if f.Model != "" {
		q = q.Where("model = ?", f.Model)
	}
	if f.HasStatus {
		q = q.Where("status_code = ?", f.Status)
	}
	if !f.DateFrom.IsZero() {
		q = q.Where("timestamp >= ?", f.DateFrom)
	}
	if !f.DateTo.IsZero() {
		q = q.Where("timestamp <= ?", f.DateTo)
	}
	return q
}

func (b *Backend) ListTraces(ctx context.Context, opts storage.ListOptions) ([]storage.Trace, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	sortCol := "timestamp"
	switch opts.SortBy {
	case storage.SortByDuration:
		sortCol = "duration_ms"
	case storage.SortByModel:
		sortCol = "model"
	}
	order := "DESC"
	if opts.SortOrder == storage.SortAsc {
		order = "ASC"
	}

	q := applyFilter(b.db.WithContext(ctx).Model(&traceRow{}), opts.Filter)
	var rows []traceRow
	if err := q.Order(fmt.Sprintf("%s %s", sortCol, order)).Limit(limit).Offset(opts.Offset).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Trace, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

func (b *Backend) DeleteTrace(ctx context.Context, id string) error {
	res := b.db.WithContext(ctx).Where("id = ?", id).Delete(&traceRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) CountTraces(ctx context.Context, f storage.Filter) (int, error) {
	var n int64
	q := applyFilter(b.db.WithContext(ctx).Model(&traceRow{}), f)
	if err := q.Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *Backend) ListTracesBySession(ctx context.Context, sessionID string) ([]storage.Trace, error) {
	var rows []traceRow
	if err := b.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("step_index ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Trace, len(rows))
	for i := range rows {
		out[i] = fromRow(&rows[i])
	}
	return out, nil
}

func (b *Backend) SessionMetadata(ctx context.Context, sessionID string) (*storage.SessionMetadata, error) {
	traces, err := b.ListTracesBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(traces) == 0 {
		return nil, storage.ErrNotFound
	}
	meta := &storage.SessionMetadata{
		SessionID: sessionID, StepCount: len(traces),
		FirstSeen: traces[0].Timestamp, LastSeen: traces[0].Timestamp,
		Organization: traces[0].OrganizationID, Service: traces[0].ServiceID,
	}
	for _, t := range traces {
		if t.Timestamp.Before(meta.FirstSeen) {
			meta.FirstSeen = t.Timestamp
		}
		if t.Timestamp.After(meta.LastSeen) {
			meta.LastSeen = t.Timestamp
		}
	}
	return meta, nil
}

func (b *Backend) SaveTest(ctx context.Context, t *storage.Test) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	row := &testRow{ID: t.ID, Name: t.Name, Request: string(t.Request), Expected: string(t.Expected), CreatedAt: t.CreatedAt}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(row).Error
}

func (b *Backend) GetTest(ctx context.Context, id string) (*storage.Test, error) {
	var row testRow
	err := b.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &storage.Test{ID: row.ID, Name: row.Name, Request: json.RawMessage(row.Request), Expected: json.RawMessage(row.Expected), CreatedAt: row.CreatedAt}, nil
}

func (b *Backend) ListTests(ctx context.Context) ([]storage.Test, error) {
	var rows []testRow
	if err := b.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]storage.Test, len(rows))
	for i, r := range rows {
		out[i] = storage.Test{ID: r.ID, Name: r.Name, Request: json.RawMessage(r.Request), Expected: json.RawMessage(r.Expected), CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (b *Backend) DeleteTest(ctx context.Context, id string) error {
	res := b.db.WithContext(ctx).Where("id = ?", id).Delete(&testRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, maxAge *time.Duration, maxCount *int) (int, error) {
	deleted := 0
	if maxAge != nil {
		cutoff := time.Now().Add(-*maxAge)
		res := b.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&traceRow{})
		if res.Error != nil {
			return deleted, res.Error
		}
		deleted += int(res.RowsAffected)
	}
	if maxCount != nil {
		var total int64
		if err := b.db.WithContext(ctx).Model(&traceRow{}).Count(&total).Error; err != nil {
			return deleted, err
		}
		if int(total) > *maxCount {
			var keepIDs []string
			if err := b.db.WithContext(ctx).Model(&traceRow{}).
				Order("timestamp DESC").Limit(*maxCount).Pluck("id", &keepIDs).Error; err != nil {
				return deleted, err
			}
			res := b.db.WithContext(ctx).Where("id NOT IN ?", keepIDs).Delete(&traceRow{})
			if res.Error != nil {
				return deleted, res.Error
			}
			deleted += int(res.RowsAffected)
		}
	}
	return deleted, nil
}

// SaveRedactionAudits persists the audit trail produced by redact.Redactor
// for a given trace.
func (b *Backend) SaveRedactionAudits(ctx context.Context, audits []redact.Audit) error {
	if len(audits) == 0 {
		return nil
	}
	rows := make([]redactionAuditRow, len(audits))
	for i, a := range audits {
		rows[i] = redactionAuditRow{
			TraceID: a.TraceID, FieldPath: a.FieldPath, HashOfMasked: a.HashOfMasked,
			RedactionType: string(a.RedactionType), Timestamp: a.Timestamp, User: a.User, Reversible: a.Reversible,
		}
	}
	return b.db.WithContext(ctx).Create(&rows).Error
}

func (b *Backend) Search(ctx context.Context, query string, limit int) ([]storage.SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	type hit struct {
		traceRow
		Rank float64
	}
	var hits []hit
	err := b.db.WithContext(ctx).Raw(`
		SELECT traces.*, bm25(traces_fts) AS rank
		FROM traces_fts
		JOIN traces ON traces.rowid = traces_fts.rowid
		WHERE traces_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit).Scan(&hits).Error
	if err != nil {
		return nil, err
	}
	out := make([]storage.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = storage.SearchResult{Trace: fromRow(&h.traceRow), Rank: h.Rank}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

func (b *Backend) SearchCount(ctx context.Context, query string) (int, error) {
	var n int64
	err := b.db.WithContext(ctx).Raw(`SELECT count(*) FROM traces_fts WHERE traces_fts MATCH ?`, query).Scan(&n).Error
	return int(n), err
}

func (b *Backend) SearchSuggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	var models []string
	err := b.db.WithContext(ctx).Model(&traceRow{}).
		Distinct("model").Where("model LIKE ?", prefix+"%").Limit(limit).Pluck("model", &models).Error
	return models, err
}

// Ping reports whether the underlying database connection is reachable,
// for use as a readiness check.
func (b *Backend) Ping(ctx context.Context) error {
	if b.pool != nil {
		return b.pool.Ping(ctx)
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PoolStats reports connection pool utilization for metrics/diagnostics.
func (b *Backend) PoolStats() database.PoolStats {
	if b.pool == nil {
		return database.PoolStats{}
	}
	return b.pool.GetStats()
}

func (b *Backend) Close() error {
	if b.pool != nil {
		return b.pool.Close()
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
