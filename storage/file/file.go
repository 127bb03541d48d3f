// Package file implements the file-based storage.Backend: one JSON file
// per trace, written via temp-file-then-atomic-rename so a crash mid
// write never leaves a half-written trace file behind.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/traceforge/traceforge/storage"
)

// Backend persists traces and tests as individual JSON files under root.
type Backend struct {
	root     string
	testsDir string

	mu sync.Mutex // serializes directory listings against concurrent writers
}

// New creates a file backend rooted at dir, with tests stored under
// testsDir (often a sibling directory, per TRACEFORGE_TESTS_DIR).
func New(dir, testsDir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file backend: create traces dir: %w", err)
	}
	if testsDir != "" {
		if err := os.MkdirAll(testsDir, 0o755); err != nil {
			return nil, fmt.Errorf("file backend: create tests dir: %w", err)
		}
	}
	return &Backend{root: dir, testsDir: testsDir}, nil
}

func (b *Backend) tracePath(ts time.Time, id string) string {
	return filepath.Join(b.root, fmt.Sprintf("%s_%s.json", ts.UTC().Format(time.RFC3339Nano), id))
}

// writeAtomic writes data to dest via a temp file in the same directory
// followed by os.Rename, which is atomic on the same filesystem. This is
// the only write path the backend uses — a direct in-place write is
// never acceptable here, since a crash partway through would either
// corrupt an existing trace or leave a truncated one.
func writeAtomic(dir, dest string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".trace-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dest)
}

func (b *Backend) SaveTrace(ctx context.Context, t *storage.Trace) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	t.CreatedAt = time.Now().UTC()

	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("file backend: marshal trace: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// A previous save for the same id may exist under a different
	// timestamp-prefixed filename; find and replace it instead of
	// accumulating duplicates.
	if existing, ok := b.findTraceFile(t.ID); ok {
		if err := writeAtomic(b.root, existing, raw); err != nil {
			return err
		}
		return nil
	}
	return writeAtomic(b.root, b.tracePath(t.Timestamp, t.ID), raw)
}

func (b *Backend) findTraceFile(id string) (string, bool) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return "", false
	}
	suffix := "_" + id + ".json"
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			return filepath.Join(b.root, e.Name()), true
		}
	}
	return "", false
}

func (b *Backend) GetTrace(ctx context.Context, id string) (*storage.Trace, error) {
	b.mu.Lock()
	path, ok := b.findTraceFile(id)
	b.mu.Unlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t storage.Trace
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *Backend) allTraces() ([]storage.Trace, error) {
	b.mu.Lock()
	entries, err := os.ReadDir(b.root)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []storage.Trace
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.root, e.Name()))
		if err != nil {
			continue
		}
		var t storage.Trace
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func matchesFilter(t storage.Trace, f storage.Filter) bool {
	if f.Model != "" && t.Model != f.Model {
		return false
	}
	if f.HasStatus && t.StatusCode != f.Status {
		return false
	}
	if !f.DateFrom.IsZero() && t.Timestamp.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && t.Timestamp.After(f.DateTo) {
		return false
	}
	return true
}

func (b *Backend) ListTraces(ctx context.Context, opts storage.ListOptions) ([]storage.Trace, error) {
	all, err := b.allTraces()
	if err != nil {
		return nil, err
	}
	filtered := all[:0:0]
	for _, t := range all {
		if matchesFilter(t, opts.Filter) {
			filtered = append(filtered, t)
		}
	}

	sortField := opts.SortBy
	if sortField == "" {
		sortField = storage.SortByTimestamp
	}
	desc := opts.SortOrder != storage.SortAsc

	less := func(i, j int) bool {
		switch sortField {
		case storage.SortByDuration:
			return filtered[i].DurationMS < filtered[j].DurationMS
		case storage.SortByModel:
			return filtered[i].Model < filtered[j].Model
		default:
			return filtered[i].Timestamp.Before(filtered[j].Timestamp)
		}
	}
	if desc {
		sort.Slice(filtered, func(i, j int) bool { return less(j, i) })
	} else {
		sort.Slice(filtered, func(i, j int) bool { return less(i, j) })
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(filtered) {
		return []storage.Trace{}, nil
	}
	end := offset + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end], nil
}

func (b *Backend) DeleteTrace(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path, ok := b.findTraceFile(id)
	if !ok {
		return storage.ErrNotFound
	}
	return os.Remove(path)
}

func (b *Backend) CountTraces(ctx context.Context, f storage.Filter) (int, error) {
	all, err := b.allTraces()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range all {
		if matchesFilter(t, f) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) ListTracesBySession(ctx context.Context, sessionID string) ([]storage.Trace, error) {
	all, err := b.allTraces()
	if err != nil {
		return nil, err
	}
	var out []storage.Trace
	for _, t := range all {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
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
		SessionID:    sessionID,
		StepCount:    len(traces),
		FirstSeen:    traces[0].Timestamp,
		LastSeen:     traces[0].Timestamp,
		Organization: traces[0].OrganizationID,
		Service:      traces[0].ServiceID,
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

func (b *Backend) testPath(id string) string {
	return filepath.Join(b.testsDir, id+".json")
}

func (b *Backend) SaveTest(ctx context.Context, t *storage.Test) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(b.testsDir, b.testPath(t.ID), raw)
}

func (b *Backend) GetTest(ctx context.Context, id string) (*storage.Test, error) {
	raw, err := os.ReadFile(b.testPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var t storage.Test
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (b *Backend) ListTests(ctx context.Context) ([]storage.Test, error) {
	entries, err := os.ReadDir(b.testsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []storage.Test
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.testsDir, e.Name()))
		if err != nil {
			continue
		}
		var t storage.Test
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (b *Backend) DeleteTest(ctx context.Context, id string) error {
	err := os.Remove(b.testPath(id))
	if os.IsNotExist(err) {
		return storage.ErrNotFound
	}
	return err
}

func (b *Backend) Cleanup(ctx context.Context, maxAge *time.Duration, maxCount *int) (int, error) {
	all, err := b.allTraces()
	if err != nil {
		return 0, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	toDelete := map[string]bool{}
	if maxAge != nil {
		cutoff := time.Now().Add(-*maxAge)
		for _, t := range all {
			if t.Timestamp.Before(cutoff) {
				toDelete[t.ID] = true
			}
		}
	}
	if maxCount != nil && *maxCount >= 0 && len(all) > *maxCount {
		for _, t := range all[*maxCount:] {
			toDelete[t.ID] = true
		}
	}

	deleted := 0
	for id := range toDelete {
		if err := b.DeleteTrace(ctx, id); err == nil {
			deleted++
		}
	}
	return deleted, nil
}

func (b *Backend) Close() error { return nil }
