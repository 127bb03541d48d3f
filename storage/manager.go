package storage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ManagerConfig controls the primary+fallback retry policy.
type ManagerConfig struct {
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultManagerConfig matches spec.md's documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{RetryAttempts: 3, RetryDelay: 200 * time.Millisecond}
}

// Manager wraps a primary Backend with an ordered list of fallbacks.
// Writes retry against the primary RetryAttempts times with a linear
// RetryDelay between attempts before falling over to the next backend in
// Fallbacks; once a fallback has served a write, Manager does not also
// try to replay that same write back onto the primary.
type Manager struct {
	primary   Backend
	fallbacks []Backend
	cfg       ManagerConfig
	logger    *zap.Logger
}

func NewManager(primary Backend, fallbacks []Backend, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	return &Manager{primary: primary, fallbacks: fallbacks, cfg: cfg, logger: logger}
}

// withFallback runs op against the primary (retried per cfg), then each
// fallback in order, returning the first success.
func (m *Manager) withFallback(ctx context.Context, op func(Backend) error) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.RetryAttempts; attempt++ {
		if err := op(m.primary); err == nil {
			return nil
		} else {
			lastErr = err
			m.logger.Warn("storage: primary backend op failed",
				zap.Int("attempt", attempt+1), zap.Error(err))
		}
		if attempt < m.cfg.RetryAttempts-1 {
			time.Sleep(m.cfg.RetryDelay * time.Duration(attempt+1))
		}
	}

	for i, fb := range m.fallbacks {
		if err := op(fb); err == nil {
			m.logger.Warn("storage: served by fallback backend", zap.Int("fallback_index", i))
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (m *Manager) SaveTrace(ctx context.Context, t *Trace) error {
	return m.withFallback(ctx, func(b Backend) error { return b.SaveTrace(ctx, t) })
}

func (m *Manager) GetTrace(ctx context.Context, id string) (*Trace, error) {
	var out *Trace
	err := m.withFallback(ctx, func(b Backend) error {
		t, err := b.GetTrace(ctx, id)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (m *Manager) ListTraces(ctx context.Context, opts ListOptions) ([]Trace, error) {
	var out []Trace
	err := m.withFallback(ctx, func(b Backend) error {
		t, err := b.ListTraces(ctx, opts)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (m *Manager) DeleteTrace(ctx context.Context, id string) error {
	return m.withFallback(ctx, func(b Backend) error { return b.DeleteTrace(ctx, id) })
}

func (m *Manager) CountTraces(ctx context.Context, f Filter) (int, error) {
	var n int
	err := m.withFallback(ctx, func(b Backend) error {
		c, err := b.CountTraces(ctx, f)
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

func (m *Manager) ListTracesBySession(ctx context.Context, sessionID string) ([]Trace, error) {
	var out []Trace
	err := m.withFallback(ctx, func(b Backend) error {
		t, err := b.ListTracesBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (m *Manager) SessionMetadata(ctx context.Context, sessionID string) (*SessionMetadata, error) {
	var out *SessionMetadata
	err := m.withFallback(ctx, func(b Backend) error {
		meta, err := b.SessionMetadata(ctx, sessionID)
		if err != nil {
			return err
		}
		out = meta
		return nil
	})
	return out, err
}

func (m *Manager) SaveTest(ctx context.Context, t *Test) error {
	return m.withFallback(ctx, func(b Backend) error { return b.SaveTest(ctx, t) })
}

func (m *Manager) GetTest(ctx context.Context, id string) (*Test, error) {
	var out *Test
	err := m.withFallback(ctx, func(b Backend) error {
		t, err := b.GetTest(ctx, id)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (m *Manager) ListTests(ctx context.Context) ([]Test, error) {
	var out []Test
	err := m.withFallback(ctx, func(b Backend) error {
		t, err := b.ListTests(ctx)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (m *Manager) DeleteTest(ctx context.Context, id string) error {
	return m.withFallback(ctx, func(b Backend) error { return b.DeleteTest(ctx, id) })
}

func (m *Manager) Cleanup(ctx context.Context, maxAge *time.Duration, maxCount *int) (int, error) {
	var n int
	err := m.withFallback(ctx, func(b Backend) error {
		c, err := b.Cleanup(ctx, maxAge, maxCount)
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

func (m *Manager) Close() error {
	err := m.primary.Close()
	for _, fb := range m.fallbacks {
		if fbErr := fb.Close(); fbErr != nil && err == nil {
			err = fbErr
		}
	}
	return err
}

var _ Backend = (*Manager)(nil)
