// Package retention runs the storage cleanup policy (max age, max count)
// on an interval and on demand.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/traceforge/traceforge/storage"
)

// Config mirrors the TRACEFORGE_RETENTION_* / TRACEFORGE_MAX_TRACE_*
// environment variables.
type Config struct {
	Enabled         bool
	MaxAge          *time.Duration
	MaxCount        *int
	CleanupInterval time.Duration
}

// Manager periodically invokes storage.Backend.Cleanup.
type Manager struct {
	backend storage.Backend
	cfg     Config
	logger  *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func New(backend storage.Backend, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	return &Manager{backend: backend, cfg: cfg, logger: logger, stop: make(chan struct{}), done: make(chan struct{})}
}

// RunOnce performs a single cleanup pass and returns the number of
// traces deleted. Safe to call even when cfg.Enabled is false (e.g. from
// an admin endpoint).
func (m *Manager) RunOnce(ctx context.Context) (int, error) {
	n, err := m.backend.Cleanup(ctx, m.cfg.MaxAge, m.cfg.MaxCount)
	if err != nil {
		m.logger.Error("retention cleanup failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		m.logger.Info("retention cleanup removed traces", zap.Int("deleted", n))
	}
	return n, nil
}

// Start launches the background cleanup loop. No-op if cfg.Enabled is
// false. Call Stop to terminate it.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		close(m.done)
		return
	}
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				_, _ = m.RunOnce(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}
