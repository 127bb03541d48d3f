// Package healthcheck serves the /health, /healthz, /ready, and /version
// endpoints the operator's load balancer and orchestrator poll.
package healthcheck

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check is a single named readiness probe (storage ping, upstream reachability).
type Check interface {
	Name() string
	Check(ctx context.Context) error
}

// Status is the JSON body returned by every endpoint in this package.
type Status struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Handler serves liveness and readiness probes, and tracks registered
// Checks consulted only by the readiness endpoint.
type Handler struct {
	logger *zap.Logger
	mu     sync.RWMutex
	checks []Check
}

func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger}
}

// Register adds a readiness Check consulted by HandleReady.
func (h *Handler) Register(c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// HandleHealth is the unconditional liveness probe: if the process can
// answer HTTP at all, it reports healthy.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{Status: "healthy", Timestamp: time.Now().UTC()})
}

// HandleReady runs every registered Check and reports 503 if any fails.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	h.mu.RLock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := Status{Status: "healthy", Timestamp: time.Now().UTC(), Checks: make(map[string]CheckResult, len(checks))}
	code := http.StatusOK
	for _, c := range checks {
		start := time.Now()
		err := c.Check(ctx)
		result := CheckResult{Status: "pass", Latency: time.Since(start).String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
			h.logger.Warn("readiness check failed", zap.String("check", c.Name()), zap.Error(err))
		}
		status.Checks[c.Name()] = result
	}
	writeJSON(w, code, status)
}

// HandleVersion returns a closure reporting the build-time version info.
func (h *Handler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BackendCheck adapts a storage ping into a Check.
type BackendCheck struct {
	NameStr string
	Ping    func(ctx context.Context) error
}

func (c *BackendCheck) Name() string                     { return c.NameStr }
func (c *BackendCheck) Check(ctx context.Context) error { return c.Ping(ctx) }
