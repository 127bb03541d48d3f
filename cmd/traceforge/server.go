// Package main wires TraceForge's packages into a runnable proxy binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/traceforge/traceforge/breaker"
	"github.com/traceforge/traceforge/config"
	"github.com/traceforge/traceforge/gateway"
	"github.com/traceforge/traceforge/internal/healthcheck"
	"github.com/traceforge/traceforge/internal/metrics"
	"github.com/traceforge/traceforge/internal/server"
	"github.com/traceforge/traceforge/internal/telemetry"
	"github.com/traceforge/traceforge/provider/anthropic"
	"github.com/traceforge/traceforge/provider/gemini"
	"github.com/traceforge/traceforge/provider/ollama"
	"github.com/traceforge/traceforge/provider/openai"
	"github.com/traceforge/traceforge/ratelimit"
	"github.com/traceforge/traceforge/redact"
	"github.com/traceforge/traceforge/retention"
	"github.com/traceforge/traceforge/router"
	"github.com/traceforge/traceforge/storage"
	"github.com/traceforge/traceforge/storage/file"
	"github.com/traceforge/traceforge/storage/sqlite"
	"github.com/traceforge/traceforge/trace"
	"github.com/traceforge/traceforge/vcr"
)

// Server is TraceForge's process: an HTTP gateway server, a separate
// metrics server, and the background retention sweeper.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	collector *metrics.Collector
	telemetry *telemetry.Providers
	retention *retention.Manager
	backend   storage.Backend
	cb        breaker.Breaker

	healthHandler *healthcheck.Handler
	startedAt     time.Time
}

// NewServer wires every package named in the gateway's request path.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger, startedAt: time.Now()}

	backend, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	s.backend = backend

	s.cb = breaker.New(&breaker.Config{
		Threshold:              cfg.Storage.BreakerThreshold,
		ResetTimeout:           cfg.Storage.BreakerResetTimeout,
		HalfOpenFailurePreload: breaker.DefaultConfig().HalfOpenFailurePreload,
	}, logger)

	redactor := redact.New(redact.Config{
		FieldNames:   cfg.Redact.FieldNames,
		HeaderKeys:   cfg.Redact.HeaderKeys,
		Placeholder:  cfg.Redact.Placeholder,
		ScanPatterns: cfg.Redact.ScanPatterns,
	})

	recorder := trace.New(backend, s.cb, redactor, logger)

	vcrMode := vcr.Mode(cfg.VCR.Mode)
	matchMode := vcr.MatchMode(cfg.VCR.Match)
	vcrInst := vcr.New(vcr.Config{
		Mode:            vcrMode,
		MatchMode:       matchMode,
		CassettesDir:    cfg.VCR.Dir,
		SignatureSecret: cfg.VCR.Secret,
	})

	rtr := router.New(cfg.Providers.DefaultProvider, parsedRules(cfg.Providers), logger)
	registerProviders(rtr, cfg.Providers, logger)

	limiter, err := newRateLimiter(cfg.RateLimit, logger)
	if err != nil {
		return nil, fmt.Errorf("init rate limiter: %w", err)
	}

	s.collector = metrics.NewCollector("traceforge", logger)

	gw := gateway.New(rtr, vcrInst, limiter, recorder, s.collector, gateway.Config{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	}, logger)

	retentionCfg := retention.Config{Enabled: cfg.Retention.Enabled, CleanupInterval: cfg.Retention.CleanupInterval}
	if cfg.Retention.MaxTraceAgeDays > 0 {
		d := time.Duration(cfg.Retention.MaxTraceAgeDays) * 24 * time.Hour
		retentionCfg.MaxAge = &d
	}
	if cfg.Retention.MaxTraceCount > 0 {
		c := cfg.Retention.MaxTraceCount
		retentionCfg.MaxCount = &c
	}
	s.retention = retention.New(backend, retentionCfg, logger)

	s.healthHandler = healthcheck.NewHandler(logger)
	s.healthHandler.Register(&healthcheck.BackendCheck{
		NameStr: "storage",
		Ping: func(ctx context.Context) error {
			_, err := backend.CountTraces(ctx, storage.Filter{})
			return err
		},
	})

	telemetryProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = telemetryProviders

	if err := s.startHTTPServer(gw); err != nil {
		return nil, fmt.Errorf("start http server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return nil, fmt.Errorf("start metrics server: %w", err)
	}

	s.retention.Start(context.Background())
	go s.pollBreakerStats(context.Background())

	return s, nil
}

func (s *Server) startHTTPServer(handler http.Handler) error {
	chained := Chain(handler,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		CORS(nil),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("/", chained)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.httpManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}
	s.logger.Info("http server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}
	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}
	s.logger.Info("metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM or a server error, then
// tears everything down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")
	ctx := context.Background()

	if s.retention != nil {
		s.retention.Stop()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			s.logger.Error("telemetry shutdown error", zap.Error(err))
		}
	}
	s.logger.Info("graceful shutdown complete")
}

// openStorage selects the file or sqlite backend per config.
func openStorage(cfg config.StorageConfig, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case "sqlite":
		return sqlite.Open(cfg.SQLitePath, logger)
	case "file":
		return file.New(cfg.TracesDir, cfg.TestsDir)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}

// newRateLimiter builds the in-process limiter, or a Redis-backed one
// shared across gateway replicas when cfg.Backend is "redis".
func newRateLimiter(cfg config.RateLimitConfig, logger *zap.Logger) (ratelimit.RateLimiter, error) {
	if cfg.Backend == "redis" {
		return ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
			Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB,
		}, logger)
	}
	return ratelimit.New(), nil
}

// parsedRules adapts config.ProvidersConfig's string rules into router.PrefixRule.
func parsedRules(cfg config.ProvidersConfig) []router.PrefixRule {
	pairs := cfg.ParsedRules()
	rules := make([]router.PrefixRule, 0, len(pairs))
	for _, p := range pairs {
		rules = append(rules, router.PrefixRule{Prefix: p[0], Provider: p[1]})
	}
	return rules
}

// registerProviders builds and registers an adapter for every provider
// with credentials or a reachable base URL configured.
func registerProviders(rtr *router.Router, cfg config.ProvidersConfig, logger *zap.Logger) {
	if cfg.OpenAIAPIKey != "" {
		rtr.Register(openai.New(openai.Config{
			APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Timeout: cfg.RequestTimeout,
		}, logger))
	}
	if cfg.AnthropicAPIKey != "" {
		rtr.Register(anthropic.New(anthropic.Config{
			APIKey: cfg.AnthropicAPIKey, BaseURL: cfg.AnthropicBaseURL, Timeout: cfg.RequestTimeout,
		}, logger))
	}
	if cfg.GeminiAPIKey != "" {
		rtr.Register(gemini.New(gemini.Config{
			APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL, Timeout: cfg.RequestTimeout,
		}, logger))
	}
	if cfg.OllamaBaseURL != "" {
		rtr.Register(ollama.New(ollama.Config{
			BaseURL: cfg.OllamaBaseURL, Timeout: cfg.RequestTimeout,
		}, logger))
	}
}

// pollBreakerStats feeds the storage breaker's live state into Prometheus
// every few seconds so the circuit state is visible without scraping logs.
func (s *Server) pollBreakerStats(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.cb.Stats()
			successRate := 100.0
			if stats.State != breaker.StateClosed {
				successRate = 0.0
			}
			s.collector.SetStorageBreakerState(stats.ConsecutiveFailures, stats.State == breaker.StateOpen, successRate)
			s.collector.SetUptime(time.Since(s.startedAt))
		}
	}
}
