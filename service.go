// Package oauth provides the OAuth subsystem for assistant servers:
// RFC 8414/9728 discovery metadata, RFC 7591 dynamic client registration
// with PKCE-only public clients, and connection lifecycle tracking.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/security"
	"github.com/assistant-core/assistant-oauth/server"
	"github.com/assistant-core/assistant-oauth/storage"
	"github.com/assistant-core/assistant-oauth/storage/memory"
	"github.com/assistant-core/assistant-oauth/tracker"
)

// RateLimitConfig controls the per-IP token bucket applied to the
// registration and discovery endpoints.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per IP (default: 10)
	RequestsPerSecond int

	// Burst is the short-term burst per IP (default: 20)
	Burst int

	// Disabled turns rate limiting off entirely
	Disabled bool
}

// Config assembles a complete OAuth service.
type Config struct {
	// Settings is the initial admin settings snapshot (required).
	// Update settings later through Service.UpdateSettings.
	Settings *server.Settings

	// ClientStore persists registrations (default: in-memory store)
	ClientStore storage.ClientStore

	// LogStore persists connection logs (default: shares the in-memory store)
	LogStore storage.ConnectionLogStore

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger

	// EnableAuditLogging turns on the security audit log
	EnableAuditLogging bool

	// RateLimit configures per-IP rate limiting
	RateLimit RateLimitConfig

	// SweepInterval is how often expired connection logs are removed
	// (default: 1 hour)
	SweepInterval time.Duration

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation instrumentation.Config
}

// Service wires the server, tracker and handler together with the ambient
// pieces (audit, rate limiting, instrumentation). Most embedders only need
// Handler.RegisterRoutes and Close.
type Service struct {
	Server  *server.Server
	Tracker *tracker.Tracker
	Handler *Handler

	settings        *server.SettingsHandle
	rateLimiter     *security.RateLimiter
	instrumentation *instrumentation.Instrumentation
	logger          *slog.Logger
}

// New builds a Service from the given configuration.
func New(cfg Config) (*Service, error) {
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := server.NewSettingsHandle(cfg.Settings, logger)
	if err != nil {
		return nil, err
	}

	clientStore := cfg.ClientStore
	logStore := cfg.LogStore
	if clientStore == nil || logStore == nil {
		mem := memory.New(logger)
		if clientStore == nil {
			clientStore = mem
		}
		if logStore == nil {
			logStore = mem
		}
	}

	inst, err := instrumentation.New(cfg.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}

	srv, err := server.New(settings, clientStore, logger)
	if err != nil {
		return nil, err
	}
	srv.SetInstrumentation(inst)

	auditor := security.NewAuditor(logger, cfg.EnableAuditLogging)
	srv.SetAuditor(auditor)

	var rateLimiter *security.RateLimiter
	if !cfg.RateLimit.Disabled {
		rps := cfg.RateLimit.RequestsPerSecond
		if rps <= 0 {
			rps = 10
		}
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 20
		}
		rateLimiter = security.NewRateLimiter(rps, burst, logger)
		srv.SetRateLimiter(rateLimiter)
	}

	trk, err := tracker.New(tracker.Config{
		Store:         logStore,
		Logger:        logger,
		SweepInterval: cfg.SweepInterval,
		RetentionDays: func() int { return settings.Current().CleanupLogsAfterDays },
	})
	if err != nil {
		return nil, err
	}
	trk.SetAuditor(auditor)
	trk.SetInstrumentation(inst)

	handler, err := NewHandler(srv, trk, logger)
	if err != nil {
		return nil, err
	}
	handler.SetInstrumentation(inst)

	if setter, ok := clientStore.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		setter.SetInstrumentation(inst)
	}

	return &Service{
		Server:          srv,
		Tracker:         trk,
		Handler:         handler,
		settings:        settings,
		rateLimiter:     rateLimiter,
		instrumentation: inst,
		logger:          logger,
	}, nil
}

// UpdateSettings publishes a new settings snapshot. Running requests finish
// with the snapshot they loaded; the next request observes the new one.
func (s *Service) UpdateSettings(settings *server.Settings) error {
	return s.settings.Update(settings)
}

// Settings returns the current settings snapshot.
func (s *Service) Settings() *server.Settings {
	return s.settings.Current()
}

// Close releases background resources: the retention sweep, rate limiter
// cleanup, and instrumentation providers.
func (s *Service) Close(ctx context.Context) error {
	s.Tracker.Stop()
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if err := s.instrumentation.Shutdown(ctx); err != nil {
		return fmt.Errorf("instrumentation shutdown failed: %w", err)
	}
	return nil
}
