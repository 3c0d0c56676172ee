// Package server implements the core OAuth logic: dynamic client
// registration, redirect URI policy, and the admin settings snapshot that
// drives discovery metadata.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/security"
	"github.com/assistant-core/assistant-oauth/storage"
)

// Server implements the OAuth registrar logic. It is transport-agnostic;
// the root package's Handler adapts it to HTTP.
type Server struct {
	settings    *SettingsHandle
	clientStore storage.ClientStore

	Auditor         *security.Auditor
	RateLimiter     *security.RateLimiter // IP-based rate limiter for registration
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
}

// New creates a new OAuth server
func New(settings *SettingsHandle, clientStore storage.ClientStore, logger *slog.Logger) (*Server, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings handle is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		settings:    settings,
		clientStore: clientStore,
		Logger:      logger,
	}, nil
}

// Settings returns the current settings snapshot.
func (s *Server) Settings() *Settings {
	return s.settings.Current()
}

// UpdateSettings publishes a new settings snapshot without restart.
func (s *Server) UpdateSettings(settings *Settings) error {
	return s.settings.Update(settings)
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
}

// GetClient retrieves a client by ID (for use by the handler and operator tooling)
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// ValidateClientCredentials validates client credentials for the token endpoint
func (s *Server) ValidateClientCredentials(ctx context.Context, clientID, clientSecret string) error {
	return s.clientStore.ValidateClientSecret(ctx, clientID, clientSecret)
}

// RevokeClient deletes a client registration. Issued credentials are
// immutable, so revocation is the only mutation after registration.
func (s *Server) RevokeClient(ctx context.Context, clientID string) error {
	if err := s.clientStore.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventClientRevoked,
			ClientID: clientID,
		})
	}
	s.Logger.Info("Revoked OAuth client", "client_id", clientID)
	return nil
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for client IDs and secrets.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
