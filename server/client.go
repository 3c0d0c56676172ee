package server

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a confidential OAuth client
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a public OAuth client
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodBasic represents HTTP Basic authentication
	TokenEndpointAuthMethodBasic = "client_secret_basic"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// SupportedGrantTypes are the grant types a registered client may use.
var SupportedGrantTypes = []string{"authorization_code", "refresh_token"}

// SupportedResponseTypes are the response types a registered client may use.
var SupportedResponseTypes = []string{"code"}

// RegistrationRequest carries the validated RFC 7591 registration fields
// plus the request origin extracted from the Origin header by the transport.
type RegistrationRequest struct {
	ClientName              string
	ClientURI               string
	RedirectURIs            []string
	TokenEndpointAuthMethod string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string

	// Origin is the browser origin the registration request came from.
	// Empty for non-browser clients. Public client registrations are checked
	// against the settings origin allow-list.
	Origin string
}

// RegisterClient runs the registration pipeline, ordered and fail-fast:
//
//  1. dynamic registration must be enabled
//  2. every redirect URI must be https, or http on a loopback host
//  3. public clients (auth method "none") must come from an allowed origin
//  4. credentials are issued and the client is persisted
//
// Validation precedes credential generation and persistence is a single
// SaveClient call, so no failure path leaves a partial client behind.
// The plaintext client secret is returned exactly once; only its bcrypt hash
// is stored.
func (s *Server) RegisterClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	var span trace.Span
	if s.Instrumentation != nil {
		ctx, span = s.Instrumentation.Tracer("server").Start(ctx, "oauth.register_client")
		defer span.End()
	}

	client, clientSecret, err := s.registerClient(ctx, req, clientIP)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, "", err
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ClientID),
		attribute.String(instrumentation.AttrClientType, client.ClientType),
	)
	instrumentation.SetSpanSuccess(span)
	return client, clientSecret, nil
}

func (s *Server) registerClient(ctx context.Context, req *RegistrationRequest, clientIP string) (*storage.Client, string, error) {
	cfg := s.Settings()

	if !cfg.DynamicRegistrationEnabled {
		s.rejectRegistration(clientIP, "registration_disabled", "")
		return nil, "", errRegistrationDisabled()
	}

	if err := ValidateRedirectURIs(req.RedirectURIs); err != nil {
		s.rejectRegistration(clientIP, "redirect_uri_validation_failed", GetRedirectURIErrorCategory(err))
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return nil, "", errInvalidRedirectURI(err)
	}

	authMethod, clientType, err := resolveAuthMethodAndClientType(req.TokenEndpointAuthMethod)
	if err != nil {
		s.rejectRegistration(clientIP, "invalid_client_metadata", "")
		return nil, "", err
	}

	if clientType == ClientTypePublic && !cfg.PublicOriginAllowed(req.Origin) {
		if s.Auditor != nil {
			s.Auditor.LogOriginRejected(req.Origin, clientIP)
		}
		s.Logger.Warn("Client registration rejected: origin not allowed",
			"origin", req.Origin,
			"client_ip", clientIP)
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordRegistrationRejected(ctx, ErrorCodeOriginNotAllowed)
		}
		return nil, "", errOriginNotAllowed()
	}

	if err := validateGrantAndResponseTypes(req.GrantTypes, req.ResponseTypes); err != nil {
		s.rejectRegistration(clientIP, "invalid_client_metadata", "")
		return nil, "", err
	}

	if err := s.clientStore.CheckIPLimit(ctx, clientIP, cfg.MaxClientsPerIP); err != nil {
		s.rejectRegistration(clientIP, "ip_limit_exceeded", "")
		return nil, "", err
	}

	client, clientSecret, err := buildClient(req, cfg, authMethod, clientType)
	if err != nil {
		return nil, "", err
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", fmt.Errorf("failed to save client: %w", err)
	}

	s.trackClientIPAndLog(ctx, client, clientIP)
	return client, clientSecret, nil
}

// rejectRegistration records a rejected attempt in the audit log and metrics.
func (s *Server) rejectRegistration(clientIP, reason, category string) {
	if s.Auditor != nil {
		s.Auditor.LogClientRegistrationRejected(clientIP, reason, category)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordRegistrationRejected(context.Background(), reason)
	}
}

// resolveAuthMethodAndClientType derives the client type from the token
// endpoint auth method per RFC 7591 Section 2: "none" means public, the
// secret-bearing methods mean confidential. An empty method defaults to
// client_secret_basic.
func resolveAuthMethodAndClientType(authMethod string) (string, string, error) {
	switch authMethod {
	case "":
		return TokenEndpointAuthMethodBasic, ClientTypeConfidential, nil
	case TokenEndpointAuthMethodBasic, TokenEndpointAuthMethodPost:
		return authMethod, ClientTypeConfidential, nil
	case TokenEndpointAuthMethodNone:
		return authMethod, ClientTypePublic, nil
	default:
		return "", "", errInvalidClientMetadata(
			fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}
}

// validateGrantAndResponseTypes checks requested types against the supported
// sets. Empty requests fall back to the defaults later.
func validateGrantAndResponseTypes(grantTypes, responseTypes []string) error {
	for _, gt := range grantTypes {
		if !contains(SupportedGrantTypes, gt) {
			return errInvalidClientMetadata(fmt.Sprintf("unsupported grant type %q", gt))
		}
	}
	for _, rt := range responseTypes {
		if !contains(SupportedResponseTypes, rt) {
			return errInvalidClientMetadata(fmt.Sprintf("unsupported response type %q", rt))
		}
	}
	return nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// buildClient issues credentials and assembles the client record.
func buildClient(req *RegistrationRequest, cfg *Settings, authMethod, clientType string) (*storage.Client, string, error) {
	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", err
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = append([]string(nil), SupportedGrantTypes...)
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = append([]string(nil), SupportedResponseTypes...)
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), cfg.SupportedScopes...)
	}

	client := &storage.Client{
		ClientID:                generateRandomToken(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		ClientName:              req.ClientName,
		ClientURI:               req.ClientURI,
		Scopes:                  scopes,
		CreatedAt:               time.Now(),
	}
	if clientType == ClientTypePublic {
		client.Origin = req.Origin
	}

	return client, clientSecret, nil
}

// generateClientSecret generates a secret for confidential clients.
// Public clients authenticate with PKCE only and get no secret.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// trackClientIPAndLog tracks the registering IP for DoS protection and logs
// the registration. The client secret is deliberately not part of this path.
func (s *Server) trackClientIPAndLog(ctx context.Context, client *storage.Client, clientIP string) {
	type ipTracker interface {
		TrackClientIP(ip string)
	}
	if tracker, ok := s.clientStore.(ipTracker); ok {
		tracker.TrackClientIP(clientIP)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	}
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordClientRegistered(ctx, client.ClientType)
	}

	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"token_endpoint_auth_method", client.TokenEndpointAuthMethod,
		"client_ip", clientIP)
}
