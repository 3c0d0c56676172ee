package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/assistant-core/assistant-oauth/instrumentation"
	"github.com/assistant-core/assistant-oauth/security"
	"github.com/assistant-core/assistant-oauth/server"
	"github.com/assistant-core/assistant-oauth/storage"
	"github.com/assistant-core/assistant-oauth/tracker"
)

// Discovery document names used in logs and metrics.
const (
	documentAuthorizationServer = "oauth-authorization-server"
	documentProtectedResource   = "oauth-protected-resource"
	documentOpenIDConfiguration = "openid-configuration"
	documentJWKS                = "jwks"
)

// Handler adapts the OAuth server and connection tracker to HTTP. It owns
// only transport concerns: routing, CORS, rate limit checks, and error
// response shaping. All policy decisions live in the server package.
type Handler struct {
	server  *server.Server
	tracker *tracker.Tracker
	logger  *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// NewHandler creates a new HTTP handler. The tracker may be nil when
// connection tracking is not wanted; TrackConnections then becomes a no-op.
func NewHandler(srv *server.Server, trk *tracker.Tracker, logger *slog.Logger) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("server is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server:  srv,
		tracker: trk,
		logger:  logger,
	}, nil
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.instrumentation = inst
}

// RegisterRoutes mounts all OAuth endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(WellKnownAuthorizationServer, h.ServeAuthorizationServerMetadata)
	mux.HandleFunc(WellKnownOpenIDConfiguration, h.ServeOpenIDConfiguration)
	mux.HandleFunc(WellKnownProtectedResource, h.ServeProtectedResourceMetadata)
	mux.HandleFunc(JWKSPath, h.ServeJWKS)
	mux.HandleFunc(RegistrationPath, h.ServeClientRegistration)
}

// ==================== Discovery ====================

// ServeAuthorizationServerMetadata serves the RFC 8414 document.
// Returns plain 404 while the document is disabled so the response does not
// reveal whether the feature exists.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, documentAuthorizationServer, func(cfg *server.Settings) (any, bool) {
		if !cfg.ShowAuthServerMetadata {
			return nil, false
		}
		return buildAuthorizationServerMetadata(cfg), true
	})
}

// ServeOpenIDConfiguration serves the OIDC discovery document. It is gated
// by the same flag as the RFC 8414 document since it discloses the same
// authorization server details.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, documentOpenIDConfiguration, func(cfg *server.Settings) (any, bool) {
		if !cfg.ShowAuthServerMetadata {
			return nil, false
		}
		return buildOpenIDConfiguration(cfg), true
	})
}

// ServeProtectedResourceMetadata serves the RFC 9728 document.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, documentProtectedResource, func(cfg *server.Settings) (any, bool) {
		if !cfg.ShowProtectedResourceMetadata {
			return nil, false
		}
		return buildProtectedResourceMetadata(cfg), true
	})
}

// ServeJWKS serves the always-empty key set. Unlike the metadata documents
// it is never disabled: assistant clients require the endpoint to exist.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	h.serveDiscovery(w, r, documentJWKS, func(cfg *server.Settings) (any, bool) {
		return buildJWKS(), true
	})
}

// serveDiscovery implements the shared discovery endpoint behavior: GET or
// OPTIONS only, settings snapshot per request, world-readable CORS, and a
// plain 404 for disabled documents.
func (h *Handler) serveDiscovery(w http.ResponseWriter, r *http.Request, document string, build func(cfg *server.Settings) (any, bool)) {
	start := time.Now()
	cfg := h.server.Settings()

	// Discovery documents are public, so preflight always succeeds.
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.server.RateLimiter != nil && !h.server.RateLimiter.Allow(h.clientIP(r, cfg)) {
		h.rateLimited(w, r, cfg, document, start)
		return
	}

	doc, enabled := build(cfg)
	if !enabled {
		http.NotFound(w, r)
		h.recordHTTPMetrics(r, r.URL.Path, http.StatusNotFound, start)
		return
	}

	security.SetDiscoveryHeaders(w)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	h.writeJSON(w, http.StatusOK, doc)

	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordDiscoveryServed(r.Context(), document)
	}
	h.recordHTTPMetrics(r, r.URL.Path, http.StatusOK, start)
}

// ==================== Client registration ====================

// ServeClientRegistration handles RFC 7591 dynamic client registration.
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cfg := h.server.Settings()
	origin := r.Header.Get("Origin")

	if r.Method == http.MethodOptions {
		h.ServePreflightRequest(w, r, cfg, origin)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST, OPTIONS")
		h.writeError(w, ErrInvalidRequest("method not allowed"))
		return
	}

	// CORS headers are set only for allow-listed origins. A public client on
	// a rejected origin therefore observes a CORS failure in the browser,
	// while the RFC 7591 error body remains visible to non-browser callers.
	if origin != "" && cfg.PublicOriginAllowed(origin) {
		setCORSHeaders(w, origin)
	}

	clientIP := h.clientIP(r, cfg)
	if h.server.RateLimiter != nil && !h.server.RateLimiter.Allow(clientIP) {
		h.rateLimited(w, r, cfg, "registration", start)
		return
	}

	req, oauthErr := parseRegistrationRequest(r)
	if oauthErr != nil {
		h.writeError(w, oauthErr)
		h.recordHTTPMetrics(r, RegistrationPath, oauthErr.Status, start)
		return
	}
	req.Origin = origin

	client, clientSecret, err := h.server.RegisterClient(r.Context(), req, clientIP)
	if err != nil {
		oauthErr := h.registrationErrorToOAuthError(err)
		h.writeError(w, oauthErr)
		h.recordHTTPMetrics(r, RegistrationPath, oauthErr.Status, start)
		return
	}

	security.SetSecurityHeaders(w, cfg.Issuer)
	h.writeJSON(w, http.StatusCreated, registrationResponse(client, clientSecret))
	h.recordHTTPMetrics(r, RegistrationPath, http.StatusCreated, start)
}

// parseRegistrationRequest decodes and bounds the registration body.
func parseRegistrationRequest(r *http.Request) (*server.RegistrationRequest, *OAuthError) {
	var body ClientRegistrationRequest
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRegistrationBodySize))
	if err := decoder.Decode(&body); err != nil {
		return nil, ErrInvalidRequest("request body is not valid JSON")
	}

	return &server.RegistrationRequest{
		ClientName:              body.ClientName,
		ClientURI:               body.ClientURI,
		RedirectURIs:            body.RedirectURIs,
		TokenEndpointAuthMethod: body.TokenEndpointAuthMethod,
		GrantTypes:              body.GrantTypes,
		ResponseTypes:           body.ResponseTypes,
		Scopes:                  splitScope(body.Scope),
	}, nil
}

// registrationErrorToOAuthError maps pipeline failures onto wire errors.
// Unexpected errors become an opaque server_error so storage details never
// reach clients.
func (h *Handler) registrationErrorToOAuthError(err error) *OAuthError {
	var regErr *server.RegistrationError
	if errors.As(err, &regErr) {
		return NewOAuthError(regErr.Code, regErr.Description, regErr.Status)
	}
	if errors.Is(err, storage.ErrIPLimitExceeded) {
		return ErrRateLimitExceeded("too many client registrations from this address")
	}

	h.logger.Error("Client registration failed", "error", err)
	return ErrServerError("registration failed")
}

// registrationResponse assembles the RFC 7591 response body. This is the
// only place the plaintext client secret ever appears.
func registrationResponse(client *storage.Client, clientSecret string) *ClientRegistrationResponse {
	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0, // secrets do not expire
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
		Scope:                   strings.Join(client.Scopes, " "),
		ClientType:              client.ClientType,
	}
}

// ServePreflightRequest answers CORS preflight for the registration
// endpoint. Rejected origins get 403 without CORS headers.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request, cfg *server.Settings, origin string) {
	if origin == "" || !cfg.PublicOriginAllowed(origin) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	setCORSHeaders(w, origin)
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.WriteHeader(http.StatusNoContent)
}

// setCORSHeaders echoes the specific allowed origin. The registration
// endpoint never uses a wildcard header even when the allow-list does,
// so caches always vary on the origin.
func setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}

// ==================== Connection tracking middleware ====================

// ConnectionIdentity names the session a request belongs to.
type ConnectionIdentity struct {
	ClientID string
	User     string
}

// IdentityFunc extracts the session identity from a request. Returning
// false skips tracking for that request.
type IdentityFunc func(r *http.Request) (ConnectionIdentity, bool)

// TrackConnections wraps protected endpoints with connection tracking: one
// log row per (client, user) session, one request count per request, and an
// error mark when the wrapped handler fails with a 5xx.
func (h *Handler) TrackConnections(identify IdentityFunc, next http.Handler) http.Handler {
	if h.tracker == nil || identify == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identify(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		cfg := h.server.Settings()
		sessionKey := identity.ClientID + "|" + identity.User
		logID, err := h.tracker.AcquireSession(r.Context(), sessionKey, tracker.ConnectionInfo{
			ClientID:       identity.ClientID,
			User:           identity.User,
			ConnectionType: storage.ConnectionTypeHTTP,
			IPAddress:      h.clientIP(r, cfg),
			UserAgent:      r.UserAgent(),
		})
		if err != nil {
			// Tracking must never take the endpoint down.
			h.logger.Warn("Connection tracking unavailable", "error", err)
			next.ServeHTTP(w, r)
			return
		}

		if err := h.tracker.RecordActivity(r.Context(), logID); err != nil {
			h.logger.Debug("Failed to record connection activity", "log_id", logID, "error", err)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			if err := h.tracker.RecordError(r.Context(), logID, fmt.Sprintf("HTTP %d", rec.status)); err != nil {
				h.logger.Debug("Failed to record connection error", "log_id", logID, "error", err)
			}
		}
	})
}

// statusRecorder captures the response status for the tracking middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// ==================== Helpers ====================

func (h *Handler) clientIP(r *http.Request, cfg *server.Settings) string {
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request, cfg *server.Settings, endpoint string, start time.Time) {
	if h.server.Auditor != nil {
		h.server.Auditor.LogRateLimitExceeded(h.clientIP(r, cfg), endpoint)
	}
	if h.instrumentation != nil {
		h.instrumentation.Metrics().RecordRateLimitExceeded(r.Context(), endpoint)
	}
	oauthErr := ErrRateLimitExceeded("too many requests")
	h.writeError(w, oauthErr)
	h.recordHTTPMetrics(r, endpoint, oauthErr.Status, start)
}

// writeJSON marshals v and writes it with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal response", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an RFC 7591 style error body.
func (h *Handler) writeError(w http.ResponseWriter, oauthErr *OAuthError) {
	h.writeJSON(w, oauthErr.Status, &ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint string, status int, start time.Time) {
	if h.instrumentation == nil {
		return
	}
	h.instrumentation.Metrics().RecordHTTPRequest(
		r.Context(), r.Method, endpoint, status,
		float64(time.Since(start).Microseconds())/1000.0,
	)
}

// splitScope splits a space-separated scope string, dropping empty entries.
func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
