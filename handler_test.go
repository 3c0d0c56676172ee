package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/assistant-core/assistant-oauth/server"
	"github.com/assistant-core/assistant-oauth/storage/memory"
)

func newTestService(t *testing.T, settings *server.Settings) *Service {
	t.Helper()

	if settings.Issuer == "" {
		settings.Issuer = "https://assistant.example.com"
	}
	settings.SchemaVersion = server.SettingsSchemaVersion

	svc, err := New(Config{
		Settings:  settings,
		Logger:    slog.Default(),
		RateLimit: RateLimitConfig{Disabled: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		if err := svc.Close(context.Background()); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return svc
}

func newTestMux(t *testing.T, settings *server.Settings) *http.ServeMux {
	t.Helper()
	svc := newTestService(t, settings)
	mux := http.NewServeMux()
	svc.Handler.RegisterRoutes(mux)
	return mux
}

func doRequest(mux *http.ServeMux, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.9:54321"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("response body is not JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return out
}

// ==================== Discovery ====================

func TestAuthorizationServerMetadataEndpoint(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
		ShowAuthServerMetadata:     true,
	})

	rec := doRequest(mux, http.MethodGet, WellKnownAuthorizationServer, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "max-age") {
		t.Errorf("Cache-Control = %q, want a cacheable policy", got)
	}

	doc := decodeJSON(t, rec)
	if doc["issuer"] != "https://assistant.example.com" {
		t.Errorf("issuer = %v", doc["issuer"])
	}
	if doc["authorization_endpoint"] != "https://assistant.example.com/oauth/authorize" {
		t.Errorf("authorization_endpoint = %v", doc["authorization_endpoint"])
	}
	if doc["token_endpoint"] != "https://assistant.example.com/oauth/token" {
		t.Errorf("token_endpoint = %v", doc["token_endpoint"])
	}
	if doc["registration_endpoint"] != "https://assistant.example.com/oauth/register" {
		t.Errorf("registration_endpoint = %v", doc["registration_endpoint"])
	}
	if doc["jwks_uri"] != "https://assistant.example.com/oauth/jwks" {
		t.Errorf("jwks_uri = %v", doc["jwks_uri"])
	}

	methods, _ := doc["code_challenge_methods_supported"].([]any)
	if len(methods) != 1 || methods[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", doc["code_challenge_methods_supported"])
	}
}

func TestRegistrationEndpointHiddenWhenDisabled(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: false,
		ShowAuthServerMetadata:     true,
	})

	for _, path := range []string{WellKnownAuthorizationServer, WellKnownOpenIDConfiguration} {
		rec := doRequest(mux, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "registration_endpoint") {
			t.Errorf("GET %s advertises registration_endpoint while registration is disabled", path)
		}
	}
}

func TestDiscoveryDisabledReturnsPlain404(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		ShowAuthServerMetadata:        false,
		ShowProtectedResourceMetadata: false,
	})

	paths := []string{
		WellKnownAuthorizationServer,
		WellKnownOpenIDConfiguration,
		WellKnownProtectedResource,
	}
	for _, path := range paths {
		rec := doRequest(mux, http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, rec.Code)
		}
		if strings.Contains(rec.Header().Get("Content-Type"), "application/json") {
			t.Errorf("GET %s returned JSON; disabled documents must look like missing routes", path)
		}
	}
}

func TestDiscoveryResponsesAreByteIdentical(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled:    true,
		ShowAuthServerMetadata:        true,
		ShowProtectedResourceMetadata: true,
	})

	paths := []string{
		WellKnownAuthorizationServer,
		WellKnownOpenIDConfiguration,
		WellKnownProtectedResource,
		JWKSPath,
	}
	for _, path := range paths {
		first := doRequest(mux, http.MethodGet, path, nil, nil)
		second := doRequest(mux, http.MethodGet, path, nil, nil)
		if first.Code != http.StatusOK || second.Code != http.StatusOK {
			t.Fatalf("GET %s statuses = %d, %d, want 200", path, first.Code, second.Code)
		}
		if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
			t.Errorf("GET %s produced different bodies for an unchanged snapshot", path)
		}
	}
}

func TestProtectedResourceMetadataEndpoint(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		ShowProtectedResourceMetadata: true,
	})

	rec := doRequest(mux, http.MethodGet, WellKnownProtectedResource, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	doc := decodeJSON(t, rec)
	if doc["resource"] != "https://assistant.example.com" {
		t.Errorf("resource = %v", doc["resource"])
	}
	servers, _ := doc["authorization_servers"].([]any)
	if len(servers) != 1 || servers[0] != "https://assistant.example.com" {
		t.Errorf("authorization_servers = %v", doc["authorization_servers"])
	}
}

func TestJWKSAlwaysServed(t *testing.T) {
	// All discovery documents disabled; the key set endpoint stays up.
	mux := newTestMux(t, &server.Settings{})

	rec := doRequest(mux, http.MethodGet, JWKSPath, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != `{"keys":[]}` {
		t.Errorf("body = %s, want {\"keys\":[]}", got)
	}
}

func TestDiscoveryMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, &server.Settings{ShowAuthServerMetadata: true})

	rec := doRequest(mux, http.MethodPost, WellKnownAuthorizationServer, nil, nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}

	rec = doRequest(mux, http.MethodOptions, WellKnownAuthorizationServer, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("OPTIONS status = %d, want 204", rec.Code)
	}
}

// ==================== Registration ====================

func registrationBody(t *testing.T, body map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return data
}

func TestRegisterPublicClientFromAllowedOrigin(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
		AllowedPublicOrigins:       []string{"http://localhost:6274"},
	})

	body := registrationBody(t, map[string]any{
		"client_name":                "MCP Inspector",
		"redirect_uris":              []string{"http://localhost:6274/oauth/callback"},
		"token_endpoint_auth_method": "none",
	})
	rec := doRequest(mux, http.MethodPost, RegistrationPath, body, map[string]string{
		"Content-Type": "application/json",
		"Origin":       "http://localhost:6274",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:6274" {
		t.Errorf("Access-Control-Allow-Origin = %q, want the echoed origin", got)
	}

	resp := decodeJSON(t, rec)
	if resp["client_id"] == nil || resp["client_id"] == "" {
		t.Error("no client_id in response")
	}
	if _, present := resp["client_secret"]; present {
		t.Error("public client response contains a client_secret")
	}
	if resp["token_endpoint_auth_method"] != "none" {
		t.Errorf("token_endpoint_auth_method = %v, want none", resp["token_endpoint_auth_method"])
	}
	if _, present := resp["client_id_issued_at"]; !present {
		t.Error("client_id_issued_at missing from response")
	}
	if v, present := resp["client_secret_expires_at"]; !present || v != float64(0) {
		t.Errorf("client_secret_expires_at = %v, want explicit 0", v)
	}
}

func TestRegisterPublicClientOriginRejected(t *testing.T) {
	// Empty allow-list: deny all public client registrations.
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
	})

	body := registrationBody(t, map[string]any{
		"redirect_uris":              []string{"http://localhost:6274/oauth/callback"},
		"token_endpoint_auth_method": "none",
	})
	rec := doRequest(mux, http.MethodPost, RegistrationPath, body, map[string]string{
		"Content-Type": "application/json",
		"Origin":       "http://localhost:6274",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body: %s", rec.Code, rec.Body.String())
	}

	// No CORS headers: the browser reports a CORS failure while curl still
	// sees the RFC 7591 error body.
	if _, present := rec.Header()["Access-Control-Allow-Origin"]; present {
		t.Error("rejected origin got an Access-Control-Allow-Origin header")
	}
	resp := decodeJSON(t, rec)
	if resp["error"] != ErrorCodeOriginNotAllowed {
		t.Errorf("error = %v, want %q", resp["error"], ErrorCodeOriginNotAllowed)
	}
}

func TestRegisterRejectsNonLoopbackHTTPRedirect(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
	})

	body := registrationBody(t, map[string]any{
		"redirect_uris": []string{"http://app.example.com/callback"},
	})
	rec := doRequest(mux, http.MethodPost, RegistrationPath, body, map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}
	resp := decodeJSON(t, rec)
	if resp["error"] != ErrorCodeInvalidRedirectURI {
		t.Errorf("error = %v, want %q", resp["error"], ErrorCodeInvalidRedirectURI)
	}
	if resp["error_description"] != "redirect_uris must be https" {
		t.Errorf("error_description = %v, want %q", resp["error_description"], "redirect_uris must be https")
	}
}

func TestRegisterDisabled(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: false,
	})

	body := registrationBody(t, map[string]any{
		"redirect_uris": []string{"https://app.example.com/cb"},
	})
	rec := doRequest(mux, http.MethodPost, RegistrationPath, body, map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	resp := decodeJSON(t, rec)
	if resp["error"] != ErrorCodeRegistrationDisabled {
		t.Errorf("error = %v, want %q", resp["error"], ErrorCodeRegistrationDisabled)
	}
}

func TestRegisterConfidentialClient(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
	})

	body := registrationBody(t, map[string]any{
		"client_name":   "backend service",
		"redirect_uris": []string{"https://app.example.com/cb"},
		"scope":         "openid all",
	})
	rec := doRequest(mux, http.MethodPost, RegistrationPath, body, map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", rec.Code, rec.Body.String())
	}

	resp := decodeJSON(t, rec)
	secret, _ := resp["client_secret"].(string)
	if secret == "" {
		t.Error("confidential client response has no client_secret")
	}
	if resp["token_endpoint_auth_method"] != "client_secret_basic" {
		t.Errorf("token_endpoint_auth_method = %v, want client_secret_basic", resp["token_endpoint_auth_method"])
	}
	if resp["scope"] != "openid all" {
		t.Errorf("scope = %v, want %q", resp["scope"], "openid all")
	}
}

func TestRegisterInvalidJSON(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
	})

	rec := doRequest(mux, http.MethodPost, RegistrationPath, []byte("{not json"), map[string]string{
		"Content-Type": "application/json",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeJSON(t, rec)
	if resp["error"] != ErrorCodeInvalidRequest {
		t.Errorf("error = %v, want %q", resp["error"], ErrorCodeInvalidRequest)
	}
}

func TestRegisterMethodNotAllowed(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
	})

	rec := doRequest(mux, http.MethodGet, RegistrationPath, nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET status = %d, want 400", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "POST, OPTIONS" {
		t.Errorf("Allow = %q, want %q", got, "POST, OPTIONS")
	}
}

func TestRegistrationPreflight(t *testing.T) {
	mux := newTestMux(t, &server.Settings{
		DynamicRegistrationEnabled: true,
		AllowedPublicOrigins:       []string{"http://localhost:6274"},
	})

	t.Run("allowed origin", func(t *testing.T) {
		rec := doRequest(mux, http.MethodOptions, RegistrationPath, nil, map[string]string{
			"Origin": "http://localhost:6274",
		})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:6274" {
			t.Errorf("Access-Control-Allow-Origin = %q", got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
			t.Errorf("Access-Control-Allow-Methods = %q", got)
		}
	})

	t.Run("rejected origin", func(t *testing.T) {
		rec := doRequest(mux, http.MethodOptions, RegistrationPath, nil, map[string]string{
			"Origin": "https://evil.example.com",
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", rec.Code)
		}
		if _, present := rec.Header()["Access-Control-Allow-Origin"]; present {
			t.Error("rejected preflight got an Access-Control-Allow-Origin header")
		}
	})
}

// ==================== Settings updates ====================

func TestSettingsUpdateVisibleWithoutRestart(t *testing.T) {
	svc := newTestService(t, &server.Settings{
		ShowAuthServerMetadata: true,
	})
	mux := http.NewServeMux()
	svc.Handler.RegisterRoutes(mux)

	rec := doRequest(mux, http.MethodGet, WellKnownAuthorizationServer, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("initial status = %d, want 200", rec.Code)
	}

	next := svc.Settings().Clone()
	next.ShowAuthServerMetadata = false
	if err := svc.UpdateSettings(next); err != nil {
		t.Fatalf("UpdateSettings() error = %v", err)
	}

	rec = doRequest(mux, http.MethodGet, WellKnownAuthorizationServer, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after disable = %d, want 404", rec.Code)
	}
}

// ==================== Connection tracking ====================

func TestTrackConnectionsMiddleware(t *testing.T) {
	svc := newTestService(t, &server.Settings{})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := svc.Handler.TrackConnections(func(r *http.Request) (ConnectionIdentity, bool) {
		clientID := r.Header.Get("X-Client-ID")
		if clientID == "" {
			return ConnectionIdentity{}, false
		}
		return ConnectionIdentity{ClientID: clientID, User: r.Header.Get("X-User")}, true
	}, next)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
		req.RemoteAddr = "203.0.113.9:54321"
		req.Header.Set("X-Client-ID", "client-1")
		req.Header.Set("X-User", "alice")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	// Unidentified requests pass through untracked.
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("untracked request status = %d, want 200", rec.Code)
	}

	stats, err := svc.Tracker.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1 (requests share a session)", stats.ActiveConnections)
	}
	if stats.TotalRequests != 3 {
		t.Errorf("TotalRequests = %d, want 3", stats.TotalRequests)
	}
}

func TestTrackConnectionsRecordsServerErrors(t *testing.T) {
	store := memory.New(slog.Default())
	svc, err := New(Config{
		Settings: &server.Settings{
			SchemaVersion: server.SettingsSchemaVersion,
			Issuer:        "https://assistant.example.com",
		},
		ClientStore: store,
		LogStore:    store,
		Logger:      slog.Default(),
		RateLimit:   RateLimitConfig{Disabled: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	handler := svc.Handler.TrackConnections(func(r *http.Request) (ConnectionIdentity, bool) {
		return ConnectionIdentity{ClientID: "client-1", User: "alice"}, true
	}, next)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	logs, err := store.ListLogs(context.Background())
	if err != nil {
		t.Fatalf("ListLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", logs[0].ErrorCount)
	}
}
