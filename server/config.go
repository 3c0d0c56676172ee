package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
)

// SettingsSchemaVersion is the current settings schema version.
// MigrateSettings upgrades older snapshots to this version.
const SettingsSchemaVersion = 2

// DefaultCleanupLogsAfterDays is the default connection log retention period.
const DefaultCleanupLogsAfterDays = 30

// Endpoint paths relative to the issuer. The authorization and token
// endpoints are served by the host application; they are published in the
// discovery metadata only.
const (
	AuthorizationPath = "/oauth/authorize"
	TokenPath         = "/oauth/token"
	RegistrationPath  = "/oauth/register"
	JWKSPath          = "/oauth/jwks"
	UserinfoPath      = "/oauth/userinfo"
	RevocationPath    = "/oauth/revoke"
	IntrospectionPath = "/oauth/introspect"
)

// Settings holds the admin-controlled OAuth configuration.
//
// Settings values are immutable snapshots: components read the current
// snapshot through a SettingsHandle at the start of each operation, so an
// admin update takes effect without restart and an in-flight request never
// observes a half-applied change.
type Settings struct {
	// SchemaVersion identifies the settings schema this snapshot was written
	// with. MigrateSettings upgrades old snapshots deterministically.
	SchemaVersion int

	// Issuer is the server's issuer identifier (base URL), e.g.
	// "https://assistant.example.com". Required.
	Issuer string

	// DynamicRegistrationEnabled controls the RFC 7591 registration endpoint.
	// When false, POST /oauth/register fails with registration_disabled.
	// Default: false (registration is opt-in)
	DynamicRegistrationEnabled bool

	// ShowAuthServerMetadata controls the RFC 8414 and OIDC discovery
	// documents. When false those endpoints return plain 404.
	ShowAuthServerMetadata bool

	// ShowProtectedResourceMetadata controls the RFC 9728 document.
	ShowProtectedResourceMetadata bool

	// AllowedPublicOrigins is the origin allow-list for public clients
	// (token_endpoint_auth_method "none"). Entries are full origins
	// ("http://localhost:6274"), bare hostnames ("app.example.com"), or the
	// wildcard "*". An empty list rejects every public client registration.
	AllowedPublicOrigins []string

	// LegacyAllowedOrigins carries the schema v1 newline-separated origins
	// blob. MigrateSettings parses it into AllowedPublicOrigins and clears it.
	LegacyAllowedOrigins string

	// ResourceName is the human-readable name published in the protected
	// resource metadata.
	ResourceName string

	// DocsURL, PolicyURI and TermsOfServiceURI are optional documentation
	// links published in the discovery metadata.
	DocsURL           string
	PolicyURI         string
	TermsOfServiceURI string

	// SupportedScopes lists the scopes advertised in discovery metadata and
	// granted to clients that request none. Order is preserved in the
	// published documents. Default: ["openid", "all"]
	SupportedScopes []string

	// CleanupLogsAfterDays is the connection log retention period. Rows whose
	// ConnectedAt is older are removed by the sweep regardless of status.
	// Default: 30
	CleanupLogsAfterDays int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy. Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server, used with TrustProxy to extract the client IP. Default: 1
	TrustedProxyCount int

	// MaxClientsPerIP limits client registrations per IP address to prevent
	// DoS via mass registration. Default: 10
	MaxClientsPerIP int
}

// Clone returns a deep copy of the settings snapshot.
func (s *Settings) Clone() *Settings {
	out := *s
	out.AllowedPublicOrigins = append([]string(nil), s.AllowedPublicOrigins...)
	out.SupportedScopes = append([]string(nil), s.SupportedScopes...)
	return &out
}

// Validate checks the snapshot for configuration errors.
func (s *Settings) Validate() error {
	if s.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(s.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL")
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("issuer must use https (http is allowed for localhost only)")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("issuer must not contain a query or fragment")
	}
	return nil
}

// PublicOriginAllowed reports whether a public client registration from the
// given origin is permitted. The wildcard entry "*" allows every origin,
// including requests that carry no Origin header at all. Without a wildcard,
// an empty origin never matches, so an empty allow-list denies all public
// client registrations.
func (s *Settings) PublicOriginAllowed(origin string) bool {
	for _, entry := range s.AllowedPublicOrigins {
		if strings.TrimSpace(entry) == "*" {
			return true
		}
	}
	if origin == "" {
		return false
	}

	norm := normalizeOrigin(origin)
	parsed, err := url.Parse(norm)
	if err != nil {
		return false
	}
	host := parsed.Hostname()

	for _, entry := range s.AllowedPublicOrigins {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "://") {
			if normalizeOrigin(entry) == norm {
				return true
			}
		} else if strings.EqualFold(entry, host) {
			return true
		}
	}
	return false
}

// normalizeOrigin lowercases the origin and strips any trailing slash so that
// "HTTP://LocalHost:6274/" matches "http://localhost:6274".
func normalizeOrigin(origin string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(origin)), "/")
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// Endpoint URL builders. All endpoints are derived from the issuer so that
// the discovery documents stay consistent with the mounted routes.

func (s *Settings) endpoint(path string) string {
	return strings.TrimSuffix(s.Issuer, "/") + path
}

// AuthorizationEndpoint returns the published authorization endpoint URL.
func (s *Settings) AuthorizationEndpoint() string { return s.endpoint(AuthorizationPath) }

// TokenEndpoint returns the published token endpoint URL.
func (s *Settings) TokenEndpoint() string { return s.endpoint(TokenPath) }

// RegistrationEndpoint returns the dynamic client registration endpoint URL.
func (s *Settings) RegistrationEndpoint() string { return s.endpoint(RegistrationPath) }

// JWKSEndpoint returns the JSON Web Key Set endpoint URL.
func (s *Settings) JWKSEndpoint() string { return s.endpoint(JWKSPath) }

// UserinfoEndpoint returns the OIDC userinfo endpoint URL.
func (s *Settings) UserinfoEndpoint() string { return s.endpoint(UserinfoPath) }

// RevocationEndpoint returns the RFC 7009 revocation endpoint URL.
func (s *Settings) RevocationEndpoint() string { return s.endpoint(RevocationPath) }

// IntrospectionEndpoint returns the RFC 7662 introspection endpoint URL.
func (s *Settings) IntrospectionEndpoint() string { return s.endpoint(IntrospectionPath) }

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure options.
func applySecureDefaults(settings *Settings, logger *slog.Logger) *Settings {
	if settings.CleanupLogsAfterDays == 0 {
		settings.CleanupLogsAfterDays = DefaultCleanupLogsAfterDays
	}
	if settings.TrustedProxyCount == 0 {
		settings.TrustedProxyCount = 1
	}
	if settings.MaxClientsPerIP == 0 {
		settings.MaxClientsPerIP = 10
	}
	if len(settings.SupportedScopes) == 0 {
		settings.SupportedScopes = []string{"openid", "all"}
	}
	if settings.ResourceName == "" {
		settings.ResourceName = "Assistant Core MCP Server"
	}

	logSecurityWarnings(settings, logger)
	return settings
}

// logSecurityWarnings logs warnings for configuration that weakens security
// or that will silently reject requests.
func logSecurityWarnings(settings *Settings, logger *slog.Logger) {
	if settings.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if the proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if !settings.DynamicRegistrationEnabled {
		return
	}
	for _, entry := range settings.AllowedPublicOrigins {
		if strings.TrimSpace(entry) == "*" {
			logger.Warn("⚠️  SECURITY WARNING: Public client origin wildcard is ENABLED",
				"risk", "Any web page can register public OAuth clients",
				"recommendation", "List the specific origins of your browser clients instead of *")
			return
		}
	}
	if len(settings.AllowedPublicOrigins) == 0 {
		logger.Warn("⚠️  CONFIGURATION NOTICE: No public client origins allowed",
			"effect", "Every public client registration will be rejected with origin_not_allowed",
			"recommendation", "Add your browser client origins to AllowedPublicOrigins")
	}
}

// MigrateSettings upgrades a settings snapshot to the current schema version.
// The upgrade is deterministic: migrating the same snapshot twice yields the
// same result, and an already-current snapshot is returned unchanged apart
// from cloning.
func MigrateSettings(settings *Settings, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	out := settings.Clone()

	for out.SchemaVersion < SettingsSchemaVersion {
		from := out.SchemaVersion
		switch out.SchemaVersion {
		case 0, 1:
			// v1 kept the public origins as a newline-separated text blob and
			// had no retention knob.
			if len(out.AllowedPublicOrigins) == 0 && out.LegacyAllowedOrigins != "" {
				for _, line := range strings.Split(out.LegacyAllowedOrigins, "\n") {
					if line = strings.TrimSpace(line); line != "" {
						out.AllowedPublicOrigins = append(out.AllowedPublicOrigins, line)
					}
				}
			}
			out.LegacyAllowedOrigins = ""
			if out.CleanupLogsAfterDays == 0 {
				out.CleanupLogsAfterDays = DefaultCleanupLogsAfterDays
			}
			out.SchemaVersion = 2
		default:
			// Unknown intermediate version, nothing to rewrite.
			out.SchemaVersion++
		}
		logger.Info("Migrated settings schema",
			"from_version", from,
			"to_version", out.SchemaVersion)
	}

	return out
}

// SettingsHandle provides lock-free reads of the current settings snapshot.
// Reads are a single atomic pointer load; updates validate, migrate and
// default the new snapshot before publishing it.
type SettingsHandle struct {
	current atomic.Pointer[Settings]
	logger  *slog.Logger
}

// NewSettingsHandle migrates, validates and publishes the initial snapshot.
func NewSettingsHandle(settings *Settings, logger *slog.Logger) (*SettingsHandle, error) {
	if settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &SettingsHandle{logger: logger}
	if err := h.Update(settings); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the active settings snapshot. The returned value must be
// treated as read-only; callers needing to modify it should Clone first.
func (h *SettingsHandle) Current() *Settings {
	return h.current.Load()
}

// Update publishes a new settings snapshot. In-flight operations keep the
// snapshot they loaded; subsequent operations observe the new one.
func (h *SettingsHandle) Update(settings *Settings) error {
	next := MigrateSettings(settings, h.logger)
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	next = applySecureDefaults(next, h.logger)
	h.current.Store(next)
	return nil
}
