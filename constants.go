package oauth

import "github.com/assistant-core/assistant-oauth/server"

// Well-known discovery document paths.
const (
	WellKnownAuthorizationServer = "/.well-known/oauth-authorization-server"
	WellKnownProtectedResource   = "/.well-known/oauth-protected-resource"
	WellKnownOpenIDConfiguration = "/.well-known/openid-configuration"
)

// Endpoint paths, re-exported from the server package so embedders only need
// this package to mount routes.
const (
	RegistrationPath = server.RegistrationPath
	JWKSPath         = server.JWKSPath
)

// Client type constants
const (
	ClientTypePublic       = server.ClientTypePublic
	ClientTypeConfidential = server.ClientTypeConfidential
)

// Token endpoint authentication methods (RFC 7591)
const (
	TokenEndpointAuthMethodNone  = server.TokenEndpointAuthMethodNone
	TokenEndpointAuthMethodBasic = server.TokenEndpointAuthMethodBasic
	TokenEndpointAuthMethodPost  = server.TokenEndpointAuthMethodPost
)

// PKCEMethodS256 is the only advertised PKCE code challenge method.
// The plain method is insecure and deliberately not supported.
const PKCEMethodS256 = "S256"

// maxRegistrationBodySize bounds registration request bodies (64 KiB).
const maxRegistrationBodySize = 64 * 1024
