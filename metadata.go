package oauth

import "github.com/assistant-core/assistant-oauth/server"

// Discovery documents are built from typed structs rather than maps so that
// field order is fixed: repeated requests against an unchanged settings
// snapshot produce byte-identical JSON.

// buildAuthorizationServerMetadata builds the RFC 8414 document.
// The registration endpoint is advertised only while dynamic registration is
// enabled, so clients never discover an endpoint that would reject them.
func buildAuthorizationServerMetadata(cfg *server.Settings) *AuthorizationServerMetadata {
	md := &AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		JWKSURI:                           cfg.JWKSEndpoint(),
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            server.SupportedResponseTypes,
		GrantTypesSupported:               server.SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: supportedTokenAuthMethods(),
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
		RevocationEndpoint:                cfg.RevocationEndpoint(),
		IntrospectionEndpoint:             cfg.IntrospectionEndpoint(),
		ServiceDocumentation:              cfg.DocsURL,
		OpPolicyURI:                       cfg.PolicyURI,
		OpTosURI:                          cfg.TermsOfServiceURI,
	}
	if cfg.DynamicRegistrationEnabled {
		md.RegistrationEndpoint = cfg.RegistrationEndpoint()
	}
	return md
}

// buildOpenIDConfiguration builds the OIDC discovery superset of the RFC 8414
// document. The server issues HS256 ID tokens through the host application,
// which is why the signing algorithm list is fixed.
func buildOpenIDConfiguration(cfg *server.Settings) *OpenIDConfiguration {
	md := &OpenIDConfiguration{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		UserinfoEndpoint:                  cfg.UserinfoEndpoint(),
		RevocationEndpoint:                cfg.RevocationEndpoint(),
		IntrospectionEndpoint:             cfg.IntrospectionEndpoint(),
		JWKSURI:                           cfg.JWKSEndpoint(),
		ScopesSupported:                   cfg.SupportedScopes,
		ResponseTypesSupported:            server.SupportedResponseTypes,
		GrantTypesSupported:               server.SupportedGrantTypes,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"HS256"},
		TokenEndpointAuthMethodsSupported: supportedTokenAuthMethods(),
		CodeChallengeMethodsSupported:     []string{PKCEMethodS256},
	}
	if cfg.DynamicRegistrationEnabled {
		md.RegistrationEndpoint = cfg.RegistrationEndpoint()
	}
	return md
}

// buildProtectedResourceMetadata builds the RFC 9728 document.
func buildProtectedResourceMetadata(cfg *server.Settings) *ProtectedResourceMetadata {
	return &ProtectedResourceMetadata{
		Resource:               cfg.Issuer,
		AuthorizationServers:   []string{cfg.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        cfg.SupportedScopes,
		ResourceName:           cfg.ResourceName,
		ResourceDocumentation:  cfg.DocsURL,
	}
}

// buildJWKS builds the always-empty key set.
func buildJWKS() *JSONWebKeySet {
	return &JSONWebKeySet{Keys: []any{}}
}

func supportedTokenAuthMethods() []string {
	return []string{
		TokenEndpointAuthMethodBasic,
		TokenEndpointAuthMethodPost,
		TokenEndpointAuthMethodNone,
	}
}
