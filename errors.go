package oauth

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeRegistrationDisabled  = "registration_disabled"
	ErrorCodeOriginNotAllowed      = "origin_not_allowed"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
	ErrorCodeServerError           = "server_error"
	ErrorCodeAccessDenied          = "access_denied"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidClientMetadata indicates the registration metadata is invalid (RFC 7591)
	ErrInvalidClientMetadata = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// ErrInvalidRedirectURI indicates a redirect URI violates the registration policy
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrRegistrationDisabled indicates dynamic client registration is turned off
	ErrRegistrationDisabled = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRegistrationDisabled, desc, http.StatusForbidden)
	}

	// ErrOriginNotAllowed indicates a public client registration from a
	// non-allow-listed origin. Browsers observe it as a CORS failure because
	// the response carries no Access-Control-Allow-Origin header.
	ErrOriginNotAllowed = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeOriginNotAllowed, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates the caller is being rate limited
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}
)
