package server

import (
	"fmt"
	"net/http"
)

// Registration error codes returned to clients (RFC 7591 error registry plus
// the origin extension).
const (
	ErrorCodeRegistrationDisabled  = "registration_disabled"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeOriginNotAllowed      = "origin_not_allowed"
)

// RegistrationError is a machine-readable registration failure. The HTTP
// handler maps it onto the RFC 7591 error response body; Description is safe
// to return to clients, the wrapped cause is for logs only.
type RegistrationError struct {
	Code        string
	Description string
	Status      int
	cause       error
}

// Error implements the error interface
func (e *RegistrationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the internal cause for errors.Is/As chains.
func (e *RegistrationError) Unwrap() error {
	return e.cause
}

func errRegistrationDisabled() *RegistrationError {
	return &RegistrationError{
		Code:        ErrorCodeRegistrationDisabled,
		Description: "dynamic client registration is disabled",
		Status:      http.StatusForbidden,
	}
}

func errInvalidRedirectURI(cause error) *RegistrationError {
	return &RegistrationError{
		Code:        ErrorCodeInvalidRedirectURI,
		Description: "redirect_uris must be https",
		Status:      http.StatusBadRequest,
		cause:       cause,
	}
}

func errInvalidClientMetadata(desc string) *RegistrationError {
	return &RegistrationError{
		Code:        ErrorCodeInvalidClientMetadata,
		Description: desc,
		Status:      http.StatusBadRequest,
	}
}

func errOriginNotAllowed() *RegistrationError {
	return &RegistrationError{
		Code:        ErrorCodeOriginNotAllowed,
		Description: "origin is not allowed to register public clients",
		Status:      http.StatusForbidden,
	}
}
