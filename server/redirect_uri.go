package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Redirect URI error categories for audit logging. Categories are
// machine-readable and never contain raw client input.
const (
	RedirectURICategoryMissing       = "missing"
	RedirectURICategoryInvalidFormat = "invalid_format"
	RedirectURICategoryFragment      = "fragment"
	RedirectURICategoryScheme        = "scheme_not_allowed"
	RedirectURICategoryHTTPNotLocal  = "http_not_loopback"
)

// maxRedirectURILength bounds individual redirect URIs to prevent log
// flooding and memory abuse via oversized registration payloads.
const maxRedirectURILength = 2000

// RedirectURIError describes a rejected redirect URI. URI and Reason are for
// internal logs; only Category is suitable for audit events.
type RedirectURIError struct {
	Category string
	URI      string
	Reason   string
}

// Error implements the error interface
func (e *RedirectURIError) Error() string {
	return fmt.Sprintf("redirect URI rejected (%s): %s", e.Category, e.Reason)
}

// GetRedirectURIErrorCategory extracts the category from an error chain,
// returning "unknown" when the error is not a RedirectURIError.
func GetRedirectURIErrorCategory(err error) string {
	var ruErr *RedirectURIError
	if errors.As(err, &ruErr) {
		return ruErr.Category
	}
	return "unknown"
}

// ValidateRedirectURIs enforces the registration redirect URI policy:
// every URI must be https, or http with a loopback host (localhost,
// 127.0.0.1, ::1) on any port. Fragments are forbidden per RFC 6749
// Section 3.1.2. At least one URI is required.
func ValidateRedirectURIs(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return &RedirectURIError{
			Category: RedirectURICategoryMissing,
			Reason:   "at least one redirect URI is required",
		}
	}

	for _, uri := range redirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return err
		}
	}
	return nil
}

func validateRedirectURI(uri string) error {
	if uri == "" || len(uri) > maxRedirectURILength {
		return &RedirectURIError{
			Category: RedirectURICategoryInvalidFormat,
			URI:      sanitizeURIForLogging(uri),
			Reason:   "redirect URI is empty or too long",
		}
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return &RedirectURIError{
			Category: RedirectURICategoryInvalidFormat,
			URI:      sanitizeURIForLogging(uri),
			Reason:   "redirect URI is not a valid URL",
		}
	}

	if parsed.Fragment != "" {
		return &RedirectURIError{
			Category: RedirectURICategoryFragment,
			URI:      sanitizeURIForLogging(uri),
			Reason:   "redirect URIs must not contain fragments",
		}
	}

	switch strings.ToLower(parsed.Scheme) {
	case "https":
		if parsed.Host == "" {
			return &RedirectURIError{
				Category: RedirectURICategoryInvalidFormat,
				URI:      sanitizeURIForLogging(uri),
				Reason:   "redirect URI has no host",
			}
		}
	case "http":
		if !isLoopbackHost(parsed.Hostname()) {
			return &RedirectURIError{
				Category: RedirectURICategoryHTTPNotLocal,
				URI:      sanitizeURIForLogging(uri),
				Reason:   "http redirect URIs are only allowed for loopback hosts",
			}
		}
	default:
		return &RedirectURIError{
			Category: RedirectURICategoryScheme,
			URI:      sanitizeURIForLogging(uri),
			Reason:   fmt.Sprintf("scheme %q is not allowed", parsed.Scheme),
		}
	}

	return nil
}

// sanitizeURIForLogging truncates and strips query strings so that logged
// URIs cannot leak tokens or flood the logs.
func sanitizeURIForLogging(uri string) string {
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		uri = uri[:idx] + "?..."
	}
	const maxLogged = 120
	if len(uri) > maxLogged {
		return uri[:maxLogged] + "..."
	}
	return uri
}
