package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Client registration events

	// EventClientRegistered is logged when a new OAuth client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when client registration is rejected for security reasons
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventOriginNotAllowed is logged when a public client registration is blocked
	// because the request origin is not on the allow-list
	EventOriginNotAllowed = "origin_not_allowed"

	// EventClientRevoked is logged when a client registration is deleted
	EventClientRevoked = "client_revoked"

	// Security violation events

	// EventAuthFailure is logged when authentication fails (wrong credentials, etc.)
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventSuspiciousActivity is logged for general suspicious behavior
	EventSuspiciousActivity = "suspicious_activity"

	// EventInvalidRedirect is logged when an invalid redirect URI is submitted
	EventInvalidRedirect = "invalid_redirect"

	// Connection lifecycle events

	// EventConnectionOpened is logged when a tracked connection is opened
	EventConnectionOpened = "connection_opened"

	// EventConnectionClosed is logged when a tracked connection ends
	EventConnectionClosed = "connection_closed"

	// EventConnectionError is logged when an error is recorded on a tracked connection
	EventConnectionError = "connection_error"
)
