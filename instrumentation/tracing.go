package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never put sensitive values (client secrets, credentials) in traces or
// metrics; only metadata such as client types, statuses and error codes.
const (
	// OAuth attributes
	AttrClientID   = "oauth.client_id" // Client identifier (non-secret)
	AttrClientType = "oauth.client_type"
	AttrGrantType  = "oauth.grant_type"
	AttrOrigin     = "oauth.origin"
	AttrError      = "oauth.error"
	AttrDocument   = "oauth.discovery.document"

	// Connection tracking attributes
	AttrConnectionType   = "connection.type"
	AttrConnectionStatus = "connection.status"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}
