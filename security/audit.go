// Package security provides security features for the OAuth subsystem
// including rate limiting, audit logging, client IP extraction, and secure
// header management.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(clientID, clientType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"client_type": clientType,
		},
	})
}

// LogClientRegistrationRejected logs a rejected registration attempt.
// The reason is a machine-readable rejection category, never raw client input.
func (a *Auditor) LogClientRegistrationRejected(ipAddress, reason, category string) {
	a.LogEvent(Event{
		Type:      EventClientRegistrationRejected,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason":   reason,
			"category": category,
		},
	})
}

// LogOriginRejected logs a public client registration blocked by the origin allow-list
func (a *Auditor) LogOriginRejected(origin, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventOriginNotAllowed,
		IPAddress: ipAddress,
		Details: map[string]any{
			"origin": origin,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details: map[string]any{
			"endpoint": endpoint,
		},
	})
}

// LogConnectionOpened logs a new tracked connection
func (a *Auditor) LogConnectionOpened(clientID, userID, connectionType, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventConnectionOpened,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details: map[string]any{
			"connection_type": connectionType,
		},
	})
}

// LogConnectionClosed logs the end of a tracked connection
func (a *Auditor) LogConnectionClosed(clientID, userID, status string, durationSeconds float64) {
	a.LogEvent(Event{
		Type:     EventConnectionClosed,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"status":           status,
			"duration_seconds": durationSeconds,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
