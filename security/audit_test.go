package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func captureAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditorDisabled(t *testing.T) {
	aud, buf := captureAuditor(false)
	aud.LogClientRegistered("client-1", "public", "203.0.113.9")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditorNilSafe(t *testing.T) {
	var aud *Auditor
	// Must not panic.
	aud.LogEvent(Event{Type: EventAuthFailure})
	aud.LogClientRegistered("client-1", "public", "203.0.113.9")
}

func TestAuditorHashesUserID(t *testing.T) {
	aud, buf := captureAuditor(true)
	aud.LogAuthFailure("alice@example.com", "client-1", "203.0.113.9", "bad_secret")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("audit log contains the raw user ID")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("audit output is not JSON: %v", err)
	}
	hash, _ := entry["user_id_hash"].(string)
	if len(hash) != 16 {
		t.Errorf("user_id_hash = %q, want a 16-character hash", hash)
	}
	if entry["event_type"] != EventAuthFailure {
		t.Errorf("event_type = %v, want %q", entry["event_type"], EventAuthFailure)
	}
}

func TestAuditorEventFields(t *testing.T) {
	aud, buf := captureAuditor(true)
	aud.LogOriginRejected("https://evil.example.com", "203.0.113.9")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("audit output is not JSON: %v", err)
	}
	if entry["event_type"] != EventOriginNotAllowed {
		t.Errorf("event_type = %v, want %q", entry["event_type"], EventOriginNotAllowed)
	}
	details, _ := entry["details"].(map[string]any)
	if details["origin"] != "https://evil.example.com" {
		t.Errorf("details.origin = %v", details["origin"])
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}
	a := hashForLogging("alice")
	b := hashForLogging("bob")
	if a == b {
		t.Error("different inputs produced the same hash")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a != hashForLogging("alice") {
		t.Error("hash is not deterministic")
	}
}
