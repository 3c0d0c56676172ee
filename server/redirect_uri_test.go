package server

import (
	"strings"
	"testing"
)

func TestValidateRedirectURIs(t *testing.T) {
	tests := []struct {
		name         string
		uris         []string
		wantErr      bool
		wantCategory string
	}{
		{
			name: "https is allowed",
			uris: []string{"https://app.example.com/callback"},
		},
		{
			name: "http localhost is allowed",
			uris: []string{"http://localhost:6274/oauth/callback"},
		},
		{
			name: "http 127.0.0.1 is allowed",
			uris: []string{"http://127.0.0.1:8976/callback"},
		},
		{
			name: "http IPv6 loopback is allowed",
			uris: []string{"http://[::1]:8080/callback"},
		},
		{
			name: "http localhost without port is allowed",
			uris: []string{"http://localhost/callback"},
		},
		{
			name: "mixed https and loopback http is allowed",
			uris: []string{"https://app.example.com/cb", "http://localhost:3000/cb"},
		},
		{
			name:         "http on public host is rejected",
			uris:         []string{"http://app.example.com/callback"},
			wantErr:      true,
			wantCategory: RedirectURICategoryHTTPNotLocal,
		},
		{
			name:         "http on lan host is rejected",
			uris:         []string{"http://192.168.1.10/callback"},
			wantErr:      true,
			wantCategory: RedirectURICategoryHTTPNotLocal,
		},
		{
			name:         "custom scheme is rejected",
			uris:         []string{"myapp://callback"},
			wantErr:      true,
			wantCategory: RedirectURICategoryScheme,
		},
		{
			name:         "javascript scheme is rejected",
			uris:         []string{"javascript:alert(1)"},
			wantErr:      true,
			wantCategory: RedirectURICategoryScheme,
		},
		{
			name:         "fragment is rejected",
			uris:         []string{"https://app.example.com/callback#frag"},
			wantErr:      true,
			wantCategory: RedirectURICategoryFragment,
		},
		{
			name:         "empty list is rejected",
			uris:         nil,
			wantErr:      true,
			wantCategory: RedirectURICategoryMissing,
		},
		{
			name:         "empty string is rejected",
			uris:         []string{""},
			wantErr:      true,
			wantCategory: RedirectURICategoryInvalidFormat,
		},
		{
			name:         "oversized uri is rejected",
			uris:         []string{"https://app.example.com/" + strings.Repeat("a", 3000)},
			wantErr:      true,
			wantCategory: RedirectURICategoryInvalidFormat,
		},
		{
			name:         "one bad uri rejects the whole set",
			uris:         []string{"https://app.example.com/cb", "http://evil.example.com/cb"},
			wantErr:      true,
			wantCategory: RedirectURICategoryHTTPNotLocal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURIs(tt.uris)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRedirectURIs(%v) error = %v, wantErr %v", tt.uris, err, tt.wantErr)
			}
			if tt.wantErr {
				if got := GetRedirectURIErrorCategory(err); got != tt.wantCategory {
					t.Errorf("category = %q, want %q", got, tt.wantCategory)
				}
			}
		})
	}
}

func TestSanitizeURIForLogging(t *testing.T) {
	got := sanitizeURIForLogging("https://app.example.com/cb?token=secret")
	if strings.Contains(got, "secret") {
		t.Errorf("sanitized URI still contains query value: %q", got)
	}

	long := "https://app.example.com/" + strings.Repeat("a", 500)
	if got := sanitizeURIForLogging(long); len(got) > 130 {
		t.Errorf("sanitized URI not truncated: %d chars", len(got))
	}
}
