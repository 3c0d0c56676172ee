package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.9:54321",
			want:       "203.0.113.9",
		},
		{
			name:       "proxy headers ignored without trust",
			remoteAddr: "10.0.0.1:54321",
			xff:        "203.0.113.9",
			xRealIP:    "198.51.100.1",
			want:       "10.0.0.1",
		},
		{
			name:              "single proxy XFF",
			remoteAddr:        "10.0.0.1:54321",
			xff:               "203.0.113.9",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:              "two proxies take the second from the right",
			remoteAddr:        "10.0.0.1:54321",
			xff:               "1.2.3.4, 203.0.113.9, 172.16.0.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.9",
		},
		{
			name:              "spoofed left entries are not trusted",
			remoteAddr:        "10.0.0.1:54321",
			xff:               "1.2.3.4, 203.0.113.9",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:              "zero proxy count behaves like one",
			remoteAddr:        "10.0.0.1:54321",
			xff:               "1.2.3.4, 203.0.113.9",
			trustProxy:        true,
			trustedProxyCount: 0,
			want:              "203.0.113.9",
		},
		{
			name:       "X-Real-IP fallback",
			remoteAddr: "10.0.0.1:54321",
			xRealIP:    "203.0.113.9",
			trustProxy: true,
			want:       "203.0.113.9",
		},
		{
			name:       "invalid XFF falls through to RemoteAddr",
			remoteAddr: "10.0.0.1:54321",
			xff:        "not-an-ip",
			trustProxy: true,
			want:       "10.0.0.1",
		},
		{
			name:       "IPv6 remote addr",
			remoteAddr: "[2001:db8::1]:54321",
			want:       "2001:db8::1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPIndex(t *testing.T) {
	tests := []struct {
		numIPs            int
		trustedProxyCount int
		want              int
	}{
		{numIPs: 1, trustedProxyCount: 1, want: 0},
		{numIPs: 2, trustedProxyCount: 1, want: 1},
		{numIPs: 3, trustedProxyCount: 1, want: 2},
		{numIPs: 3, trustedProxyCount: 2, want: 1},
		{numIPs: 2, trustedProxyCount: 5, want: 0},
		{numIPs: 2, trustedProxyCount: 0, want: 1},
	}

	for _, tt := range tests {
		if got := clientIPIndex(tt.numIPs, tt.trustedProxyCount); got != tt.want {
			t.Errorf("clientIPIndex(%d, %d) = %d, want %d",
				tt.numIPs, tt.trustedProxyCount, got, tt.want)
		}
	}
}
