package security

import (
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 3, slog.Default())
	defer rl.Stop()

	// Burst allows the first requests, then the bucket is empty.
	for i := 0; i < 3; i++ {
		if !rl.Allow("203.0.113.9") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("203.0.113.9") {
		t.Error("request beyond burst was allowed")
	}

	// Other identifiers have their own buckets.
	if !rl.Allow("198.51.100.1") {
		t.Error("fresh identifier was denied")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, slog.Default())
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		rl.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}

	// A fourth identifier evicts the least recently used one.
	rl.Allow("10.0.0.3")
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() after eviction = %d, want 3", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, slog.Default())
	defer rl.Stop()

	rl.Allow("203.0.113.9")
	rl.Allow("198.51.100.1")
	if got := rl.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	// Nothing is idle long enough yet.
	rl.Cleanup(time.Minute)
	if got := rl.Len(); got != 2 {
		t.Errorf("Len() after no-op cleanup = %d, want 2", got)
	}

	// Everything is older than a zero idle threshold.
	time.Sleep(time.Millisecond)
	rl.Cleanup(0)
	if got := rl.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 10, slog.Default())
	rl.Stop()
	rl.Stop()
}
