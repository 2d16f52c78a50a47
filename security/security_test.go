package security

import (
	"testing"
	"time"
)

func TestIsExpired_BoundaryInclusive(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future deadline", now.Add(time.Minute), false},
		{"past deadline", now.Add(-time.Minute), true},
		{"exact boundary", now, true},
		{"zero deadline never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Errorf("IsExpired(%v) = %v, want %v", tt.expiresAt, got, tt.want)
			}
		})
	}
}

func TestRateLimiter_BurstThenReject(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("client-1") {
			t.Fatalf("request %d within burst rejected", i+1)
		}
	}

	if rl.Allow("client-1") {
		t.Error("request beyond burst allowed")
	}

	if d := rl.RetryAfter("client-1"); d <= 0 {
		t.Errorf("RetryAfter = %v, want positive delay", d)
	}
}

func TestRateLimiter_IdentifiersAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	if !rl.Allow("a") {
		t.Fatal("first request for a rejected")
	}
	if rl.Allow("a") {
		t.Error("second request for a allowed within same second")
	}
	if !rl.Allow("b") {
		t.Error("first request for b rejected after a was limited")
	}
}

func TestRateLimiter_LRUEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 2, nil)
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	rl.Allow("c") // evicts a

	stats := rl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}

	// a was evicted, so it gets a fresh bucket and is allowed again.
	if !rl.Allow("a") {
		t.Error("evicted identifier not given a fresh bucket")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, nil)
	defer rl.Stop()

	rl.Allow("idle")
	rl.Cleanup(0)

	if got := rl.GetStats().CurrentEntries; got != 0 {
		t.Errorf("CurrentEntries after cleanup = %d, want 0", got)
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}

	h := hashForLogging("alice@example.com")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h == "alice@example.com" {
		t.Error("hash leaked the input")
	}
	if h != hashForLogging("alice@example.com") {
		t.Error("hash is not deterministic")
	}
}
