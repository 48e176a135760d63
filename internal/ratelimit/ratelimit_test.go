package ratelimit

import (
	"errors"
	"testing"
)

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("host-1"); err != nil {
			t.Fatalf("unlimited limiter rejected request %d: %v", i, err)
		}
	}
}

func TestBurstExhaustion(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("host-1"); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i, err)
		}
	}
	if err := l.Allow("host-1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("request beyond burst = %v, want ErrRateLimited", err)
	}
}

func TestClientsIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("host-1"); err != nil {
		t.Fatalf("host-1 first request: %v", err)
	}
	if err := l.Allow("host-1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("host-1 should be limited, got %v", err)
	}
	// A different client has its own bucket.
	if err := l.Allow("host-2"); err != nil {
		t.Errorf("host-2 limited by host-1's bucket: %v", err)
	}
}
