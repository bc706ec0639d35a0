package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterEnforcesLimit(t *testing.T) {
	l := New(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Fatal("fourth request should be rejected")
	}
	if !l.Allow("5.6.7.8") {
		t.Fatal("independent key must not be affected")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := New(1, 30*time.Millisecond)

	if !l.Allow("k") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("second request inside the window should be rejected")
	}

	time.Sleep(40 * time.Millisecond)
	if !l.Allow("k") {
		t.Fatal("request after the window should be allowed")
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := New(5, 10*time.Millisecond)
	l.Allow("gone")
	time.Sleep(20 * time.Millisecond)
	l.Sweep()

	l.mu.Lock()
	_, exists := l.hits["gone"]
	l.mu.Unlock()
	if exists {
		t.Fatal("expected idle key to be evicted")
	}
}
