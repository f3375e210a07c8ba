package gateway

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	r := newReconnector(ReconnectPolicy{
		MaxAttempts: 0,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
	})

	var prev time.Duration
	for i := 0; i < 4; i++ {
		d := r.nextDelay()
		if d < prev {
			t.Fatalf("attempt %d: delay %v shrunk below %v", i, d, prev)
		}
		if d > 8*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
		prev = d
	}
	// Far past the cap the delay must pin to MaxDelay exactly.
	for i := 0; i < 10; i++ {
		r.nextDelay()
	}
	if d := r.nextDelay(); d != 8*time.Second {
		t.Fatalf("expected capped delay, got %v", d)
	}
}

func TestMaxAttemptsExhausts(t *testing.T) {
	r := newReconnector(ReconnectPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond})

	for i := 0; i < 3; i++ {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d should still be allowed", i)
		}
		r.nextDelay()
	}
	if r.shouldReconnect() {
		t.Fatal("attempts should be exhausted")
	}
}

func TestZeroMaxAttemptsRetriesForever(t *testing.T) {
	r := newReconnector(ReconnectPolicy{MaxAttempts: 0, BaseDelay: time.Millisecond})
	for i := 0; i < 50; i++ {
		r.nextDelay()
	}
	if !r.shouldReconnect() {
		t.Fatal("zero max attempts should never exhaust")
	}
}

func TestDisabledPolicyNeverReconnects(t *testing.T) {
	r := newReconnector(ReconnectPolicy{Disabled: true})
	if r.shouldReconnect() {
		t.Fatal("disabled policy must not reconnect")
	}
}

func TestStableConnectionResetsAttempts(t *testing.T) {
	r := newReconnector(ReconnectPolicy{
		MaxAttempts: 0,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		StableAfter: 10 * time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	r.markConnected()
	time.Sleep(20 * time.Millisecond)

	// Base delay plus at most 50% jitter: a reset counter cannot exceed 1.5s.
	if d := r.nextDelay(); d > 1500*time.Millisecond {
		t.Fatalf("expected attempt counter reset after stable period, got %v", d)
	}
}
