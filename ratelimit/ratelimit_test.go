package ratelimit

import (
	"testing"
	"time"
)

func TestWindow(t *testing.T) {
	l := &Limiter{
		Windows: []Window{
			{time.Minute, 3},
			{time.Hour, 5},
		},
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	checkRecord := func(key string, tm time.Time, exp Decision) {
		t.Helper()
		if d := l.Check(key, tm); d != exp {
			t.Fatalf("check %q at %v: got %v, expected %v", key, tm, d, exp)
		}
		if exp == Allow {
			l.Record(key, tm)
		}
	}

	// N events within the window deny the (N+1)th.
	checkRecord("ip1", now, Allow)
	checkRecord("ip1", now.Add(time.Second), Allow)
	checkRecord("ip1", now.Add(2*time.Second), Allow)
	if d := l.Check("ip1", now.Add(3*time.Second)); d != DenyWindow {
		t.Fatalf("got %v, expected DenyWindow", d)
	}
	// Another key is unaffected.
	checkRecord("ip2", now.Add(3*time.Second), Allow)

	// Once the oldest event falls outside the minute window, allowed again.
	checkRecord("ip1", now.Add(time.Minute+time.Second), Allow)
	checkRecord("ip1", now.Add(time.Minute+2*time.Second), Allow)

	// The hour window is now at its maximum of 5.
	if d := l.Check("ip1", now.Add(time.Minute+3*time.Second)); d != DenyWindow {
		t.Fatalf("got %v, expected DenyWindow for hour window", d)
	}
	// And no longer after an hour passes.
	if d := l.Check("ip1", now.Add(time.Hour+2*time.Minute)); d != Allow {
		t.Fatalf("got %v, expected Allow after hour window passed", d)
	}
}

func TestLockout(t *testing.T) {
	l := &Limiter{
		Windows: []Window{{time.Minute, 2}},
		Lockout: 15 * time.Minute,
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Record("key", now)
	l.Record("key", now)

	// Cap reached, the denial starts the lockout.
	if d := l.Check("key", now.Add(time.Second)); d != DenyLockout {
		t.Fatalf("got %v, expected DenyLockout", d)
	}
	// Lockout outlasts the window itself.
	if d := l.Check("key", now.Add(5*time.Minute)); d != DenyLockout {
		t.Fatalf("got %v, expected DenyLockout during lockout period", d)
	}
	// After the lockout expires and the window is clear, allowed again.
	if d := l.Check("key", now.Add(16*time.Minute)); d != Allow {
		t.Fatalf("got %v, expected Allow after lockout", d)
	}

	// Reset clears both events and lockout.
	l.Record("other", now)
	l.Record("other", now)
	if d := l.Check("other", now.Add(time.Second)); d != DenyLockout {
		t.Fatalf("got %v, expected DenyLockout", d)
	}
	l.Reset("other")
	if d := l.Check("other", now.Add(2*time.Second)); d != Allow {
		t.Fatalf("got %v, expected Allow after reset", d)
	}
}

func TestSweep(t *testing.T) {
	l := &Limiter{
		Windows: []Window{{time.Minute, 10}},
	}

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	l.Record("old", now)
	l.Record("fresh", now.Add(90*time.Second))

	// Retention horizon is twice the longest window.
	if n := l.Sweep(now.Add(2*time.Minute + time.Second)); n != 1 {
		t.Fatalf("swept %d keys, expected 1", n)
	}
	if l.Size() != 1 {
		t.Fatalf("got %d keys, expected 1", l.Size())
	}
	if n := l.Sweep(now.Add(time.Hour)); n != 1 {
		t.Fatalf("swept %d keys, expected 1", n)
	}
	if l.Size() != 0 {
		t.Fatalf("got %d keys, expected 0", l.Size())
	}
}
