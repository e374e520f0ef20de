package veld

import (
	"context"
	"testing"
	"time"
)

func TestSleep(t *testing.T) {
	t0 := time.Now()
	if done := Sleep(context.Background(), time.Millisecond); done {
		t.Fatalf("sleep reported a done context for background context")
	}
	if time.Since(t0) < time.Millisecond {
		t.Fatalf("sleep returned before duration elapsed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	t0 = time.Now()
	if done := Sleep(ctx, time.Minute); !done {
		t.Fatalf("sleep did not report the canceled context")
	}
	if time.Since(t0) > time.Second {
		t.Fatalf("sleep did not return promptly for a canceled context")
	}
}
