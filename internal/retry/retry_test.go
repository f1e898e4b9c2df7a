package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoStopsAtMaxAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 5, Linear(time.Microsecond), func() error {
		attempts++
		return errors.New("still conflicting")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", attempts)
	}
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	hard := errors.New("deterministic failure")
	err := Do(context.Background(), 5, Linear(time.Microsecond), func() error {
		attempts++
		return Permanent(hard)
	})
	if !errors.Is(err, hard) {
		t.Fatalf("expected wrapped permanent error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestDoSucceedsMidway(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), 5, Linear(time.Microsecond), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestLinearBackOffSchedule(t *testing.T) {
	policy := Linear(80 * time.Millisecond)
	for i := 1; i <= 4; i++ {
		wait := policy.NextBackOff()
		if wait != time.Duration(i)*80*time.Millisecond {
			t.Fatalf("attempt %d: expected %v, got %v", i, time.Duration(i)*80*time.Millisecond, wait)
		}
	}
	policy.Reset()
	if wait := policy.NextBackOff(); wait != 80*time.Millisecond {
		t.Fatalf("expected reset schedule to restart at 80ms, got %v", wait)
	}
}
