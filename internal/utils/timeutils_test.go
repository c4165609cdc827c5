package utils

import (
	"context"
	"testing"
	"time"
)

func TestWithinWindowIsSymmetric(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(5 * time.Minute)

	if !WithinWindow(base, later, 5*time.Minute) || !WithinWindow(later, base, 5*time.Minute) {
		t.Fatalf("expected inclusive window in both directions")
	}
	if WithinWindow(base, later.Add(time.Second), 5*time.Minute) {
		t.Fatalf("expected pair outside window")
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	if got := Truncate("héllo", 2); got != "h" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := Truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncation %q", got)
	}
}

func TestDurationMinutesOrderIndependent(t *testing.T) {
	a := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	b := a.Add(90 * time.Second)
	if DurationMinutes(b, a) != 1.5 {
		t.Fatalf("unexpected minutes %v", DurationMinutes(b, a))
	}
}

func TestSleepContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
