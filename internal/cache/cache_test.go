package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := NewMemoryProvider()
	p.now = func() time.Time { return now }
	ctx := context.Background()

	if err := p.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, err := p.Get(ctx, "k"); err != nil || string(got) != "v" {
		t.Fatalf("unexpected get %q %v", got, err)
	}
	now = now.Add(time.Minute)
	if _, err := p.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestTryLockIsExclusive(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	first, err := TryLock(ctx, p, "analysis:inc-1", time.Minute)
	if err != nil || first == nil {
		t.Fatalf("expected first lock, got %v %v", first, err)
	}
	second, err := TryLock(ctx, p, "analysis:inc-1", time.Minute)
	if err != nil || second != nil {
		t.Fatalf("expected second lock attempt to fail, got %v %v", second, err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	third, err := TryLock(ctx, p, "analysis:inc-1", time.Minute)
	if err != nil || third == nil {
		t.Fatalf("expected lock after release, got %v %v", third, err)
	}
}

func TestReleaseDoesNotStealForeignLock(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()
	stale := &Lock{provider: p, key: "analysis:inc-2", token: []byte("old")}
	if ok, _ := p.SetNX(ctx, "analysis:inc-2", []byte("new"), time.Minute); !ok {
		t.Fatalf("setup failed")
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, err := p.Get(ctx, "analysis:inc-2"); err != nil || string(got) != "new" {
		t.Fatalf("foreign lock must survive, got %q %v", got, err)
	}
}

func TestNoopProviderAlwaysMisses(t *testing.T) {
	var p Provider = NoopProvider{}
	if _, err := p.Get(context.Background(), "x"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss")
	}
}
