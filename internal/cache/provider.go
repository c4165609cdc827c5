package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Provider is the shared key/value store behind the analysis lock, the similar-search
// cache and pattern snapshots. Values are opaque bytes.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DelIfEquals removes key only while it still holds value.
	DelIfEquals(ctx context.Context, key string, value []byte) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// NoopProvider stores nothing. Every lock attempt succeeds, so it suits a single replica
// where the pipeline's in-process single-flight already serialises analysis.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) DelIfEquals(context.Context, string, []byte) (bool, error) { return true, nil }

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
