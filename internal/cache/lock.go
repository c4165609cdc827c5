package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lock is a best-effort cross-replica mutex stored in a Provider.
type Lock struct {
	provider Provider
	key      string
	token    []byte
}

// TryLock attempts to take key for ttl. It returns nil, nil when another holder owns it.
func TryLock(ctx context.Context, provider Provider, key string, ttl time.Duration) (*Lock, error) {
	if provider == nil {
		provider = NoopProvider{}
	}
	token := []byte(uuid.NewString())
	ok, err := provider.SetNX(ctx, key, token, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{provider: provider, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	_, err := l.provider.DelIfEquals(ctx, l.key, l.token)
	return err
}
