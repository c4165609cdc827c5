package patterns

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/miradorstack/kube-memory/internal/cache"
	"github.com/miradorstack/kube-memory/internal/models"
)

// ErrNoSnapshot is returned by LoadPatterns when nothing fresh is cached.
var ErrNoSnapshot = errors.New("no pattern snapshot")

// StoreFunc adapts a function to the Store interface.
type StoreFunc func(ctx context.Context, namespace string, patterns []models.ClusterPattern) error

// StorePatterns implements Store.
func (f StoreFunc) StorePatterns(ctx context.Context, namespace string, patterns []models.ClusterPattern) error {
	return f(ctx, namespace, patterns)
}

// CacheStore keeps short-lived pattern snapshots in the shared cache.
type CacheStore struct {
	provider cache.Provider
	ttl      time.Duration
}

// NewCacheStore returns a CacheStore; ttl <= 0 defaults to 30s.
func NewCacheStore(provider cache.Provider, ttl time.Duration) *CacheStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CacheStore{provider: provider, ttl: ttl}
}

// StorePatterns implements Store.
func (s *CacheStore) StorePatterns(ctx context.Context, namespace string, patterns []models.ClusterPattern) error {
	payload, err := json.Marshal(patterns)
	if err != nil {
		return err
	}
	return s.provider.Set(ctx, snapshotKey(namespace), payload, s.ttl)
}

// LoadPatterns implements Loader.
func (s *CacheStore) LoadPatterns(ctx context.Context, namespace string) ([]models.ClusterPattern, error) {
	payload, err := s.provider.Get(ctx, snapshotKey(namespace))
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNoSnapshot
		}
		return nil, err
	}
	var out []models.ClusterPattern
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate drops the snapshots for namespace and the cluster-wide one.
func (s *CacheStore) Invalidate(ctx context.Context, namespace string) error {
	errs := []error{s.provider.Del(ctx, snapshotKey(""))}
	if namespace != "" {
		errs = append(errs, s.provider.Del(ctx, snapshotKey(namespace)))
	}
	return errors.Join(errs...)
}

func snapshotKey(namespace string) string {
	if namespace == "" {
		namespace = "*"
	}
	return "kube-memory:patterns:" + namespace
}
