package repo

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/kube-memory/internal/cache"
)

type transportFunc func(*http.Request) (*http.Response, error)

func (f transportFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func weaviateClient(fn transportFunc) *http.Client {
	return &http.Client{Transport: fn}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func okResponse(body string) *http.Response { return jsonResponse(http.StatusOK, body) }

// countingCache records how often the store writes to the shared cache.
type countingCache struct {
	*cache.MemoryProvider

	mu   sync.Mutex
	sets int
}

func newCountingCache() *countingCache {
	return &countingCache{MemoryProvider: cache.NewMemoryProvider()}
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	c.mu.Unlock()
	return c.MemoryProvider.Set(ctx, key, value, ttl)
}

func (c *countingCache) setCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}
