package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestHashEmbedderDeterministicAndRanked(t *testing.T) {
	e := NewHashEmbedder(128)
	ctx := context.Background()

	a, err := e.Embed(ctx, "OOMKill payment-service container exceeded memory limit")
	require.NoError(t, err)
	again, _ := e.Embed(ctx, "OOMKill payment-service container exceeded memory limit")
	near, _ := e.Embed(ctx, "payment-service OOMKill memory limit exceeded")
	far, _ := e.Embed(ctx, "image pull backoff registry unauthorized")

	assert.Equal(t, a, again)
	assert.InDelta(t, 1.0, Similarity(a, again), 1e-6)
	assert.Greater(t, Similarity(a, near), Similarity(a, far))
}

func TestCosineHandlesMismatch(t *testing.T) {
	assert.Equal(t, 0.0, Cosine(nil, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.5, Similarity([]float32{0, 0}, []float32{1, 0}))
}

func TestOllamaEmbedder(t *testing.T) {
	o := NewOllamaEmbedder("http://ollama.test/", "", 0)
	o.httpClient = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "/api/embeddings", req.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body["model"])
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(bytes.NewReader([]byte(`{"embedding":[0.1,0.2,0.3]}`))),
			Header:     make(http.Header),
		}, nil
	})}

	vec, err := o.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Provider: "word2vec"})
	assert.Error(t, err)

	e, err := New(config.EmbeddingConfig{Provider: "hash", Dimensions: 32})
	require.NoError(t, err)
	vec, _ := e.Embed(context.Background(), "x")
	assert.Len(t, vec, 32)
}
