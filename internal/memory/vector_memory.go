package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/kube-memory/internal/embedding"
	"github.com/miradorstack/kube-memory/internal/models"
)

// InMemoryVectorStore is a brute-force VectorStore for single-replica deployments and tests.
type InMemoryVectorStore struct {
	mu   sync.RWMutex
	docs map[string]models.VectorDocument
}

// NewInMemoryVectorStore returns an empty store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{docs: make(map[string]models.VectorDocument)}
}

// Upsert implements VectorStore.
func (s *InMemoryVectorStore) Upsert(_ context.Context, doc models.VectorDocument) error {
	doc.Embedding = append([]float32(nil), doc.Embedding...)
	s.mu.Lock()
	s.docs[doc.ID] = doc
	s.mu.Unlock()
	return nil
}

// Search implements VectorStore.
func (s *InMemoryVectorStore) Search(ctx context.Context, vector []float32, filters models.SearchFilters, k int) ([]models.ScoredDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	hits := make([]models.ScoredDocument, 0, len(s.docs))
	for _, doc := range s.docs {
		if !filters.Matches(doc) {
			continue
		}
		hits = append(hits, models.ScoredDocument{Document: doc, Similarity: embedding.Similarity(vector, doc.Embedding)})
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Document.ID < hits[j].Document.ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Superseding implements VectorStore.
func (s *InMemoryVectorStore) Superseding(_ context.Context, ids []string) ([]models.VectorDocument, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.VectorDocument
	for _, doc := range s.docs {
		if doc.Metadata.Supersedes != "" && want[doc.Metadata.Supersedes] {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns a stored document by id.
func (s *InMemoryVectorStore) Get(id string) (models.VectorDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Len reports how many documents are stored.
func (s *InMemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}
