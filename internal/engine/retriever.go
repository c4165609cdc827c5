package engine

import (
	"context"

	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/models"
)

// Searcher is the semantic half of the memory store.
type Searcher interface {
	SearchSimilar(ctx context.Context, text string, filters models.SearchFilters, k int) ([]models.RetrievedDoc, error)
}

// Retriever finds the past incidents, fixes and corrections most similar to an incident.
type Retriever struct {
	store Searcher
	topK  int
}

// NewRetriever constructs a Retriever returning at most topK documents (default 5).
func NewRetriever(store Searcher, topK int) *Retriever {
	if topK <= 0 {
		topK = 5
	}
	return &Retriever{store: store, topK: topK}
}

// Retrieve returns documents in the incident's namespace and type, by effective rank, excluding the incident's own document.
func (r *Retriever) Retrieve(ctx context.Context, incident models.Incident) ([]models.RetrievedDoc, error) {
	filters := models.SearchFilters{
		Namespace:    incident.Namespace,
		IncidentType: incident.Type,
		ExcludeIDs:   []string{models.DocumentID(models.DocIncident, incident.ID)},
	}
	docs, err := r.store.SearchSimilar(ctx, memory.IncidentQuery(incident), filters, r.topK)
	if err != nil {
		return nil, err
	}
	return docs, nil
}
