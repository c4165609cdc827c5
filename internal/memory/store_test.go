package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/embedding"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

func newTestStore() (*Store, *InMemoryVectorStore, *InMemoryGraphStore) {
	vectors := NewInMemoryVectorStore()
	graph := NewInMemoryGraphStore(2 * time.Hour)
	return NewStore(nil, vectors, graph, embedding.NewHashEmbedder(128), 3), vectors, graph
}

func oomIncident(id string, at time.Time) models.Incident {
	return models.Incident{
		ID:          id,
		PodName:     "payment-service-abc",
		Namespace:   "production",
		ServiceName: "payment-service",
		Type:        models.IncidentOOMKill,
		Severity:    models.SeverityCritical,
		Description: "Container payment exceeded its memory limit and was OOMKilled",
		OccurredAt:  at,
	}
}

func TestUpsertVectorIsIdempotentBySource(t *testing.T) {
	store, vectors, _ := newTestStore()
	ctx := context.Background()
	inc := oomIncident("inc-1", time.Now())

	id1, err := store.UpsertVector(ctx, IncidentDocument(inc))
	require.NoError(t, err)
	inc.Description = "refreshed description"
	id2, err := store.UpsertVector(ctx, IncidentDocument(inc))
	require.NoError(t, err)

	assert.Equal(t, "incident:inc-1", id1)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, vectors.Len())

	doc, ok := vectors.Get(id1)
	require.True(t, ok)
	assert.Contains(t, doc.Text, "refreshed description")
	assert.NotEmpty(t, doc.Embedding)
}

func TestUpsertVectorRejectsMissingSource(t *testing.T) {
	store, _, _ := newTestStore()
	_, err := store.UpsertVector(context.Background(), models.VectorDocument{Text: "orphan"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrMalformedInput))
}

func TestSearchSimilarHonoursFilters(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()
	now := time.Now()

	prod := oomIncident("inc-prod", now)
	staging := oomIncident("inc-staging", now)
	staging.Namespace = "staging"
	crash := oomIncident("inc-crash", now)
	crash.Type = models.IncidentCrashLoopBackOff

	for _, inc := range []models.Incident{prod, staging, crash} {
		_, err := store.UpsertVector(ctx, IncidentDocument(inc))
		require.NoError(t, err)
	}

	docs, err := store.SearchSimilar(ctx, IncidentQuery(prod), models.SearchFilters{Namespace: "production", IncidentType: models.IncidentOOMKill}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "inc-prod", docs[0].SourceID)

	docs, err = store.SearchSimilar(ctx, IncidentQuery(prod), models.SearchFilters{Namespace: "production", ExcludeIDs: []string{"incident:inc-prod"}}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "inc-crash", docs[0].SourceID)

	docs, err = store.SearchSimilar(ctx, IncidentQuery(prod), models.SearchFilters{}, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.GreaterOrEqual(t, docs[0].Rank, docs[1].Rank)
}

func TestCorrectionRanksAtOrAboveSupersededFix(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()
	inc := oomIncident("inc-1", time.Now())

	original := models.Fix{ID: "f1", IncidentID: inc.ID, Description: "Restart the pod", AISuggested: true, CreatedAt: time.Now()}
	correction := models.Fix{ID: "f2", IncidentID: inc.ID, Description: "Increase memory limit to 1Gi", CorrectionOf: "f1", Worked: true, CreatedAt: time.Now()}

	_, err := store.UpsertVector(ctx, IncidentDocument(inc))
	require.NoError(t, err)
	_, err = store.UpsertVector(ctx, FixDocument(inc, original))
	require.NoError(t, err)
	_, err = store.UpsertVector(ctx, CorrectionDocument(inc, correction, original, 1.5))
	require.NoError(t, err)

	queries := []string{
		"FIX: Restart the pod",
		"Restart the pod after OOMKill on payment-service-abc",
		IncidentQuery(inc),
	}
	for _, q := range queries {
		docs, err := store.SearchSimilar(ctx, q, models.SearchFilters{Namespace: "production"}, 3)
		require.NoError(t, err)

		pos := map[string]int{}
		for i, d := range docs {
			pos[d.ID] = i
		}
		corr, okCorr := pos["correction:f2"]
		orig, okOrig := pos["fix:f1"]
		require.True(t, okCorr, "query %q: correction missing", q)
		if okOrig {
			assert.Less(t, corr, orig, "query %q", q)
			assert.GreaterOrEqual(t, docs[corr].Rank, docs[orig].Rank)
		}
	}
}

func TestSearchPullsInCorrectorOutsideCandidateSet(t *testing.T) {
	store, _, _ := newTestStore()
	ctx := context.Background()
	inc := oomIncident("inc-1", time.Now())
	meta := metadataFor(inc, DefaultWeight)

	_, err := store.UpsertVector(ctx, models.VectorDocument{SourceID: "f1", Kind: models.DocFix, Text: "restart restart restart", Metadata: meta})
	require.NoError(t, err)
	for _, noise := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
		_, err := store.UpsertVector(ctx, models.VectorDocument{SourceID: noise, Kind: models.DocIncident, Text: "restart restart restart " + noise, Metadata: meta})
		require.NoError(t, err)
	}

	// An embedding pointing away from the query keeps the corrector out of the kNN candidates.
	corr := CorrectionDocument(inc, models.Fix{ID: "f2", Description: "raise limits"}, models.Fix{ID: "f1"}, 1.5)
	corr.Embedding = make([]float32, 128)
	corr.Embedding[0] = -1
	_, err = store.UpsertVector(ctx, corr)
	require.NoError(t, err)

	docs, err := store.SearchSimilar(ctx, "restart restart restart", models.SearchFilters{}, 1)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "correction:f2", docs[0].ID)
}

func TestRankPromotesCorrections(t *testing.T) {
	hits := []models.ScoredDocument{
		{Document: models.VectorDocument{ID: "fix:a", Metadata: models.DocMetadata{RetrievalWeight: 1}}, Similarity: 0.9},
		{Document: models.VectorDocument{ID: "correction:b", Metadata: models.DocMetadata{RetrievalWeight: 1.5, IsCorrection: true, Supersedes: "fix:a"}}, Similarity: 0.4},
		{Document: models.VectorDocument{ID: "incident:c", Metadata: models.DocMetadata{RetrievalWeight: 1}}, Similarity: 0.7},
	}
	ranked := Rank(hits)
	require.Len(t, ranked, 3)
	assert.Equal(t, "correction:b", ranked[0].ID)
	assert.Equal(t, "fix:a", ranked[1].ID)
	assert.InDelta(t, 0.9, ranked[0].Rank, 1e-9)
	assert.InDelta(t, 0.4, ranked[0].Similarity, 1e-9)
}

type flakyVectors struct {
	*InMemoryVectorStore
	failures int
	calls    int
}

func (f *flakyVectors) Upsert(ctx context.Context, doc models.VectorDocument) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return f.InMemoryVectorStore.Upsert(ctx, doc)
}

func TestVectorWritesAreRetried(t *testing.T) {
	flaky := &flakyVectors{InMemoryVectorStore: NewInMemoryVectorStore(), failures: 2}
	store := NewStore(nil, flaky, NewInMemoryGraphStore(0), embedding.NewHashEmbedder(32), 3)

	_, err := store.UpsertVector(context.Background(), IncidentDocument(oomIncident("inc-1", time.Now())))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)

	flaky.calls, flaky.failures = 0, 5
	_, err = store.UpsertVector(context.Background(), IncidentDocument(oomIncident("inc-2", time.Now())))
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrStoreWrite))
	assert.Equal(t, 3, flaky.calls)
}

type failingGraph struct {
	*InMemoryGraphStore
}

func (failingGraph) UpsertIncident(context.Context, models.Incident) error {
	return errors.New("graph down")
}

func TestVectorAndGraphWritesAreIndependent(t *testing.T) {
	vectors := NewInMemoryVectorStore()
	store := NewStore(nil, vectors, failingGraph{NewInMemoryGraphStore(0)}, embedding.NewHashEmbedder(32), 1)
	inc := oomIncident("inc-1", time.Now())

	err := store.UpsertGraphIncident(context.Background(), inc)
	require.Error(t, err)
	_, err = store.UpsertVector(context.Background(), IncidentDocument(inc))
	require.NoError(t, err)
	assert.Equal(t, 1, vectors.Len())
}

func TestRecordDeployDerivesStableID(t *testing.T) {
	store, _, graph := newTestStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	marker := models.DeployMarker{Service: "payment-service", Namespace: "production", Version: "v2", DeployedAt: at}

	first, err := store.RecordDeploy(context.Background(), marker)
	require.NoError(t, err)
	second, err := store.RecordDeploy(context.Background(), marker)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, graph.Stats().Deploys)

	_, err = store.RecordDeploy(context.Background(), models.DeployMarker{Service: "x"})
	assert.True(t, errors.Is(err, utils.ErrMalformedInput))
}
