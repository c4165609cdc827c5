// Package memory keeps the dual semantic/causal record of cluster incidents.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/miradorstack/kube-memory/internal/embedding"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// VectorStore persists embedded documents and answers nearest-neighbour queries.
type VectorStore interface {
	// Upsert replaces any document with the same ID.
	Upsert(ctx context.Context, doc models.VectorDocument) error
	// Search returns up to k documents passing filters, most similar first.
	Search(ctx context.Context, vector []float32, filters models.SearchFilters, k int) ([]models.ScoredDocument, error)
	// Superseding returns documents whose Supersedes metadata names one of ids. Embeddings must be populated.
	Superseding(ctx context.Context, ids []string) ([]models.VectorDocument, error)
}

// GraphStore persists the causal graph of pods, services, nodes, incidents, fixes and deploys.
type GraphStore interface {
	UpsertIncident(ctx context.Context, incident models.Incident) error
	LinkFix(ctx context.Context, incidentID string, fix models.Fix, corrected bool) error
	RecordDeploy(ctx context.Context, marker models.DeployMarker) error
	BlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error)
	DeployCorrelation(ctx context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error)
	// RecentDeploy finds the latest deploy of service in namespace at most window before at.
	RecentDeploy(ctx context.Context, service, namespace string, at time.Time, window time.Duration) (models.RecentDeploy, error)
	// PriorFixes lists fixes on earlier incidents with the same pod and type signature.
	PriorFixes(ctx context.Context, pod, namespace string, incidentType models.IncidentType, excludeIncidentID string) ([]models.Fix, error)
	PodPattern(ctx context.Context, pod, namespace string) (models.CausalPattern, error)
}

// DefaultWeight is the retrieval weight of non-correction documents.
const DefaultWeight = 1.0

// searchOverfetch widens backend queries so superseded documents and their correctors land in one candidate set.
const searchOverfetch = 4

// Store is the single facade over the vector and graph stores.
type Store struct {
	logger   *slog.Logger
	vectors  VectorStore
	graph    GraphStore
	embedder embedding.Embedder
	backoff  wait.Backoff
}

// NewStore wires the facade. writeRetries bounds the attempts per write; zero means a single attempt.
func NewStore(logger *slog.Logger, vectors VectorStore, graph GraphStore, embedder embedding.Embedder, writeRetries int) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		embedder = embedding.NewHashEmbedder(0)
	}
	if writeRetries < 1 {
		writeRetries = 1
	}
	return &Store{
		logger:   logger,
		vectors:  vectors,
		graph:    graph,
		embedder: embedder,
		backoff: wait.Backoff{
			Steps:    writeRetries,
			Duration: 50 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Cap:      2 * time.Second,
		},
	}
}

// Embed exposes the configured embedder.
func (s *Store) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// UpsertVector stores doc, embedding its text when no vector is attached. It is idempotent by source id.
func (s *Store) UpsertVector(ctx context.Context, doc models.VectorDocument) (string, error) {
	const op = "memory.UpsertVector"
	if doc.SourceID == "" || doc.Kind == "" {
		return "", utils.NewKindError(op, utils.ErrMalformedInput, "document source id and kind are required", nil)
	}
	if doc.ID == "" {
		doc.ID = models.DocumentID(doc.Kind, doc.SourceID)
	}
	if doc.Metadata.RetrievalWeight <= 0 {
		doc.Metadata.RetrievalWeight = DefaultWeight
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if len(doc.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, doc.Text)
		if err != nil {
			return "", utils.NewKindError(op, utils.ErrTransient, "embed document", err)
		}
		doc.Embedding = vec
	}

	err := s.write(ctx, func() error { return s.vectors.Upsert(ctx, doc) })
	metrics.ObserveMemoryWrite("vector", err)
	if err != nil {
		return "", utils.NewKindError(op, utils.ErrStoreWrite, "upsert "+doc.ID, err)
	}
	return doc.ID, nil
}

// SearchSimilar ranks documents by similarity times retrieval weight. A correction is never ranked
// below the document it supersedes.
func (s *Store) SearchSimilar(ctx context.Context, text string, filters models.SearchFilters, k int) ([]models.RetrievedDoc, error) {
	const op = "memory.SearchSimilar"
	if k <= 0 {
		return []models.RetrievedDoc{}, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, utils.NewKindError(op, utils.ErrTransient, "embed query", err)
	}

	hits, err := s.vectors.Search(ctx, vec, filters, k*searchOverfetch)
	if err != nil {
		return nil, utils.NewKindError(op, utils.ErrTransient, "vector search", err)
	}

	seen := make(map[string]bool, len(hits))
	var supersededIDs []string
	for _, hit := range hits {
		seen[hit.Document.ID] = true
	}
	for _, hit := range hits {
		if !hit.Document.Metadata.IsCorrection {
			supersededIDs = append(supersededIDs, hit.Document.ID)
		}
	}
	if len(supersededIDs) > 0 {
		correctors, err := s.vectors.Superseding(ctx, supersededIDs)
		if err != nil {
			s.logger.Warn("corrector lookup failed", slog.Any("error", err))
		}
		for _, doc := range correctors {
			if seen[doc.ID] || !filters.Matches(doc) {
				continue
			}
			seen[doc.ID] = true
			hits = append(hits, models.ScoredDocument{Document: doc, Similarity: embedding.Similarity(vec, doc.Embedding)})
		}
	}

	ranked := Rank(hits)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// Rank converts scored hits into ranked documents, promoting each correction to at least the rank of the
// document it supersedes. Ties order corrections first, then by id.
func Rank(hits []models.ScoredDocument) []models.RetrievedDoc {
	out := make([]models.RetrievedDoc, 0, len(hits))
	byID := make(map[string]float64, len(hits))
	for _, hit := range hits {
		weight := hit.Document.Metadata.RetrievalWeight
		if weight <= 0 {
			weight = DefaultWeight
		}
		sim := clamp01(hit.Similarity)
		doc := models.RetrievedDoc{
			ID:           hit.Document.ID,
			SourceID:     hit.Document.SourceID,
			IncidentID:   hit.Document.Metadata.IncidentID,
			Kind:         hit.Document.Kind,
			Text:         hit.Document.Text,
			Namespace:    hit.Document.Metadata.Namespace,
			PodName:      hit.Document.Metadata.PodName,
			IncidentType: hit.Document.Metadata.IncidentType,
			Similarity:   sim,
			Weight:       weight,
			Rank:         sim * weight,
			IsCorrection: hit.Document.Metadata.IsCorrection,
			Supersedes:   hit.Document.Metadata.Supersedes,
		}
		byID[doc.ID] = doc.Rank
		out = append(out, doc)
	}

	for i := range out {
		if !out[i].IsCorrection || out[i].Supersedes == "" {
			continue
		}
		if rank, ok := byID[out[i].Supersedes]; ok && rank > out[i].Rank {
			out[i].Rank = rank
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank > out[j].Rank
		}
		if out[i].IsCorrection != out[j].IsCorrection {
			return out[i].IsCorrection
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UpsertGraphIncident creates or refreshes the incident and its pod, service and node.
func (s *Store) UpsertGraphIncident(ctx context.Context, incident models.Incident) error {
	if incident.ID == "" || incident.PodName == "" || incident.Namespace == "" {
		return utils.NewKindError("memory.UpsertGraphIncident", utils.ErrMalformedInput, "incident id, pod and namespace are required", nil)
	}
	err := s.write(ctx, func() error { return s.graph.UpsertIncident(ctx, incident) })
	metrics.ObserveMemoryWrite("graph", err)
	if err != nil {
		return utils.NewKindError("memory.UpsertGraphIncident", utils.ErrStoreWrite, "upsert incident "+incident.ID, err)
	}
	return nil
}

// LinkFix attaches fix to its incident with a RESOLVED_BY edge.
func (s *Store) LinkFix(ctx context.Context, incidentID string, fix models.Fix, corrected bool) error {
	if incidentID == "" || fix.ID == "" {
		return utils.NewKindError("memory.LinkFix", utils.ErrMalformedInput, "incident id and fix id are required", nil)
	}
	err := s.write(ctx, func() error { return s.graph.LinkFix(ctx, incidentID, fix, corrected) })
	metrics.ObserveMemoryWrite("graph", err)
	if err != nil {
		return utils.NewKindError("memory.LinkFix", utils.ErrStoreWrite, "link fix "+fix.ID, err)
	}
	return nil
}

// RecordDeploy stores a deploy marker and links it to incidents it may have triggered.
func (s *Store) RecordDeploy(ctx context.Context, marker models.DeployMarker) (models.DeployMarker, error) {
	if marker.Service == "" || marker.Namespace == "" || marker.DeployedAt.IsZero() {
		return marker, utils.NewKindError("memory.RecordDeploy", utils.ErrMalformedInput, "service, namespace and deploy time are required", nil)
	}
	if marker.ID == "" {
		marker.ID = DeployID(marker)
	}
	err := s.write(ctx, func() error { return s.graph.RecordDeploy(ctx, marker) })
	metrics.ObserveMemoryWrite("graph", err)
	if err != nil {
		return marker, utils.NewKindError("memory.RecordDeploy", utils.ErrStoreWrite, "record deploy", err)
	}
	return marker, nil
}

// BlastRadius lists pods whose incidents co-occurred within ±window of the pod's incidents.
func (s *Store) BlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error) {
	if pod == "" || namespace == "" {
		return nil, utils.NewKindError("memory.BlastRadius", utils.ErrMalformedInput, "pod and namespace are required", nil)
	}
	entries, err := s.graph.BlastRadius(ctx, pod, namespace, window)
	if err != nil {
		return nil, utils.NewKindError("memory.BlastRadius", utils.ErrTransient, "graph query", err)
	}
	return entries, nil
}

// DeployCorrelation lists incidents of service that followed one of its deploys within window.
func (s *Store) DeployCorrelation(ctx context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error) {
	if service == "" {
		return nil, utils.NewKindError("memory.DeployCorrelation", utils.ErrMalformedInput, "service is required", nil)
	}
	out, err := s.graph.DeployCorrelation(ctx, service, window)
	if err != nil {
		return nil, utils.NewKindError("memory.DeployCorrelation", utils.ErrTransient, "graph query", err)
	}
	return out, nil
}

// RecentDeploy reports the closest deploy of the incident's service before it occurred.
func (s *Store) RecentDeploy(ctx context.Context, incident models.Incident, window time.Duration) (models.RecentDeploy, error) {
	out, err := s.graph.RecentDeploy(ctx, incident.Service(), incident.Namespace, incident.OccurredAt, window)
	if err != nil {
		return models.RecentDeploy{}, utils.NewKindError("memory.RecentDeploy", utils.ErrTransient, "graph query", err)
	}
	return out, nil
}

// PriorFixes lists fixes recorded for earlier incidents with the same pod and type.
func (s *Store) PriorFixes(ctx context.Context, incident models.Incident) ([]models.Fix, error) {
	out, err := s.graph.PriorFixes(ctx, incident.PodName, incident.Namespace, incident.Type, incident.ID)
	if err != nil {
		return nil, utils.NewKindError("memory.PriorFixes", utils.ErrTransient, "graph query", err)
	}
	return out, nil
}

// PodPattern aggregates incident history for a pod.
func (s *Store) PodPattern(ctx context.Context, pod, namespace string) (models.CausalPattern, error) {
	out, err := s.graph.PodPattern(ctx, pod, namespace)
	if err != nil {
		return models.CausalPattern{}, utils.NewKindError("memory.PodPattern", utils.ErrTransient, "graph query", err)
	}
	return out, nil
}

// DeployID derives a stable id so re-recording the same rollout is a no-op.
func DeployID(marker models.DeployMarker) string {
	key := strings.Join([]string{marker.Namespace, marker.Service, marker.Version, marker.DeployedAt.UTC().Format(time.RFC3339Nano)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (s *Store) write(ctx context.Context, fn func() error) error {
	return retry.OnError(s.backoff, retriable(ctx), fn)
}

func retriable(ctx context.Context) func(error) bool {
	return func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return !errors.Is(err, utils.ErrMalformedInput)
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
