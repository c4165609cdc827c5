package repo

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/kube-memory/internal/cache"
	"github.com/miradorstack/kube-memory/internal/models"
)

// objectNamespace scopes Weaviate object ids derived from document ids.
var objectNamespace = uuid.MustParse("6f1b3c52-8c1e-4d8e-9a5f-2f7d0e4b9c11")

// WeaviateVectorStore stores incident memory documents in a Weaviate class with caller-supplied vectors.
type WeaviateVectorStore struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
	cache      cache.Provider
	similarTTL time.Duration
}

// NewWeaviateVectorStore constructs a Weaviate client.
func NewWeaviateVectorStore(endpoint, apiKey, class string, timeout time.Duration, cacheProvider cache.Provider, similarTTL time.Duration) *WeaviateVectorStore {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if similarTTL < 0 {
		similarTTL = 0
	}
	if class == "" {
		class = "IncidentMemory"
	}
	return &WeaviateVectorStore{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		similarTTL: similarTTL,
	}
}

// EnsureSchema creates the class when it does not exist yet.
func (r *WeaviateVectorStore) EnsureSchema(ctx context.Context) error {
	if r == nil || r.endpoint == "" {
		return fmt.Errorf("weaviate repo not initialised")
	}

	resp, err := r.do(ctx, http.MethodGet, "/v1/schema/"+r.class, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	text := func(name string) map[string]interface{} {
		return map[string]interface{}{"name": name, "dataType": []string{"text"}}
	}
	class := map[string]interface{}{
		"class":      r.class,
		"vectorizer": "none",
		"vectorIndexConfig": map[string]interface{}{
			"distance": "cosine",
		},
		"properties": []map[string]interface{}{
			text("docId"), text("sourceId"), text("kind"), text("text"),
			text("namespace"), text("incidentType"), text("podName"), text("incidentId"), text("supersedes"),
			{"name": "isCorrection", "dataType": []string{"boolean"}},
			{"name": "retrievalWeight", "dataType": []string{"number"}},
			{"name": "createdAt", "dataType": []string{"date"}},
		},
	}
	resp, err = r.do(ctx, http.MethodPost, "/v1/schema", class)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		if strings.Contains(string(data), "already exists") {
			return nil
		}
		return fmt.Errorf("weaviate create class failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// Upsert writes doc through the batch endpoint, which replaces any object with the same id.
func (r *WeaviateVectorStore) Upsert(ctx context.Context, doc models.VectorDocument) error {
	if r == nil || r.endpoint == "" {
		return fmt.Errorf("weaviate repo not initialised")
	}

	payload := map[string]interface{}{
		"objects": []map[string]interface{}{{
			"class":      r.class,
			"id":         ObjectID(doc.ID),
			"properties": buildDocumentProperties(doc),
			"vector":     doc.Embedding,
		}},
	}
	resp, err := r.do(ctx, http.MethodPost, "/v1/batch/objects", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("weaviate upsert failed: %s", strings.TrimSpace(string(data)))
	}

	var results []struct {
		Result struct {
			Errors *struct {
				Error []struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"errors"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &results); err == nil {
		for _, res := range results {
			if res.Result.Errors != nil && len(res.Result.Errors.Error) > 0 {
				return fmt.Errorf("weaviate upsert failed: %s", res.Result.Errors.Error[0].Message)
			}
		}
	}

	r.bumpGeneration(ctx)
	return nil
}

// Search runs a nearVector query narrowed by filters.
func (r *WeaviateVectorStore) Search(ctx context.Context, vector []float32, filters models.SearchFilters, k int) ([]models.ScoredDocument, error) {
	if r == nil || r.endpoint == "" {
		return nil, fmt.Errorf("weaviate repo not initialised")
	}
	if k <= 0 {
		return nil, nil
	}

	cacheKey := ""
	if r.similarTTL > 0 {
		cacheKey = r.similarKey(ctx, vector, filters, k)
		if data, err := r.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.ScoredDocument
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	vec, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	args := []string{fmt.Sprintf("limit: %d", k), fmt.Sprintf("nearVector: {vector: %s}", vec)}
	if where := buildSearchWhere(filters); where != "" {
		args = append(args, "where: "+where)
	}

	objects, err := r.query(ctx, strings.Join(args, "\n"), false)
	if err != nil {
		return nil, err
	}

	hits := make([]models.ScoredDocument, 0, len(objects))
	for _, obj := range objects {
		hits = append(hits, models.ScoredDocument{
			Document:   obj.document(),
			Similarity: 1 - obj.Additional.Distance/2,
		})
	}

	if cacheKey != "" && len(hits) > 0 {
		if payload, err := json.Marshal(hits); err == nil {
			_ = r.cache.Set(ctx, cacheKey, payload, r.similarTTL)
		}
	}
	return hits, nil
}

// Superseding returns the corrections that supersede any of ids, with their vectors.
func (r *WeaviateVectorStore) Superseding(ctx context.Context, ids []string) ([]models.VectorDocument, error) {
	if r == nil || r.endpoint == "" {
		return nil, fmt.Errorf("weaviate repo not initialised")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cacheKey := ""
	if r.similarTTL > 0 {
		cacheKey = r.supersedingKey(ctx, ids)
		if data, err := r.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.VectorDocument
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	operands := make([]string, 0, len(ids))
	for _, id := range ids {
		operands = append(operands, fmt.Sprintf(`{path: ["supersedes"], operator: Equal, valueText: %s}`, gqlString(id)))
	}
	args := fmt.Sprintf("limit: %d\nwhere: {operator: Or, operands: [%s]}", len(ids)*2, strings.Join(operands, ", "))

	objects, err := r.query(ctx, args, true)
	if err != nil {
		return nil, err
	}
	out := make([]models.VectorDocument, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.document())
	}
	// Empty answers are cached too; most searches find no corrections.
	if cacheKey != "" {
		if payload, err := json.Marshal(out); err == nil {
			_ = r.cache.Set(ctx, cacheKey, payload, r.similarTTL)
		}
	}
	return out, nil
}

// ObjectID maps a document id to the deterministic Weaviate object uuid.
func ObjectID(docID string) string {
	return uuid.NewSHA1(objectNamespace, []byte(docID)).String()
}

type weaviateObject struct {
	DocID           string    `json:"docId"`
	SourceID        string    `json:"sourceId"`
	Kind            string    `json:"kind"`
	Text            string    `json:"text"`
	Namespace       string    `json:"namespace"`
	IncidentType    string    `json:"incidentType"`
	PodName         string    `json:"podName"`
	IncidentID      string    `json:"incidentId"`
	IsCorrection    bool      `json:"isCorrection"`
	RetrievalWeight float64   `json:"retrievalWeight"`
	Supersedes      string    `json:"supersedes"`
	CreatedAt       time.Time `json:"createdAt"`
	Additional      struct {
		ID       string    `json:"id"`
		Distance float64   `json:"distance"`
		Vector   []float32 `json:"vector"`
	} `json:"_additional"`
}

func (o weaviateObject) document() models.VectorDocument {
	return models.VectorDocument{
		ID:        o.DocID,
		SourceID:  o.SourceID,
		Kind:      models.DocKind(o.Kind),
		Text:      o.Text,
		Embedding: o.Additional.Vector,
		Metadata: models.DocMetadata{
			Namespace:       o.Namespace,
			IncidentType:    models.IncidentType(o.IncidentType),
			PodName:         o.PodName,
			IncidentID:      o.IncidentID,
			IsCorrection:    o.IsCorrection,
			RetrievalWeight: o.RetrievalWeight,
			Supersedes:      o.Supersedes,
		},
		CreatedAt: o.CreatedAt,
	}
}

func (r *WeaviateVectorStore) query(ctx context.Context, args string, withVector bool) ([]weaviateObject, error) {
	additional := "id distance"
	if withVector {
		additional = "id vector"
	}
	gql := fmt.Sprintf(`{
  Get {
    %s(
      %s
    ) {
      docId
      sourceId
      kind
      text
      namespace
      incidentType
      podName
      incidentId
      isCorrection
      retrievalWeight
      supersedes
      createdAt
      _additional { %s }
    }
  }
}`, r.class, args, additional)

	resp, err := r.do(ctx, http.MethodPost, "/v1/graphql", map[string]interface{}{"query": gql})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate query failed: %s", strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get map[string][]weaviateObject `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query failed: %s", response.Errors[0].Message)
	}
	return response.Data.Get[r.class], nil
}

func (r *WeaviateVectorStore) do(ctx context.Context, method, path string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.endpoint+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return r.httpClient.Do(req)
}

// Cached searches are keyed by a generation that every write replaces, so a write invalidates them.
func (r *WeaviateVectorStore) generationKey() string {
	return "weaviate:generation:" + r.class
}

func (r *WeaviateVectorStore) bumpGeneration(ctx context.Context) {
	if r.similarTTL <= 0 {
		return
	}
	_ = r.cache.Set(ctx, r.generationKey(), []byte(uuid.NewString()), 24*time.Hour)
}

func (r *WeaviateVectorStore) generation(ctx context.Context) string {
	if data, err := r.cache.Get(ctx, r.generationKey()); err == nil {
		return string(data)
	}
	return "0"
}

func (r *WeaviateVectorStore) similarKey(ctx context.Context, vector []float32, filters models.SearchFilters, k int) string {
	h := sha256.New()
	_ = json.NewEncoder(h).Encode(struct {
		V []float32
		F models.SearchFilters
	}{vector, filters})
	return fmt.Sprintf("weaviate:similar:%s:%s:%d:%s", r.class, r.generation(ctx), k, hex.EncodeToString(h.Sum(nil))[:32])
}

// supersedingKey does not depend on the order of ids.
func (r *WeaviateVectorStore) supersedingKey(ctx context.Context, ids []string) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("weaviate:superseding:%s:%s:%s", r.class, r.generation(ctx), hex.EncodeToString(h.Sum(nil))[:32])
}

func buildDocumentProperties(doc models.VectorDocument) map[string]interface{} {
	createdAt := doc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return map[string]interface{}{
		"docId":           doc.ID,
		"sourceId":        doc.SourceID,
		"kind":            string(doc.Kind),
		"text":            doc.Text,
		"namespace":       doc.Metadata.Namespace,
		"incidentType":    string(doc.Metadata.IncidentType),
		"podName":         doc.Metadata.PodName,
		"incidentId":      doc.Metadata.IncidentID,
		"isCorrection":    doc.Metadata.IsCorrection,
		"retrievalWeight": doc.Metadata.RetrievalWeight,
		"supersedes":      doc.Metadata.Supersedes,
		"createdAt":       createdAt.UTC().Format(time.RFC3339Nano),
	}
}

func buildSearchWhere(filters models.SearchFilters) string {
	var operands []string
	if filters.Namespace != "" {
		operands = append(operands, fmt.Sprintf(`{path: ["namespace"], operator: Equal, valueText: %s}`, gqlString(filters.Namespace)))
	}
	if filters.IncidentType != "" {
		operands = append(operands, fmt.Sprintf(`{path: ["incidentType"], operator: Equal, valueText: %s}`, gqlString(string(filters.IncidentType))))
	}
	for _, id := range filters.ExcludeIDs {
		operands = append(operands, fmt.Sprintf(`{path: ["docId"], operator: NotEqual, valueText: %s}`, gqlString(id)))
		operands = append(operands, fmt.Sprintf(`{path: ["sourceId"], operator: NotEqual, valueText: %s}`, gqlString(id)))
	}
	switch len(operands) {
	case 0:
		return ""
	case 1:
		return operands[0]
	default:
		return fmt.Sprintf("{operator: And, operands: [%s]}", strings.Join(operands, ", "))
	}
}

func gqlString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
