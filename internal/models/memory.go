package models

import "time"

// DocKind identifies what a vector document was built from.
type DocKind string

const (
	DocIncident   DocKind = "incident"
	DocFix        DocKind = "fix"
	DocCorrection DocKind = "correction"
)

// VectorDocument is a unit of semantic memory.
type VectorDocument struct {
	ID        string      `json:"id"`
	SourceID  string      `json:"sourceId"`
	Kind      DocKind     `json:"kind"`
	Text      string      `json:"text"`
	Embedding []float32   `json:"embedding,omitempty"`
	Metadata  DocMetadata `json:"metadata"`
	CreatedAt time.Time   `json:"createdAt"`
}

// DocMetadata carries the filterable attributes of a vector document.
type DocMetadata struct {
	Namespace       string       `json:"namespace"`
	IncidentType    IncidentType `json:"incidentType"`
	PodName         string       `json:"podName"`
	IncidentID      string       `json:"incidentId"`
	IsCorrection    bool         `json:"isCorrection"`
	RetrievalWeight float64      `json:"retrievalWeight"`
	Supersedes      string       `json:"supersedes,omitempty"`
}

// DocumentID builds the idempotency key for a source record.
func DocumentID(kind DocKind, sourceID string) string {
	return string(kind) + ":" + sourceID
}

// SearchFilters narrows similarity search; empty fields do not filter.
type SearchFilters struct {
	Namespace    string       `json:"namespace,omitempty"`
	IncidentType IncidentType `json:"incidentType,omitempty"`
	ExcludeIDs   []string     `json:"excludeIds,omitempty"`
}

// Matches reports whether metadata passes the filter.
func (f SearchFilters) Matches(doc VectorDocument) bool {
	if f.Namespace != "" && doc.Metadata.Namespace != f.Namespace {
		return false
	}
	if f.IncidentType != "" && doc.Metadata.IncidentType != f.IncidentType {
		return false
	}
	for _, id := range f.ExcludeIDs {
		if id == doc.ID || id == doc.SourceID {
			return false
		}
	}
	return true
}

// ScoredDocument is a backend search hit before ranking.
type ScoredDocument struct {
	Document   VectorDocument
	Similarity float64
}

// RetrievedDoc is an ephemeral ranked search result.
type RetrievedDoc struct {
	ID           string       `json:"id"`
	SourceID     string       `json:"sourceId"`
	IncidentID   string       `json:"incidentId"`
	Kind         DocKind      `json:"kind"`
	Text         string       `json:"text"`
	Namespace    string       `json:"namespace"`
	PodName      string       `json:"podName"`
	IncidentType IncidentType `json:"incidentType"`
	Similarity   float64      `json:"similarity"`
	Weight       float64      `json:"weight"`
	Rank         float64      `json:"rank"`
	IsCorrection bool         `json:"isCorrection"`
	Supersedes   string       `json:"supersedes,omitempty"`
}
