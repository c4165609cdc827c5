package memory

import (
	"fmt"
	"strings"

	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

const maxLogExcerpt = 600

// IncidentDocument builds the vector document for an incident.
func IncidentDocument(incident models.Incident) models.VectorDocument {
	return models.VectorDocument{
		ID:        models.DocumentID(models.DocIncident, incident.ID),
		SourceID:  incident.ID,
		Kind:      models.DocIncident,
		Text:      incidentFacts(incident),
		Metadata:  metadataFor(incident, DefaultWeight),
		CreatedAt: incident.OccurredAt,
	}
}

// FixDocument builds the vector document for a plain fix.
func FixDocument(incident models.Incident, fix models.Fix) models.VectorDocument {
	var b strings.Builder
	fmt.Fprintf(&b, "FIX: %s\n", fix.Description)
	if fix.Worked {
		b.WriteString("Outcome: worked\n")
	} else {
		b.WriteString("Outcome: did not work\n")
	}
	b.WriteString(incidentFacts(incident))
	return models.VectorDocument{
		ID:        models.DocumentID(models.DocFix, fix.ID),
		SourceID:  fix.ID,
		Kind:      models.DocFix,
		Text:      b.String(),
		Metadata:  metadataFor(incident, DefaultWeight),
		CreatedAt: fix.CreatedAt,
	}
}

// CorrectionDocument builds the boosted document for a fix that overrides original.
func CorrectionDocument(incident models.Incident, correction, original models.Fix, weight float64) models.VectorDocument {
	if weight <= DefaultWeight {
		weight = DefaultWeight
	}
	meta := metadataFor(incident, weight)
	meta.IsCorrection = true
	meta.Supersedes = models.DocumentID(models.DocFix, original.ID)

	text := fmt.Sprintf("CORRECTION: %s overrides %s\n%s", correction.Description, original.Description, incidentFacts(incident))
	return models.VectorDocument{
		ID:        models.DocumentID(models.DocCorrection, correction.ID),
		SourceID:  correction.ID,
		Kind:      models.DocCorrection,
		Text:      text,
		Metadata:  meta,
		CreatedAt: correction.CreatedAt,
	}
}

// IncidentQuery is the search text used to find incidents resembling incident.
func IncidentQuery(incident models.Incident) string {
	return incidentFacts(incident)
}

func incidentFacts(incident models.Incident) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s on pod %s in namespace %s", incident.Type, incident.PodName, incident.Namespace)
	if incident.ServiceName != "" {
		fmt.Fprintf(&b, " (service %s)", incident.ServiceName)
	}
	b.WriteString("\n")
	if incident.Description != "" {
		b.WriteString(incident.Description)
		b.WriteString("\n")
	}
	if logs := strings.TrimSpace(incident.RawLogs); logs != "" {
		b.WriteString("Logs: ")
		b.WriteString(utils.Truncate(logs, maxLogExcerpt))
	}
	return strings.TrimSpace(b.String())
}

func metadataFor(incident models.Incident, weight float64) models.DocMetadata {
	return models.DocMetadata{
		Namespace:       incident.Namespace,
		IncidentType:    incident.Type,
		PodName:         incident.PodName,
		IncidentID:      incident.ID,
		RetrievalWeight: weight,
	}
}
