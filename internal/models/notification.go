package models

import "time"

// EventKind names a push notification.
type EventKind string

const (
	EventIncidentCreated   EventKind = "incident_created"
	EventAnalysisCompleted EventKind = "analysis_completed"
)

// Notification is a best-effort push payload.
type Notification struct {
	Kind       EventKind       `json:"type"`
	IncidentID string          `json:"incidentId"`
	Namespace  string          `json:"namespace"`
	PodName    string          `json:"podName"`
	Severity   Severity        `json:"severity,omitempty"`
	Incident   *Incident       `json:"incident,omitempty"`
	Analysis   *AnalysisResult `json:"analysis,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
