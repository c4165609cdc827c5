package models

import (
	"fmt"
	"strings"
	"time"
)

// IncidentType enumerates the failure classes recognised by the classifier.
type IncidentType string

const (
	IncidentCrashLoopBackOff IncidentType = "CrashLoopBackOff"
	IncidentOOMKill          IncidentType = "OOMKill"
	IncidentImagePullBackOff IncidentType = "ImagePullBackOff"
	IncidentNodePressure     IncidentType = "NodePressure"
	IncidentEvicted          IncidentType = "Evicted"
	IncidentPending          IncidentType = "Pending"
	IncidentUnknown          IncidentType = "Unknown"
)

// IncidentTypes lists every valid incident type.
var IncidentTypes = []IncidentType{
	IncidentCrashLoopBackOff,
	IncidentOOMKill,
	IncidentImagePullBackOff,
	IncidentNodePressure,
	IncidentEvicted,
	IncidentPending,
	IncidentUnknown,
}

// ParseIncidentType accepts the canonical spelling case-insensitively.
func ParseIncidentType(v string) (IncidentType, error) {
	for _, t := range IncidentTypes {
		if strings.EqualFold(v, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown incident type %q", v)
}

// Severity captures the qualitative impact level of an incident.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities, critical highest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// ParseSeverity accepts the canonical spelling case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// IncidentStatus tracks the operator workflow state.
type IncidentStatus string

const (
	StatusOpen          IncidentStatus = "open"
	StatusInvestigating IncidentStatus = "investigating"
	StatusResolved      IncidentStatus = "resolved"
)

// ParseIncidentStatus validates a status string.
func ParseIncidentStatus(v string) (IncidentStatus, error) {
	switch s := IncidentStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case StatusOpen, StatusInvestigating, StatusResolved:
		return s, nil
	default:
		return "", fmt.Errorf("unknown incident status %q", v)
	}
}

// Incident is a persisted pod failure.
type Incident struct {
	ID          string         `json:"id"`
	PodName     string         `json:"podName"`
	Namespace   string         `json:"namespace"`
	NodeName    string         `json:"nodeName,omitempty"`
	ServiceName string         `json:"serviceName,omitempty"`
	Type        IncidentType   `json:"incidentType"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	RawLogs     string         `json:"rawLogs,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	Status      IncidentStatus `json:"status"`
	Confidence  float64        `json:"confidence"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Service returns the owning service, falling back to the pod name.
func (i Incident) Service() string {
	if i.ServiceName != "" {
		return i.ServiceName
	}
	return i.PodName
}

// IncidentCandidate is an unpersisted signal derived from a cluster event.
type IncidentCandidate struct {
	EventUID     string       `json:"eventUid,omitempty"`
	EventType    string       `json:"eventType,omitempty"`
	Reason       string       `json:"reason"`
	Message      string       `json:"message,omitempty"`
	PodName      string       `json:"podName"`
	Namespace    string       `json:"namespace"`
	NodeName     string       `json:"nodeName,omitempty"`
	ServiceName  string       `json:"serviceName,omitempty"`
	RestartCount *int32       `json:"restartCount,omitempty"`
	RawLogs      string       `json:"rawLogs,omitempty"`
	OccurredAt   time.Time    `json:"occurredAt"`
	Type         IncidentType `json:"incidentType,omitempty"`
	Severity     Severity     `json:"severity,omitempty"`
	Warnings     []string     `json:"warnings,omitempty"`
}

// Validate checks the minimum fields required to become an Incident.
func (c IncidentCandidate) Validate() error {
	if strings.TrimSpace(c.PodName) == "" {
		return fmt.Errorf("pod name is required")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("namespace is required")
	}
	if c.Reason == "" && c.Type == "" {
		return fmt.Errorf("reason or incident type is required")
	}
	return nil
}

// StatusUpdate records a status transition request.
type StatusUpdate struct {
	IncidentID string         `json:"incidentId"`
	Status     IncidentStatus `json:"status"`
}
