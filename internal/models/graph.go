package models

import "time"

// Node labels in the causal graph.
const (
	LabelPod      = "Pod"
	LabelService  = "Service"
	LabelNode     = "Node"
	LabelIncident = "Incident"
	LabelFix      = "Fix"
	LabelDeploy   = "Deploy"
)

// Edge types in the causal graph.
const (
	EdgeBelongsTo  = "BELONGS_TO"
	EdgeAffected   = "AFFECTED"
	EdgeResolvedBy = "RESOLVED_BY"
	EdgeRunsOn     = "RUNS_ON"
	EdgeTriggered  = "TRIGGERED"
)

// DeployMarker records a rollout of a service version.
type DeployMarker struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Namespace  string    `json:"namespace"`
	Version    string    `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
}

// BlastRadiusEntry is a pod whose incidents co-occur with the queried pod's.
type BlastRadiusEntry struct {
	Pod           string         `json:"pod"`
	Namespace     string         `json:"namespace"`
	Count         int            `json:"coOccurrenceCount"`
	IncidentTypes []IncidentType `json:"incidentTypes,omitempty"`
}

// DeployCorrelation is an incident that followed a deploy marker.
type DeployCorrelation struct {
	IncidentID         string       `json:"incidentId"`
	PodName            string       `json:"podName"`
	Namespace          string       `json:"namespace"`
	Service            string       `json:"service"`
	IncidentType       IncidentType `json:"incidentType"`
	Version            string       `json:"version"`
	DeployedAt         time.Time    `json:"deployedAt"`
	OccurredAt         time.Time    `json:"occurredAt"`
	MinutesAfterDeploy float64      `json:"minutesAfterDeploy"`
}

// RecentDeploy summarises the closest deploy preceding an incident.
type RecentDeploy struct {
	Found         bool      `json:"found"`
	Version       string    `json:"version,omitempty"`
	DeployedAt    time.Time `json:"deployedAt,omitempty"`
	MinutesBefore float64   `json:"minutesBefore,omitempty"`
}

// CausalPattern aggregates history for one pod.
type CausalPattern struct {
	TypeFrequency   map[IncidentType]int `json:"typeFrequency"`
	FixesThatWorked []string             `json:"fixesThatWorked"`
	DeployVersions  []string             `json:"deployVersions"`
	LastSeen        time.Time            `json:"lastSeen"`
}

// CorrelationSummary is the structured output of the correlator.
type CorrelationSummary struct {
	BlastRadius  []BlastRadiusEntry `json:"blastRadius"`
	RecentDeploy RecentDeploy       `json:"recentDeploy"`
	PriorFixes   []Fix              `json:"priorFixes"`
	Pattern      CausalPattern      `json:"pattern"`
}
