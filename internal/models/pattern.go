package models

import "time"

// ClusterPattern is a recurring failure signature for one pod.
type ClusterPattern struct {
	ID             string       `json:"id"`
	PodName        string       `json:"podName"`
	Namespace      string       `json:"namespace"`
	IncidentType   IncidentType `json:"incidentType"`
	Frequency      int          `json:"frequency"`
	BestFix        string       `json:"bestFix,omitempty"`
	FixSuccessRate float64      `json:"fixSuccessRate"`
	LastSeen       time.Time    `json:"lastSeen"`
}
