package models

import "time"

// AnalysisStatus describes how far an analysis got.
type AnalysisStatus string

const (
	AnalysisComplete AnalysisStatus = "complete"
	AnalysisPending  AnalysisStatus = "pending"
	AnalysisError    AnalysisStatus = "error"
)

// StageError reports a non-fatal failure of one pipeline stage.
type StageError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AnalysisResult is the grounded recommendation for one incident.
type AnalysisResult struct {
	ID               string             `json:"id"`
	IncidentID       string             `json:"incidentId"`
	Status           AnalysisStatus     `json:"status"`
	RootCause        string             `json:"rootCause"`
	Recommendation   string             `json:"recommendation"`
	PreventionAdvice string             `json:"preventionAdvice"`
	BlastWarning     string             `json:"blastRadiusWarning,omitempty"`
	Sources          []string           `json:"sources"`
	Confidence       float64            `json:"confidence"`
	Correlation      CorrelationSummary `json:"correlation"`
	StageErrors      []StageError       `json:"stageErrors,omitempty"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"startedAt"`
	CompletedAt      time.Time          `json:"completedAt"`
}

// Degraded reports whether the result lacks a usable recommendation.
func (r AnalysisResult) Degraded() bool {
	return r.Status != AnalysisComplete
}

// AnalysisRecord bundles the current result with how many earlier ones were superseded.
type AnalysisRecord struct {
	Current      AnalysisResult `json:"current"`
	HistoryCount int            `json:"historyCount"`
}
