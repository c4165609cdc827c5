package models

import "time"

// Fix is a remediation applied to an incident, possibly correcting an earlier fix.
type Fix struct {
	ID           string    `json:"id"`
	IncidentID   string    `json:"incidentId"`
	Description  string    `json:"description"`
	AppliedBy    string    `json:"appliedBy,omitempty"`
	Worked       bool      `json:"worked"`
	AISuggested  bool      `json:"aiSuggested"`
	CorrectionOf string    `json:"correctionOf,omitempty"`
	SupersededBy string    `json:"supersededBy,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsCorrection reports whether the fix supersedes another one.
func (f Fix) IsCorrection() bool {
	return f.CorrectionOf != ""
}
