package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// IncidentFilter narrows ListIncidents; empty fields match everything.
type IncidentFilter struct {
	Namespace string
	PodName   string
	Status    models.IncidentStatus
	Type      models.IncidentType
	Limit     int
}

// IncidentRepo is the system of record for incidents, fixes and analysis results.
type IncidentRepo struct {
	mu         sync.RWMutex
	now        func() time.Time
	incidents  map[string]models.Incident
	fixes      map[string]models.Fix
	byIncident map[string][]string
	current    map[string]models.AnalysisResult
	history    map[string][]models.AnalysisResult
	writes     map[string]int
}

// NewIncidentRepo returns an empty repository.
func NewIncidentRepo() *IncidentRepo {
	return &IncidentRepo{
		now:        time.Now,
		incidents:  make(map[string]models.Incident),
		fixes:      make(map[string]models.Fix),
		byIncident: make(map[string][]string),
		current:    make(map[string]models.AnalysisResult),
		history:    make(map[string][]models.AnalysisResult),
		writes:     make(map[string]int),
	}
}

// CreateIncident stores incident unless one with the same id exists. It reports whether it was created.
func (r *IncidentRepo) CreateIncident(_ context.Context, incident models.Incident) (models.Incident, bool, error) {
	if incident.ID == "" {
		return models.Incident{}, false, utils.NewKindError("repo.CreateIncident", utils.ErrMalformedInput, "incident id is required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.incidents[incident.ID]; ok {
		return existing, false, nil
	}
	now := r.now().UTC()
	if incident.Status == "" {
		incident.Status = models.StatusOpen
	}
	incident.CreatedAt = now
	incident.UpdatedAt = now
	r.incidents[incident.ID] = incident
	return incident, true, nil
}

// GetIncident returns the incident or an ErrNotFound error.
func (r *IncidentRepo) GetIncident(_ context.Context, id string) (models.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inc, ok := r.incidents[id]
	if !ok {
		return models.Incident{}, utils.NewKindError("repo.GetIncident", utils.ErrNotFound, "incident "+id+" not found", nil)
	}
	return inc, nil
}

// UpdateIncident applies mutate under the repository lock.
func (r *IncidentRepo) UpdateIncident(_ context.Context, id string, mutate func(*models.Incident)) (models.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return models.Incident{}, utils.NewKindError("repo.UpdateIncident", utils.ErrNotFound, "incident "+id+" not found", nil)
	}
	mutate(&inc)
	inc.ID = id
	inc.UpdatedAt = r.now().UTC()
	r.incidents[id] = inc
	return inc, nil
}

// ListIncidents returns matching incidents, newest first.
func (r *IncidentRepo) ListIncidents(_ context.Context, filter IncidentFilter) ([]models.Incident, error) {
	r.mu.RLock()
	out := make([]models.Incident, 0)
	for _, inc := range r.incidents {
		if filter.Namespace != "" && inc.Namespace != filter.Namespace {
			continue
		}
		if filter.PodName != "" && inc.PodName != filter.PodName {
			continue
		}
		if filter.Status != "" && inc.Status != filter.Status {
			continue
		}
		if filter.Type != "" && inc.Type != filter.Type {
			continue
		}
		out = append(out, inc)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveFix stores a fix that corrects nothing. Re-saving the same id for the same incident is a no-op;
// an id already used by another incident is rejected.
func (r *IncidentRepo) SaveFix(_ context.Context, fix models.Fix) (models.Fix, error) {
	const op = "repo.SaveFix"
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.incidents[fix.IncidentID]; !ok {
		return models.Fix{}, utils.NewKindError(op, utils.ErrNotFound, "incident "+fix.IncidentID+" not found", nil)
	}
	if existing, ok := r.fixes[fix.ID]; ok {
		if existing.IncidentID != fix.IncidentID {
			return models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "fix id "+fix.ID+" belongs to a different incident", nil)
		}
		return existing, nil
	}
	return r.putFix(fix), nil
}

// SaveCorrection atomically checks the corrective invariant and stores fix, marking its target superseded.
// The target must belong to the same incident and must not already have a corrector.
func (r *IncidentRepo) SaveCorrection(_ context.Context, fix models.Fix) (models.Fix, models.Fix, error) {
	const op = "repo.SaveCorrection"
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.incidents[fix.IncidentID]; !ok {
		return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrNotFound, "incident "+fix.IncidentID+" not found", nil)
	}
	if fix.ID == fix.CorrectionOf {
		return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "fix "+fix.ID+" cannot correct itself", nil)
	}
	target, ok := r.fixes[fix.CorrectionOf]
	if !ok {
		return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "corrected fix "+fix.CorrectionOf+" does not exist", nil)
	}
	if target.IncidentID != fix.IncidentID {
		return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "corrected fix "+target.ID+" belongs to a different incident", nil)
	}
	if existing, ok := r.fixes[fix.ID]; ok {
		if target.SupersededBy != fix.ID {
			return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "fix id "+fix.ID+" is already in use", nil)
		}
		return existing, target, nil
	}
	if target.SupersededBy != "" {
		return models.Fix{}, models.Fix{}, utils.NewKindError(op, utils.ErrInvariantViolation, "fix "+target.ID+" is already corrected by "+target.SupersededBy, nil)
	}

	target.SupersededBy = fix.ID
	r.fixes[target.ID] = target
	return r.putFix(fix), target, nil
}

// GetFix returns a fix by id.
func (r *IncidentRepo) GetFix(_ context.Context, id string) (models.Fix, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fix, ok := r.fixes[id]
	if !ok {
		return models.Fix{}, utils.NewKindError("repo.GetFix", utils.ErrNotFound, "fix "+id+" not found", nil)
	}
	return fix, nil
}

// ListFixes returns the fixes of an incident in submission order.
func (r *IncidentRepo) ListFixes(_ context.Context, incidentID string) ([]models.Fix, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byIncident[incidentID]
	out := make([]models.Fix, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.fixes[id])
	}
	return out, nil
}

// SaveAnalysis makes result the incident's current analysis; the previous one moves to history.
func (r *IncidentRepo) SaveAnalysis(_ context.Context, result models.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[result.IncidentID]
	if !ok {
		return utils.NewKindError("repo.SaveAnalysis", utils.ErrNotFound, "incident "+result.IncidentID+" not found", nil)
	}
	if prev, ok := r.current[result.IncidentID]; ok {
		r.history[result.IncidentID] = append(r.history[result.IncidentID], prev)
	}
	r.current[result.IncidentID] = result
	r.writes[result.IncidentID]++

	if result.Status == models.AnalysisComplete {
		inc.Confidence = result.Confidence
		inc.UpdatedAt = r.now().UTC()
		r.incidents[inc.ID] = inc
	}
	return nil
}

// GetAnalysis returns the current analysis and how many results it superseded.
func (r *IncidentRepo) GetAnalysis(_ context.Context, incidentID string) (models.AnalysisRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.current[incidentID]
	if !ok {
		return models.AnalysisRecord{}, utils.NewKindError("repo.GetAnalysis", utils.ErrNotFound, "no analysis for incident "+incidentID, nil)
	}
	return models.AnalysisRecord{Current: cur, HistoryCount: len(r.history[incidentID])}, nil
}

// AnalysisHistory returns superseded results, oldest first.
func (r *IncidentRepo) AnalysisHistory(_ context.Context, incidentID string) ([]models.AnalysisResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.AnalysisResult(nil), r.history[incidentID]...), nil
}

// AnalysisWrites counts SaveAnalysis calls for an incident.
func (r *IncidentRepo) AnalysisWrites(incidentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.writes[incidentID]
}

func (r *IncidentRepo) putFix(fix models.Fix) models.Fix {
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = r.now().UTC()
	}
	r.fixes[fix.ID] = fix
	r.byIncident[fix.IncidentID] = append(r.byIncident[fix.IncidentID], fix.ID)
	return fix
}
