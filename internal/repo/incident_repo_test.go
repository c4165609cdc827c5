package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

func seedIncident(t *testing.T, r *IncidentRepo, id string) models.Incident {
	t.Helper()
	inc, created, err := r.CreateIncident(context.Background(), models.Incident{ID: id, PodName: "api-1", Namespace: "prod", OccurredAt: time.Now()})
	require.NoError(t, err)
	require.True(t, created)
	return inc
}

func TestCreateIncidentIsIdempotent(t *testing.T) {
	r := NewIncidentRepo()
	first := seedIncident(t, r, "i1")
	assert.Equal(t, models.StatusOpen, first.Status)

	again, created, err := r.CreateIncident(context.Background(), models.Incident{ID: "i1", PodName: "other"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "api-1", again.PodName)

	_, err = r.GetIncident(context.Background(), "missing")
	assert.True(t, errors.Is(err, utils.ErrNotFound))
}

func TestSaveCorrectionEnforcesInvariant(t *testing.T) {
	ctx := context.Background()
	r := NewIncidentRepo()
	seedIncident(t, r, "i1")
	seedIncident(t, r, "i2")

	_, err := r.SaveFix(ctx, models.Fix{ID: "f1", IncidentID: "i1", Description: "restart"})
	require.NoError(t, err)

	_, _, err = r.SaveCorrection(ctx, models.Fix{ID: "fx", IncidentID: "i2", CorrectionOf: "f1"})
	assert.True(t, errors.Is(err, utils.ErrInvariantViolation), "cross-incident correction must be rejected")

	_, _, err = r.SaveCorrection(ctx, models.Fix{ID: "fy", IncidentID: "i1", CorrectionOf: "nope"})
	assert.True(t, errors.Is(err, utils.ErrInvariantViolation))

	saved, target, err := r.SaveCorrection(ctx, models.Fix{ID: "f2", IncidentID: "i1", CorrectionOf: "f1"})
	require.NoError(t, err)
	assert.Equal(t, "f2", target.SupersededBy)
	assert.False(t, saved.CreatedAt.IsZero())

	_, _, err = r.SaveCorrection(ctx, models.Fix{ID: "f2", IncidentID: "i1", CorrectionOf: "f1"})
	require.NoError(t, err, "redelivery of the same correction is accepted")

	_, _, err = r.SaveCorrection(ctx, models.Fix{ID: "f3", IncidentID: "i1", CorrectionOf: "f1"})
	assert.True(t, errors.Is(err, utils.ErrInvariantViolation), "second corrector must be rejected")

	fixes, err := r.ListFixes(ctx, "i1")
	require.NoError(t, err)
	assert.Len(t, fixes, 2)
}

func TestConcurrentCorrectorsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	r := NewIncidentRepo()
	seedIncident(t, r, "i1")
	_, err := r.SaveFix(ctx, models.Fix{ID: "f1", IncidentID: "i1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := r.SaveCorrection(ctx, models.Fix{ID: "c" + string(rune('a'+n)), IncidentID: "i1", CorrectionOf: "f1"})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSaveAnalysisKeepsHistory(t *testing.T) {
	ctx := context.Background()
	r := NewIncidentRepo()
	seedIncident(t, r, "i1")

	require.NoError(t, r.SaveAnalysis(ctx, models.AnalysisResult{ID: "a1", IncidentID: "i1", Status: models.AnalysisError}))
	require.NoError(t, r.SaveAnalysis(ctx, models.AnalysisResult{ID: "a2", IncidentID: "i1", Status: models.AnalysisComplete, Confidence: 0.7}))

	rec, err := r.GetAnalysis(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "a2", rec.Current.ID)
	assert.Equal(t, 1, rec.HistoryCount)
	assert.Equal(t, 2, r.AnalysisWrites("i1"))

	inc, err := r.GetIncident(ctx, "i1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, inc.Confidence, 1e-9)

	err = r.SaveAnalysis(ctx, models.AnalysisResult{IncidentID: "ghost"})
	assert.True(t, errors.Is(err, utils.ErrNotFound))
}

func TestListIncidentsFiltersNewestFirst(t *testing.T) {
	ctx := context.Background()
	r := NewIncidentRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, ns := range []string{"prod", "prod", "staging"} {
		_, _, err := r.CreateIncident(ctx, models.Incident{ID: string(rune('a' + i)), PodName: "api-1", Namespace: ns, OccurredAt: base.Add(time.Duration(i) * time.Minute)})
		require.NoError(t, err)
	}
	got, err := r.ListIncidents(ctx, IncidentFilter{Namespace: "prod"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
}
