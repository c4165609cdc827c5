package patterns

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/repo"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// Source lists the incidents and fixes patterns are mined from.
type Source interface {
	ListIncidents(ctx context.Context, filter repo.IncidentFilter) ([]models.Incident, error)
	ListFixes(ctx context.Context, incidentID string) ([]models.Fix, error)
}

// Store persists mined patterns per namespace. An empty namespace means cluster-wide.
type Store interface {
	StorePatterns(ctx context.Context, namespace string, patterns []models.ClusterPattern) error
}

// Loader is implemented by stores that can serve a previously mined snapshot.
type Loader interface {
	LoadPatterns(ctx context.Context, namespace string) ([]models.ClusterPattern, error)
}

// Miner aggregates recurring failures per (pod, namespace, incident type).
type Miner struct {
	source Source
	store  Store
	logger *slog.Logger
}

// NewMiner constructs a Miner; store may be nil.
func NewMiner(logger *slog.Logger, source Source, store Store) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{source: source, store: store, logger: logger}
}

// Patterns returns the cluster patterns for namespace, from the store snapshot when one is fresh.
func (m *Miner) Patterns(ctx context.Context, namespace string) ([]models.ClusterPattern, error) {
	if loader, ok := m.store.(Loader); ok {
		cached, err := loader.LoadPatterns(ctx, namespace)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, ErrNoSnapshot) {
			m.logger.Debug("pattern snapshot unavailable", slog.String("namespace", namespace), slog.Any("error", err))
		}
	}
	return m.Mine(ctx, namespace)
}

// Mine recomputes patterns for namespace from the incident history, most frequent first.
func (m *Miner) Mine(ctx context.Context, namespace string) ([]models.ClusterPattern, error) {
	if m.source == nil {
		return nil, utils.NewKindError("patterns.Mine", utils.ErrTransient, "no incident source", nil)
	}
	incidents, err := m.source.ListIncidents(ctx, repo.IncidentFilter{Namespace: namespace})
	if err != nil {
		return nil, err
	}

	aggregates := make(map[string]*patternAggregate)
	for _, inc := range incidents {
		key := patternKey(inc.Namespace, inc.PodName, inc.Type)
		agg, ok := aggregates[key]
		if !ok {
			agg = &patternAggregate{pattern: models.ClusterPattern{
				ID:           key,
				PodName:      inc.PodName,
				Namespace:    inc.Namespace,
				IncidentType: inc.Type,
			}}
			aggregates[key] = agg
		}
		agg.pattern.Frequency++
		if inc.OccurredAt.After(agg.pattern.LastSeen) {
			agg.pattern.LastSeen = inc.OccurredAt
		}

		fixes, err := m.source.ListFixes(ctx, inc.ID)
		if err != nil {
			return nil, err
		}
		for _, fix := range fixes {
			agg.observeFix(fix)
		}
	}

	patterns := make([]models.ClusterPattern, 0, len(aggregates))
	for _, agg := range aggregates {
		patterns = append(patterns, agg.finish())
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		if !patterns[i].LastSeen.Equal(patterns[j].LastSeen) {
			return patterns[i].LastSeen.After(patterns[j].LastSeen)
		}
		return patterns[i].ID < patterns[j].ID
	})

	if m.store != nil && len(patterns) > 0 {
		if err := m.store.StorePatterns(ctx, namespace, patterns); err != nil {
			m.logger.Warn("pattern store failed", slog.Any("error", err))
		}
	}
	return patterns, nil
}

type patternAggregate struct {
	pattern   models.ClusterPattern
	fixes     int
	succeeded int
	best      *models.Fix
}

// observeFix counts fix outcomes. Superseded fixes count as failures.
func (agg *patternAggregate) observeFix(fix models.Fix) {
	agg.fixes++
	if !fix.Worked || fix.SupersededBy != "" {
		return
	}
	agg.succeeded++
	if agg.best == nil || betterFix(fix, *agg.best) {
		f := fix
		agg.best = &f
	}
}

func (agg *patternAggregate) finish() models.ClusterPattern {
	out := agg.pattern
	if agg.fixes > 0 {
		out.FixSuccessRate = float64(agg.succeeded) / float64(agg.fixes)
	}
	if agg.best != nil {
		out.BestFix = agg.best.Description
	}
	return out
}

// betterFix prefers corrections, then the most recent fix.
func betterFix(a, b models.Fix) bool {
	if a.IsCorrection() != b.IsCorrection() {
		return a.IsCorrection()
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func patternKey(namespace, pod string, t models.IncidentType) string {
	return strings.Join([]string{"pattern", namespace, pod, string(t)}, ":")
}
