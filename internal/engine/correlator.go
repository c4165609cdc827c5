package engine

import (
	"context"
	"errors"
	"time"

	"github.com/miradorstack/kube-memory/internal/models"
)

// GraphReader is the causal half of the memory store.
type GraphReader interface {
	BlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error)
	RecentDeploy(ctx context.Context, incident models.Incident, window time.Duration) (models.RecentDeploy, error)
	PriorFixes(ctx context.Context, incident models.Incident) ([]models.Fix, error)
	PodPattern(ctx context.Context, pod, namespace string) (models.CausalPattern, error)
}

// Correlator gathers structured graph evidence for an incident. It never produces prose.
type Correlator struct {
	graph        GraphReader
	blastWindow  time.Duration
	deployWindow time.Duration
}

// NewCorrelator constructs a Correlator with the given windows (defaults 5m and 2h).
func NewCorrelator(graph GraphReader, blastWindow, deployWindow time.Duration) *Correlator {
	if blastWindow <= 0 {
		blastWindow = 5 * time.Minute
	}
	if deployWindow <= 0 {
		deployWindow = 2 * time.Hour
	}
	return &Correlator{graph: graph, blastWindow: blastWindow, deployWindow: deployWindow}
}

// Correlate returns whatever evidence could be gathered plus the joined errors of the queries that failed.
func (c *Correlator) Correlate(ctx context.Context, incident models.Incident) (models.CorrelationSummary, error) {
	summary := models.CorrelationSummary{
		BlastRadius: []models.BlastRadiusEntry{},
		PriorFixes:  []models.Fix{},
		Pattern:     models.CausalPattern{TypeFrequency: map[models.IncidentType]int{}},
	}
	var errs []error

	if blast, err := c.graph.BlastRadius(ctx, incident.PodName, incident.Namespace, c.blastWindow); err != nil {
		errs = append(errs, err)
	} else {
		summary.BlastRadius = blast
	}

	if deploy, err := c.graph.RecentDeploy(ctx, incident, c.deployWindow); err != nil {
		errs = append(errs, err)
	} else {
		summary.RecentDeploy = deploy
	}

	if fixes, err := c.graph.PriorFixes(ctx, incident); err != nil {
		errs = append(errs, err)
	} else {
		summary.PriorFixes = fixes
	}

	if pattern, err := c.graph.PodPattern(ctx, incident.PodName, incident.Namespace); err != nil {
		errs = append(errs, err)
	} else {
		summary.Pattern = pattern
	}

	return summary, errors.Join(errs...)
}
