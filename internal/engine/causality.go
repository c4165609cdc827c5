package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/miradorstack/kube-memory/internal/models"
)

// CausalityEngine applies lightweight causality heuristics to the correlator's graph evidence.
type CausalityEngine struct {
	logger *slog.Logger
}

// CausalityResult captures the outcome of a causality evaluation.
type CausalityResult struct {
	Score          float64
	Notes          []string
	SuggestedCause string
}

// Suggested causes.
const (
	CauseDeploy    = "deploy"
	CauseRecurring = "recurring"
	CauseCascade   = "cascade"
)

// NewCausalityEngine constructs a CausalityEngine.
func NewCausalityEngine(logger *slog.Logger) *CausalityEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &CausalityEngine{logger: logger}
}

// Evaluate weighs a recent deploy, recurrence of the same failure and co-occurring pods into a score in [0,1].
func (e *CausalityEngine) Evaluate(incident models.Incident, summary models.CorrelationSummary) CausalityResult {
	result := CausalityResult{}
	type signal struct {
		cause  string
		weight float64
	}
	var signals []signal

	if d := summary.RecentDeploy; d.Found {
		// closer deploys are stronger suspects
		w := 1 - d.MinutesBefore/240
		if w < 0.3 {
			w = 0.3
		}
		signals = append(signals, signal{CauseDeploy, w})
		result.Notes = append(result.Notes, fmt.Sprintf("deploy %s landed %.0f minutes before the failure", d.Version, d.MinutesBefore))
	}

	if n := summary.Pattern.TypeFrequency[incident.Type]; n > 1 {
		w := float64(n-1) / 5
		if w > 1 {
			w = 1
		}
		signals = append(signals, signal{CauseRecurring, w})
		result.Notes = append(result.Notes, fmt.Sprintf("%s has hit %s/%s %d times", incident.Type, incident.Namespace, incident.PodName, n))
	}

	if len(summary.BlastRadius) > 0 {
		total := 0
		for _, entry := range summary.BlastRadius {
			total += entry.Count
		}
		w := float64(total) / 10
		if w > 1 {
			w = 1
		}
		signals = append(signals, signal{CauseCascade, w})
		top := summary.BlastRadius[0]
		result.Notes = append(result.Notes, fmt.Sprintf("%s/%s failed alongside it %d times", top.Namespace, top.Pod, top.Count))
	}

	if len(signals) == 0 {
		return result
	}

	sort.SliceStable(signals, func(i, j int) bool { return signals[i].weight > signals[j].weight })
	sum := 0.0
	for _, s := range signals {
		sum += s.weight
	}
	result.SuggestedCause = signals[0].cause
	result.Score = clamp(0.4+0.6*sum/3, 0, 1)
	e.logger.Debug("causality evaluated", slog.String("incident_id", incident.ID), slog.String("cause", result.SuggestedCause), slog.Float64("score", result.Score))
	return result
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
