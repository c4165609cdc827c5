package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/llm"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

const labelledAnswer = `ROOT_CAUSE: payment-service exceeded its 256Mi limit, as in incident inc-1.
RECOMMENDATION: Raise the memory limit to 512Mi.
Then watch heap usage for an hour.
BLAST_RADIUS_WARNING: check checkout-api in production.
PREVENTION: add a memory alert at 80%.
CONFIDENCE: high`

func newTestRecommender(t *testing.T, gen llm.Generator) *Recommender {
	t.Helper()
	rules, err := NewRuleEngine("", nil)
	require.NoError(t, err)
	return NewRecommender(gen, rules, nil, time.Second)
}

func TestParseSections(t *testing.T) {
	s := ParseSections(labelledAnswer)
	assert.Equal(t, "payment-service exceeded its 256Mi limit, as in incident inc-1.", s.RootCause)
	assert.Equal(t, "Raise the memory limit to 512Mi.\nThen watch heap usage for an hour.", s.Recommendation)
	assert.Equal(t, "check checkout-api in production.", s.BlastWarning)
	assert.Equal(t, "add a memory alert at 80%.", s.Prevention)
}

func TestParseSectionsMarkdownLabels(t *testing.T) {
	s := ParseSections("**Root cause:** bad image tag\n## Recommendation: pin the tag")
	assert.Equal(t, "bad image tag", s.RootCause)
	assert.Equal(t, "pin the tag", s.Recommendation)
}

func TestParseSectionsUnlabelledTextBecomesRecommendation(t *testing.T) {
	s := ParseSections("  just roll back the deploy  ")
	assert.Equal(t, "just roll back the deploy", s.Recommendation)
	assert.Empty(t, s.RootCause)
}

func fixDoc(id, text string, sim float64) models.RetrievedDoc {
	return models.RetrievedDoc{ID: "fix:" + id, Kind: models.DocFix, Text: text, Similarity: sim}
}

func TestConfidenceIsDeterministic(t *testing.T) {
	rec := newTestRecommender(t, nil)
	docs := []models.RetrievedDoc{
		fixDoc("a", "FIX: Increase memory limit to 512Mi\nOutcome: worked", 0.9),
		fixDoc("b", "FIX: Raised memory to 1Gi\nOutcome: worked", 0.7),
	}
	first := rec.Confidence(docs)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, rec.Confidence(docs))
	}
	assert.InDelta(t, 0.8, first, 1e-9)
}

func TestConfidencePenalisesDisagreement(t *testing.T) {
	rec := newTestRecommender(t, nil)
	agree := []models.RetrievedDoc{
		fixDoc("a", "FIX: Increase memory limit\nOutcome: worked", 0.8),
		fixDoc("b", "FIX: bump memory to 1Gi\nOutcome: worked", 0.8),
	}
	disagree := []models.RetrievedDoc{
		fixDoc("a", "FIX: Increase memory limit\nOutcome: worked", 0.8),
		fixDoc("c", "FIX: kubectl rollout undo\nOutcome: worked", 0.8),
	}
	assert.Greater(t, rec.Confidence(agree), rec.Confidence(disagree))
	assert.InDelta(t, 0.6, rec.Confidence(disagree), 1e-9)
}

func TestConfidenceCorrectionUsesReplacementText(t *testing.T) {
	rec := newTestRecommender(t, nil)
	docs := []models.RetrievedDoc{
		{ID: "correction:c1", Kind: models.DocCorrection, IsCorrection: true, Similarity: 0.8,
			Text: "CORRECTION: Increase memory limit to 512Mi overrides kubectl rollout undo\nPod: payment"},
		fixDoc("a", "FIX: Increase memory limit\nOutcome: worked", 0.8),
	}
	assert.InDelta(t, 0.85, rec.Confidence(docs), 1e-9)
}

func TestConfidenceWithoutEvidence(t *testing.T) {
	rec := newTestRecommender(t, nil)
	assert.Zero(t, rec.Confidence(nil))
}

func TestRecommendComplete(t *testing.T) {
	var prompt string
	rec := newTestRecommender(t, llm.GeneratorFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return labelledAnswer, nil
	}))
	inc := models.Incident{ID: "inc-2", PodName: "payment-abc", Namespace: "production", Type: models.IncidentOOMKill, Severity: models.SeverityCritical}
	docs := []models.RetrievedDoc{
		fixDoc("f1", "FIX: Increase memory limit to 512Mi\nOutcome: worked", 0.9),
		{ID: "correction:c1", Kind: models.DocCorrection, IsCorrection: true, Similarity: 0.7,
			Text: "CORRECTION: Increase memory limit overrides restart the pod"},
	}
	summary := models.CorrelationSummary{RecentDeploy: models.RecentDeploy{Found: true, Version: "v2.3", MinutesBefore: 14}}

	res, err := rec.Recommend(context.Background(), inc, docs, summary)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisComplete, res.Status)
	assert.Equal(t, "inc-2", res.IncidentID)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, []string{"fix:f1", "correction:c1"}, res.Sources)
	assert.Contains(t, res.Recommendation, "512Mi")
	assert.Equal(t, summary, res.Correlation)
	assert.Greater(t, res.Confidence, 0.0)

	assert.Contains(t, prompt, "=== ENGINEER CORRECTIONS ===")
	assert.Contains(t, prompt, "[correction:c1]")
	assert.Contains(t, prompt, "Version v2.3 of payment-abc was deployed 14 minutes before")
}

func TestRecommendDegradedOnGeneratorError(t *testing.T) {
	rec := newTestRecommender(t, llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "", errors.New("connection refused")
	}))
	docs := []models.RetrievedDoc{fixDoc("f1", "FIX: Increase memory\nOutcome: worked", 0.9)}

	res, err := rec.Recommend(context.Background(), models.Incident{ID: "inc-3"}, docs, models.CorrelationSummary{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrGenerationUnavailable))
	assert.Equal(t, models.AnalysisError, res.Status)
	assert.Equal(t, DegradedMessage, res.Error)
	assert.Empty(t, res.Recommendation)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, []string{"fix:f1"}, res.Sources)
}

func TestRecommendDegradedOnTimeout(t *testing.T) {
	rules, err := NewRuleEngine("", nil)
	require.NoError(t, err)
	rec := NewRecommender(llm.GeneratorFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), rules, nil, 20*time.Millisecond)

	res, err := rec.Recommend(context.Background(), models.Incident{ID: "inc-4"}, nil, models.CorrelationSummary{})
	require.ErrorIs(t, err, utils.ErrGenerationUnavailable)
	assert.Equal(t, models.AnalysisError, res.Status)
}

func TestRecommendDegradedOnEmptyAnswer(t *testing.T) {
	rec := newTestRecommender(t, llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "   \n", nil
	}))
	res, err := rec.Recommend(context.Background(), models.Incident{ID: "inc-5"}, nil, models.CorrelationSummary{})
	require.Error(t, err)
	assert.Equal(t, models.AnalysisError, res.Status)
}

func TestRecommendFallsBackToRulesWhenRecommendationMissing(t *testing.T) {
	rec := newTestRecommender(t, llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "ROOT_CAUSE: heap grew past the limit\nRECOMMENDATION:\nPREVENTION: alert at 80%", nil
	}))
	inc := models.Incident{ID: "inc-6", Type: models.IncidentOOMKill, Description: "OOMKilled: container exceeded memory limit"}

	res, err := rec.Recommend(context.Background(), inc, nil, models.CorrelationSummary{})
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisComplete, res.Status)
	assert.Equal(t, "heap grew past the limit", res.RootCause)
	assert.Contains(t, res.Recommendation, "Raise the container memory limit")
	assert.Equal(t, "alert at 80%", res.PreventionAdvice)
}

func TestRecommendDegradedWhenNoRecommendationAndNoRule(t *testing.T) {
	rec := newTestRecommender(t, llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "ROOT_CAUSE: unknown\nBLAST_RADIUS_WARNING: none", nil
	}))
	inc := models.Incident{ID: "inc-7", Type: models.IncidentType("Unknown"), Description: "pod went away"}

	res, err := rec.Recommend(context.Background(), inc, nil, models.CorrelationSummary{})
	require.ErrorIs(t, err, utils.ErrGenerationUnavailable)
	assert.Equal(t, models.AnalysisError, res.Status)
	assert.Equal(t, DegradedMessage, res.Error)
	assert.Empty(t, res.Recommendation)
}

func TestBuildPromptWithoutHistory(t *testing.T) {
	rec := newTestRecommender(t, nil)
	prompt, sources := rec.BuildPrompt(models.Incident{ID: "inc-6", Type: models.IncidentPending}, nil, models.CorrelationSummary{})
	assert.Empty(t, sources)
	for _, want := range []string{
		"No similar incidents found in history.",
		"No corrections recorded.",
		"No co-occurring failures.",
		"No recent deployment detected.",
	} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestGenerateRunbookFallsBackToStatic(t *testing.T) {
	rec := newTestRecommender(t, nil)
	book := rec.GenerateRunbook(context.Background(), RunbookInput{
		Incident: models.Incident{ID: "inc-7", PodName: "payment-abc", Namespace: "production", Type: models.IncidentOOMKill},
		Fixes:    []models.Fix{{ID: "f1", Description: "Increase memory limit to 512Mi", Worked: true}},
	})
	assert.False(t, book.Generated)
	assert.Contains(t, book.Markdown, "Increase memory limit to 512Mi")
}

func TestGenerateRunbookUsesGenerator(t *testing.T) {
	rec := newTestRecommender(t, llm.GeneratorFunc(func(context.Context, string) (string, error) {
		return "# OOMKill runbook\n1. check limits", nil
	}))
	book := rec.GenerateRunbook(context.Background(), RunbookInput{Incident: models.Incident{ID: "inc-8", Type: models.IncidentOOMKill}})
	assert.True(t, book.Generated)
	assert.Equal(t, "# OOMKill runbook\n1. check limits", book.Markdown)
}
