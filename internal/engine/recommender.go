package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/kube-memory/internal/extractors"
	"github.com/miradorstack/kube-memory/internal/llm"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// DegradedMessage is the error text of an analysis whose generation step failed.
const DegradedMessage = "analysis unavailable: generation backend error or timeout"

// Recommender turns incident facts and grounding evidence into an AnalysisResult.
type Recommender struct {
	generator llm.Generator
	rules     *RuleEngine
	causality *CausalityEngine
	logs      *extractors.LogsExtractor
	timeout   time.Duration
}

// NewRecommender constructs a Recommender. timeout bounds one generation call (default 60s).
func NewRecommender(generator llm.Generator, rules *RuleEngine, causality *CausalityEngine, timeout time.Duration) *Recommender {
	if generator == nil {
		generator = llm.Disabled()
	}
	if causality == nil {
		causality = NewCausalityEngine(nil)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Recommender{
		generator: generator,
		rules:     rules,
		causality: causality,
		logs:      extractors.NewLogsExtractor(),
		timeout:   timeout,
	}
}

// Recommend generates the analysis. On generation failure it returns a degraded result together with an
// ErrGenerationUnavailable error.
func (r *Recommender) Recommend(ctx context.Context, incident models.Incident, docs []models.RetrievedDoc, summary models.CorrelationSummary) (models.AnalysisResult, error) {
	prompt, sources := r.BuildPrompt(incident, docs, summary)
	result := models.AnalysisResult{
		ID:          uuid.NewString(),
		IncidentID:  incident.ID,
		Sources:     sources,
		Correlation: summary,
	}

	genCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	text, err := r.generator.Generate(genCtx, prompt)
	if err == nil && strings.TrimSpace(text) == "" {
		err = fmt.Errorf("empty generation")
	}
	if err != nil {
		result.Status = models.AnalysisError
		result.Error = DegradedMessage
		return result, utils.NewKindError("engine.Recommend", utils.ErrGenerationUnavailable, DegradedMessage, err)
	}

	sections := ParseSections(text)
	if sections.Recommendation == "" {
		steps := r.rules.Recommend(incident.Type, incident.Description+"\n"+incident.RawLogs)
		if len(steps) == 0 {
			result.Status = models.AnalysisError
			result.Error = DegradedMessage
			return result, utils.NewKindError("engine.Recommend", utils.ErrGenerationUnavailable, DegradedMessage,
				fmt.Errorf("answer has no recommendation"))
		}
		// Labelled answer without remediation steps: use the matching fix-type rules instead.
		sections.Recommendation = strings.Join(steps, "\n")
	}
	result.Status = models.AnalysisComplete
	result.RootCause = sections.RootCause
	result.Recommendation = sections.Recommendation
	result.PreventionAdvice = sections.Prevention
	result.BlastWarning = sections.BlastWarning
	result.Confidence = r.Confidence(docs)
	return result, nil
}

// BuildPrompt renders the grounded prompt and returns the ids of the documents placed in it.
func (r *Recommender) BuildPrompt(incident models.Incident, docs []models.RetrievedDoc, summary models.CorrelationSummary) (string, []string) {
	var b strings.Builder
	sources := make([]string, 0, len(docs))

	b.WriteString("You are a senior SRE analysing a Kubernetes incident using this cluster's own incident history.\n")
	b.WriteString("Ground every statement in the history below and prefer engineer corrections over earlier suggestions.\n\n")

	b.WriteString("=== CURRENT INCIDENT ===\n")
	fmt.Fprintf(&b, "Type: %s\nPod: %s in %s\nSeverity: %s\n", incident.Type, incident.PodName, incident.Namespace, incident.Severity)
	if incident.NodeName != "" {
		fmt.Fprintf(&b, "Node: %s\n", incident.NodeName)
	}
	fmt.Fprintf(&b, "Description: %s\n", incident.Description)
	if signals := r.logs.Detect(incident.RawLogs); len(signals) > 0 {
		b.WriteString("Log signatures:\n")
		for _, s := range signals {
			fmt.Fprintf(&b, "- [%s x%d] %s\n", s.Severity, s.Count, utils.Truncate(s.Sample, 200))
		}
	}

	b.WriteString("\n=== SIMILAR HISTORY ===\n")
	var corrections []models.RetrievedDoc
	wrote := false
	for _, doc := range docs {
		sources = append(sources, doc.ID)
		if doc.IsCorrection {
			corrections = append(corrections, doc)
			continue
		}
		fmt.Fprintf(&b, "- [%s] (similarity %.2f) %s\n", doc.ID, doc.Similarity, oneLine(doc.Text, 240))
		wrote = true
	}
	if !wrote {
		b.WriteString("No similar incidents found in history.\n")
	}

	b.WriteString("\n=== ENGINEER CORRECTIONS ===\n")
	if len(corrections) == 0 {
		b.WriteString("No corrections recorded.\n")
	}
	for _, doc := range corrections {
		fmt.Fprintf(&b, "- [%s] %s\n", doc.ID, oneLine(doc.Text, 240))
	}

	b.WriteString("\n=== PRIOR FIXES FOR THIS POD ===\n")
	if len(summary.PriorFixes) == 0 {
		b.WriteString("No fix history available.\n")
	}
	for _, fix := range summary.PriorFixes {
		state := "did not work"
		if fix.Worked {
			state = "worked"
		}
		if fix.SupersededBy != "" {
			state += ", superseded"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", oneLine(fix.Description, 200), state)
	}

	b.WriteString("\n=== CAUSAL PATTERN ===\n")
	if n := summary.Pattern.TypeFrequency[incident.Type]; n > 0 {
		fmt.Fprintf(&b, "%s seen %d times on this pod.", incident.Type, n)
		if len(summary.Pattern.FixesThatWorked) > 0 {
			fmt.Fprintf(&b, " Fixes that worked: %s.", strings.Join(summary.Pattern.FixesThatWorked, "; "))
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No historical pattern found.\n")
	}

	b.WriteString("\n=== BLAST RADIUS ===\n")
	if len(summary.BlastRadius) == 0 {
		b.WriteString("No co-occurring failures.\n")
	} else {
		parts := make([]string, 0, len(summary.BlastRadius))
		for _, e := range summary.BlastRadius {
			parts = append(parts, fmt.Sprintf("%s/%s (co-occurred %dx)", e.Namespace, e.Pod, e.Count))
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}

	b.WriteString("\n=== DEPLOYMENT CORRELATION ===\n")
	if d := summary.RecentDeploy; d.Found {
		fmt.Fprintf(&b, "Version %s of %s was deployed %.0f minutes before this failure.\n", d.Version, incident.Service(), d.MinutesBefore)
	} else {
		b.WriteString("No recent deployment detected.\n")
	}

	if hint := r.causality.Evaluate(incident, summary); len(hint.Notes) > 0 {
		b.WriteString("\n=== CAUSAL HINTS ===\n")
		for _, note := range hint.Notes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}

	b.WriteString("\nAnswer in exactly this format:\n")
	b.WriteString("ROOT_CAUSE: <one sentence citing cluster history>\n")
	b.WriteString("RECOMMENDATION: <specific fix steps, citing what worked before>\n")
	b.WriteString("BLAST_RADIUS_WARNING: <which workloads to check>\n")
	b.WriteString("PREVENTION: <preventive action for the recurring pattern>\n")
	return b.String(), sources
}

// Confidence scores retrieval evidence: mean similarity, penalised when the fix types of the sources disagree,
// with a small boost per engineer correction. It is deterministic for a fixed set of documents.
func (r *Recommender) Confidence(docs []models.RetrievedDoc) float64 {
	if len(docs) == 0 {
		return 0
	}
	sum := 0.0
	corrections := 0
	typed := 0
	byType := map[string]int{}
	for _, doc := range docs {
		sum += doc.Similarity
		if doc.IsCorrection {
			corrections++
		}
		if doc.Kind == models.DocIncident {
			continue
		}
		if ft := r.rules.FixType(fixStatement(doc)); ft != "" {
			typed++
			byType[ft]++
		}
	}
	mean := sum / float64(len(docs))

	agreement := 1.0
	if typed > 0 {
		top := 0
		for _, n := range byType {
			if n > top {
				top = n
			}
		}
		agreement = float64(top) / float64(typed)
	}
	boost := math.Min(0.1, 0.05*float64(corrections))
	score := clamp(mean*(0.5+0.5*agreement)+boost, 0, 1)
	return math.Round(score*1e4) / 1e4
}

// fixStatement isolates the remediation sentence of a fix or correction document.
func fixStatement(doc models.RetrievedDoc) string {
	line := doc.Text
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if doc.IsCorrection {
		line = strings.TrimPrefix(line, "CORRECTION: ")
		if i := strings.Index(line, " overrides "); i >= 0 {
			line = line[:i]
		}
		return line
	}
	return strings.TrimPrefix(line, "FIX: ")
}

// Sections holds the parsed generator answer.
type Sections struct {
	RootCause      string
	Recommendation string
	BlastWarning   string
	Prevention     string
}

var sectionLabels = []string{"ROOT_CAUSE", "RECOMMENDATION", "BLAST_RADIUS_WARNING", "PREVENTION", "CONFIDENCE"}

// ParseSections splits a labelled answer. Text without any label becomes the recommendation.
func ParseSections(text string) Sections {
	found := map[string]*strings.Builder{}
	current := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if label, rest, ok := matchLabel(line); ok {
			current = label
			if found[label] == nil {
				found[label] = &strings.Builder{}
			}
			found[label].WriteString(rest)
			continue
		}
		if current == "" {
			continue
		}
		b := found[current]
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(line)
	}

	get := func(label string) string {
		if b := found[label]; b != nil {
			return strings.TrimSpace(b.String())
		}
		return ""
	}
	s := Sections{
		RootCause:      get("ROOT_CAUSE"),
		Recommendation: get("RECOMMENDATION"),
		BlastWarning:   get("BLAST_RADIUS_WARNING"),
		Prevention:     get("PREVENTION"),
	}
	if len(found) == 0 {
		s.Recommendation = strings.TrimSpace(text)
	}
	return s
}

func matchLabel(line string) (string, string, bool) {
	trimmed := strings.TrimLeft(line, "#*- ")
	upper := strings.ToUpper(trimmed)
	for _, label := range sectionLabels {
		for _, variant := range []string{label, strings.ReplaceAll(label, "_", " ")} {
			if !strings.HasPrefix(upper, variant) {
				continue
			}
			rest := strings.TrimLeft(trimmed[len(variant):], "* ")
			if !strings.HasPrefix(rest, ":") {
				continue
			}
			return label, strings.TrimSpace(strings.TrimLeft(rest[1:], "* ")), true
		}
	}
	return "", "", false
}

func oneLine(s string, n int) string {
	return utils.Truncate(strings.Join(strings.Fields(s), " "), n)
}
