package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/miradorstack/kube-memory/internal/models"
)

// RunbookInput is the material a runbook is written from.
type RunbookInput struct {
	Incident    models.Incident
	Analysis    *models.AnalysisResult
	Fixes       []models.Fix
	BlastRadius []models.BlastRadiusEntry
}

// Runbook is a markdown runbook; Generated is false when the static template was used.
type Runbook struct {
	Markdown  string
	Generated bool
}

// GenerateRunbook asks the generator for a markdown runbook and falls back to a static one built from
// history and fix-type rules when generation fails.
func (r *Recommender) GenerateRunbook(ctx context.Context, in RunbookInput) Runbook {
	genCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	text, err := r.generator.Generate(genCtx, runbookPrompt(in))
	if err == nil && strings.TrimSpace(text) != "" {
		return Runbook{Markdown: strings.TrimSpace(text), Generated: true}
	}
	return Runbook{Markdown: r.staticRunbook(in)}
}

func runbookPrompt(in RunbookInput) string {
	inc := in.Incident
	var b strings.Builder
	b.WriteString("Write a production runbook in Markdown for this incident type, based on this cluster's history.\n\n")
	fmt.Fprintf(&b, "Incident: %s on %s in %s\n", inc.Type, inc.PodName, inc.Namespace)
	if in.Analysis != nil && in.Analysis.RootCause != "" {
		fmt.Fprintf(&b, "Root cause from analysis: %s\n", in.Analysis.RootCause)
	}
	b.WriteString("Fixes recorded in this cluster:\n")
	b.WriteString(fixLines(in.Fixes, 5))
	fmt.Fprintf(&b, "Co-occurring workloads: %s\n\n", blastLine(in.BlastRadius, 5))
	fmt.Fprintf(&b, "Use these headings: # Runbook: %s on %s, ## Symptoms, ## Immediate Actions, ## Root Cause Investigation, ## Fix Steps, ## Blast Radius, ## Prevention, ## Escalation.\n", inc.Type, inc.Service())
	return b.String()
}

func (r *Recommender) staticRunbook(in RunbookInput) string {
	inc := in.Incident
	var b strings.Builder
	fmt.Fprintf(&b, "# Runbook: %s on %s\n\n", inc.Type, inc.Service())

	b.WriteString("## Symptoms\n")
	symptom := inc.Description
	if in.Analysis != nil && in.Analysis.RootCause != "" {
		symptom = in.Analysis.RootCause
	}
	if symptom == "" {
		symptom = "See incident description."
	}
	fmt.Fprintf(&b, "- %s\n\n", symptom)

	b.WriteString("## Immediate Actions\n")
	fmt.Fprintf(&b, "1. kubectl -n %s describe pod %s\n", inc.Namespace, inc.PodName)
	fmt.Fprintf(&b, "2. kubectl -n %s logs %s --previous --tail=100\n\n", inc.Namespace, inc.PodName)

	b.WriteString("## Fix Steps\n")
	var steps []string
	if in.Analysis != nil && in.Analysis.Recommendation != "" {
		steps = append(steps, in.Analysis.Recommendation)
	}
	for _, fix := range in.Fixes {
		if fix.Worked && fix.SupersededBy == "" {
			steps = appendUnique(steps, fix.Description)
		}
	}
	steps = appendUnique(steps, r.rules.Recommend(inc.Type, inc.Description+"\n"+inc.RawLogs)...)
	if len(steps) == 0 {
		steps = []string{"No recommendation available."}
	}
	for i, step := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, step)
	}

	fmt.Fprintf(&b, "\n## Blast Radius\n- %s\n", blastLine(in.BlastRadius, 5))
	if in.Analysis != nil && in.Analysis.PreventionAdvice != "" {
		fmt.Fprintf(&b, "\n## Prevention\n- %s\n", in.Analysis.PreventionAdvice)
	}
	return b.String()
}

func fixLines(fixes []models.Fix, n int) string {
	if len(fixes) == 0 {
		return "- No fixes recorded yet.\n"
	}
	var b strings.Builder
	for i, fix := range fixes {
		if i == n {
			break
		}
		state := "did not work"
		if fix.Worked {
			state = "worked"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", oneLine(fix.Description, 300), state)
	}
	return b.String()
}

func blastLine(entries []models.BlastRadiusEntry, n int) string {
	if len(entries) == 0 {
		return "None identified."
	}
	parts := make([]string, 0, n)
	for i, e := range entries {
		if i == n {
			break
		}
		parts = append(parts, fmt.Sprintf("%s/%s (%dx)", e.Namespace, e.Pod, e.Count))
	}
	return strings.Join(parts, ", ")
}
