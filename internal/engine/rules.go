package engine

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/kube-memory/internal/models"
)

// RuleEngine maps free-text fixes to fix types and supplies rule-based remediation steps.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single fix-type rule.
type Rule struct {
	ID              string    `yaml:"id"`
	FixType         string    `yaml:"fix_type"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching.
type RuleMatch struct {
	IncidentTypes []string `yaml:"incident_types"`
	Keywords      []string `yaml:"keywords"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is used when no rule file is present.
var DefaultRules = []Rule{
	{ID: "rollback", FixType: "rollback", Match: RuleMatch{Keywords: []string{"rollback", "roll back", "revert", "rollout undo", "previous version"}},
		Recommendations: []string{"Roll back to the last known good version with kubectl rollout undo"}},
	{ID: "memory", FixType: "memory-limit", Match: RuleMatch{Keywords: []string{"memory limit", "limits.memory", "memory", "heap", "mi", "gi", "xmx"}},
		Recommendations: []string{"Raise the container memory limit or reduce the heap size", "Check for memory leaks in recent changes"}},
	{ID: "cpu", FixType: "cpu-limit", Match: RuleMatch{Keywords: []string{"cpu", "throttl"}},
		Recommendations: []string{"Review CPU requests and limits"}},
	{ID: "image", FixType: "image", Match: RuleMatch{Keywords: []string{"image", "tag", "registry", "pull secret", "imagepullsecret"}},
		Recommendations: []string{"Verify the image tag exists and the pull secret is valid"}},
	{ID: "probe", FixType: "probe", Match: RuleMatch{Keywords: []string{"probe", "liveness", "readiness", "startup"}},
		Recommendations: []string{"Relax probe thresholds or fix the health endpoint"}},
	{ID: "config", FixType: "config", Match: RuleMatch{Keywords: []string{"configmap", "secret", "env", "config", "variable"}},
		Recommendations: []string{"Check recent ConfigMap and Secret changes"}},
	{ID: "scale", FixType: "scale", Match: RuleMatch{Keywords: []string{"scale", "replica", "hpa", "autoscal"}},
		Recommendations: []string{"Scale the deployment or tune the autoscaler"}},
	{ID: "node", FixType: "node", Match: RuleMatch{Keywords: []string{"drain", "cordon", "taint", "node", "disk"}},
		Recommendations: []string{"Drain or replace the affected node"}},
	{ID: "restart", FixType: "restart", Match: RuleMatch{Keywords: []string{"restart", "delete pod", "recreate", "bounce"}},
		Recommendations: []string{"Restart the workload with kubectl rollout restart"}},
}

// NewRuleEngine loads rules from path, falling back to DefaultRules when path is empty or missing.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &RuleEngine{rules: DefaultRules, logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("rule file not found, using built-in fix types", slog.String("path", path))
			return &RuleEngine{rules: DefaultRules, logger: logger}, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// FixType returns the type of the first rule whose keywords appear in text, or "".
func (e *RuleEngine) FixType(text string) string {
	if e == nil {
		return ""
	}
	lower := strings.ToLower(text)
	for _, rule := range e.rules {
		if containsAny(lower, rule.Match.Keywords) {
			return rule.FixType
		}
	}
	return ""
}

// Recommend returns the remediation steps of every rule that applies to the incident type and text.
func (e *RuleEngine) Recommend(incidentType models.IncidentType, text string) []string {
	if e == nil {
		return nil
	}
	lower := strings.ToLower(text)
	matched := make([]string, 0)
	for _, rule := range e.rules {
		if len(rule.Match.IncidentTypes) > 0 && !typeMatches(rule.Match.IncidentTypes, incidentType) {
			continue
		}
		if len(rule.Match.Keywords) > 0 && !containsAny(lower, rule.Match.Keywords) {
			continue
		}
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func typeMatches(types []string, t models.IncidentType) bool {
	for _, candidate := range types {
		if strings.EqualFold(candidate, string(t)) {
			return true
		}
	}
	return false
}

func containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && containsWord(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// containsWord matches kw at a word start so short units like "mi" do not hit "migrate".
func containsWord(s, kw string) bool {
	for offset := 0; ; {
		idx := strings.Index(s[offset:], kw)
		if idx < 0 {
			return false
		}
		pos := offset + idx
		if pos == 0 || !isWordByte(s[pos-1]) || isDigit(s[pos-1]) {
			end := pos + len(kw)
			if len(kw) > 2 || end == len(s) || !isWordByte(s[end]) {
				return true
			}
		}
		offset = pos + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || isDigit(b) || (b >= 'a' && b <= 'z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
