// Package classifier turns raw pod events into typed, prioritised incident candidates.
package classifier

import (
	"fmt"
	"strings"

	"github.com/miradorstack/kube-memory/internal/models"
)

// Event types the watcher forwards; everything else is noise.
const (
	EventTypeWarning = "Warning"
	EventTypeFailed  = "Failed"
	kindPod          = "Pod"
)

// lowRestartThreshold is the restart count under which high severities are downgraded.
const lowRestartThreshold = 3

var reasonToType = map[string]models.IncidentType{
	"OOMKilled":             models.IncidentOOMKill,
	"OOMKilling":            models.IncidentOOMKill,
	"CrashLoopBackOff":      models.IncidentCrashLoopBackOff,
	"BackOff":               models.IncidentCrashLoopBackOff,
	"ImagePullBackOff":      models.IncidentImagePullBackOff,
	"ErrImagePull":          models.IncidentImagePullBackOff,
	"InvalidImageName":      models.IncidentImagePullBackOff,
	"Evicted":               models.IncidentEvicted,
	"NodeNotReady":          models.IncidentNodePressure,
	"NodeHasDiskPressure":   models.IncidentNodePressure,
	"NodeHasMemoryPressure": models.IncidentNodePressure,
	"EvictionThresholdMet":  models.IncidentNodePressure,
	"FailedScheduling":      models.IncidentPending,
}

var typeSeverity = map[models.IncidentType]models.Severity{
	models.IncidentOOMKill:          models.SeverityHigh,
	models.IncidentCrashLoopBackOff: models.SeverityHigh,
	models.IncidentNodePressure:     models.SeverityHigh,
	models.IncidentEvicted:          models.SeverityMedium,
	models.IncidentPending:          models.SeverityMedium,
	models.IncidentImagePullBackOff: models.SeverityLow,
	models.IncidentUnknown:          models.SeverityMedium,
}

// Classifier is stateless apart from the set of production-tagged namespaces.
type Classifier struct {
	production map[string]struct{}
}

// New builds a Classifier; productionNamespaces are matched exactly.
func New(productionNamespaces []string) *Classifier {
	prod := make(map[string]struct{}, len(productionNamespaces))
	for _, ns := range productionNamespaces {
		if ns = strings.TrimSpace(ns); ns != "" {
			prod[ns] = struct{}{}
		}
	}
	return &Classifier{production: prod}
}

// Accepts is the watcher filter: Warning/Failed events about Pods.
func Accepts(eventType, involvedKind string) bool {
	if involvedKind != kindPod {
		return false
	}
	return eventType == EventTypeWarning || eventType == EventTypeFailed
}

// TypeForReason maps an event reason, disambiguated by its message, to an incident type.
func TypeForReason(reason, message string) models.IncidentType {
	msg := strings.ToLower(message)
	switch reason {
	case "BackOff":
		if strings.Contains(msg, "pulling image") {
			return models.IncidentImagePullBackOff
		}
	case "Failed":
		if strings.Contains(msg, "pull") && strings.Contains(msg, "image") {
			return models.IncidentImagePullBackOff
		}
	}
	if t, ok := reasonToType[reason]; ok {
		return t
	}
	return models.IncidentUnknown
}

// IsProduction reports whether ns is production-tagged, either configured explicitly
// or carrying a "prod"/"production" dash-separated token.
func (c *Classifier) IsProduction(ns string) bool {
	if _, ok := c.production[ns]; ok {
		return true
	}
	for _, token := range strings.Split(ns, "-") {
		if token == "prod" || token == "production" {
			return true
		}
	}
	return false
}

// Severity derives severity from type, namespace and restart count.
func (c *Classifier) Severity(t models.IncidentType, ns string, restarts *int32) models.Severity {
	if (t == models.IncidentOOMKill || t == models.IncidentCrashLoopBackOff) && c.IsProduction(ns) {
		return models.SeverityCritical
	}
	sev, ok := typeSeverity[t]
	if !ok {
		sev = models.SeverityMedium
	}
	if sev == models.SeverityHigh && restarts != nil && *restarts < lowRestartThreshold && t != models.IncidentNodePressure {
		sev = models.SeverityMedium
	}
	return sev
}

// Classify fills Type, Severity and returns the candidate, or rejects malformed input.
// A type already present on the candidate is kept.
func (c *Classifier) Classify(cand models.IncidentCandidate) (models.IncidentCandidate, error) {
	if err := cand.Validate(); err != nil {
		return cand, fmt.Errorf("classify: %w", err)
	}
	if cand.Type == "" {
		cand.Type = TypeForReason(cand.Reason, cand.Message)
	}
	if cand.Severity == "" {
		cand.Severity = c.Severity(cand.Type, cand.Namespace, cand.RestartCount)
	}
	return cand, nil
}

// Describe renders the human description stored on the incident.
func Describe(cand models.IncidentCandidate) string {
	msg := strings.TrimSpace(cand.Message)
	reason := cand.Reason
	if reason == "" {
		reason = string(cand.Type)
	}
	if msg == "" {
		return fmt.Sprintf("%s detected for pod %s in %s", reason, cand.PodName, cand.Namespace)
	}
	return reason + ": " + msg
}
