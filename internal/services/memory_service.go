// Package services exposes the incident memory operations behind one facade used by the gRPC layer.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/miradorstack/kube-memory/internal/engine"
	"github.com/miradorstack/kube-memory/internal/feedback"
	"github.com/miradorstack/kube-memory/internal/ingest"
	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/notify"
	"github.com/miradorstack/kube-memory/internal/patterns"
	"github.com/miradorstack/kube-memory/internal/repo"
	"github.com/miradorstack/kube-memory/internal/utils"
	"github.com/miradorstack/kube-memory/internal/watcher"
)

// ErrNotConfigured is returned when an operation needs a component the service was built without.
var ErrNotConfigured = errors.New("component not configured")

const (
	defaultSimilarK = 5
	maxSimilarK     = 50
	maxQueryWindow  = 7 * 24 * time.Hour
	maxHistory      = 200
)

// Dependencies wires the facade. Any field may be nil; operations needing it then fail with ErrNotConfigured.
type Dependencies struct {
	Watchers     *watcher.Manager
	Ingestor     *ingest.Ingestor
	Pipeline     *engine.Pipeline
	Feedback     *feedback.Tracker
	Memory       *memory.Store
	Incidents    *repo.IncidentRepo
	Patterns     *patterns.Miner
	PatternCache *patterns.CacheStore
	Hub          *notify.Hub
}

// Windows are the defaults applied when a query passes a zero window.
type Windows struct {
	BlastRadius time.Duration
	Deploy      time.Duration
}

// MemoryService is the operation surface of the incident memory.
type MemoryService struct {
	deps      Dependencies
	windows   Windows
	logger    *slog.Logger
	latencies *utils.LatencyTracker
	now       func() time.Time
}

// NewMemoryService constructs the service facade.
func NewMemoryService(logger *slog.Logger, deps Dependencies, windows Windows) *MemoryService {
	if logger == nil {
		logger = slog.Default()
	}
	if windows.BlastRadius <= 0 {
		windows.BlastRadius = 5 * time.Minute
	}
	if windows.Deploy <= 0 {
		windows.Deploy = 2 * time.Hour
	}
	return &MemoryService{
		deps:      deps,
		windows:   windows,
		logger:    logger,
		latencies: utils.NewLatencyTracker(1024),
		now:       time.Now,
	}
}

// StartWatch starts watchers for namespaces and returns the names that were accepted.
func (s *MemoryService) StartWatch(_ context.Context, namespaces []string) ([]string, error) {
	if s.deps.Watchers == nil {
		return nil, notConfigured("services.StartWatch", "watcher manager")
	}
	started, err := s.deps.Watchers.Start(namespaces)
	if err != nil {
		return nil, err
	}
	s.logger.Info("watch started", slog.Any("namespaces", started))
	return started, nil
}

// StopWatch stops the given namespaces, or all of them when namespaces is empty.
func (s *MemoryService) StopWatch(_ context.Context, namespaces []string) ([]string, error) {
	if s.deps.Watchers == nil {
		return nil, notConfigured("services.StopWatch", "watcher manager")
	}
	if len(namespaces) == 0 {
		namespaces = nil
	}
	stopped := s.deps.Watchers.Stop(namespaces)
	s.logger.Info("watch stopped", slog.Any("namespaces", stopped))
	return stopped, nil
}

// WatchStatus reports every namespace watcher.
func (s *MemoryService) WatchStatus(context.Context) ([]watcher.Status, error) {
	if s.deps.Watchers == nil {
		return nil, notConfigured("services.WatchStatus", "watcher manager")
	}
	return s.deps.Watchers.Status(), nil
}

// IngestEvent persists a candidate and schedules its memory writes and analysis.
func (s *MemoryService) IngestEvent(ctx context.Context, candidate models.IncidentCandidate) (models.Incident, bool, error) {
	if s.deps.Ingestor == nil {
		return models.Incident{}, false, notConfigured("services.IngestEvent", "ingestor")
	}
	incident, created, err := s.deps.Ingestor.Ingest(ctx, candidate)
	if err != nil {
		return models.Incident{}, false, err
	}
	if created {
		s.invalidatePatterns(ctx, incident.Namespace)
	}
	return incident, created, nil
}

// RunPipeline analyses an incident. Concurrent calls for one incident share a single run.
func (s *MemoryService) RunPipeline(ctx context.Context, incidentID string) (models.AnalysisResult, error) {
	if s.deps.Pipeline == nil {
		return models.AnalysisResult{}, notConfigured("services.RunPipeline", "pipeline")
	}
	s.logger.Debug("RunPipeline called", slog.String("incident_id", incidentID))

	start := s.now()
	result, err := s.deps.Pipeline.Run(ctx, incidentID)
	duration := s.now().Sub(start)
	if err != nil {
		s.logger.Error("pipeline run failed", slog.String("incident_id", incidentID), slog.Any("error", err))
		return models.AnalysisResult{}, err
	}
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		sum := s.latencies.Summary()
		s.logger.Info("analysis latency",
			slog.Duration("p50", sum.P50), slog.Duration("p95", sum.P95), slog.Duration("p99", sum.P99),
			slog.Int("samples", sum.Samples))
	}
	return result, nil
}

// SubmitFix records operator feedback on an incident.
func (s *MemoryService) SubmitFix(ctx context.Context, incidentID string, fix models.Fix) (models.Fix, error) {
	if s.deps.Feedback == nil {
		return models.Fix{}, notConfigured("services.SubmitFix", "feedback tracker")
	}
	saved, err := s.deps.Feedback.SubmitFix(ctx, incidentID, fix)
	if saved.ID != "" {
		if inc, gerr := s.incident(ctx, incidentID); gerr == nil {
			s.invalidatePatterns(ctx, inc.Namespace)
		}
	}
	return saved, err
}

// QuerySimilar searches the vector memory. k <= 0 means the default of 5.
func (s *MemoryService) QuerySimilar(ctx context.Context, text string, filters models.SearchFilters, k int) ([]models.RetrievedDoc, error) {
	const op = "services.QuerySimilar"
	if s.deps.Memory == nil {
		return nil, notConfigured(op, "memory store")
	}
	if strings.TrimSpace(text) == "" {
		return nil, utils.NewKindError(op, utils.ErrMalformedInput, "query text is required", nil)
	}
	switch {
	case k <= 0:
		k = defaultSimilarK
	case k > maxSimilarK:
		k = maxSimilarK
	}
	return s.deps.Memory.SearchSimilar(ctx, text, filters, k)
}

// QueryBlastRadius lists pods whose incidents co-occurred with the pod's within window.
func (s *MemoryService) QueryBlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error) {
	const op = "services.QueryBlastRadius"
	if s.deps.Memory == nil {
		return nil, notConfigured(op, "memory store")
	}
	if strings.TrimSpace(pod) == "" || strings.TrimSpace(namespace) == "" {
		return nil, utils.NewKindError(op, utils.ErrMalformedInput, "pod and namespace are required", nil)
	}
	window, err := s.window(op, window, s.windows.BlastRadius)
	if err != nil {
		return nil, err
	}
	return s.deps.Memory.BlastRadius(ctx, pod, namespace, window)
}

// QueryDeployCorrelation lists incidents that followed a deploy of service within window.
func (s *MemoryService) QueryDeployCorrelation(ctx context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error) {
	const op = "services.QueryDeployCorrelation"
	if s.deps.Memory == nil {
		return nil, notConfigured(op, "memory store")
	}
	if strings.TrimSpace(service) == "" {
		return nil, utils.NewKindError(op, utils.ErrMalformedInput, "service is required", nil)
	}
	window, err := s.window(op, window, s.windows.Deploy)
	if err != nil {
		return nil, err
	}
	return s.deps.Memory.DeployCorrelation(ctx, service, window)
}

// RecordDeploy stores a deploy marker. A zero DeployedAt means now.
func (s *MemoryService) RecordDeploy(ctx context.Context, marker models.DeployMarker) (models.DeployMarker, error) {
	const op = "services.RecordDeploy"
	if s.deps.Memory == nil {
		return models.DeployMarker{}, notConfigured(op, "memory store")
	}
	if strings.TrimSpace(marker.Service) == "" || strings.TrimSpace(marker.Namespace) == "" || strings.TrimSpace(marker.Version) == "" {
		return models.DeployMarker{}, utils.NewKindError(op, utils.ErrMalformedInput, "service, namespace and version are required", nil)
	}
	if marker.DeployedAt.IsZero() {
		marker.DeployedAt = s.now().UTC()
	}
	stored, err := s.deps.Memory.RecordDeploy(ctx, marker)
	if err != nil {
		return models.DeployMarker{}, err
	}
	s.logger.Info("deploy recorded",
		slog.String("service", stored.Service),
		slog.String("namespace", stored.Namespace),
		slog.String("version", stored.Version))
	return stored, nil
}

// UpdateStatus moves an incident through open, investigating and resolved.
func (s *MemoryService) UpdateStatus(ctx context.Context, update models.StatusUpdate) (models.Incident, error) {
	const op = "services.UpdateStatus"
	if s.deps.Incidents == nil {
		return models.Incident{}, notConfigured(op, "incident repository")
	}
	if update.IncidentID == "" {
		return models.Incident{}, utils.NewKindError(op, utils.ErrMalformedInput, "incident id is required", nil)
	}
	status, err := models.ParseIncidentStatus(string(update.Status))
	if err != nil {
		return models.Incident{}, utils.NewKindError(op, utils.ErrMalformedInput, "invalid status", err)
	}
	inc, err := s.deps.Incidents.UpdateIncident(ctx, update.IncidentID, func(inc *models.Incident) {
		inc.Status = status
	})
	if err != nil {
		return models.Incident{}, err
	}
	metrics.ObserveIncident("status_" + string(status))
	return inc, nil
}

// QueryPatterns returns recurring failure patterns, cluster-wide when namespace is empty.
func (s *MemoryService) QueryPatterns(ctx context.Context, namespace string) ([]models.ClusterPattern, error) {
	if s.deps.Patterns == nil {
		return nil, notConfigured("services.QueryPatterns", "pattern miner")
	}
	return s.deps.Patterns.Patterns(ctx, namespace)
}

// GenerateRunbook writes a markdown runbook for an incident from its analysis, fixes and blast radius.
func (s *MemoryService) GenerateRunbook(ctx context.Context, incidentID string) (engine.Runbook, error) {
	const op = "services.GenerateRunbook"
	if s.deps.Pipeline == nil || s.deps.Pipeline.Recommender() == nil {
		return engine.Runbook{}, notConfigured(op, "recommender")
	}
	inc, err := s.incident(ctx, incidentID)
	if err != nil {
		return engine.Runbook{}, err
	}
	in := engine.RunbookInput{Incident: inc}
	if record, err := s.deps.Incidents.GetAnalysis(ctx, incidentID); err == nil {
		current := record.Current
		in.Analysis = &current
	}
	if fixes, err := s.deps.Incidents.ListFixes(ctx, incidentID); err == nil {
		in.Fixes = fixes
	}
	if s.deps.Memory != nil {
		entries, err := s.deps.Memory.BlastRadius(ctx, inc.PodName, inc.Namespace, s.windows.BlastRadius)
		if err != nil {
			s.logger.Warn("runbook blast radius unavailable", slog.String("incident_id", incidentID), slog.Any("error", err))
		}
		in.BlastRadius = entries
	}
	return s.deps.Pipeline.Recommender().GenerateRunbook(ctx, in), nil
}

// PodHistory lists a pod's incidents newest first. limit <= 0 means all, capped at 200.
func (s *MemoryService) PodHistory(ctx context.Context, pod, namespace string, limit int) ([]models.Incident, error) {
	const op = "services.PodHistory"
	if s.deps.Incidents == nil {
		return nil, notConfigured(op, "incident repository")
	}
	if strings.TrimSpace(pod) == "" || strings.TrimSpace(namespace) == "" {
		return nil, utils.NewKindError(op, utils.ErrMalformedInput, "pod and namespace are required", nil)
	}
	if limit <= 0 || limit > maxHistory {
		limit = maxHistory
	}
	return s.deps.Incidents.ListIncidents(ctx, repo.IncidentFilter{Namespace: namespace, PodName: pod, Limit: limit})
}

// GetIncident returns one incident.
func (s *MemoryService) GetIncident(ctx context.Context, incidentID string) (models.Incident, error) {
	return s.incident(ctx, incidentID)
}

// GetAnalysis returns the current analysis of an incident and how many results it superseded.
func (s *MemoryService) GetAnalysis(ctx context.Context, incidentID string) (models.AnalysisRecord, error) {
	if s.deps.Incidents == nil {
		return models.AnalysisRecord{}, notConfigured("services.GetAnalysis", "incident repository")
	}
	return s.deps.Incidents.GetAnalysis(ctx, incidentID)
}

// Subscribe registers a push listener. Delivery is best effort; Unsubscribe must be called.
func (s *MemoryService) Subscribe(filter func(models.Notification) bool) (*notify.Subscription, error) {
	if s.deps.Hub == nil {
		return nil, notConfigured("services.Subscribe", "notification hub")
	}
	return s.deps.Hub.Subscribe(filter), nil
}

// Unsubscribe removes a listener registered with Subscribe.
func (s *MemoryService) Unsubscribe(sub *notify.Subscription) {
	if s.deps.Hub != nil && sub != nil {
		s.deps.Hub.Unsubscribe(sub)
	}
}

// LatencyP95 returns the current p95 pipeline latency.
func (s *MemoryService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func (s *MemoryService) incident(ctx context.Context, id string) (models.Incident, error) {
	if s.deps.Incidents == nil {
		return models.Incident{}, notConfigured("services.GetIncident", "incident repository")
	}
	if id == "" {
		return models.Incident{}, utils.NewKindError("services.GetIncident", utils.ErrMalformedInput, "incident id is required", nil)
	}
	return s.deps.Incidents.GetIncident(ctx, id)
}

func (s *MemoryService) window(op string, window, fallback time.Duration) (time.Duration, error) {
	switch {
	case window == 0:
		return fallback, nil
	case window < 0 || window > maxQueryWindow:
		return 0, utils.NewKindError(op, utils.ErrMalformedInput, "window must be between 0 and 168h", nil)
	}
	return window, nil
}

func (s *MemoryService) invalidatePatterns(ctx context.Context, namespace string) {
	if s.deps.PatternCache == nil {
		return
	}
	if err := s.deps.PatternCache.Invalidate(ctx, namespace); err != nil {
		s.logger.Debug("pattern snapshot not invalidated", slog.String("namespace", namespace), slog.Any("error", err))
	}
}

func notConfigured(op, component string) error {
	return utils.NewAppError(op, component+" not configured", ErrNotConfigured)
}
