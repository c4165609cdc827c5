package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/kube-memory/internal/engine"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/notify"
	"github.com/miradorstack/kube-memory/internal/utils"
	"github.com/miradorstack/kube-memory/internal/watcher"
)

// MemoryService is the operation surface the handlers delegate to.
type MemoryService interface {
	StartWatch(ctx context.Context, namespaces []string) ([]string, error)
	StopWatch(ctx context.Context, namespaces []string) ([]string, error)
	WatchStatus(ctx context.Context) ([]watcher.Status, error)
	IngestEvent(ctx context.Context, candidate models.IncidentCandidate) (models.Incident, bool, error)
	RunPipeline(ctx context.Context, incidentID string) (models.AnalysisResult, error)
	SubmitFix(ctx context.Context, incidentID string, fix models.Fix) (models.Fix, error)
	QuerySimilar(ctx context.Context, text string, filters models.SearchFilters, k int) ([]models.RetrievedDoc, error)
	QueryBlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error)
	QueryDeployCorrelation(ctx context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error)
	RecordDeploy(ctx context.Context, marker models.DeployMarker) (models.DeployMarker, error)
	UpdateStatus(ctx context.Context, update models.StatusUpdate) (models.Incident, error)
	QueryPatterns(ctx context.Context, namespace string) ([]models.ClusterPattern, error)
	GenerateRunbook(ctx context.Context, incidentID string) (engine.Runbook, error)
	PodHistory(ctx context.Context, pod, namespace string, limit int) ([]models.Incident, error)
	GetIncident(ctx context.Context, incidentID string) (models.Incident, error)
	GetAnalysis(ctx context.Context, incidentID string) (models.AnalysisRecord, error)
	Subscribe(filter func(models.Notification) bool) (*notify.Subscription, error)
	Unsubscribe(sub *notify.Subscription)
}

// Handlers implements KubeMemoryServer on top of a MemoryService.
type Handlers struct {
	svc    MemoryService
	logger *slog.Logger
}

// NewHandlers constructs the gRPC handlers.
func NewHandlers(logger *slog.Logger, svc MemoryService) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

type namespacesRequest struct {
	Namespaces []string `json:"namespaces"`
}

type incidentRequest struct {
	IncidentID string `json:"incidentId"`
}

type similarRequest struct {
	Text         string              `json:"text"`
	Namespace    string              `json:"namespace"`
	IncidentType models.IncidentType `json:"incidentType"`
	ExcludeIDs   []string            `json:"excludeIds"`
	K            int                 `json:"k"`
}

type blastRadiusRequest struct {
	Pod       string `json:"pod"`
	Namespace string `json:"namespace"`
	Window    string `json:"window"`
}

type deployCorrelationRequest struct {
	Service string `json:"service"`
	Window  string `json:"window"`
}

type namespaceRequest struct {
	Namespace string `json:"namespace"`
}

type podHistoryRequest struct {
	Pod       string `json:"pod"`
	Namespace string `json:"namespace"`
	Limit     int    `json:"limit"`
}

type subscribeRequest struct {
	IncidentID string `json:"incidentId"`
	Namespace  string `json:"namespace"`
}

// StartWatch implements KubeMemoryServer.
func (h *Handlers) StartWatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req namespacesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	started, err := h.svc.StartWatch(ctx, req.Namespaces)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"namespaces": started})
}

// StopWatch implements KubeMemoryServer. An empty namespace list stops every watcher.
func (h *Handlers) StopWatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req namespacesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	stopped, err := h.svc.StopWatch(ctx, req.Namespaces)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"namespaces": stopped})
}

// WatchStatus implements KubeMemoryServer.
func (h *Handlers) WatchStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	statuses, err := h.svc.WatchStatus(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"watchers": statuses})
}

// IngestEvent implements KubeMemoryServer.
func (h *Handlers) IngestEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var candidate models.IncidentCandidate
	if err := decode(in, &candidate); err != nil {
		return nil, err
	}
	incident, created, err := h.svc.IngestEvent(ctx, candidate)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"incidentId": incident.ID, "created": created, "incident": incident})
}

// RunPipeline implements KubeMemoryServer.
func (h *Handlers) RunPipeline(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	result, err := h.svc.RunPipeline(ctx, req.IncidentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(result)
}

// SubmitFix implements KubeMemoryServer.
func (h *Handlers) SubmitFix(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var fix models.Fix
	if err := decode(in, &fix); err != nil {
		return nil, err
	}
	saved, err := h.svc.SubmitFix(ctx, fix.IncidentID, fix)
	if err != nil && saved.ID == "" {
		return nil, toStatus(err)
	}
	out := map[string]any{"fixId": saved.ID, "fix": saved}
	if err != nil {
		h.logger.Warn("fix saved with memory write failures", slog.String("fix_id", saved.ID), slog.Any("error", err))
		out["warning"] = err.Error()
	}
	return encode(out)
}

// QuerySimilar implements KubeMemoryServer.
func (h *Handlers) QuerySimilar(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req similarRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	filters := models.SearchFilters{Namespace: req.Namespace, IncidentType: req.IncidentType, ExcludeIDs: req.ExcludeIDs}
	docs, err := h.svc.QuerySimilar(ctx, req.Text, filters, req.K)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"documents": docs})
}

// QueryBlastRadius implements KubeMemoryServer.
func (h *Handlers) QueryBlastRadius(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req blastRadiusRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	entries, err := h.svc.QueryBlastRadius(ctx, req.Pod, req.Namespace, window)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"entries": entries})
}

// QueryDeployCorrelation implements KubeMemoryServer.
func (h *Handlers) QueryDeployCorrelation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req deployCorrelationRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	window, err := parseWindow(req.Window)
	if err != nil {
		return nil, err
	}
	correlations, err := h.svc.QueryDeployCorrelation(ctx, req.Service, window)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"correlations": correlations})
}

// RecordDeploy implements KubeMemoryServer.
func (h *Handlers) RecordDeploy(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var marker models.DeployMarker
	if err := decode(in, &marker); err != nil {
		return nil, err
	}
	stored, err := h.svc.RecordDeploy(ctx, marker)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(stored)
}

// UpdateStatus implements KubeMemoryServer.
func (h *Handlers) UpdateStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var update models.StatusUpdate
	if err := decode(in, &update); err != nil {
		return nil, err
	}
	incident, err := h.svc.UpdateStatus(ctx, update)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(incident)
}

// QueryPatterns implements KubeMemoryServer.
func (h *Handlers) QueryPatterns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req namespaceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	patterns, err := h.svc.QueryPatterns(ctx, req.Namespace)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"patterns": patterns})
}

// GenerateRunbook implements KubeMemoryServer.
func (h *Handlers) GenerateRunbook(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	runbook, err := h.svc.GenerateRunbook(ctx, req.IncidentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"incidentId": req.IncidentID, "markdown": runbook.Markdown, "generated": runbook.Generated})
}

// PodHistory implements KubeMemoryServer.
func (h *Handlers) PodHistory(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req podHistoryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	incidents, err := h.svc.PodHistory(ctx, req.Pod, req.Namespace, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(map[string]any{"incidents": incidents})
}

// GetIncident implements KubeMemoryServer.
func (h *Handlers) GetIncident(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	incident, err := h.svc.GetIncident(ctx, req.IncidentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(incident)
}

// GetAnalysis implements KubeMemoryServer.
func (h *Handlers) GetAnalysis(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req incidentRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	record, err := h.svc.GetAnalysis(ctx, req.IncidentID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(record)
}

// Subscribe implements KubeMemoryServer. Notifications are streamed until the client goes away;
// ones the client is too slow to take are dropped.
func (h *Handlers) Subscribe(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var req subscribeRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	var filter func(models.Notification) bool
	switch {
	case req.IncidentID != "":
		filter = notify.ForIncident(req.IncidentID)
	case req.Namespace != "":
		filter = notify.ForNamespace(req.Namespace)
	}
	sub, err := h.svc.Subscribe(filter)
	if err != nil {
		return toStatus(err)
	}
	defer h.svc.Unsubscribe(sub)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.C:
			if !ok {
				return nil
			}
			msg, err := encode(n)
			if err != nil {
				return err
			}
			if err := stream.Send(msg); err != nil {
				h.logger.Debug("subscriber gone", slog.Any("error", err))
				return nil
			}
		}
	}
}

// decode maps a Struct onto dst through its JSON form. Unknown fields are rejected.
func decode(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return toStatus(utils.NewKindError("api.decode", utils.ErrMalformedInput, "request", err))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return toStatus(utils.NewKindError("api.decode", utils.ErrMalformedInput, "request", err))
	}
	return nil
}

// encode maps v onto a Struct through its JSON form; v must encode to a JSON object.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(fmt.Errorf("encode response: %w", err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, toStatus(fmt.Errorf("encode response: %w", err))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toStatus(fmt.Errorf("encode response: %w", err))
	}
	return out, nil
}

func parseWindow(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, toStatus(utils.NewKindError("api.parseWindow", utils.ErrMalformedInput, "window", err))
	}
	return d, nil
}
