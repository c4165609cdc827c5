package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/miradorstack/kube-memory/internal/cache"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// Stage names reported in StageErrors and metrics.
const (
	StageRetriever   = "retriever"
	StageCorrelator  = "correlator"
	StageRecommender = "recommender"
)

// IncidentStore is the incident system of record used by the pipeline.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	SaveAnalysis(ctx context.Context, result models.AnalysisResult) error
}

// Notifier receives best-effort push notifications.
type Notifier interface {
	Publish(n models.Notification)
}

// PipelineOptions carries the optional pipeline settings.
type PipelineOptions struct {
	RetrieveTimeout  time.Duration
	CorrelateTimeout time.Duration
	// Lock, when set, guards each run with a SET NX lock shared by all replicas.
	Lock     cache.Provider
	LockTTL  time.Duration
	Notifier Notifier
}

// Pipeline runs Retriever, Correlator and Recommender for one incident at a time per incident id.
type Pipeline struct {
	logger      *slog.Logger
	incidents   IncidentStore
	retriever   *Retriever
	correlator  *Correlator
	recommender *Recommender
	opts        PipelineOptions

	group  singleflight.Group
	root   context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// NewPipeline constructs the analysis pipeline.
func NewPipeline(logger *slog.Logger, incidents IncidentStore, retriever *Retriever, correlator *Correlator, recommender *Recommender, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RetrieveTimeout <= 0 {
		opts.RetrieveTimeout = 10 * time.Second
	}
	if opts.CorrelateTimeout <= 0 {
		opts.CorrelateTimeout = 10 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	root, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		logger:      logger,
		incidents:   incidents,
		retriever:   retriever,
		correlator:  correlator,
		recommender: recommender,
		opts:        opts,
		root:        root,
		cancel:      cancel,
		now:         time.Now,
	}
}

// Run analyses an incident. Concurrent calls for the same id share one execution and its result.
// The execution is bound to the pipeline, not to ctx: a caller giving up does not cancel it for others.
func (p *Pipeline) Run(ctx context.Context, incidentID string) (models.AnalysisResult, error) {
	if incidentID == "" {
		return models.AnalysisResult{}, utils.NewKindError("engine.Run", utils.ErrMalformedInput, "incident id is required", nil)
	}
	ch := p.group.DoChan(incidentID, func() (interface{}, error) {
		return p.execute(incidentID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.AnalysisResult{}, res.Err
		}
		return res.Val.(models.AnalysisResult), nil
	case <-ctx.Done():
		return models.AnalysisResult{}, ctx.Err()
	}
}

// Shutdown cancels in-flight runs; cancelled runs persist nothing.
func (p *Pipeline) Shutdown() {
	p.cancel()
}

// Recommender exposes the recommender for runbook generation.
func (p *Pipeline) Recommender() *Recommender {
	return p.recommender
}

func (p *Pipeline) execute(incidentID string) (result models.AnalysisResult, err error) {
	ctx := p.root
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic recovered", slog.String("incident_id", incidentID), slog.Any("panic", r))
			err = utils.NewAppError("engine.Run", "pipeline panic", fmt.Errorf("%v", r))
		}
	}()

	if p.opts.Lock != nil {
		lock, lerr := cache.TryLock(ctx, p.opts.Lock, "kube-memory:analysis:"+incidentID, p.opts.LockTTL)
		if lerr != nil {
			p.logger.Warn("analysis lock unavailable, continuing with in-process guard", slog.Any("error", lerr))
		} else if lock == nil {
			return models.AnalysisResult{}, utils.NewKindError("engine.Run", utils.ErrAnalysisInFlight, "analysis for "+incidentID+" is running on another replica", nil)
		} else {
			defer func() { _ = lock.Release(context.Background()) }()
		}
	}

	incident, err := p.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return models.AnalysisResult{}, err
	}

	started := p.now().UTC()
	logger := p.logger.With(slog.String("incident_id", incidentID))
	var stageErrors []models.StageError

	docs, err := stage(ctx, StageRetriever, p.opts.RetrieveTimeout, func(c context.Context) ([]models.RetrievedDoc, error) {
		return p.retriever.Retrieve(c, incident)
	})
	if err != nil {
		logger.Warn("retriever failed", slog.Any("error", err))
		stageErrors = append(stageErrors, stageError(StageRetriever, err))
		docs = nil
	}

	summary, err := stage(ctx, StageCorrelator, p.opts.CorrelateTimeout, func(c context.Context) (models.CorrelationSummary, error) {
		return p.correlator.Correlate(c, incident)
	})
	if err != nil {
		logger.Warn("correlator failed", slog.Any("error", err))
		stageErrors = append(stageErrors, stageError(StageCorrelator, err))
	}

	begin := time.Now()
	result, err = p.recommender.Recommend(ctx, incident, docs, summary)
	metrics.ObserveStage(StageRecommender, time.Since(begin))
	if err != nil {
		logger.Warn("recommender degraded", slog.Any("error", err))
		stageErrors = append(stageErrors, stageError(StageRecommender, err))
	}
	result.StageErrors = stageErrors
	result.StartedAt = started
	result.CompletedAt = p.now().UTC()

	if cerr := ctx.Err(); cerr != nil {
		metrics.ObservePipelineRun("cancelled")
		return models.AnalysisResult{}, fmt.Errorf("analysis of %s cancelled: %w", incidentID, cerr)
	}
	if err := p.incidents.SaveAnalysis(ctx, result); err != nil {
		metrics.ObservePipelineRun("store_error")
		return models.AnalysisResult{}, utils.NewKindError("engine.Run", utils.ErrStoreWrite, "persist analysis", err)
	}
	metrics.ObservePipelineRun(string(result.Status))
	logger.Info("analysis complete",
		slog.String("status", string(result.Status)),
		slog.Float64("confidence", result.Confidence),
		slog.Int("sources", len(result.Sources)),
		slog.Duration("duration", result.CompletedAt.Sub(started)))

	if p.opts.Notifier != nil {
		res := result
		p.opts.Notifier.Publish(models.Notification{
			Kind:       models.EventAnalysisCompleted,
			IncidentID: incident.ID,
			Namespace:  incident.Namespace,
			PodName:    incident.PodName,
			Severity:   incident.Severity,
			Analysis:   &res,
			Timestamp:  result.CompletedAt,
		})
	}
	return result, nil
}

func stage[T any](ctx context.Context, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	begin := time.Now()
	out, err := fn(stageCtx)
	metrics.ObserveStage(name, time.Since(begin))
	return out, err
}

func stageError(name string, err error) models.StageError {
	kind := "unknown"
	if k := utils.KindOf(err); k != nil {
		kind = k.Error()
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
	}
	return models.StageError{Stage: name, Kind: kind, Message: err.Error()}
}
