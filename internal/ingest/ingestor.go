// Package ingest turns watcher candidates into persisted incidents and drives their memory writes and analysis.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/client-go/util/workqueue"

	"github.com/miradorstack/kube-memory/internal/classifier"
	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// incidentNamespace scopes deterministic incident ids.
var incidentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://kube-memory.dev/incident"))

// IncidentStore is the incident system of record.
type IncidentStore interface {
	CreateIncident(ctx context.Context, incident models.Incident) (models.Incident, bool, error)
	GetIncident(ctx context.Context, id string) (models.Incident, error)
}

// MemoryWriter receives the vector and graph records of a new incident.
type MemoryWriter interface {
	UpsertVector(ctx context.Context, doc models.VectorDocument) (string, error)
	UpsertGraphIncident(ctx context.Context, incident models.Incident) error
}

// Analyzer runs the analysis pipeline.
type Analyzer interface {
	Run(ctx context.Context, incidentID string) (models.AnalysisResult, error)
}

// Notifier receives incident_created notifications.
type Notifier interface {
	Publish(n models.Notification)
}

// Options sizes the worker pool.
type Options struct {
	Workers       int
	QueueSize     int
	MaxDeliveries int
	RetryDelay    time.Duration
	AutoAnalyze   bool
	// Candidates for the same (namespace, pod, reason) occurring within DedupTTL of an
	// incident map onto that incident.
	DedupTTL        time.Duration
	DedupMaxEntries int
}

// OptionsFromConfig maps the ingest config block onto Options.
func OptionsFromConfig(cfg config.IngestConfig) Options {
	return Options{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		MaxDeliveries: cfg.MaxDeliveries,
		RetryDelay:    cfg.RetryDelay,
		AutoAnalyze:   cfg.AutoAnalyze,
	}
}

// jobState tracks which idempotent steps of an incident job have completed.
type jobState struct {
	vector   bool
	graph    bool
	analyzed bool
}

// recentIncident is the dedup entry of one (namespace, pod, reason).
type recentIncident struct {
	id         string
	occurredAt time.Time
}

type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// Ingestor persists candidates and runs memory writes and analysis on a worker pool with at-least-once retries.
type Ingestor struct {
	logger     *slog.Logger
	classifier *classifier.Classifier
	incidents  IncidentStore
	memory     MemoryWriter
	analyzer   Analyzer
	notifier   Notifier
	opts       Options

	candidates chan models.IncidentCandidate
	queue      workqueue.TypedRateLimitingInterface[string]

	dedupMu sync.Mutex
	recent  *cache.LRUExpireCache

	mu     sync.Mutex
	jobs   map[string]*jobState
	closed bool
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewIngestor constructs an Ingestor. analyzer and notifier may be nil.
func NewIngestor(logger *slog.Logger, cls *classifier.Classifier, incidents IncidentStore, mem MemoryWriter, analyzer Analyzer, notifier Notifier, opts Options) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if cls == nil {
		cls = classifier.New(nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 5 * time.Minute
	}
	if opts.DedupMaxEntries <= 0 {
		opts.DedupMaxEntries = 4096
	}
	limiter := workqueue.NewTypedItemExponentialFailureRateLimiter[string](opts.RetryDelay, 30*opts.RetryDelay)
	i := &Ingestor{
		logger:     logger,
		classifier: cls,
		incidents:  incidents,
		memory:     mem,
		analyzer:   analyzer,
		notifier:   notifier,
		opts:       opts,
		candidates: make(chan models.IncidentCandidate, opts.QueueSize),
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(limiter, workqueue.TypedRateLimitingQueueConfig[string]{
			Name: "kube-memory-ingest",
		}),
		jobs: make(map[string]*jobState),
		now:  time.Now,
	}
	i.recent = cache.NewLRUExpireCacheWithClock(opts.DedupMaxEntries, clockFunc(func() time.Time { return i.now() }))
	return i
}

// Start launches the intake loop and the workers. They stop when ctx is cancelled or Close is called.
func (i *Ingestor) Start(ctx context.Context) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.intake(ctx)
	}()
	for n := 0; n < i.opts.Workers; n++ {
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			for i.processNext(ctx) {
			}
		}()
	}
	go func() {
		<-ctx.Done()
		i.queue.ShutDown()
	}()
}

// Emit implements watcher.Sink. It never blocks; false means the candidate was dropped.
func (i *Ingestor) Emit(candidate models.IncidentCandidate) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false
	}
	select {
	case i.candidates <- candidate:
		metrics.SetQueueDepth(len(i.candidates) + i.queue.Len())
		return true
	default:
		metrics.ObserveIncident("dropped")
		return false
	}
}

// Ingest classifies and persists candidate, publishes incident_created for new incidents and schedules their
// memory and analysis job. Re-ingesting the same candidate, or another one for the same (namespace, pod, reason)
// within the dedup TTL, returns the existing incident with created=false.
func (i *Ingestor) Ingest(ctx context.Context, candidate models.IncidentCandidate) (models.Incident, bool, error) {
	const op = "ingest.Ingest"
	classified, err := i.classifier.Classify(candidate)
	if err != nil {
		metrics.ObserveIncident("rejected")
		return models.Incident{}, false, utils.NewKindError(op, utils.ErrMalformedInput, "invalid candidate", err)
	}
	if classified.OccurredAt.IsZero() {
		classified.OccurredAt = i.now().UTC()
	}

	incident := models.Incident{
		ID:          IncidentID(classified),
		PodName:     classified.PodName,
		Namespace:   classified.Namespace,
		NodeName:    classified.NodeName,
		ServiceName: classified.ServiceName,
		Type:        classified.Type,
		Severity:    classified.Severity,
		Description: classifier.Describe(classified),
		RawLogs:     classified.RawLogs,
		OccurredAt:  classified.OccurredAt.UTC(),
		Status:      models.StatusOpen,
	}

	key := dedupKey(classified)
	i.dedupMu.Lock()
	if existing, ok := i.recentIncident(ctx, key, incident.OccurredAt); ok {
		i.dedupMu.Unlock()
		metrics.ObserveIncident("duplicate")
		return existing, false, nil
	}
	stored, created, err := i.incidents.CreateIncident(ctx, incident)
	if err == nil && created {
		i.recent.Add(key, recentIncident{id: stored.ID, occurredAt: stored.OccurredAt}, i.opts.DedupTTL)
	}
	i.dedupMu.Unlock()
	if err != nil {
		metrics.ObserveIncident(metrics.OutcomeError)
		if utils.KindOf(err) != nil {
			return models.Incident{}, false, err
		}
		return models.Incident{}, false, utils.NewKindError(op, utils.ErrStoreWrite, "persist incident", err)
	}
	if !created {
		metrics.ObserveIncident("duplicate")
		return stored, false, nil
	}

	metrics.ObserveIncident("created")
	logger := i.logger.With(slog.String("incident_id", stored.ID))
	logger.Info("incident created",
		slog.String("pod", stored.PodName),
		slog.String("namespace", stored.Namespace),
		slog.String("type", string(stored.Type)),
		slog.String("severity", string(stored.Severity)))
	for _, w := range classified.Warnings {
		logger.Debug("enrichment warning", slog.String("warning", w))
	}
	if i.notifier != nil {
		inc := stored
		i.notifier.Publish(models.Notification{
			Kind:       models.EventIncidentCreated,
			IncidentID: stored.ID,
			Namespace:  stored.Namespace,
			PodName:    stored.PodName,
			Severity:   stored.Severity,
			Incident:   &inc,
			Timestamp:  i.now().UTC(),
		})
	}
	i.schedule(stored.ID)
	return stored, true, nil
}

// Close stops accepting candidates, drains queued jobs and waits for the workers.
func (i *Ingestor) Close() {
	i.mu.Lock()
	if !i.closed {
		i.closed = true
		close(i.candidates)
	}
	i.mu.Unlock()
	i.queue.ShutDownWithDrain()
	i.wg.Wait()
}

// Pending reports queued candidates plus queued jobs.
func (i *Ingestor) Pending() int {
	return len(i.candidates) + i.queue.Len()
}

// recentIncident returns the incident already recorded for key when occurredAt falls inside its dedup window.
func (i *Ingestor) recentIncident(ctx context.Context, key string, occurredAt time.Time) (models.Incident, bool) {
	v, ok := i.recent.Get(key)
	if !ok {
		return models.Incident{}, false
	}
	entry := v.(recentIncident)
	if delta := occurredAt.Sub(entry.occurredAt); delta.Abs() >= i.opts.DedupTTL {
		return models.Incident{}, false
	}
	existing, err := i.incidents.GetIncident(ctx, entry.id)
	if err != nil {
		return models.Incident{}, false
	}
	return existing, true
}

func dedupKey(c models.IncidentCandidate) string {
	reason := c.Reason
	if reason == "" {
		reason = string(c.Type)
	}
	return c.Namespace + "/" + c.PodName + "/" + reason
}

// IncidentID derives the deterministic incident id of a classified candidate.
func IncidentID(c models.IncidentCandidate) string {
	key := strings.Join([]string{c.Namespace, c.PodName, string(c.Type), c.OccurredAt.UTC().Format(time.RFC3339Nano)}, "|")
	return uuid.NewSHA1(incidentNamespace, []byte(key)).String()
}

func (i *Ingestor) intake(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-i.candidates:
			if !ok {
				return
			}
			if _, _, err := i.Ingest(ctx, c); err != nil {
				i.logger.Warn("candidate not ingested",
					slog.String("pod", c.PodName),
					slog.String("namespace", c.Namespace),
					slog.String("reason", c.Reason),
					slog.Any("error", err))
			}
		}
	}
}

func (i *Ingestor) schedule(id string) {
	i.mu.Lock()
	if _, ok := i.jobs[id]; !ok {
		i.jobs[id] = &jobState{}
	}
	i.mu.Unlock()
	i.queue.Add(id)
	metrics.SetQueueDepth(i.Pending())
}

func (i *Ingestor) processNext(ctx context.Context) bool {
	id, shutdown := i.queue.Get()
	if shutdown {
		return false
	}
	defer i.queue.Done(id)

	err := i.runJob(ctx, id)
	if err == nil {
		i.finish(id)
		return true
	}
	if deliveries := i.queue.NumRequeues(id) + 1; deliveries < i.opts.MaxDeliveries && ctx.Err() == nil {
		i.logger.Warn("incident job failed, will retry", slog.String("incident_id", id), slog.Int("delivery", deliveries), slog.Any("error", err))
		metrics.ObserveRedelivery("incident")
		i.queue.AddRateLimited(id)
		return true
	}
	i.logger.Error("incident job abandoned", slog.String("incident_id", id), slog.Int("max_deliveries", i.opts.MaxDeliveries), slog.Any("error", err))
	i.finish(id)
	return true
}

func (i *Ingestor) finish(id string) {
	i.queue.Forget(id)
	i.mu.Lock()
	delete(i.jobs, id)
	i.mu.Unlock()
	metrics.SetQueueDepth(i.Pending())
}

// runJob performs the outstanding steps of an incident job. Vector and graph writes are attempted independently.
func (i *Ingestor) runJob(ctx context.Context, id string) error {
	i.mu.Lock()
	state, ok := i.jobs[id]
	if !ok {
		state = &jobState{}
		i.jobs[id] = state
	}
	done := *state
	i.mu.Unlock()

	incident, err := i.incidents.GetIncident(ctx, id)
	if err != nil {
		return err
	}

	var errs []error
	if !done.vector {
		if _, err := i.memory.UpsertVector(ctx, memory.IncidentDocument(incident)); err != nil {
			errs = append(errs, err)
		} else {
			done.vector = true
		}
	}
	if !done.graph {
		if err := i.memory.UpsertGraphIncident(ctx, incident); err != nil {
			errs = append(errs, err)
		} else {
			done.graph = true
		}
	}
	if len(errs) == 0 && i.opts.AutoAnalyze && i.analyzer != nil && !done.analyzed {
		result, err := i.analyzer.Run(ctx, id)
		switch {
		case err == nil:
			done.analyzed = true
			i.logger.Debug("analysis finished", slog.String("incident_id", id), slog.String("status", string(result.Status)))
		case errors.Is(err, utils.ErrAnalysisInFlight):
			done.analyzed = true
		default:
			errs = append(errs, err)
		}
	}

	i.mu.Lock()
	*state = done
	i.mu.Unlock()
	return errors.Join(errs...)
}
