package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/miradorstack/kube-memory/internal/classifier"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

// healthyStreamAge is how long a stream must stay open to count as healthy without delivering events.
const healthyStreamAge = 10 * time.Second

var serviceLabels = []string{"app.kubernetes.io/name", "app", "k8s-app"}

var errResourceExpired = errors.New("watch resource version expired")

// namespaceWatcher supervises the event stream of one namespace.
type namespaceWatcher struct {
	namespace string
	client    kubernetes.Interface
	sink      Sink
	logger    *slog.Logger
	opts      Options
	dedup     *dedupCache
	limiter   *rate.Limiter
	sleep     func(ctx context.Context, d time.Duration) bool

	mu              sync.Mutex
	status          Status
	resourceVersion string
}

func newNamespaceWatcher(namespace string, client kubernetes.Interface, sink Sink, logger *slog.Logger, opts Options, clock cache.Clock) *namespaceWatcher {
	return &namespaceWatcher{
		namespace: namespace,
		client:    client,
		sink:      sink,
		logger:    logger.With(slog.String("namespace", namespace)),
		opts:      opts,
		dedup:     newDedupCache(opts.DedupMaxEntries, opts.DedupTTL, clock),
		limiter:   rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst),
		sleep:     sleepCtx,
		status:    Status{Namespace: namespace, State: StateIdle},
	}
}

// run blocks until ctx is cancelled. Connectivity failures are retried forever with capped backoff.
func (w *namespaceWatcher) run(ctx context.Context) {
	queue := make(chan *corev1.Event, w.opts.QueueSize)
	processed := make(chan struct{})
	go func() {
		defer close(processed)
		for ev := range queue {
			w.process(ctx, ev)
		}
	}()
	defer func() {
		close(queue)
		<-processed
		w.setState(StateStopped, nil)
		w.logger.Info("namespace watcher stopped")
	}()

	backoff := w.newBackoff()
	for ctx.Err() == nil {
		w.setState(StateConnecting, nil)
		opened := time.Now()
		delivered, err := w.stream(ctx, queue)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errResourceExpired) {
			w.logger.Info("resource version expired, restarting from current state")
			w.setResourceVersion("")
		}

		healthy := delivered > 0 || (err == nil && time.Since(opened) >= healthyStreamAge)
		if healthy {
			backoff = w.newBackoff()
		}
		w.setState(StateReconnecting, err)
		w.recordReconnect()
		metrics.ObserveReconnect(w.namespace)
		if healthy && err == nil {
			continue
		}
		delay := backoff.Step()
		w.logger.Warn("watch stream interrupted", slog.Any("error", err), slog.Duration("retry_in", delay))
		if !w.sleep(ctx, delay) {
			return
		}
	}
}

// stream opens one watch and forwards events until the stream ends. It returns how many events were queued.
func (w *namespaceWatcher) stream(ctx context.Context, queue chan<- *corev1.Event) (int, error) {
	timeout := int64(w.opts.WatchTimeout / time.Second)
	watcher, err := w.client.CoreV1().Events(w.namespace).Watch(ctx, metav1.ListOptions{
		ResourceVersion:     w.getResourceVersion(),
		TimeoutSeconds:      &timeout,
		AllowWatchBookmarks: true,
	})
	if err != nil {
		if isExpired(err) {
			return 0, errResourceExpired
		}
		return 0, fmt.Errorf("open watch: %w", err)
	}
	defer watcher.Stop()
	w.setState(StateWatching, nil)

	delivered := 0
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return delivered, nil
			}
			switch event.Type {
			case watch.Error:
				status := apierrors.FromObject(event.Object)
				if isExpired(status) {
					return delivered, errResourceExpired
				}
				return delivered, fmt.Errorf("watch error: %w", status)
			case watch.Bookmark:
				if obj, err := metaAccessor(event.Object); err == nil {
					w.setResourceVersion(obj.GetResourceVersion())
				}
				continue
			case watch.Deleted:
				continue
			}
			ev, ok := event.Object.(*corev1.Event)
			if !ok {
				w.logger.Warn("skipping malformed watch object", slog.String("type", fmt.Sprintf("%T", event.Object)))
				metrics.ObserveWatcherEvent(w.namespace, metrics.EventMalformed)
				continue
			}
			w.setResourceVersion(ev.ResourceVersion)
			select {
			case queue <- ev:
				delivered++
			case <-ctx.Done():
				return delivered, nil
			}
		}
	}
}

// process handles one event in receipt order. A panic is contained to the event that caused it.
func (w *namespaceWatcher) process(ctx context.Context, ev *corev1.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("event handler panic recovered", slog.Any("panic", r), slog.String("event", ev.Name))
			metrics.ObserveWatcherEvent(w.namespace, metrics.EventMalformed)
		}
	}()
	if ctx.Err() != nil {
		return
	}

	if !classifier.Accepts(ev.Type, ev.InvolvedObject.Kind) {
		metrics.ObserveWatcherEvent(w.namespace, metrics.EventFiltered)
		return
	}
	pod := ev.InvolvedObject.Name
	if pod == "" {
		w.logger.Warn("skipping event without pod name", slog.String("event", ev.Name))
		metrics.ObserveWatcherEvent(w.namespace, metrics.EventMalformed)
		return
	}
	key := dedupKey(w.namespace, pod, ev.Reason)
	if !w.dedup.markIfNew(key) {
		metrics.ObserveWatcherEvent(w.namespace, metrics.EventDuplicate)
		return
	}
	// A dropped event must not suppress the rest of its burst.
	if !w.limiter.Allow() {
		w.dedup.forget(key)
		w.logger.Debug("event storm, dropping event", slog.String("pod", pod), slog.String("reason", ev.Reason))
		metrics.ObserveWatcherEvent(w.namespace, metrics.EventRateLimited)
		w.recordOutcome(false)
		return
	}

	candidate := w.enrich(ctx, ev)
	if !w.sink.Emit(candidate) {
		w.dedup.forget(key)
		w.logger.Warn("ingestion queue full, candidate dropped", slog.String("pod", pod), slog.String("reason", ev.Reason))
		metrics.ObserveWatcherEvent(w.namespace, metrics.EventDropped)
		w.recordOutcome(false)
		return
	}
	metrics.ObserveWatcherEvent(w.namespace, metrics.EventAccepted)
	w.recordOutcome(true)
	w.logger.Debug("candidate emitted", slog.String("pod", pod), slog.String("reason", ev.Reason))
}

func (w *namespaceWatcher) enrich(ctx context.Context, ev *corev1.Event) models.IncidentCandidate {
	candidate := models.IncidentCandidate{
		EventUID:   string(ev.UID),
		EventType:  ev.Type,
		Reason:     ev.Reason,
		Message:    ev.Message,
		PodName:    ev.InvolvedObject.Name,
		Namespace:  w.namespace,
		NodeName:   ev.Source.Host,
		OccurredAt: eventTime(ev),
	}

	podCtx, cancel := context.WithTimeout(ctx, w.opts.EnrichTimeout)
	pod, err := w.client.CoreV1().Pods(w.namespace).Get(podCtx, candidate.PodName, metav1.GetOptions{})
	cancel()
	if err != nil {
		candidate.Warnings = append(candidate.Warnings, "pod lookup failed: "+err.Error())
	} else {
		if pod.Spec.NodeName != "" {
			candidate.NodeName = pod.Spec.NodeName
		}
		candidate.ServiceName = serviceName(pod)
		candidate.RestartCount = maxRestarts(pod)
	}

	tail := w.opts.LogTailLines
	logCtx, cancel := context.WithTimeout(ctx, w.opts.EnrichTimeout)
	raw, err := w.client.CoreV1().Pods(w.namespace).GetLogs(candidate.PodName, &corev1.PodLogOptions{TailLines: &tail}).DoRaw(logCtx)
	cancel()
	if err != nil {
		candidate.Warnings = append(candidate.Warnings, "log fetch failed: "+err.Error())
	} else {
		candidate.RawLogs = string(raw)
	}
	return candidate
}

func (w *namespaceWatcher) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: w.opts.BackoffInitial,
		Factor:   w.opts.BackoffFactor,
		Jitter:   w.opts.BackoffJitter,
		Steps:    math.MaxInt32,
		Cap:      w.opts.BackoffMax,
	}
}

func (w *namespaceWatcher) setState(state State, err error) {
	w.mu.Lock()
	w.status.State = state
	if err != nil {
		w.status.LastError = err.Error()
	}
	w.mu.Unlock()
	metrics.SetWatcherState(w.namespace, string(state), allStates)
}

func (w *namespaceWatcher) recordReconnect() {
	w.mu.Lock()
	w.status.Reconnects++
	w.mu.Unlock()
}

func (w *namespaceWatcher) recordOutcome(accepted bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.LastEventAt = time.Now().UTC()
	if accepted {
		w.status.Accepted++
	} else {
		w.status.Dropped++
	}
}

func (w *namespaceWatcher) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *namespaceWatcher) getResourceVersion() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resourceVersion
}

func (w *namespaceWatcher) setResourceVersion(rv string) {
	w.mu.Lock()
	w.resourceVersion = rv
	w.mu.Unlock()
}

func isExpired(err error) bool {
	if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) {
		return true
	}
	var status apierrors.APIStatus
	return errors.As(err, &status) && status.Status().Code == http.StatusGone
}

func metaAccessor(obj interface{}) (metav1.Object, error) {
	o, ok := obj.(metav1.Object)
	if !ok {
		return nil, fmt.Errorf("%T has no object metadata", obj)
	}
	return o, nil
}

func eventTime(ev *corev1.Event) time.Time {
	switch {
	case !ev.LastTimestamp.IsZero():
		return ev.LastTimestamp.UTC()
	case !ev.EventTime.IsZero():
		return ev.EventTime.UTC()
	case !ev.FirstTimestamp.IsZero():
		return ev.FirstTimestamp.UTC()
	case !ev.CreationTimestamp.IsZero():
		return ev.CreationTimestamp.UTC()
	}
	return time.Now().UTC()
}

func serviceName(pod *corev1.Pod) string {
	for _, label := range serviceLabels {
		if v := strings.TrimSpace(pod.Labels[label]); v != "" {
			return v
		}
	}
	return ""
}

func maxRestarts(pod *corev1.Pod) *int32 {
	if len(pod.Status.ContainerStatuses) == 0 {
		return nil
	}
	var most int32
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.RestartCount > most {
			most = cs.RestartCount
		}
	}
	return &most
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	return utils.SleepContext(ctx, d) == nil
}
