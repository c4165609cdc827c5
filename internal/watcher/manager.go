package watcher

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/cache"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/client-go/kubernetes"

	"github.com/miradorstack/kube-memory/internal/utils"
)

type runningWatcher struct {
	watcher *namespaceWatcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Manager owns the namespace watchers. Start and Stop are idempotent per namespace.
type Manager struct {
	client kubernetes.Interface
	sink   Sink
	logger *slog.Logger
	opts   Options
	clock  cache.Clock

	root   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[string]*runningWatcher
}

// NewManager constructs a Manager. The client is only used for reads.
func NewManager(client kubernetes.Interface, sink Sink, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		client:   client,
		sink:     sink,
		logger:   logger,
		opts:     opts.withDefaults(),
		root:     root,
		cancel:   cancel,
		watchers: make(map[string]*runningWatcher),
	}
}

// Start launches a watcher for every namespace not already watched and returns the ones it started.
func (m *Manager) Start(namespaces []string) ([]string, error) {
	cleaned, err := normaliseNamespaces(namespaces)
	if err != nil {
		return nil, err
	}
	if m.client == nil {
		return nil, utils.NewKindError("watcher.Start", utils.ErrTransient, "no cluster connection configured", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.root.Err() != nil {
		return nil, utils.NewKindError("watcher.Start", utils.ErrTransient, "watcher manager is shut down", nil)
	}

	started := make([]string, 0, len(cleaned))
	for _, ns := range cleaned {
		if existing, ok := m.watchers[ns]; ok && !isDone(existing.done) {
			continue
		}
		ctx, cancel := context.WithCancel(m.root)
		w := newNamespaceWatcher(ns, m.client, m.sink, m.logger, m.opts, m.clock)
		rw := &runningWatcher{watcher: w, cancel: cancel, done: make(chan struct{})}
		m.watchers[ns] = rw
		go func() {
			defer close(rw.done)
			w.run(ctx)
		}()
		started = append(started, ns)
		m.logger.Info("namespace watcher started", slog.String("namespace", ns))
	}
	return started, nil
}

// Stop cancels the watchers of the given namespaces, or all of them when none are given, and waits for them
// to exit. It returns the namespaces that were running.
func (m *Manager) Stop(namespaces []string) []string {
	m.mu.Lock()
	targets := namespaces
	if len(targets) == 0 {
		targets = make([]string, 0, len(m.watchers))
		for ns := range m.watchers {
			targets = append(targets, ns)
		}
	}
	var stopping []*runningWatcher
	var stopped []string
	for _, ns := range targets {
		rw, ok := m.watchers[strings.TrimSpace(ns)]
		if !ok || isDone(rw.done) {
			continue
		}
		rw.cancel()
		stopping = append(stopping, rw)
		stopped = append(stopped, rw.watcher.namespace)
	}
	m.mu.Unlock()

	for _, rw := range stopping {
		<-rw.done
	}
	sort.Strings(stopped)
	return stopped
}

// Status reports every known namespace watcher, sorted by namespace.
func (m *Manager) Status() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.watchers))
	for _, rw := range m.watchers {
		out = append(out, rw.watcher.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out
}

// Running reports whether any watcher is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rw := range m.watchers {
		if !isDone(rw.done) {
			return true
		}
	}
	return false
}

// Shutdown stops every watcher; later Start calls fail.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.Stop(nil)
}

func normaliseNamespaces(namespaces []string) ([]string, error) {
	seen := make(map[string]bool, len(namespaces))
	out := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		ns = strings.TrimSpace(ns)
		if ns == "" || seen[ns] {
			continue
		}
		if errs := validation.IsDNS1123Label(ns); len(errs) > 0 {
			return nil, utils.NewKindError("watcher.Start", utils.ErrMalformedInput, "invalid namespace "+ns+": "+strings.Join(errs, "; "), nil)
		}
		seen[ns] = true
		out = append(out, ns)
	}
	if len(out) == 0 {
		return nil, utils.NewKindError("watcher.Start", utils.ErrMalformedInput, "at least one namespace is required", nil)
	}
	return out, nil
}

func isDone(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
