// Package watcher streams pod failure events from the cluster, one supervised goroutine per namespace.
package watcher

import (
	"time"

	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/models"
)

// State is the lifecycle state of a namespace watcher.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateWatching     State = "watching"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

var allStates = []string{
	string(StateIdle),
	string(StateConnecting),
	string(StateWatching),
	string(StateReconnecting),
	string(StateStopped),
}

// Sink receives enriched candidates. Emit must not block; false means the candidate was dropped.
type Sink interface {
	Emit(candidate models.IncidentCandidate) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(models.IncidentCandidate) bool

// Emit implements Sink.
func (f SinkFunc) Emit(c models.IncidentCandidate) bool { return f(c) }

// Status is a point-in-time view of one namespace watcher.
type Status struct {
	Namespace   string    `json:"namespace"`
	State       State     `json:"state"`
	Reconnects  int       `json:"reconnects"`
	Accepted    int       `json:"accepted"`
	Dropped     int       `json:"dropped"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Options tunes every namespace watcher started by a Manager.
type Options struct {
	WatchTimeout    time.Duration
	DedupTTL        time.Duration
	DedupMaxEntries int
	LogTailLines    int64
	EnrichTimeout   time.Duration
	EventsPerSecond float64
	EventBurst      int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BackoffFactor   float64
	BackoffJitter   float64
	// QueueSize buffers events between the stream reader and the processor.
	QueueSize int
}

// OptionsFromConfig maps the kubernetes config block onto watcher options.
func OptionsFromConfig(cfg config.KubernetesConfig) Options {
	return Options{
		WatchTimeout:    cfg.WatchTimeout,
		DedupTTL:        cfg.DedupTTL,
		DedupMaxEntries: cfg.DedupMaxEntries,
		LogTailLines:    cfg.LogTailLines,
		EnrichTimeout:   cfg.EnrichTimeout,
		EventsPerSecond: cfg.EventsPerSecond,
		EventBurst:      cfg.EventBurst,
		BackoffInitial:  cfg.Backoff.Initial,
		BackoffMax:      cfg.Backoff.Max,
		BackoffFactor:   cfg.Backoff.Factor,
		BackoffJitter:   cfg.Backoff.Jitter,
	}
}

func (o Options) withDefaults() Options {
	if o.WatchTimeout <= 0 {
		o.WatchTimeout = 600 * time.Second
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 5 * time.Minute
	}
	if o.DedupMaxEntries <= 0 {
		o.DedupMaxEntries = 4096
	}
	if o.LogTailLines <= 0 {
		o.LogTailLines = 100
	}
	if o.EnrichTimeout <= 0 {
		o.EnrichTimeout = 10 * time.Second
	}
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = 50
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 100
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.BackoffJitter < 0 {
		o.BackoffJitter = 0
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}
