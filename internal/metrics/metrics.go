package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

// Watcher event outcomes.
const (
	EventAccepted    = "accepted"
	EventFiltered    = "filtered"
	EventDuplicate   = "duplicate"
	EventRateLimited = "rate_limited"
	EventMalformed   = "malformed"
	EventDropped     = "dropped"
)

const namespace = "kube_memory"

var (
	watcherEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Cluster events seen by the watcher, partitioned by namespace and outcome.",
		},
		[]string{"namespace", "outcome"},
	)

	watcherReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "reconnects_total",
			Help:      "Watch stream reconnect attempts per namespace.",
		},
		[]string{"namespace"},
	)

	watcherState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "state",
			Help:      "Current watcher state per namespace (1 for the active state).",
		},
		[]string{"namespace", "state"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "incidents_total",
			Help:      "Ingested candidates, partitioned by outcome (created, duplicate, error).",
		},
		[]string{"outcome"},
	)

	ingestQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "queue_depth",
			Help:      "Jobs waiting in the ingestion queue.",
		},
	)

	ingestRedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "redeliveries_total",
			Help:      "Jobs re-enqueued after a failed attempt, by job kind.",
		},
		[]string{"kind"},
	)

	memoryWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "writes_total",
			Help:      "Vector and graph writes, partitioned by store and outcome.",
		},
		[]string{"store", "outcome"},
	)

	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Analysis pipeline runs by result status.",
		},
		[]string{"status"},
	)

	pipelineStageSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_seconds",
			Help:      "Pipeline stage latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	fixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feedback",
			Name:      "fixes_total",
			Help:      "Fix submissions by kind (fix, correction) and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Push notifications by event kind and delivery outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

// Register attaches kube-memory collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		watcherEventsTotal,
		watcherReconnectsTotal,
		watcherState,
		incidentsTotal,
		ingestQueueDepth,
		ingestRedeliveriesTotal,
		memoryWritesTotal,
		pipelineRunsTotal,
		pipelineStageSeconds,
		fixesTotal,
		notificationsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveWatcherEvent counts one raw event by outcome.
func ObserveWatcherEvent(ns, outcome string) {
	watcherEventsTotal.WithLabelValues(ns, outcome).Inc()
}

// ObserveReconnect counts a reconnect attempt.
func ObserveReconnect(ns string) {
	watcherReconnectsTotal.WithLabelValues(ns).Inc()
}

// SetWatcherState flips the state gauge for a namespace.
func SetWatcherState(ns, state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		watcherState.WithLabelValues(ns, s).Set(v)
	}
}

// ObserveIncident counts an ingestion outcome.
func ObserveIncident(outcome string) {
	incidentsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current ingestion backlog.
func SetQueueDepth(n int) {
	ingestQueueDepth.Set(float64(n))
}

// ObserveRedelivery counts a re-enqueued job.
func ObserveRedelivery(kind string) {
	ingestRedeliveriesTotal.WithLabelValues(kind).Inc()
}

// ObserveMemoryWrite counts a vector or graph write.
func ObserveMemoryWrite(store string, err error) {
	memoryWritesTotal.WithLabelValues(store, outcome(err)).Inc()
}

// ObservePipelineRun counts a finished run by its status label.
func ObservePipelineRun(status string) {
	pipelineRunsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	pipelineStageSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveFix counts a fix submission.
func ObserveFix(kind string, err error) {
	fixesTotal.WithLabelValues(kind, outcome(err)).Inc()
}

// ObserveNotification counts a push delivery attempt.
func ObserveNotification(kind, result string) {
	notificationsTotal.WithLabelValues(kind, result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeSuccess
}
