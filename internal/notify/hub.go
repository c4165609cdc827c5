// Package notify fans incident and analysis notifications out to subscribers and webhooks, best effort.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
)

const defaultSubscriberBuffer = 64

// Sender delivers notifications to an external target. Send must not block.
type Sender interface {
	Name() string
	Start(ctx context.Context)
	Send(n models.Notification) error
	Close()
}

// Subscription is an in-process listener. C is closed on Unsubscribe or Hub.Close.
type Subscription struct {
	C      <-chan models.Notification
	ch     chan models.Notification
	id     uint64
	filter func(models.Notification) bool
}

// Hub publishes notifications. A slow subscriber loses notifications rather than blocking the publisher.
type Hub struct {
	logger  *slog.Logger
	buffer  int
	senders []Sender

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
	closed bool
}

// NewHub constructs a Hub; buffer sizes each subscriber channel.
func NewHub(logger *slog.Logger, buffer int, senders ...Sender) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{logger: logger, buffer: buffer, senders: senders, subs: make(map[uint64]*Subscription)}
}

// Start launches the external senders.
func (h *Hub) Start(ctx context.Context) {
	for _, s := range h.senders {
		s.Start(ctx)
	}
}

// Subscribe registers a listener. A nil filter receives everything.
func (h *Hub) Subscribe(filter func(models.Notification) bool) *Subscription {
	ch := make(chan models.Notification, h.buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{C: ch, ch: ch, id: h.nextID, filter: filter}
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel. It is safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers n to every matching subscriber and sender without blocking.
func (h *Hub) Publish(n models.Notification) {
	kind := string(n.Kind)
	h.mu.Lock()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(n) {
			continue
		}
		select {
		case sub.ch <- n:
			metrics.ObserveNotification(kind, "delivered")
		default:
			metrics.ObserveNotification(kind, "dropped")
			h.logger.Debug("subscriber buffer full, notification dropped", slog.String("kind", kind), slog.String("incident_id", n.IncidentID))
		}
	}
	h.mu.Unlock()

	for _, s := range h.senders {
		if err := s.Send(n); err != nil {
			h.logger.Warn("notification not queued", slog.String("sender", s.Name()), slog.Any("error", err))
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscription and waits for senders to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		for id, sub := range h.subs {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	h.mu.Unlock()
	for _, s := range h.senders {
		s.Close()
	}
}

// ForIncident matches notifications about one incident.
func ForIncident(id string) func(models.Notification) bool {
	return func(n models.Notification) bool { return n.IncidentID == id }
}

// ForNamespace matches notifications about one namespace.
func ForNamespace(ns string) func(models.Notification) bool {
	return func(n models.Notification) bool { return n.Namespace == ns }
}
