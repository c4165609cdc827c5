package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/models"
)

func notification(kind models.EventKind, incidentID, ns string) models.Notification {
	return models.Notification{Kind: kind, IncidentID: incidentID, Namespace: ns, PodName: "api-1", Timestamp: time.Now().UTC()}
}

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	hub := NewHub(nil, 4)
	all := hub.Subscribe(nil)
	onlyInc := hub.Subscribe(ForIncident("inc-2"))
	onlyNs := hub.Subscribe(ForNamespace("production"))

	hub.Publish(notification(models.EventIncidentCreated, "inc-1", "default"))
	hub.Publish(notification(models.EventAnalysisCompleted, "inc-2", "production"))

	assert.Len(t, all.C, 2)
	require.Len(t, onlyInc.C, 1)
	assert.Equal(t, "inc-2", (<-onlyInc.C).IncidentID)
	require.Len(t, onlyNs.C, 1)
	assert.Equal(t, models.EventAnalysisCompleted, (<-onlyNs.C).Kind)
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	hub := NewHub(nil, 2)
	sub := hub.Subscribe(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			hub.Publish(notification(models.EventIncidentCreated, "inc", "default"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Len(t, sub.C, 2)
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	hub := NewHub(nil, 1)
	a := hub.Subscribe(nil)
	b := hub.Subscribe(nil)
	assert.Equal(t, 2, hub.Subscribers())

	hub.Unsubscribe(a)
	hub.Unsubscribe(a)
	_, open := <-a.C
	assert.False(t, open)
	assert.Equal(t, 1, hub.Subscribers())

	hub.Close()
	_, open = <-b.C
	assert.False(t, open)

	late := hub.Subscribe(nil)
	_, open = <-late.C
	assert.False(t, open, "subscribing after close yields a closed channel")
	hub.Publish(notification(models.EventIncidentCreated, "inc", "default"))
}

type recordingSender struct {
	mu      sync.Mutex
	sent    []models.Notification
	started bool
	closed  bool
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Start(context.Context) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
}

func (r *recordingSender) Send(n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingSender) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func TestHubForwardsToSenders(t *testing.T) {
	sender := &recordingSender{}
	hub := NewHub(nil, 1, sender)
	hub.Start(context.Background())
	hub.Publish(notification(models.EventIncidentCreated, "inc-1", "default"))
	hub.Close()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.True(t, sender.started)
	assert.True(t, sender.closed)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "inc-1", sender.sent[0].IncidentID)
}
