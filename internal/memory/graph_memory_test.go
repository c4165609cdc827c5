package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/models"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func incidentAt(id, pod, ns string, offset time.Duration) models.Incident {
	return models.Incident{
		ID:         id,
		PodName:    pod,
		Namespace:  ns,
		Type:       models.IncidentCrashLoopBackOff,
		OccurredAt: base.Add(offset),
	}
}

func seedGraph(t *testing.T, g *InMemoryGraphStore, incidents ...models.Incident) {
	t.Helper()
	for _, inc := range incidents {
		require.NoError(t, g.UpsertIncident(context.Background(), inc))
	}
}

func TestBlastRadiusOrderingAndExclusion(t *testing.T) {
	g := NewInMemoryGraphStore(0)
	seedGraph(t, g,
		incidentAt("a1", "api", "prod", 0),
		incidentAt("a2", "api", "prod", 10*time.Minute),
		incidentAt("b1", "db", "prod", 2*time.Minute),
		incidentAt("b2", "db", "prod", 11*time.Minute),
		incidentAt("c1", "cache", "prod", -5*time.Minute),
		incidentAt("d1", "worker", "prod", 30*time.Minute),
		incidentAt("e1", "api", "staging", time.Minute),
	)

	entries, err := g.BlastRadius(context.Background(), "api", "prod", 5*time.Minute)
	require.NoError(t, err)

	var pods []string
	for _, e := range entries {
		pods = append(pods, fmt.Sprintf("%s/%s:%d", e.Namespace, e.Pod, e.Count))
	}
	// db pairs with both api incidents; cache sits exactly on the window edge.
	assert.Equal(t, []string{"prod/db:2", "staging/api:1", "prod/cache:1"}, pods)
}

func TestBlastRadiusIsSymmetric(t *testing.T) {
	g := NewInMemoryGraphStore(0)
	pods := []string{"api", "db", "cache", "worker", "web"}
	offsets := []time.Duration{0, 3 * time.Minute, 7 * time.Minute, 12 * time.Minute, 13 * time.Minute, 40 * time.Minute, 44 * time.Minute}
	n := 0
	for i, off := range offsets {
		pod := pods[(i*3)%len(pods)]
		seedGraph(t, g, incidentAt(fmt.Sprintf("i%d", n), pod, "prod", off))
		n++
	}

	window := 5 * time.Minute
	counts := map[[2]string]int{}
	for _, p := range pods {
		entries, err := g.BlastRadius(context.Background(), p, "prod", window)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotEqual(t, p, e.Pod)
			counts[[2]string{p, e.Pod}] = e.Count
		}
	}
	for pair, c := range counts {
		assert.Equal(t, c, counts[[2]string{pair[1], pair[0]}], "pair %v", pair)
	}
}

func TestBlastRadiusUnknownPod(t *testing.T) {
	g := NewInMemoryGraphStore(0)
	entries, err := g.BlastRadius(context.Background(), "ghost", "prod", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeployTriggersRegardlessOfWriteOrder(t *testing.T) {
	ctx := context.Background()
	inc := incidentAt("i1", "payment-abc", "prod", 30*time.Minute)
	inc.ServiceName = "payment"
	late := incidentAt("i2", "payment-abc", "prod", 3*time.Hour)
	late.ServiceName = "payment"
	deploy := models.DeployMarker{ID: "d1", Service: "payment", Namespace: "prod", Version: "v7", DeployedAt: base}

	g1 := NewInMemoryGraphStore(2 * time.Hour)
	require.NoError(t, g1.RecordDeploy(ctx, deploy))
	seedGraph(t, g1, inc, late)

	g2 := NewInMemoryGraphStore(2 * time.Hour)
	seedGraph(t, g2, inc, late)
	require.NoError(t, g2.RecordDeploy(ctx, deploy))

	assert.Equal(t, []string{"i1"}, g1.Triggered("d1"))
	assert.Equal(t, g1.Triggered("d1"), g2.Triggered("d1"))

	pattern, err := g2.PodPattern(ctx, "payment-abc", "prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"v7"}, pattern.DeployVersions)
	assert.Equal(t, 2, pattern.TypeFrequency[models.IncidentCrashLoopBackOff])
	assert.Equal(t, late.OccurredAt, pattern.LastSeen)
}

func TestDeployCorrelationAndRecentDeploy(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGraphStore(2 * time.Hour)
	require.NoError(t, g.RecordDeploy(ctx, models.DeployMarker{ID: "d1", Service: "payment", Namespace: "prod", Version: "v1", DeployedAt: base}))
	require.NoError(t, g.RecordDeploy(ctx, models.DeployMarker{ID: "d2", Service: "payment", Namespace: "prod", Version: "v2", DeployedAt: base.Add(time.Hour)}))

	inc := incidentAt("i1", "payment-abc", "prod", 90*time.Minute)
	inc.ServiceName = "payment"
	before := incidentAt("i0", "payment-abc", "prod", -time.Minute)
	before.ServiceName = "payment"
	other := incidentAt("i9", "web-1", "prod", 90*time.Minute)
	seedGraph(t, g, inc, before, other)

	corr, err := g.DeployCorrelation(ctx, "payment", 2*time.Hour)
	require.NoError(t, err)
	require.Len(t, corr, 2)
	assert.Equal(t, "v1", corr[0].Version)
	assert.InDelta(t, 90, corr[0].MinutesAfterDeploy, 1e-9)
	assert.Equal(t, "v2", corr[1].Version)
	assert.InDelta(t, 30, corr[1].MinutesAfterDeploy, 1e-9)

	recent, err := g.RecentDeploy(ctx, "payment", "prod", inc.OccurredAt, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, recent.Found)
	assert.Equal(t, "v2", recent.Version)
	assert.InDelta(t, 30, recent.MinutesBefore, 1e-9)

	none, err := g.RecentDeploy(ctx, "payment", "prod", before.OccurredAt, 2*time.Hour)
	require.NoError(t, err)
	assert.False(t, none.Found)
}

func TestLinkFixMarksSupersededAndFeedsPriorFixes(t *testing.T) {
	ctx := context.Background()
	g := NewInMemoryGraphStore(0)
	old := incidentAt("i1", "api", "prod", 0)
	current := incidentAt("i2", "api", "prod", time.Hour)
	seedGraph(t, g, old, current)

	f1 := models.Fix{ID: "f1", Description: "restart", AISuggested: true, CreatedAt: base}
	f2 := models.Fix{ID: "f2", Description: "fix liveness probe", Worked: true, CorrectionOf: "f1", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, g.LinkFix(ctx, "i1", f1, false))
	require.NoError(t, g.LinkFix(ctx, "i1", f2, true))
	require.NoError(t, g.LinkFix(ctx, "i1", f2, true))

	fix, corrected, ok := g.Fix("f1")
	require.True(t, ok)
	assert.False(t, corrected)
	assert.Equal(t, "f2", fix.SupersededBy)

	prior, err := g.PriorFixes(ctx, "api", "prod", models.IncidentCrashLoopBackOff, "i2")
	require.NoError(t, err)
	require.Len(t, prior, 2)
	assert.Equal(t, "f2", prior[0].ID)

	excluded, err := g.PriorFixes(ctx, "api", "prod", models.IncidentCrashLoopBackOff, "i1")
	require.NoError(t, err)
	assert.Empty(t, excluded)

	pattern, err := g.PodPattern(ctx, "api", "prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"fix liveness probe"}, pattern.FixesThatWorked)
}

func TestUpsertIncidentIsIdempotent(t *testing.T) {
	g := NewInMemoryGraphStore(0)
	inc := incidentAt("i1", "api", "prod", 0)
	inc.NodeName = "node-a"
	inc.ServiceName = "api"
	seedGraph(t, g, inc, inc, inc)

	st := g.Stats()
	assert.Equal(t, GraphStats{Pods: 1, Services: 1, Nodes: 1, Incidents: 1}, st)
}
