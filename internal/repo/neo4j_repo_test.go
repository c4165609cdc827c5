package repo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/kube-memory/internal/models"
)

type recordedQuery struct {
	cypher string
	params map[string]any
	write  bool
}

type fakeRunner struct {
	queries []recordedQuery
	respond func(cypher string) ([]*neo4j.Record, error)
}

func (f *fakeRunner) run(_ context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error) {
	f.queries = append(f.queries, recordedQuery{cypher: cypher, params: params, write: write})
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(cypher)
}

func record(keys []string, values ...any) *neo4j.Record {
	return &neo4j.Record{Keys: keys, Values: values}
}

func TestNeo4jUpsertIncidentMergesAndLinksDeploys(t *testing.T) {
	runner := &fakeRunner{}
	g := newNeo4jGraphStore(nil, runner, 90*time.Minute)

	inc := models.Incident{ID: "i1", PodName: "payment-abc", Namespace: "prod", NodeName: "node-1", Type: models.IncidentOOMKill, OccurredAt: time.Now()}
	require.NoError(t, g.UpsertIncident(context.Background(), inc))

	require.Len(t, runner.queries, 2)
	assert.Contains(t, runner.queries[0].cypher, "MERGE (i:Incident {id: $id})")
	assert.Equal(t, "payment-abc", runner.queries[0].params["service"])
	assert.Equal(t, "node-1", runner.queries[0].params["node"])
	assert.Contains(t, runner.queries[1].cypher, "MERGE (d)-[:TRIGGERED]->(i)")
	assert.Equal(t, int64(5400), runner.queries[1].params["triggerSeconds"])
	assert.True(t, runner.queries[1].write)
}

func TestNeo4jLinkFixRequiresIncident(t *testing.T) {
	runner := &fakeRunner{}
	g := newNeo4jGraphStore(nil, runner, 0)
	err := g.LinkFix(context.Background(), "missing", models.Fix{ID: "f1"}, false)
	require.Error(t, err)

	runner.respond = func(string) ([]*neo4j.Record, error) {
		return []*neo4j.Record{record([]string{"id"}, "f2")}, nil
	}
	require.NoError(t, g.LinkFix(context.Background(), "i1", models.Fix{ID: "f2", CorrectionOf: "f1"}, true))
	last := runner.queries[len(runner.queries)-1]
	assert.Equal(t, true, last.params["corrected"])
	assert.Equal(t, "f1", last.params["correctionOf"])
}

func TestNeo4jBlastRadiusSortsAndDecodes(t *testing.T) {
	keys := []string{"pod", "namespace", "count", "types"}
	runner := &fakeRunner{respond: func(string) ([]*neo4j.Record, error) {
		return []*neo4j.Record{
			record(keys, "web", "prod", int64(1), []any{"Evicted"}),
			record(keys, "db", "prod", int64(3), []any{"OOMKill", "CrashLoopBackOff"}),
			record(keys, "cache", "prod", int64(1), []any{}),
		}, nil
	}}
	g := newNeo4jGraphStore(nil, runner, 0)

	entries, err := g.BlastRadius(context.Background(), "api", "prod", 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "db", entries[0].Pod)
	assert.Equal(t, 3, entries[0].Count)
	assert.Equal(t, []models.IncidentType{models.IncidentCrashLoopBackOff, models.IncidentOOMKill}, entries[0].IncidentTypes)
	assert.Equal(t, "cache", entries[1].Pod)
	assert.Equal(t, "web", entries[2].Pod)

	assert.Equal(t, int64(300000), runner.queries[0].params["windowMillis"])
	assert.False(t, runner.queries[0].write)
}

func TestNeo4jRecentDeploy(t *testing.T) {
	at := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	runner := &fakeRunner{respond: func(string) ([]*neo4j.Record, error) {
		return []*neo4j.Record{record([]string{"version", "deployedAt"}, "v3", at.Add(-45*time.Minute))}, nil
	}}
	g := newNeo4jGraphStore(nil, runner, 0)

	recent, err := g.RecentDeploy(context.Background(), "payment", "prod", at, 2*time.Hour)
	require.NoError(t, err)
	assert.True(t, recent.Found)
	assert.Equal(t, "v3", recent.Version)
	assert.InDelta(t, 45, recent.MinutesBefore, 1e-9)
}

func TestNeo4jPodPatternAggregates(t *testing.T) {
	seen := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	runner := &fakeRunner{respond: func(cypher string) ([]*neo4j.Record, error) {
		switch {
		case strings.Contains(cypher, "max(i.occurredAt)"):
			return []*neo4j.Record{
				record([]string{"type", "count", "lastSeen"}, "OOMKill", int64(4), seen),
				record([]string{"type", "count", "lastSeen"}, "Evicted", int64(1), seen.Add(-time.Hour)),
			}, nil
		case strings.Contains(cypher, "RESOLVED_BY"):
			return []*neo4j.Record{
				record([]string{"id", "incidentId", "description", "worked", "createdAt"}, "f1", "i1", "raise memory limit", true, seen),
				record([]string{"id", "incidentId", "description", "worked", "createdAt"}, "f2", "i2", "raise memory limit", true, seen.Add(-time.Minute)),
			}, nil
		case strings.Contains(cypher, "TRIGGERED"):
			return []*neo4j.Record{record([]string{"version", "deployedAt"}, "v2", seen.Add(-2*time.Hour))}, nil
		}
		return nil, errors.New("unexpected query")
	}}
	g := newNeo4jGraphStore(nil, runner, 0)

	pattern, err := g.PodPattern(context.Background(), "payment-abc", "prod")
	require.NoError(t, err)
	assert.Equal(t, 4, pattern.TypeFrequency[models.IncidentOOMKill])
	assert.Equal(t, seen, pattern.LastSeen)
	assert.Equal(t, []string{"raise memory limit"}, pattern.FixesThatWorked)
	assert.Equal(t, []string{"v2"}, pattern.DeployVersions)
}

func TestNeo4jErrorsAreWrapped(t *testing.T) {
	runner := &fakeRunner{respond: func(string) ([]*neo4j.Record, error) {
		return nil, errors.New("ServiceUnavailable")
	}}
	g := newNeo4jGraphStore(nil, runner, 0)
	_, err := g.DeployCorrelation(context.Background(), "payment", time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neo4j deploy correlation")
}
