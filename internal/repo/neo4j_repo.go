package repo

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/models"
)

// cypherRunner executes one Cypher statement and returns its records.
type cypherRunner interface {
	run(ctx context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error)
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d driverRunner) run(ctx context.Context, cypher string, params map[string]any, write bool) ([]*neo4j.Record, error) {
	opts := []neo4j.ExecuteQueryConfigurationOption{neo4j.ExecuteQueryWithDatabase(d.database)}
	if !write {
		opts = append(opts, neo4j.ExecuteQueryWithReadersRouting())
	}
	res, err := neo4j.ExecuteQuery(ctx, d.driver, cypher, params, neo4j.EagerResultTransformer, opts...)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Neo4jGraphStore keeps the causal graph in Neo4j. Nodes are MERGEd on natural keys so every write is idempotent.
type Neo4jGraphStore struct {
	logger        *slog.Logger
	driver        neo4j.DriverWithContext
	runner        cypherRunner
	triggerWindow time.Duration
}

// NewNeo4jGraphStore connects to Neo4j, verifies connectivity and installs uniqueness constraints.
func NewNeo4jGraphStore(ctx context.Context, logger *slog.Logger, cfg config.GraphConfig, triggerWindow time.Duration) (*Neo4jGraphStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	store := newNeo4jGraphStore(logger, driverRunner{driver: driver, database: cfg.Database}, triggerWindow)
	store.driver = driver
	if err := store.EnsureConstraints(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	logger.Info("neo4j graph store ready", slog.String("uri", cfg.URI), slog.String("database", cfg.Database))
	return store, nil
}

func newNeo4jGraphStore(logger *slog.Logger, runner cypherRunner, triggerWindow time.Duration) *Neo4jGraphStore {
	if logger == nil {
		logger = slog.Default()
	}
	if triggerWindow <= 0 {
		triggerWindow = 2 * time.Hour
	}
	return &Neo4jGraphStore{logger: logger, runner: runner, triggerWindow: triggerWindow}
}

// Close releases the driver.
func (g *Neo4jGraphStore) Close(ctx context.Context) error {
	if g == nil || g.driver == nil {
		return nil
	}
	return g.driver.Close(ctx)
}

var constraintStatements = []string{
	"CREATE CONSTRAINT incident_id IF NOT EXISTS FOR (i:Incident) REQUIRE i.id IS UNIQUE",
	"CREATE CONSTRAINT fix_id IF NOT EXISTS FOR (f:Fix) REQUIRE f.id IS UNIQUE",
	"CREATE CONSTRAINT deploy_id IF NOT EXISTS FOR (d:Deploy) REQUIRE d.id IS UNIQUE",
	"CREATE CONSTRAINT node_name IF NOT EXISTS FOR (n:Node) REQUIRE n.name IS UNIQUE",
	"CREATE CONSTRAINT pod_key IF NOT EXISTS FOR (p:Pod) REQUIRE (p.name, p.namespace) IS UNIQUE",
	"CREATE CONSTRAINT service_key IF NOT EXISTS FOR (s:Service) REQUIRE (s.name, s.namespace) IS UNIQUE",
}

// EnsureConstraints installs the natural-key uniqueness constraints.
func (g *Neo4jGraphStore) EnsureConstraints(ctx context.Context) error {
	for _, stmt := range constraintStatements {
		if _, err := g.runner.run(ctx, stmt, nil, true); err != nil {
			return fmt.Errorf("neo4j constraint: %w", err)
		}
	}
	return nil
}

const upsertIncidentCypher = `
MERGE (p:Pod {name: $pod, namespace: $namespace})
MERGE (s:Service {name: $service, namespace: $namespace})
MERGE (i:Incident {id: $id})
SET i.type = $type, i.severity = $severity, i.status = $status, i.description = $description,
    i.podName = $pod, i.namespace = $namespace, i.service = $service, i.occurredAt = $occurredAt
MERGE (i)-[:AFFECTED]->(p)
MERGE (p)-[:BELONGS_TO]->(s)
FOREACH (_ IN CASE WHEN $node <> '' THEN [1] ELSE [] END |
  MERGE (n:Node {name: $node})
  MERGE (p)-[:RUNS_ON]->(n)
)`

const linkTriggeredByIncidentCypher = `
MATCH (i:Incident {id: $id})
MATCH (d:Deploy {service: $service, namespace: $namespace})
WHERE d.deployedAt <= i.occurredAt AND i.occurredAt <= d.deployedAt + duration({seconds: $triggerSeconds})
MERGE (d)-[:TRIGGERED]->(i)`

// UpsertIncident implements memory.GraphStore.
func (g *Neo4jGraphStore) UpsertIncident(ctx context.Context, incident models.Incident) error {
	params := map[string]any{
		"id":             incident.ID,
		"pod":            incident.PodName,
		"namespace":      incident.Namespace,
		"service":        incident.Service(),
		"node":           incident.NodeName,
		"type":           string(incident.Type),
		"severity":       string(incident.Severity),
		"status":         string(incident.Status),
		"description":    incident.Description,
		"occurredAt":     incident.OccurredAt.UTC(),
		"triggerSeconds": int64(g.triggerWindow / time.Second),
	}
	if _, err := g.runner.run(ctx, upsertIncidentCypher, params, true); err != nil {
		return fmt.Errorf("neo4j upsert incident: %w", err)
	}
	if _, err := g.runner.run(ctx, linkTriggeredByIncidentCypher, params, true); err != nil {
		return fmt.Errorf("neo4j link deploys: %w", err)
	}
	return nil
}

const linkFixCypher = `
MATCH (i:Incident {id: $incidentId})
MERGE (f:Fix {id: $id})
SET f.incidentId = $incidentId, f.description = $description, f.appliedBy = $appliedBy, f.worked = $worked,
    f.aiSuggested = $aiSuggested, f.correctionOf = $correctionOf, f.createdAt = $createdAt
MERGE (i)-[r:RESOLVED_BY]->(f)
SET r.corrected = $corrected
WITH f
OPTIONAL MATCH (orig:Fix {id: $correctionOf})
FOREACH (_ IN CASE WHEN orig IS NOT NULL AND $corrected THEN [1] ELSE [] END |
  SET orig.supersededBy = f.id
)
RETURN f.id AS id`

// LinkFix implements memory.GraphStore.
func (g *Neo4jGraphStore) LinkFix(ctx context.Context, incidentID string, fix models.Fix, corrected bool) error {
	params := map[string]any{
		"incidentId":   incidentID,
		"id":           fix.ID,
		"description":  fix.Description,
		"appliedBy":    fix.AppliedBy,
		"worked":       fix.Worked,
		"aiSuggested":  fix.AISuggested,
		"correctionOf": fix.CorrectionOf,
		"createdAt":    fix.CreatedAt.UTC(),
		"corrected":    corrected,
	}
	records, err := g.runner.run(ctx, linkFixCypher, params, true)
	if err != nil {
		return fmt.Errorf("neo4j link fix: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("neo4j link fix: incident %s not in graph", incidentID)
	}
	return nil
}

const recordDeployCypher = `
MERGE (d:Deploy {id: $id})
SET d.service = $service, d.namespace = $namespace, d.version = $version, d.deployedAt = $deployedAt
MERGE (s:Service {name: $service, namespace: $namespace})
WITH d
MATCH (i:Incident {service: $service, namespace: $namespace})
WHERE d.deployedAt <= i.occurredAt AND i.occurredAt <= d.deployedAt + duration({seconds: $triggerSeconds})
MERGE (d)-[:TRIGGERED]->(i)`

// RecordDeploy implements memory.GraphStore.
func (g *Neo4jGraphStore) RecordDeploy(ctx context.Context, marker models.DeployMarker) error {
	params := map[string]any{
		"id":             marker.ID,
		"service":        marker.Service,
		"namespace":      marker.Namespace,
		"version":        marker.Version,
		"deployedAt":     marker.DeployedAt.UTC(),
		"triggerSeconds": int64(g.triggerWindow / time.Second),
	}
	if _, err := g.runner.run(ctx, recordDeployCypher, params, true); err != nil {
		return fmt.Errorf("neo4j record deploy: %w", err)
	}
	return nil
}

const blastRadiusCypher = `
MATCH (p:Pod {name: $pod, namespace: $namespace})<-[:AFFECTED]-(i1:Incident)
MATCH (i2:Incident)-[:AFFECTED]->(p2:Pod)
WHERE (p2.name <> $pod OR p2.namespace <> $namespace)
  AND i2.occurredAt >= i1.occurredAt - duration({milliseconds: $windowMillis})
  AND i2.occurredAt <= i1.occurredAt + duration({milliseconds: $windowMillis})
RETURN p2.name AS pod, p2.namespace AS namespace, count(*) AS count, collect(DISTINCT i2.type) AS types`

// BlastRadius implements memory.GraphStore.
func (g *Neo4jGraphStore) BlastRadius(ctx context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error) {
	records, err := g.runner.run(ctx, blastRadiusCypher, map[string]any{
		"pod":          pod,
		"namespace":    namespace,
		"windowMillis": window.Milliseconds(),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("neo4j blast radius: %w", err)
	}

	out := make([]models.BlastRadiusEntry, 0, len(records))
	for _, rec := range records {
		types := make([]models.IncidentType, 0)
		for _, t := range recordStrings(rec, "types") {
			types = append(types, models.IncidentType(t))
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		out = append(out, models.BlastRadiusEntry{
			Pod:           recordString(rec, "pod"),
			Namespace:     recordString(rec, "namespace"),
			Count:         int(recordInt(rec, "count")),
			IncidentTypes: types,
		})
	}
	memory.SortBlastRadius(out)
	return out, nil
}

const deployCorrelationCypher = `
MATCH (d:Deploy {service: $service})
MATCH (i:Incident {service: $service})
WHERE i.namespace = d.namespace
  AND d.deployedAt <= i.occurredAt
  AND i.occurredAt <= d.deployedAt + duration({milliseconds: $windowMillis})
RETURN i.id AS incidentId, i.podName AS pod, i.namespace AS namespace, i.type AS type,
       d.version AS version, d.deployedAt AS deployedAt, i.occurredAt AS occurredAt`

// DeployCorrelation implements memory.GraphStore.
func (g *Neo4jGraphStore) DeployCorrelation(ctx context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error) {
	records, err := g.runner.run(ctx, deployCorrelationCypher, map[string]any{
		"service":      service,
		"windowMillis": window.Milliseconds(),
	}, false)
	if err != nil {
		return nil, fmt.Errorf("neo4j deploy correlation: %w", err)
	}

	out := make([]models.DeployCorrelation, 0, len(records))
	for _, rec := range records {
		deployedAt := recordTime(rec, "deployedAt")
		occurredAt := recordTime(rec, "occurredAt")
		out = append(out, models.DeployCorrelation{
			IncidentID:         recordString(rec, "incidentId"),
			PodName:            recordString(rec, "pod"),
			Namespace:          recordString(rec, "namespace"),
			Service:            service,
			IncidentType:       models.IncidentType(recordString(rec, "type")),
			Version:            recordString(rec, "version"),
			DeployedAt:         deployedAt,
			OccurredAt:         occurredAt,
			MinutesAfterDeploy: occurredAt.Sub(deployedAt).Minutes(),
		})
	}
	memory.SortDeployCorrelations(out)
	return out, nil
}

const recentDeployCypher = `
MATCH (d:Deploy {service: $service, namespace: $namespace})
WHERE d.deployedAt <= $at AND d.deployedAt >= $at - duration({milliseconds: $windowMillis})
RETURN d.version AS version, d.deployedAt AS deployedAt
ORDER BY d.deployedAt DESC
LIMIT 1`

// RecentDeploy implements memory.GraphStore.
func (g *Neo4jGraphStore) RecentDeploy(ctx context.Context, service, namespace string, at time.Time, window time.Duration) (models.RecentDeploy, error) {
	records, err := g.runner.run(ctx, recentDeployCypher, map[string]any{
		"service":      service,
		"namespace":    namespace,
		"at":           at.UTC(),
		"windowMillis": window.Milliseconds(),
	}, false)
	if err != nil {
		return models.RecentDeploy{}, fmt.Errorf("neo4j recent deploy: %w", err)
	}
	if len(records) == 0 {
		return models.RecentDeploy{}, nil
	}
	deployedAt := recordTime(records[0], "deployedAt")
	return models.RecentDeploy{
		Found:         true,
		Version:       recordString(records[0], "version"),
		DeployedAt:    deployedAt,
		MinutesBefore: at.Sub(deployedAt).Minutes(),
	}, nil
}

const priorFixesCypher = `
MATCH (i:Incident {podName: $pod, namespace: $namespace, type: $type})-[:RESOLVED_BY]->(f:Fix)
WHERE i.id <> $exclude
RETURN f.id AS id, i.id AS incidentId, f.description AS description, f.appliedBy AS appliedBy,
       f.worked AS worked, f.aiSuggested AS aiSuggested, f.correctionOf AS correctionOf,
       f.supersededBy AS supersededBy, f.createdAt AS createdAt`

// PriorFixes implements memory.GraphStore.
func (g *Neo4jGraphStore) PriorFixes(ctx context.Context, pod, namespace string, incidentType models.IncidentType, excludeIncidentID string) ([]models.Fix, error) {
	records, err := g.runner.run(ctx, priorFixesCypher, map[string]any{
		"pod":       pod,
		"namespace": namespace,
		"type":      string(incidentType),
		"exclude":   excludeIncidentID,
	}, false)
	if err != nil {
		return nil, fmt.Errorf("neo4j prior fixes: %w", err)
	}
	out := make([]models.Fix, 0, len(records))
	for _, rec := range records {
		out = append(out, fixFromRecord(rec))
	}
	memory.SortFixes(out)
	return out, nil
}

const podTypesCypher = `
MATCH (i:Incident {podName: $pod, namespace: $namespace})
RETURN i.type AS type, count(*) AS count, max(i.occurredAt) AS lastSeen`

const podWorkedFixesCypher = `
MATCH (i:Incident {podName: $pod, namespace: $namespace})-[:RESOLVED_BY]->(f:Fix)
WHERE f.worked = true AND coalesce(f.supersededBy, '') = ''
RETURN f.id AS id, i.id AS incidentId, f.description AS description, f.worked AS worked, f.createdAt AS createdAt`

const podDeploysCypher = `
MATCH (d:Deploy)-[:TRIGGERED]->(:Incident {podName: $pod, namespace: $namespace})
RETURN DISTINCT d.version AS version, d.deployedAt AS deployedAt
ORDER BY deployedAt`

// PodPattern implements memory.GraphStore.
func (g *Neo4jGraphStore) PodPattern(ctx context.Context, pod, namespace string) (models.CausalPattern, error) {
	params := map[string]any{"pod": pod, "namespace": namespace}
	pattern := models.CausalPattern{TypeFrequency: map[models.IncidentType]int{}, FixesThatWorked: []string{}, DeployVersions: []string{}}

	records, err := g.runner.run(ctx, podTypesCypher, params, false)
	if err != nil {
		return pattern, fmt.Errorf("neo4j pod pattern: %w", err)
	}
	for _, rec := range records {
		pattern.TypeFrequency[models.IncidentType(recordString(rec, "type"))] = int(recordInt(rec, "count"))
		if last := recordTime(rec, "lastSeen"); last.After(pattern.LastSeen) {
			pattern.LastSeen = last
		}
	}

	records, err = g.runner.run(ctx, podWorkedFixesCypher, params, false)
	if err != nil {
		return pattern, fmt.Errorf("neo4j pod fixes: %w", err)
	}
	fixes := make([]models.Fix, 0, len(records))
	for _, rec := range records {
		fixes = append(fixes, fixFromRecord(rec))
	}
	memory.SortFixes(fixes)
	seen := map[string]bool{}
	for _, f := range fixes {
		if f.Description != "" && !seen[f.Description] {
			seen[f.Description] = true
			pattern.FixesThatWorked = append(pattern.FixesThatWorked, f.Description)
		}
	}

	records, err = g.runner.run(ctx, podDeploysCypher, params, false)
	if err != nil {
		return pattern, fmt.Errorf("neo4j pod deploys: %w", err)
	}
	versions := map[string]bool{}
	for _, rec := range records {
		if v := recordString(rec, "version"); v != "" && !versions[v] {
			versions[v] = true
			pattern.DeployVersions = append(pattern.DeployVersions, v)
		}
	}
	return pattern, nil
}

func fixFromRecord(rec *neo4j.Record) models.Fix {
	return models.Fix{
		ID:           recordString(rec, "id"),
		IncidentID:   recordString(rec, "incidentId"),
		Description:  recordString(rec, "description"),
		AppliedBy:    recordString(rec, "appliedBy"),
		Worked:       recordBool(rec, "worked"),
		AISuggested:  recordBool(rec, "aiSuggested"),
		CorrectionOf: recordString(rec, "correctionOf"),
		SupersededBy: recordString(rec, "supersededBy"),
		CreatedAt:    recordTime(rec, "createdAt"),
	}
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recordBool(rec *neo4j.Record, key string) bool {
	v, _ := rec.Get(key)
	b, _ := v.(bool)
	return b
}

func recordInt(rec *neo4j.Record, key string) int64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func recordTime(rec *neo4j.Record, key string) time.Time {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case neo4j.LocalDateTime:
		return t.Time().UTC()
	}
	return time.Time{}
}

func recordStrings(rec *neo4j.Record, key string) []string {
	v, _ := rec.Get(key)
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ memory.GraphStore = (*Neo4jGraphStore)(nil)
var _ memory.VectorStore = (*WeaviateVectorStore)(nil)
