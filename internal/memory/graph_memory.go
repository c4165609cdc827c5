package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

type podKey struct {
	name      string
	namespace string
}

type podNode struct {
	node    string
	service string
}

type fixEdge struct {
	fix       models.Fix
	corrected bool
}

// InMemoryGraphStore keeps the causal graph in process. Nodes are keyed by natural key and
// every edge is a set membership, so repeated writes are no-ops.
type InMemoryGraphStore struct {
	mu            sync.RWMutex
	triggerWindow time.Duration

	pods      map[podKey]podNode
	services  map[podKey]struct{}
	nodes     map[string]struct{}
	incidents map[string]models.Incident
	fixes     map[string]fixEdge
	deploys   map[string]models.DeployMarker
	// triggered maps deploy id to the incident ids it TRIGGERED.
	triggered map[string]map[string]struct{}
}

// NewInMemoryGraphStore creates an empty graph. Deploys link to incidents of the same service that
// occur within triggerWindow after them.
func NewInMemoryGraphStore(triggerWindow time.Duration) *InMemoryGraphStore {
	if triggerWindow <= 0 {
		triggerWindow = 2 * time.Hour
	}
	return &InMemoryGraphStore{
		triggerWindow: triggerWindow,
		pods:          make(map[podKey]podNode),
		services:      make(map[podKey]struct{}),
		nodes:         make(map[string]struct{}),
		incidents:     make(map[string]models.Incident),
		fixes:         make(map[string]fixEdge),
		deploys:       make(map[string]models.DeployMarker),
		triggered:     make(map[string]map[string]struct{}),
	}
}

// UpsertIncident implements GraphStore.
func (g *InMemoryGraphStore) UpsertIncident(_ context.Context, incident models.Incident) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := podKey{name: incident.PodName, namespace: incident.Namespace}
	pod := g.pods[key]
	if incident.NodeName != "" {
		pod.node = incident.NodeName
		g.nodes[incident.NodeName] = struct{}{}
	}
	pod.service = incident.Service()
	g.pods[key] = pod
	g.services[podKey{name: incident.Service(), namespace: incident.Namespace}] = struct{}{}
	g.incidents[incident.ID] = incident

	for id, d := range g.deploys {
		if g.triggers(d, incident) {
			g.link(id, incident.ID)
		}
	}
	return nil
}

// LinkFix implements GraphStore.
func (g *InMemoryGraphStore) LinkFix(_ context.Context, incidentID string, fix models.Fix, corrected bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	fix.IncidentID = incidentID
	if existing, ok := g.fixes[fix.ID]; ok && fix.SupersededBy == "" {
		fix.SupersededBy = existing.fix.SupersededBy
	}
	g.fixes[fix.ID] = fixEdge{fix: fix, corrected: corrected}
	if corrected && fix.CorrectionOf != "" {
		if orig, ok := g.fixes[fix.CorrectionOf]; ok {
			orig.fix.SupersededBy = fix.ID
			g.fixes[fix.CorrectionOf] = orig
		}
	}
	return nil
}

// RecordDeploy implements GraphStore.
func (g *InMemoryGraphStore) RecordDeploy(_ context.Context, marker models.DeployMarker) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.deploys[marker.ID] = marker
	g.services[podKey{name: marker.Service, namespace: marker.Namespace}] = struct{}{}
	for id, inc := range g.incidents {
		if g.triggers(marker, inc) {
			g.link(marker.ID, id)
		}
	}
	return nil
}

// BlastRadius implements GraphStore. Count is the number of co-occurring incident pairs.
func (g *InMemoryGraphStore) BlastRadius(_ context.Context, pod, namespace string, window time.Duration) ([]models.BlastRadiusEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	self := podKey{name: pod, namespace: namespace}
	var own []models.Incident
	for _, inc := range g.incidents {
		if inc.PodName == pod && inc.Namespace == namespace {
			own = append(own, inc)
		}
	}
	if len(own) == 0 {
		return []models.BlastRadiusEntry{}, nil
	}

	type agg struct {
		count int
		types map[models.IncidentType]struct{}
	}
	found := make(map[podKey]*agg)
	for _, other := range g.incidents {
		key := podKey{name: other.PodName, namespace: other.Namespace}
		if key == self {
			continue
		}
		for _, mine := range own {
			if !utils.WithinWindow(mine.OccurredAt, other.OccurredAt, window) {
				continue
			}
			a := found[key]
			if a == nil {
				a = &agg{types: make(map[models.IncidentType]struct{})}
				found[key] = a
			}
			a.count++
			a.types[other.Type] = struct{}{}
		}
	}

	out := make([]models.BlastRadiusEntry, 0, len(found))
	for key, a := range found {
		types := make([]models.IncidentType, 0, len(a.types))
		for t := range a.types {
			types = append(types, t)
		}
		sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
		out = append(out, models.BlastRadiusEntry{Pod: key.name, Namespace: key.namespace, Count: a.count, IncidentTypes: types})
	}
	SortBlastRadius(out)
	return out, nil
}

// DeployCorrelation implements GraphStore.
func (g *InMemoryGraphStore) DeployCorrelation(_ context.Context, service string, window time.Duration) ([]models.DeployCorrelation, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []models.DeployCorrelation{}
	for _, d := range g.deploys {
		if d.Service != service {
			continue
		}
		for _, inc := range g.incidents {
			if inc.Service() != service || inc.Namespace != d.Namespace {
				continue
			}
			delta := inc.OccurredAt.Sub(d.DeployedAt)
			if delta < 0 || delta > window {
				continue
			}
			out = append(out, models.DeployCorrelation{
				IncidentID:         inc.ID,
				PodName:            inc.PodName,
				Namespace:          inc.Namespace,
				Service:            service,
				IncidentType:       inc.Type,
				Version:            d.Version,
				DeployedAt:         d.DeployedAt,
				OccurredAt:         inc.OccurredAt,
				MinutesAfterDeploy: delta.Minutes(),
			})
		}
	}
	SortDeployCorrelations(out)
	return out, nil
}

// RecentDeploy implements GraphStore.
func (g *InMemoryGraphStore) RecentDeploy(_ context.Context, service, namespace string, at time.Time, window time.Duration) (models.RecentDeploy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *models.DeployMarker
	for _, d := range g.deploys {
		if d.Service != service || d.Namespace != namespace {
			continue
		}
		delta := at.Sub(d.DeployedAt)
		if delta < 0 || delta > window {
			continue
		}
		if best == nil || d.DeployedAt.After(best.DeployedAt) {
			d := d
			best = &d
		}
	}
	if best == nil {
		return models.RecentDeploy{}, nil
	}
	return models.RecentDeploy{
		Found:         true,
		Version:       best.Version,
		DeployedAt:    best.DeployedAt,
		MinutesBefore: at.Sub(best.DeployedAt).Minutes(),
	}, nil
}

// PriorFixes implements GraphStore.
func (g *InMemoryGraphStore) PriorFixes(_ context.Context, pod, namespace string, incidentType models.IncidentType, excludeIncidentID string) ([]models.Fix, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []models.Fix{}
	for _, edge := range g.fixes {
		inc, ok := g.incidents[edge.fix.IncidentID]
		if !ok || inc.ID == excludeIncidentID {
			continue
		}
		if inc.PodName != pod || inc.Namespace != namespace || inc.Type != incidentType {
			continue
		}
		out = append(out, edge.fix)
	}
	SortFixes(out)
	return out, nil
}

// PodPattern implements GraphStore.
func (g *InMemoryGraphStore) PodPattern(_ context.Context, pod, namespace string) (models.CausalPattern, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pattern := models.CausalPattern{TypeFrequency: map[models.IncidentType]int{}}
	ids := make(map[string]struct{})
	for _, inc := range g.incidents {
		if inc.PodName != pod || inc.Namespace != namespace {
			continue
		}
		ids[inc.ID] = struct{}{}
		pattern.TypeFrequency[inc.Type]++
		if inc.OccurredAt.After(pattern.LastSeen) {
			pattern.LastSeen = inc.OccurredAt
		}
	}

	var worked []models.Fix
	for _, edge := range g.fixes {
		if _, ok := ids[edge.fix.IncidentID]; ok && edge.fix.Worked && edge.fix.SupersededBy == "" {
			worked = append(worked, edge.fix)
		}
	}
	SortFixes(worked)
	pattern.FixesThatWorked = distinctDescriptions(worked)

	var deploys []models.DeployMarker
	for deployID, incidents := range g.triggered {
		for id := range incidents {
			if _, ok := ids[id]; ok {
				deploys = append(deploys, g.deploys[deployID])
				break
			}
		}
	}
	sort.Slice(deploys, func(i, j int) bool { return deploys[i].DeployedAt.Before(deploys[j].DeployedAt) })
	seen := make(map[string]bool)
	pattern.DeployVersions = []string{}
	for _, d := range deploys {
		if d.Version != "" && !seen[d.Version] {
			seen[d.Version] = true
			pattern.DeployVersions = append(pattern.DeployVersions, d.Version)
		}
	}
	return pattern, nil
}

// GraphStats counts nodes and edges by kind.
type GraphStats struct {
	Pods      int
	Services  int
	Nodes     int
	Incidents int
	Fixes     int
	Deploys   int
	Triggered int
}

// Stats reports the graph's size.
func (g *InMemoryGraphStore) Stats() GraphStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st := GraphStats{
		Pods:      len(g.pods),
		Services:  len(g.services),
		Nodes:     len(g.nodes),
		Incidents: len(g.incidents),
		Fixes:     len(g.fixes),
		Deploys:   len(g.deploys),
	}
	for _, set := range g.triggered {
		st.Triggered += len(set)
	}
	return st
}

// Triggered reports the incident ids linked to a deploy, sorted.
func (g *InMemoryGraphStore) Triggered(deployID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.triggered[deployID]))
	for id := range g.triggered[deployID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fix returns a linked fix by id.
func (g *InMemoryGraphStore) Fix(id string) (models.Fix, bool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edge, ok := g.fixes[id]
	return edge.fix, edge.corrected, ok
}

func (g *InMemoryGraphStore) triggers(d models.DeployMarker, inc models.Incident) bool {
	if d.Service != inc.Service() || d.Namespace != inc.Namespace {
		return false
	}
	delta := inc.OccurredAt.Sub(d.DeployedAt)
	return delta >= 0 && delta <= g.triggerWindow
}

func (g *InMemoryGraphStore) link(deployID, incidentID string) {
	set := g.triggered[deployID]
	if set == nil {
		set = make(map[string]struct{})
		g.triggered[deployID] = set
	}
	set[incidentID] = struct{}{}
}

// SortBlastRadius orders entries by count descending, then pod and namespace ascending.
func SortBlastRadius(entries []models.BlastRadiusEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		if entries[i].Pod != entries[j].Pod {
			return entries[i].Pod < entries[j].Pod
		}
		return entries[i].Namespace < entries[j].Namespace
	})
}

// SortDeployCorrelations orders by deploy time, then incident time, then incident id.
func SortDeployCorrelations(out []models.DeployCorrelation) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeployedAt.Equal(out[j].DeployedAt) {
			return out[i].DeployedAt.Before(out[j].DeployedAt)
		}
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].IncidentID < out[j].IncidentID
	})
}

// SortFixes orders newest first, then by id.
func SortFixes(fixes []models.Fix) {
	sort.Slice(fixes, func(i, j int) bool {
		if !fixes[i].CreatedAt.Equal(fixes[j].CreatedAt) {
			return fixes[i].CreatedAt.After(fixes[j].CreatedAt)
		}
		return fixes[i].ID < fixes[j].ID
	})
}

func distinctDescriptions(fixes []models.Fix) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, f := range fixes {
		if f.Description == "" || seen[f.Description] {
			continue
		}
		seen[f.Description] = true
		out = append(out, f.Description)
	}
	return out
}
