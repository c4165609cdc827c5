package api

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/miradorstack/kube-memory/internal/config"
	"github.com/miradorstack/kube-memory/internal/engine"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/notify"
	"github.com/miradorstack/kube-memory/internal/utils"
	"github.com/miradorstack/kube-memory/internal/watcher"
)

type fakeService struct {
	hub        *notify.Hub
	candidate  models.IncidentCandidate
	fixErr     error
	runErr     error
	lastWindow time.Duration
}

func (f *fakeService) StartWatch(_ context.Context, ns []string) ([]string, error) { return ns, nil }
func (f *fakeService) StopWatch(_ context.Context, ns []string) ([]string, error)  { return ns, nil }
func (f *fakeService) WatchStatus(context.Context) ([]watcher.Status, error) {
	return []watcher.Status{{Namespace: "production", State: watcher.StateWatching, Accepted: 4}}, nil
}

func (f *fakeService) IngestEvent(_ context.Context, c models.IncidentCandidate) (models.Incident, bool, error) {
	f.candidate = c
	return models.Incident{ID: "inc-1", PodName: c.PodName, Namespace: c.Namespace, Type: models.IncidentOOMKill, Severity: models.SeverityCritical}, true, nil
}

func (f *fakeService) RunPipeline(_ context.Context, id string) (models.AnalysisResult, error) {
	if f.runErr != nil {
		return models.AnalysisResult{}, f.runErr
	}
	return models.AnalysisResult{IncidentID: id, Recommendation: "Increase memory limit to 512Mi", Confidence: 0.8, Status: models.AnalysisComplete}, nil
}

func (f *fakeService) SubmitFix(_ context.Context, id string, fix models.Fix) (models.Fix, error) {
	if f.fixErr != nil {
		return models.Fix{}, f.fixErr
	}
	fix.ID = "fix-1"
	fix.IncidentID = id
	return fix, nil
}

func (f *fakeService) QuerySimilar(context.Context, string, models.SearchFilters, int) ([]models.RetrievedDoc, error) {
	return []models.RetrievedDoc{{ID: "incident:inc-0", Rank: 0.9}}, nil
}

func (f *fakeService) QueryBlastRadius(_ context.Context, _, _ string, window time.Duration) ([]models.BlastRadiusEntry, error) {
	f.lastWindow = window
	return []models.BlastRadiusEntry{{Pod: "checkout", Namespace: "production", Count: 2}}, nil
}

func (f *fakeService) QueryDeployCorrelation(context.Context, string, time.Duration) ([]models.DeployCorrelation, error) {
	return nil, nil
}

func (f *fakeService) RecordDeploy(_ context.Context, m models.DeployMarker) (models.DeployMarker, error) {
	m.ID = "deploy-1"
	return m, nil
}

func (f *fakeService) UpdateStatus(_ context.Context, u models.StatusUpdate) (models.Incident, error) {
	return models.Incident{}, utils.NewKindError("test", utils.ErrNotFound, "incident "+u.IncidentID+" not found", nil)
}

func (f *fakeService) QueryPatterns(context.Context, string) ([]models.ClusterPattern, error) {
	return []models.ClusterPattern{{ID: "p1", PodName: "payment", Frequency: 3}}, nil
}

func (f *fakeService) GenerateRunbook(context.Context, string) (engine.Runbook, error) {
	return engine.Runbook{Markdown: "# Runbook"}, nil
}

func (f *fakeService) PodHistory(context.Context, string, string, int) ([]models.Incident, error) {
	return []models.Incident{{ID: "inc-2"}, {ID: "inc-1"}}, nil
}

func (f *fakeService) GetIncident(_ context.Context, id string) (models.Incident, error) {
	return models.Incident{ID: id}, nil
}

func (f *fakeService) GetAnalysis(_ context.Context, id string) (models.AnalysisRecord, error) {
	return models.AnalysisRecord{Current: models.AnalysisResult{IncidentID: id}, HistoryCount: 2}, nil
}

func (f *fakeService) Subscribe(filter func(models.Notification) bool) (*notify.Subscription, error) {
	return f.hub.Subscribe(filter), nil
}

func (f *fakeService) Unsubscribe(sub *notify.Subscription) { f.hub.Unsubscribe(sub) }

func startTestServer(t *testing.T, svc *fakeService) (*Client, *grpc.ClientConn) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(config.ServerConfig{Reflection: true}, lis, nil, NewHandlers(nil, svc))
	go func() { _ = srv.Start() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return NewClient(conn), conn
}

func TestServerUnaryRoundTrip(t *testing.T) {
	svc := &fakeService{hub: notify.NewHub(nil, 4)}
	client, _ := startTestServer(t, svc)
	ctx := context.Background()

	var ingested struct {
		IncidentID string          `json:"incidentId"`
		Created    bool            `json:"created"`
		Incident   models.Incident `json:"incident"`
	}
	require.NoError(t, client.Call(ctx, MethodIngestEvent, map[string]any{
		"reason": "OOMKilled", "podName": "payment-service-abc", "namespace": "production",
	}, &ingested))
	assert.Equal(t, "inc-1", ingested.IncidentID)
	assert.True(t, ingested.Created)
	assert.Equal(t, models.SeverityCritical, ingested.Incident.Severity)
	assert.Equal(t, "OOMKilled", svc.candidate.Reason)

	var result models.AnalysisResult
	require.NoError(t, client.Call(ctx, MethodRunPipeline, map[string]any{"incidentId": "inc-1"}, &result))
	assert.Equal(t, "Increase memory limit to 512Mi", result.Recommendation)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)

	var blast struct {
		Entries []models.BlastRadiusEntry `json:"entries"`
	}
	require.NoError(t, client.Call(ctx, MethodQueryBlastRadius, map[string]any{"pod": "payment", "namespace": "production", "window": "10m"}, &blast))
	require.Len(t, blast.Entries, 1)
	assert.Equal(t, 10*time.Minute, svc.lastWindow)

	var watchers struct {
		Watchers []watcher.Status `json:"watchers"`
	}
	require.NoError(t, client.Call(ctx, MethodWatchStatus, nil, &watchers))
	require.Len(t, watchers.Watchers, 1)
	assert.Equal(t, watcher.StateWatching, watchers.Watchers[0].State)

	var runbook struct {
		Markdown  string `json:"markdown"`
		Generated bool   `json:"generated"`
	}
	require.NoError(t, client.Call(ctx, MethodGenerateRunbook, map[string]any{"incidentId": "inc-1"}, &runbook))
	assert.Equal(t, "# Runbook", runbook.Markdown)
	assert.False(t, runbook.Generated)
}

func TestServerMapsErrorKinds(t *testing.T) {
	svc := &fakeService{
		hub:    notify.NewHub(nil, 4),
		fixErr: utils.NewKindError("test", utils.ErrInvariantViolation, "fix f1 is already corrected", nil),
		runErr: utils.NewKindError("test", utils.ErrAnalysisInFlight, "busy", nil),
	}
	client, _ := startTestServer(t, svc)
	ctx := context.Background()

	err := client.Call(ctx, MethodSubmitFix, map[string]any{"incidentId": "inc-1", "description": "x", "correctionOf": "f1"}, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Call(ctx, MethodRunPipeline, map[string]any{"incidentId": "inc-1"}, nil)
	assert.Equal(t, codes.Aborted, status.Code(err))

	err = client.Call(ctx, MethodUpdateStatus, map[string]any{"incidentId": "missing", "status": "resolved"}, nil)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = client.Call(ctx, MethodQueryBlastRadius, map[string]any{"pod": "p", "namespace": "n", "window": "later"}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = client.Call(ctx, MethodRunPipeline, map[string]any{"incident": "inc-1"}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestServerSubscribeStreamsNotifications(t *testing.T) {
	hub := notify.NewHub(nil, 4)
	client, _ := startTestServer(t, &fakeService{hub: hub})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := client.Subscribe(ctx, map[string]any{"incidentId": "inc-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(models.Notification{Kind: models.EventIncidentCreated, IncidentID: "inc-other"})
	hub.Publish(models.Notification{Kind: models.EventAnalysisCompleted, IncidentID: "inc-1", Namespace: "production"})

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, string(models.EventAnalysisCompleted), msg.GetFields()["type"].GetStringValue())
	assert.Equal(t, "inc-1", msg.GetFields()["incidentId"].GetStringValue())

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerHealth(t *testing.T) {
	_, conn := startTestServer(t, &fakeService{hub: notify.NewHub(nil, 4)})
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestServerSetServingFlipsHealth(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServerWithListener(config.ServerConfig{}, lis, nil, NewHandlers(nil, &fakeService{hub: notify.NewHub(nil, 4)}))
	go func() { _ = srv.Start() }()
	defer srv.Shutdown(context.Background())

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	srv.SetServing(false)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
