package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/manthysbr/sceneforge/internal/adapters/memstore"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	bus         *services.EventBus
	control     *services.JobControlPlane
	checkpoints *services.CheckpointManager
	server      *Server
	handler     http.Handler
}

func newGatewayFixture(t *testing.T, health HealthChecker) *gatewayFixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	store := memstore.New()
	bus := services.NewEventBus(logger)

	control := services.NewJobControlPlane(logger, store, bus, domain.DefaultConfig().Admission)
	checkpoints := services.NewCheckpointManager(logger, store)
	broker := services.NewInterruptBroker(logger, checkpoints, bus)
	resolver := services.NewInterventionResolver(logger, checkpoints, broker, bus)
	graph := services.NewVideoWorkflow(services.VideoWorkflowDeps{Jobs: control})
	orchestrator := services.NewWorkflowOrchestrator(logger, checkpoints, broker, resolver, graph, bus)
	commands := services.NewCommandHandler(logger, control, orchestrator, broker)

	server, err := NewServer(logger, commands, checkpoints, control, bus, health)
	require.NoError(t, err)
	server.KeepAlive = 0

	return &gatewayFixture{
		bus:         bus,
		control:     control,
		checkpoints: checkpoints,
		server:      server,
		handler:     server.Handler(),
	}
}

func (f *gatewayFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type jobView struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	UniqueKey string `json:"unique_key"`
	State     string `json:"state"`
}

func TestServer_StartCommandCreatesWorkflowJob(t *testing.T) {
	f := newGatewayFixture(t, nil)
	body := `{"command_id":"cmd-1","kind":"start","input":{"prompt":"a lighthouse at dusk","scene_count":3}}`

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/commands", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		CommandID string  `json:"command_id"`
		Job       jobView `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "cmd-1", resp.CommandID)
	assert.Equal(t, string(domain.JobTypeWorkflow), resp.Job.Type)
	assert.Equal(t, "proj-1", resp.Job.ProjectID)
	assert.Equal(t, "cmd:cmd-1", resp.Job.UniqueKey)
	assert.Equal(t, string(domain.JobStateCreated), resp.Job.State)

	// redelivery maps onto the same job
	again := f.do(http.MethodPost, "/v1/projects/proj-1/commands", body)
	require.Equal(t, http.StatusAccepted, again.Code)
	var second struct {
		Job jobView `json:"job"`
	}
	require.NoError(t, json.Unmarshal(again.Body.Bytes(), &second))
	assert.Equal(t, resp.Job.ID, second.Job.ID)

	got := f.do(http.MethodGet, "/v1/jobs/"+resp.Job.ID, "")
	require.Equal(t, http.StatusOK, got.Code)
	var job jobView
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &job))
	assert.Equal(t, resp.Job.ID, job.ID)

	list := f.do(http.MethodGet, "/v1/projects/proj-1/jobs", "")
	require.Equal(t, http.StatusOK, list.Code)
	var jobs struct {
		Jobs []jobView `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &jobs))
	assert.Len(t, jobs.Jobs, 1)
}

func TestServer_RejectsInvalidCommands(t *testing.T) {
	f := newGatewayFixture(t, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"missing command id", `{"kind":"resume"}`, http.StatusBadRequest},
		{"unknown kind", `{"command_id":"c","kind":"dance"}`, http.StatusBadRequest},
		{"start without prompt", `{"command_id":"c","kind":"start","input":{"prompt":""}}`, http.StatusBadRequest},
		{"bad action", `{"command_id":"c","kind":"resolve_intervention","resume":{"action":"ignore"}}`, http.StatusBadRequest},
		{"negative scene", `{"command_id":"c","kind":"regenerate","regenerate":{"scene_index":-1}}`, http.StatusBadRequest},
		{"project mismatch", `{"command_id":"c","kind":"resume","project_id":"other"}`, http.StatusBadRequest},
		{"nothing to resolve", `{"command_id":"c","kind":"resolve_intervention","resume":{"action":"skip"}}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/v1/projects/proj-1/commands", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())

			var resp errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestServer_StopWithoutJobsAccepted(t *testing.T) {
	f := newGatewayFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/projects/proj-1/commands", `{"command_id":"stop-1","kind":"stop"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), `"job"`)
}

type mockCommands struct {
	mock.Mock
}

func (m *mockCommands) Handle(ctx context.Context, cmd domain.Command) (*domain.Job, error) {
	args := m.Called(ctx, cmd)
	job, _ := args.Get(0).(*domain.Job)
	return job, args.Error(1)
}

func TestServer_CommandErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown job", fmt.Errorf("cancel: %w", domain.ErrJobNotFound), http.StatusNotFound},
		{"bad transition", domain.ErrInvalidTransition, http.StatusConflict},
		{"store down", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newGatewayFixture(t, nil)
			commands := new(mockCommands)
			commands.On("Handle", mock.Anything, mock.MatchedBy(func(cmd domain.Command) bool {
				return cmd.ProjectID == "proj-1" && cmd.CommandID == "c-1" && !cmd.IssuedAt.IsZero()
			})).Return(nil, tt.err)
			f.server.commands = commands
			handler := f.server.Handler()

			req := httptest.NewRequest(http.MethodPost, "/v1/projects/proj-1/commands", strings.NewReader(`{"command_id":"c-1","kind":"resume"}`))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			commands.AssertExpectations(t)
		})
	}
}

func TestServer_NotFound(t *testing.T) {
	f := newGatewayFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/jobs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/projects/proj-1/checkpoint", "").Code)
}

func TestServer_GetCheckpoint(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx := context.Background()

	cp := &domain.Checkpoint{
		ChannelValues: domain.WorkflowState{ProjectID: "proj-1", Status: domain.WorkflowStatusRunning},
		Next:          []string{services.NodeGenerateKeyframes},
	}
	require.NoError(t, f.checkpoints.SaveCheckpoint(ctx, "proj-1", cp))

	rec := f.do(http.MethodGet, "/v1/projects/proj-1/checkpoint", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "proj-1", got.ThreadID)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, []string{services.NodeGenerateKeyframes}, got.Next)
}

func TestServer_Health(t *testing.T) {
	f := newGatewayFixture(t, HealthCheckFunc(func(ctx context.Context) error { return nil }))
	rec := f.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	down := newGatewayFixture(t, HealthCheckFunc(func(ctx context.Context) error { return errors.New("connection refused") }))
	rec = down.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestServer_ProjectStreamStartsWithFullState(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cp := &domain.Checkpoint{
		ChannelValues: domain.WorkflowState{ProjectID: "proj-1", Status: domain.WorkflowStatusWaiting},
		Next:          []string{services.NodeGenerateClips},
	}
	require.NoError(t, f.checkpoints.SaveCheckpoint(ctx, "proj-1", cp))

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/projects/proj-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	name, first := readSSE(t, reader)
	assert.Equal(t, string(domain.EventFullState), name)
	assert.Equal(t, domain.ProjectID("proj-1"), first.ProjectID)
	var snapshot domain.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(first.Data), &snapshot))
	assert.Equal(t, domain.WorkflowStatusWaiting, snapshot.ChannelValues.Status)

	f.bus.Publish(domain.NewEvent("proj-2", domain.EventLog, "other project"))
	f.bus.Publish(domain.NewEvent("proj-1", domain.EventWorkflowCompleted, `{"final_video_ref":"file:///out.mp4"}`))

	name, next := readSSE(t, reader)
	assert.Equal(t, string(domain.EventWorkflowCompleted), name)
	assert.Contains(t, next.Data, "out.mp4")
}

func TestServer_BroadcastStream(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := httptest.NewServer(f.handler)
	defer ts.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	f.bus.Publish(domain.NewEvent("proj-9", domain.EventJobStatus, `{"state":"RUNNING"}`))

	name, evt := readSSE(t, bufio.NewReader(resp.Body))
	assert.Equal(t, string(domain.EventJobStatus), name)
	assert.Equal(t, domain.ProjectID("proj-9"), evt.ProjectID)
}

// readSSE reads one "event:/data:" frame.
func readSSE(t *testing.T, r *bufio.Reader) (string, domain.Event) {
	t.Helper()
	var name string
	var evt domain.Event
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
		case line == "" && name != "":
			return name, evt
		}
	}
}
