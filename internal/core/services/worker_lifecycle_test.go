package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/manthysbr/sceneforge/internal/adapters/memstore"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type workerStack struct {
	store       *memstore.Store
	pub         *recordingPublisher
	control     *JobControlPlane
	checkpoints *CheckpointManager
	orch        *WorkflowOrchestrator
	lifecycle   *WorkerLifecycle
	commands    *CommandHandler
	clips       *fakeBackend
	composer    *fakeBackend
}

// newWorkerStack wires the full in-process stack. A nil graph runs the video workflow.
func newWorkerStack(admission domain.AdmissionConfig, graph WorkflowGraph) *workerStack {
	logger := testLogger()
	store := memstore.New()
	pub := &recordingPublisher{}
	control := NewJobControlPlane(logger, store, pub, admission)
	dispatcher := NewJobDispatcher(logger, control, store, domain.DispatchConfig{
		Workers:       4,
		SweepInterval: 50 * time.Millisecond,
		RetryDelay:    10 * time.Millisecond,
	})
	generation := domain.GenerationConfig{CallTimeout: 5 * time.Second, PollInterval: time.Millisecond}

	workflow := NewVideoWorkflow(VideoWorkflowDeps{
		Planner:    &fakePlanner{},
		Images:     newFakeBackend("images"),
		Evaluator:  fakeEvaluator{score: 0.95},
		Jobs:       control,
		Quality:    QualityPolicy{Threshold: 0.8, MaxRetries: 2},
		Generation: generation,
	})
	if graph == nil {
		graph = workflow
	}

	checkpoints := NewCheckpointManager(logger, store)
	broker := NewInterruptBroker(logger, checkpoints, pub)
	resolver := NewInterventionResolver(logger, checkpoints, broker, pub)
	orch := NewWorkflowOrchestrator(logger, checkpoints, broker, resolver, graph, pub)

	s := &workerStack{
		store:       store,
		pub:         pub,
		control:     control,
		checkpoints: checkpoints,
		orch:        orch,
		clips:       newFakeBackend("clips"),
		composer:    newFakeBackend("composer"),
	}
	s.lifecycle = NewWorkerLifecycle(logger, WorkerLifecycleDeps{
		Dispatcher:     dispatcher,
		Control:        control,
		Checkpoints:    checkpoints,
		Orchestrator:   orch,
		Workflow:       workflow,
		Clips:          s.clips,
		Composer:       s.composer,
		Generation:     generation,
		HeartbeatEvery: 10 * time.Millisecond,
	})
	s.commands = NewCommandHandler(logger, control, orch, broker)
	return s
}

func (s *workerStack) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.lifecycle.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (s *workerStack) status(threadID string) domain.WorkflowStatus {
	cp, err := s.checkpoints.LoadCheckpoint(context.Background(), threadID)
	if err != nil || cp == nil {
		return ""
	}
	return cp.ChannelValues.Status
}

func TestWorkerLifecycle_EndToEnd(t *testing.T) {
	s := newWorkerStack(domain.DefaultConfig().Admission, nil)
	s.start(t)
	ctx := context.Background()

	job, err := s.commands.Handle(ctx, domain.Command{
		CommandID: "cmd-start",
		ProjectID: "proj-1",
		Kind:      domain.CommandStart,
		Input:     &domain.WorkflowInput{Prompt: "a lighthouse", SceneCount: 3},
	})
	require.NoError(t, err)
	require.NotNil(t, job)

	require.Eventually(t, func() bool {
		return s.status("proj-1") == domain.WorkflowStatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	cp, err := s.checkpoints.LoadCheckpoint(ctx, "proj-1")
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ChannelValues.FinalVideoRef)
	for _, scene := range cp.ChannelValues.Scenes {
		assert.NotEmpty(t, scene.ClipRef)
	}
	assert.Equal(t, 3, s.clips.requestCount())
	assert.Equal(t, 1, s.composer.requestCount())
	assert.Len(t, s.composer.lastRequest().Inputs, 3)

	// the last resume job may still be finishing; completion is announced once
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, s.pub.ofType(domain.EventWorkflowCompleted), 1)

	started, err := s.control.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, started.State)
}

func TestWorkerLifecycle_StopCancelsRunningWorkflow(t *testing.T) {
	graph := newScriptedGraph("slow", "after")
	entered := make(chan struct{}, 1)
	graph.steps["slow"] = func(ctx context.Context, state *domain.WorkflowState, call int) StepOutcome {
		entered <- struct{}{}
		<-ctx.Done()
		return StepFailed{Err: domain.ErrAborted}
	}
	s := newWorkerStack(domain.DefaultConfig().Admission, graph)
	s.start(t)
	ctx := context.Background()

	job, err := s.commands.Handle(ctx, domain.Command{
		CommandID: "cmd-start",
		ProjectID: "proj-1",
		Kind:      domain.CommandStart,
		Input:     &domain.WorkflowInput{Prompt: "slow", SceneCount: 1},
	})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow never started")
	}

	stopped, err := s.commands.Handle(ctx, domain.Command{CommandID: "cmd-stop", ProjectID: "proj-1", Kind: domain.CommandStop})
	require.NoError(t, err)
	assert.Nil(t, stopped)

	require.Eventually(t, func() bool {
		return s.status("proj-1") == domain.WorkflowStatusStopped
	}, 5*time.Second, 10*time.Millisecond)

	got, err := s.control.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, got.State)
	assert.Equal(t, 0, graph.callCount("after"))
}

func TestWorkerLifecycle_SettledSubJobResumesOwner(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		fail       bool
		wantResume bool
	}{
		{name: "success", maxRetries: 3, wantResume: true},
		{name: "failure with retries left", maxRetries: 3, fail: true, wantResume: false},
		{name: "failure out of retries", maxRetries: 0, fail: true, wantResume: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admission := domain.DefaultConfig().Admission
			admission.MaxRetries[domain.JobTypeSceneClip] = tt.maxRetries
			s := newWorkerStack(admission, nil)
			if tt.fail {
				s.clips.failOn["boom"] = domain.NewPermanentError("renderer crashed", nil)
			}
			ctx := context.Background()

			created, err := s.control.CreateJob(ctx, domain.JobSpec{
				Type:      domain.JobTypeSceneClip,
				ProjectID: "proj-1",
				UniqueKey: "scene-0/gen-0",
				Payload:   domain.SceneClipPayload{SceneIndex: 0, ImageRef: "img.png", Params: domain.Params{"prompt": "boom"}},
			})
			require.NoError(t, err)
			claimed, err := s.control.ClaimJob(ctx, created.ID)
			require.NoError(t, err)
			require.NotNil(t, claimed)

			s.lifecycle.executeSceneClipJob(ctx, *claimed)

			settled, err := s.control.GetJob(ctx, created.ID)
			require.NoError(t, err)
			if tt.fail {
				assert.Equal(t, domain.JobStateFailed, settled.State)
			} else {
				assert.Equal(t, domain.JobStateSucceeded, settled.State)
				assert.Equal(t, "artifact://clips-1", settled.Result.(domain.SceneClipResult).ArtifactRef)
			}

			jobs, err := s.control.ListProjectJobs(ctx, "proj-1")
			require.NoError(t, err)
			var resumes []domain.Job
			for _, j := range jobs {
				if j.Type == domain.JobTypeWorkflow {
					resumes = append(resumes, j)
				}
			}
			if !tt.wantResume {
				assert.Empty(t, resumes)
				return
			}
			require.Len(t, resumes, 1)
			assert.Equal(t, fmt.Sprintf("resume:%s:0:%s", created.ID, settled.State), resumes[0].UniqueKey)

			// settling is reported once even if the owner is told twice
			s.lifecycle.ResumeOwner(ctx, settled)
			jobs, err = s.control.ListProjectJobs(ctx, "proj-1")
			require.NoError(t, err)
			assert.Len(t, jobs, 2)
		})
	}
}

func TestWorkerLifecycle_LostJobAbandonsGeneration(t *testing.T) {
	s := newWorkerStack(domain.DefaultConfig().Admission, nil)
	ctx := context.Background()

	created, err := s.control.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	claimed, err := s.control.ClaimJob(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// another monitor requeued the job behind this worker's back
	_, err = s.control.RequeueJob(ctx, created.ID, claimed.Attempt, domain.RequeueStaleRecovery)
	require.NoError(t, err)

	s.lifecycle.succeedJob(ctx, *claimed, domain.SceneClipResult{ArtifactRef: "late.mp4"})

	got, err := s.control.GetJob(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCreated, got.State, "stale completion is ignored")
	assert.Equal(t, 1, got.Attempt)
	assert.Nil(t, got.Result)
}
