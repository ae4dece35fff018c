package services

import (
	"context"
	"testing"

	"github.com/manthysbr/sceneforge/internal/adapters/memstore"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commandFixture struct {
	*orchestratorFixture
	control  *JobControlPlane
	commands *CommandHandler
}

func newCommandFixture(graph WorkflowGraph) *commandFixture {
	store := memstore.New()
	f := newOrchestratorFixture(store, graph)
	control := NewJobControlPlane(testLogger(), store, f.pub, domain.DefaultConfig().Admission)
	broker := NewInterruptBroker(testLogger(), f.checkpoints, f.pub)
	return &commandFixture{
		orchestratorFixture: f,
		control:             control,
		commands:            NewCommandHandler(testLogger(), control, f.orch, broker),
	}
}

func TestCommandHandler_StartIsIdempotentPerCommandID(t *testing.T) {
	f := newCommandFixture(newScriptedGraph("a"))
	ctx := context.Background()
	cmd := domain.Command{
		CommandID: "cmd-1",
		ProjectID: "proj-1",
		Kind:      domain.CommandStart,
		Input:     &domain.WorkflowInput{Prompt: "a lighthouse", SceneCount: 2},
	}

	first, err := f.commands.Handle(ctx, cmd)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, domain.JobTypeWorkflow, first.Type)
	assert.Equal(t, "cmd:cmd-1", first.UniqueKey)
	payload := first.Payload.(domain.WorkflowPayload)
	require.NotNil(t, payload.Input)
	assert.Equal(t, "a lighthouse", payload.Input.Prompt)

	redelivered, err := f.commands.Handle(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, redelivered.ID)

	jobs, err := f.control.ListProjectJobs(ctx, "proj-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCommandHandler_RejectsInvalidCommands(t *testing.T) {
	f := newCommandFixture(newScriptedGraph("a"))
	ctx := context.Background()

	_, err := f.commands.Handle(ctx, domain.Command{CommandID: "c", ProjectID: "p", Kind: domain.CommandStart})
	assert.Error(t, err)

	_, err = f.commands.Handle(ctx, domain.Command{CommandID: "c", ProjectID: "p", Kind: "dance"})
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)

	_, err = f.commands.Handle(ctx, domain.Command{ProjectID: "p", Kind: domain.CommandResume})
	assert.Error(t, err)
}

func TestCommandHandler_ResolveNeedsPendingInterrupt(t *testing.T) {
	f := newCommandFixture(pausingGraph(domain.InterruptValue{Type: domain.InterruptLLMIntervention, Error: "bad output"}))
	ctx := context.Background()
	resolve := domain.Command{
		CommandID: "cmd-resolve",
		ProjectID: "proj-1",
		Kind:      domain.CommandResolveIntervention,
		Resume:    &domain.ResumeCommand{Action: domain.InterventionSkip},
	}

	_, err := f.commands.Handle(ctx, resolve)
	assert.ErrorIs(t, err, domain.ErrNoPendingInterrupt)

	_, err = f.orch.Run(ctx, "proj-1", testInput, nil)
	require.NoError(t, err)

	job, err := f.commands.Handle(ctx, resolve)
	require.NoError(t, err)
	require.NotNil(t, job)
	payload := job.Payload.(domain.WorkflowPayload)
	require.NotNil(t, payload.Resume)
	assert.Equal(t, domain.InterventionSkip, payload.Resume.Action)
}

func TestCommandHandler_RegenerateCarriesSceneIndex(t *testing.T) {
	f := newCommandFixture(newScriptedGraph("a"))

	job, err := f.commands.Handle(context.Background(), domain.Command{
		CommandID:  "cmd-regen",
		ProjectID:  "proj-1",
		Kind:       domain.CommandRegenerate,
		Regenerate: &domain.RegenerateRequest{SceneIndex: 2},
	})
	require.NoError(t, err)
	payload := job.Payload.(domain.WorkflowPayload)
	require.NotNil(t, payload.Regenerate)
	assert.Equal(t, 2, payload.Regenerate.SceneIndex)
	assert.Nil(t, payload.Input)
}

func TestCommandHandler_StopCancelsJobsAndMarksThread(t *testing.T) {
	f := newCommandFixture(pausingGraph(domain.InterruptValue{Type: domain.InterruptWaitingForBatch}))
	ctx := context.Background()

	_, err := f.orch.Run(ctx, "proj-1", testInput, nil)
	require.NoError(t, err)
	clip, err := f.control.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	resume, err := f.commands.Handle(ctx, domain.Command{CommandID: "cmd-resume", ProjectID: "proj-1", Kind: domain.CommandResume})
	require.NoError(t, err)
	other, err := f.control.CreateJob(ctx, clipSpec("proj-2", 0))
	require.NoError(t, err)

	job, err := f.commands.Handle(ctx, domain.Command{CommandID: "cmd-stop", ProjectID: "proj-1", Kind: domain.CommandStop})
	require.NoError(t, err)
	assert.Nil(t, job)

	for _, id := range []domain.JobID{clip.ID, resume.ID} {
		got, err := f.control.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStateCancelled, got.State)
	}
	untouched, err := f.control.GetJob(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCreated, untouched.State)

	cp := f.load(t, "proj-1")
	assert.Equal(t, domain.WorkflowStatusStopped, cp.ChannelValues.Status)
}

func TestCommandHandler_StopLeavesCompletedThread(t *testing.T) {
	f := newCommandFixture(newScriptedGraph("a"))
	ctx := context.Background()

	_, err := f.orch.Run(ctx, "proj-1", testInput, nil)
	require.NoError(t, err)

	_, err = f.commands.Handle(ctx, domain.Command{CommandID: "cmd-stop", ProjectID: "proj-1", Kind: domain.CommandStop})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, f.load(t, "proj-1").ChannelValues.Status)

	// stopping a project that never ran is a no-op
	_, err = f.commands.Handle(ctx, domain.Command{CommandID: "cmd-stop-2", ProjectID: "proj-9", Kind: domain.CommandStop})
	assert.NoError(t, err)
}
