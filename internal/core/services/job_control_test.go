package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/manthysbr/sceneforge/internal/adapters/memstore"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestControlPlane() (*JobControlPlane, *memstore.Store, *recordingPublisher, *recordingNotifier) {
	store := memstore.New()
	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}
	cp := NewJobControlPlane(testLogger(), store, pub, domain.DefaultConfig().Admission)
	cp.SetNotifier(notifier)
	return cp, store, pub, notifier
}

func clipSpec(project domain.ProjectID, scene int) domain.JobSpec {
	return domain.JobSpec{
		Type:      domain.JobTypeSceneClip,
		ProjectID: project,
		UniqueKey: fmt.Sprintf("scene-%d", scene),
		Payload:   domain.SceneClipPayload{SceneIndex: scene, ImageRef: "img.png"},
	}
}

func TestJobControlPlane_CreateJobNotifiesAndIsSingleton(t *testing.T) {
	cp, _, pub, notifier := newTestControlPlane()
	ctx := context.Background()

	first, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCreated, first.State)
	assert.Equal(t, 0, first.Attempt)
	assert.Equal(t, 3, first.MaxRetries)

	dup, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID, "duplicate unique key returns the existing job")

	assert.Equal(t, 1, notifier.count())
	assert.Len(t, pub.ofType(domain.EventJobStatus), 1)
}

func TestJobControlPlane_CreateJobAfterCancelIsNew(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	first, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	_, err = cp.CancelJob(ctx, first.ID, "test")
	require.NoError(t, err)

	second, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestJobControlPlane_CreateJobRejectsMismatchedPayload(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()

	_, err := cp.CreateJob(context.Background(), domain.JobSpec{
		Type:      domain.JobTypeCompose,
		ProjectID: "proj-1",
		Payload:   domain.SceneClipPayload{},
	})
	assert.ErrorIs(t, err, domain.ErrPayloadTypeMissing)

	_, err = cp.CreateJob(context.Background(), domain.JobSpec{Type: "bogus", ProjectID: "proj-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidJobType)
}

func TestJobControlPlane_ConcurrentClaimHasOneWinner(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)

	const claimers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	start := make(chan struct{})
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			claimed, err := cp.ClaimJob(ctx, job.ID)
			assert.NoError(t, err)
			if claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, winners)
	stored, err := cp.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateRunning, stored.State)
}

func TestJobControlPlane_ClaimRespectsCeiling(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	composeSpec := func(key string) domain.JobSpec {
		return domain.JobSpec{
			Type:      domain.JobTypeCompose,
			ProjectID: "proj-1",
			UniqueKey: key,
			Payload:   domain.ComposePayload{ClipRefs: []string{"a"}},
		}
	}
	first, err := cp.CreateJob(ctx, composeSpec("a"))
	require.NoError(t, err)
	second, err := cp.CreateJob(ctx, composeSpec("b"))
	require.NoError(t, err)

	claimed, err := cp.ClaimJob(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	refused, err := cp.ClaimJob(ctx, second.ID)
	require.NoError(t, err, "capacity is backpressure, not an error")
	assert.Nil(t, refused)

	// another project is unaffected
	other, err := cp.CreateJob(ctx, domain.JobSpec{
		Type: domain.JobTypeCompose, ProjectID: "proj-2", Payload: domain.ComposePayload{},
	})
	require.NoError(t, err)
	otherClaim, err := cp.ClaimJob(ctx, other.ID)
	require.NoError(t, err)
	assert.NotNil(t, otherClaim)

	done, err := cp.UpdateJobStateOptimistic(ctx, first.ID, claimed.Attempt, domain.JobPatch{
		State:  domain.StatePtr(domain.JobStateSucceeded),
		Result: domain.ComposeResult{VideoRef: "out.mp4"},
	})
	require.NoError(t, err)
	require.NotNil(t, done)

	claimedLater, err := cp.ClaimJob(ctx, second.ID)
	require.NoError(t, err)
	assert.NotNil(t, claimedLater, "slot freed once the running job left RUNNING")
}

func TestJobControlPlane_WorkflowCeilingIsOne(t *testing.T) {
	store := memstore.New()
	admission := domain.AdmissionConfig{DefaultCeiling: 10, Ceilings: map[domain.JobType]int{domain.JobTypeWorkflow: 5}}
	cp := NewJobControlPlane(testLogger(), store, nil, admission)
	ctx := context.Background()

	a, err := cp.CreateJob(ctx, domain.JobSpec{Type: domain.JobTypeWorkflow, ProjectID: "p", UniqueKey: "cmd-1", Payload: domain.WorkflowPayload{}})
	require.NoError(t, err)
	b, err := cp.CreateJob(ctx, domain.JobSpec{Type: domain.JobTypeWorkflow, ProjectID: "p", UniqueKey: "cmd-2", Payload: domain.WorkflowPayload{}})
	require.NoError(t, err)

	claimed, err := cp.ClaimJob(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	refused, err := cp.ClaimJob(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, refused)
}

func TestJobControlPlane_StaleAttemptIsNoOp(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	claimed, err := cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	requeued, err := cp.RequeueJob(ctx, job.ID, 0, domain.RequeueStaleRecovery)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, 1, requeued.Attempt)

	before, err := cp.GetJob(ctx, job.ID)
	require.NoError(t, err)

	res, err := cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed),
		Error: strPtr("late worker"),
	})
	require.NoError(t, err)
	assert.Nil(t, res)

	after, err := cp.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "a stale writer must not mutate the job")
}

func TestJobControlPlane_IllegalTransitionIsGuardMiss(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)

	// CREATED -> SUCCEEDED is not an edge
	res, err := cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{State: domain.StatePtr(domain.JobStateSucceeded)})
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{State: domain.StatePtr(domain.JobStateRunning)})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestJobControlPlane_PatchWithoutStateKeepsAttempt(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)

	res, err := cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{Note: "progress 50%"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Attempt)
	assert.Equal(t, []string{"progress 50%"}, res.Notes)
}

func TestJobControlPlane_RequeueBudget(t *testing.T) {
	cp, _, _, notifier := newTestControlPlane()
	ctx := context.Background()

	spec := clipSpec("proj-1", 0)
	spec.MaxRetries = domain.IntPtr(1)
	job, err := cp.CreateJob(ctx, spec)
	require.NoError(t, err)

	claimed, err := cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	failed, err := cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed), Error: strPtr("boom"),
	})
	require.NoError(t, err)
	require.NotNil(t, failed)

	requeued, err := cp.RequeueJob(ctx, job.ID, 0, domain.RequeueBackoffRetry)
	require.NoError(t, err)
	require.NotNil(t, requeued)
	assert.Equal(t, domain.JobStateCreated, requeued.State)
	assert.Nil(t, requeued.Error)
	require.Len(t, requeued.Notes, 1)
	assert.Contains(t, requeued.Notes[0], string(domain.RequeueBackoffRetry))
	assert.Equal(t, 2, notifier.count(), "requeue re-announces the job")

	claimed, err = cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	_, err = cp.RequeueJob(ctx, job.ID, 1, domain.RequeueStaleRecovery)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
}

func TestJobControlPlane_ZeroRetryBudget(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	spec := clipSpec("proj-1", 0)
	spec.MaxRetries = domain.IntPtr(0)
	job, err := cp.CreateJob(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, 0, job.MaxRetries)
	assert.False(t, job.RetriesLeft())

	claimed, err := cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	failed, err := cp.UpdateJobStateOptimistic(ctx, job.ID, 0, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed), Error: strPtr("boom"),
	})
	require.NoError(t, err)
	require.NotNil(t, failed)

	_, err = cp.RequeueJob(ctx, job.ID, 0, domain.RequeueBackoffRetry)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)

	spec = clipSpec("proj-1", 1)
	spec.MaxRetries = domain.IntPtr(-1)
	_, err = cp.CreateJob(ctx, spec)
	assert.Error(t, err)
}

func TestJobControlPlane_RequeueWrongReasonForStateIsMiss(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)
	_, err = cp.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	// backoff retry only applies to FAILED jobs
	res, err := cp.RequeueJob(ctx, job.ID, 0, domain.RequeueBackoffRetry)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestJobControlPlane_CancelIsIdempotent(t *testing.T) {
	cp, _, _, _ := newTestControlPlane()
	ctx := context.Background()

	job, err := cp.CreateJob(ctx, clipSpec("proj-1", 0))
	require.NoError(t, err)

	cancelled, err := cp.CancelJob(ctx, job.ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, cancelled.State)

	again, err := cp.CancelJob(ctx, job.ID, "stop")
	require.NoError(t, err)
	assert.Equal(t, cancelled, again)
}

func TestAdvisoryLockKey_NoCollisions(t *testing.T) {
	const n = 200_000
	seen := make(map[int64]struct{}, n)
	for i := 0; i < n; i++ {
		key := AdvisoryLockKey(domain.JobID(fmt.Sprintf("job-%08d", i)))
		_, dup := seen[key]
		require.False(t, dup, "collision at id %d", i)
		seen[key] = struct{}{}
	}
	assert.Equal(t, AdvisoryLockKey("job-1"), AdvisoryLockKey("job-1"))
}

func strPtr(s string) *string { return &s }
