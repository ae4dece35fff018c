package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
	"github.com/manthysbr/sceneforge/internal/logging"
)

// WorkerLifecycleDeps wires the job handlers to their collaborators.
type WorkerLifecycleDeps struct {
	Dispatcher   *JobDispatcher
	Control      *JobControlPlane
	Checkpoints  *CheckpointManager
	Orchestrator *WorkflowOrchestrator
	Workflow     *VideoWorkflow
	Clips        ports.GenerationBackend
	Composer     ports.GenerationBackend
	Generation   domain.GenerationConfig
	// HeartbeatEvery bounds how often a running job refreshes its updatedAt.
	HeartbeatEvery time.Duration
}

// WorkerLifecycle executes claimed jobs: it runs workflow threads and drives
// scene_clip and compose generations to a settled job state.
type WorkerLifecycle struct {
	logger *slog.Logger
	deps   WorkerLifecycleDeps
}

func NewWorkerLifecycle(logger *slog.Logger, deps WorkerLifecycleDeps) *WorkerLifecycle {
	if deps.HeartbeatEvery <= 0 {
		deps.HeartbeatEvery = 30 * time.Second
	}
	lifecycle := &WorkerLifecycle{logger: logger, deps: deps}

	deps.Dispatcher.Register(domain.JobTypeWorkflow, lifecycle.executeWorkflowJob)
	deps.Dispatcher.Register(domain.JobTypeSceneClip, lifecycle.executeSceneClipJob)
	deps.Dispatcher.Register(domain.JobTypeCompose, lifecycle.executeComposeJob)
	return lifecycle
}

// Run starts the dispatcher loop. Blocks until ctx is cancelled.
func (s *WorkerLifecycle) Run(ctx context.Context) error {
	return s.deps.Dispatcher.Run(ctx)
}

func (s *WorkerLifecycle) executeWorkflowJob(ctx context.Context, job domain.Job) {
	payload, ok := job.Payload.(domain.WorkflowPayload)
	if !ok {
		s.failJob(ctx, job, fmt.Errorf("%w: workflow", domain.ErrPayloadTypeMissing))
		return
	}
	threadID := string(job.ProjectID)
	log := logging.WithJobID(s.logger, job.ID).With("thread_id", threadID)
	log.Info("executing workflow job", "attempt", job.Attempt)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	stopWatch := s.watch(runCtx, job, func(current domain.Job) {
		if current.State == domain.JobStateCancelled {
			s.deps.Orchestrator.Stop(threadID)
			return
		}
		// someone else owns the job now; leave their checkpoint alone
		cancelRun()
	})
	defer stopWatch()

	if payload.Regenerate != nil {
		if err := s.regenerate(runCtx, threadID, payload.Regenerate.SceneIndex); err != nil {
			s.failJob(ctx, job, err)
			return
		}
	}

	var input *domain.WorkflowInput
	if payload.Input != nil && payload.Regenerate == nil {
		input = payload.Input
	}
	outcome, err := s.deps.Orchestrator.Run(runCtx, threadID, input, payload.Resume)
	if errors.Is(err, domain.ErrAborted) {
		log.Info("workflow run aborted", "error", err)
		return
	}
	if err != nil {
		s.failJob(ctx, job, err)
		return
	}

	result := domain.WorkflowResult{Status: outcome.Status}
	if outcome.Interrupt != nil {
		t := outcome.Interrupt.Type
		result.Interrupt = &t
	}
	s.succeedJob(ctx, job, result)
}

func (s *WorkerLifecycle) regenerate(ctx context.Context, threadID string, sceneIndex int) error {
	cp, err := s.deps.Checkpoints.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return err
	}
	if cp == nil {
		return fmt.Errorf("regenerate %s: %w", threadID, domain.ErrCheckpointNotFound)
	}
	orphaned, err := s.deps.Workflow.ResetScene(cp, sceneIndex)
	if err != nil {
		return err
	}
	for _, id := range orphaned {
		if _, err := s.deps.Control.CancelJob(ctx, id, "superseded by regenerate"); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			s.logger.Warn("failed to cancel superseded job", "job_id", id, "error", err)
		}
	}
	return s.deps.Checkpoints.SaveCheckpoint(ctx, threadID, cp)
}

func (s *WorkerLifecycle) executeSceneClipJob(ctx context.Context, job domain.Job) {
	payload, ok := job.Payload.(domain.SceneClipPayload)
	if !ok {
		s.failJob(ctx, job, fmt.Errorf("%w: scene_clip", domain.ErrPayloadTypeMissing))
		return
	}
	s.logger.Info("executing scene clip job", "job_id", job.ID, "scene", payload.SceneIndex, "attempt", job.Attempt)

	ref, err := RunGeneration(ctx, s.deps.Clips, domain.GenerationRequest{
		Kind:   domain.GenerationClip,
		Prompt: payload.Params.String("prompt"),
		Params: payload.Params,
		Inputs: []string{payload.ImageRef},
	}, s.deps.Generation, s.heartbeat(job))
	s.settleGeneration(ctx, job, err, domain.SceneClipResult{SceneIndex: payload.SceneIndex, ArtifactRef: ref})
}

func (s *WorkerLifecycle) executeComposeJob(ctx context.Context, job domain.Job) {
	payload, ok := job.Payload.(domain.ComposePayload)
	if !ok {
		s.failJob(ctx, job, fmt.Errorf("%w: compose", domain.ErrPayloadTypeMissing))
		return
	}
	s.logger.Info("executing compose job", "job_id", job.ID, "clips", len(payload.ClipRefs), "attempt", job.Attempt)

	ref, err := RunGeneration(ctx, s.deps.Composer, domain.GenerationRequest{
		Kind:   domain.GenerationCompose,
		Params: payload.Params,
		Inputs: payload.ClipRefs,
	}, s.deps.Generation, s.heartbeat(job))
	s.settleGeneration(ctx, job, err, domain.ComposeResult{VideoRef: ref})
}

// settleGeneration records the outcome of a sub-job and wakes the owning workflow
// once nothing more will happen to the job on its own.
func (s *WorkerLifecycle) settleGeneration(ctx context.Context, job domain.Job, err error, result domain.JobResult) {
	if errors.Is(err, domain.ErrAborted) {
		s.logger.Info("generation abandoned", "job_id", job.ID, "error", err)
		return
	}
	var settled *domain.Job
	if err != nil {
		settled = s.failJob(ctx, job, err)
	} else {
		settled = s.succeedJob(ctx, job, result)
	}
	if settled == nil {
		return
	}
	if settled.State == domain.JobStateSucceeded || !settled.RetriesLeft() {
		s.ResumeOwner(ctx, *settled)
	}
}

// ResumeOwner queues a plain resume of the workflow that owns job.
func (s *WorkerLifecycle) ResumeOwner(ctx context.Context, job domain.Job) {
	if job.Type == domain.JobTypeWorkflow {
		s.logger.Warn("workflow job exhausted its retries", "job_id", job.ID, "project_id", job.ProjectID)
		return
	}
	_, err := s.deps.Control.CreateJob(ctx, domain.JobSpec{
		Type:      domain.JobTypeWorkflow,
		ProjectID: job.ProjectID,
		UniqueKey: fmt.Sprintf("resume:%s:%d:%s", job.ID, job.Attempt, job.State),
		Payload:   domain.WorkflowPayload{},
	})
	if err != nil {
		s.logger.Error("failed to queue workflow resume", "job_id", job.ID, "project_id", job.ProjectID, "error", err)
	}
}

// heartbeat refreshes updatedAt at most once per HeartbeatEvery. A guard miss means
// the job was requeued or cancelled and the generation must stop.
func (s *WorkerLifecycle) heartbeat(job domain.Job) Heartbeat {
	last := time.Now()
	return func(ctx context.Context) error {
		if time.Since(last) < s.deps.HeartbeatEvery {
			return nil
		}
		last = time.Now()
		updated, err := s.deps.Control.UpdateJobStateOptimistic(ctx, job.ID, job.Attempt, domain.JobPatch{})
		if err != nil {
			s.logger.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			return nil
		}
		if updated == nil || updated.State != domain.JobStateRunning {
			return fmt.Errorf("job %s moved on", job.ID)
		}
		return nil
	}
}

// watch heartbeats a job from a goroutine until stop is called; onLost runs once
// when the job is no longer ours.
func (s *WorkerLifecycle) watch(ctx context.Context, job domain.Job, onLost func(current domain.Job)) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.deps.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			updated, err := s.deps.Control.UpdateJobStateOptimistic(ctx, job.ID, job.Attempt, domain.JobPatch{})
			if err != nil {
				continue
			}
			if updated != nil && updated.State == domain.JobStateRunning {
				continue
			}
			current, err := s.deps.Control.GetJob(ctx, job.ID)
			if err != nil {
				continue
			}
			s.logger.Warn("job no longer owned by this worker", "job_id", job.ID, "state", current.State, "attempt", current.Attempt)
			onLost(current)
			return
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *WorkerLifecycle) succeedJob(ctx context.Context, job domain.Job, result domain.JobResult) *domain.Job {
	updated, err := s.deps.Control.UpdateJobStateOptimistic(context.WithoutCancel(ctx), job.ID, job.Attempt, domain.JobPatch{
		State:      domain.StatePtr(domain.JobStateSucceeded),
		Result:     result,
		ClearError: true,
	})
	if err != nil {
		s.logger.Error("failed to record job success", "job_id", job.ID, "error", err)
		return nil
	}
	if updated == nil {
		s.logger.Info("job moved on before completion was recorded", "job_id", job.ID)
		return nil
	}
	s.logger.Info("job succeeded", "job_id", job.ID, "type", job.Type)
	return updated
}

func (s *WorkerLifecycle) failJob(ctx context.Context, job domain.Job, err error) *domain.Job {
	s.logger.Error("job failed", "job_id", job.ID, "type", job.Type, "error", err)
	msg := err.Error()
	updated, uerr := s.deps.Control.UpdateJobStateOptimistic(context.WithoutCancel(ctx), job.ID, job.Attempt, domain.JobPatch{
		State: domain.StatePtr(domain.JobStateFailed),
		Error: &msg,
	})
	if uerr != nil {
		s.logger.Error("failed to record job failure", "job_id", job.ID, "error", uerr)
		return nil
	}
	return updated
}
