package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// AdvisoryLockKey maps a job id onto the signed 64-bit keyspace of pg advisory locks.
func AdvisoryLockKey(id domain.JobID) int64 {
	return int64(xxhash.Sum64String(string(id)))
}

// ProjectLockKey is the transaction lock that serializes admission counting
// for one (project, job type) pair.
func ProjectLockKey(projectID domain.ProjectID, jobType domain.JobType) int64 {
	return int64(xxhash.Sum64String("admission:" + string(projectID) + ":" + string(jobType)))
}

// JobControlPlane owns the job lifecycle: creation, claim with admission,
// guarded mutation and requeue.
type JobControlPlane struct {
	logger    *slog.Logger
	store     ports.JobStore
	publisher ports.EventPublisher
	admission domain.AdmissionConfig
	notifier  ports.JobNotifier
	now       func() time.Time
}

func NewJobControlPlane(logger *slog.Logger, store ports.JobStore, publisher ports.EventPublisher, admission domain.AdmissionConfig) *JobControlPlane {
	return &JobControlPlane{
		logger:    logger,
		store:     store,
		publisher: publisher,
		admission: admission,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier registers who hears about jobs becoming claimable.
func (c *JobControlPlane) SetNotifier(n ports.JobNotifier) {
	c.notifier = n
}

// CreateJob inserts a CREATED job, or returns the live job already holding the same
// (project, type, unique key). No admission check happens here.
func (c *JobControlPlane) CreateJob(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	if !spec.Type.Valid() {
		return domain.Job{}, fmt.Errorf("%w: %q", domain.ErrInvalidJobType, spec.Type)
	}
	if spec.Payload == nil || spec.Payload.JobType() != spec.Type {
		return domain.Job{}, fmt.Errorf("%w: %s", domain.ErrPayloadTypeMissing, spec.Type)
	}
	if spec.ProjectID == "" {
		return domain.Job{}, errors.New("create job: project id is required")
	}

	maxRetries := c.admission.RetryBudget(spec.Type)
	if spec.MaxRetries != nil {
		if *spec.MaxRetries < 0 {
			return domain.Job{}, fmt.Errorf("create job: negative retry budget %d", *spec.MaxRetries)
		}
		maxRetries = *spec.MaxRetries
	}

	now := c.now()
	job := domain.Job{
		ID:         domain.JobID(uuid.New().String()),
		Type:       spec.Type,
		ProjectID:  spec.ProjectID,
		UniqueKey:  spec.UniqueKey,
		State:      domain.JobStateCreated,
		MaxRetries: maxRetries,
		Payload:    spec.Payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	stored, inserted, err := c.store.InsertJob(ctx, job)
	if err != nil {
		return domain.Job{}, fmt.Errorf("create job: %w", err)
	}
	if !inserted {
		c.logger.Info("job already exists for unique key",
			"job_id", stored.ID, "project_id", stored.ProjectID, "type", stored.Type, "unique_key", stored.UniqueKey)
		return stored, nil
	}

	c.logger.Info("job created", "job_id", stored.ID, "project_id", stored.ProjectID, "type", stored.Type)
	c.publishStatus(stored)
	c.dispatch(ctx, stored)
	return stored, nil
}

func (c *JobControlPlane) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return c.store.GetJob(ctx, id)
}

func (c *JobControlPlane) ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error) {
	return c.store.ListProjectJobs(ctx, projectID)
}

// ClaimJob tries to move a CREATED job to RUNNING. A nil job means the caller should
// back off: the job is locked by another claimer, no longer claimable, or its project
// is at the ceiling for the job type.
func (c *JobControlPlane) ClaimJob(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	job, _, err := c.TryClaim(ctx, id)
	return job, err
}

// TryClaim is ClaimJob that also reports why a claim was refused.
func (c *JobControlPlane) TryClaim(ctx context.Context, id domain.JobID) (*domain.Job, domain.ClaimOutcome, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("claim job %s: %w", id, err)
	}
	if job.State != domain.JobStateCreated {
		return nil, domain.ClaimNotClaimable, nil
	}

	claimed, outcome, err := c.store.ClaimJob(ctx, ports.ClaimRequest{
		JobID:          id,
		LockKey:        AdvisoryLockKey(id),
		ProjectLockKey: ProjectLockKey(job.ProjectID, job.Type),
		Ceiling:        c.admission.Ceiling(job.Type),
		Now:            c.now(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("claim job %s: %w", id, err)
	}
	if outcome != domain.ClaimAcquired {
		c.logger.Debug("claim refused", "job_id", id, "project_id", job.ProjectID, "outcome", outcome)
		return nil, outcome, nil
	}

	c.logger.Info("job claimed", "job_id", id, "project_id", claimed.ProjectID, "attempt", claimed.Attempt)
	c.publishStatus(*claimed)
	return claimed, outcome, nil
}

// UpdateJobStateOptimistic applies patch only if the stored attempt still equals
// expectedAttempt and the requested transition is legal from the stored state.
// It returns nil when the guard did not match.
func (c *JobControlPlane) UpdateJobStateOptimistic(ctx context.Context, id domain.JobID, expectedAttempt int, patch domain.JobPatch) (*domain.Job, error) {
	if patch.State != nil && (*patch.State == domain.JobStateRunning || *patch.State == domain.JobStateCreated) {
		return nil, fmt.Errorf("%w: %s is reached only through claim or requeue", domain.ErrInvalidTransition, *patch.State)
	}
	if patch.Result != nil {
		job, err := c.store.GetJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("update job %s: %w", id, err)
		}
		if patch.Result.JobType() != job.Type {
			return nil, fmt.Errorf("%w: result for %s", domain.ErrPayloadTypeMissing, job.Type)
		}
	}

	updated, err := c.store.UpdateJobOptimistic(ctx, id, expectedAttempt, domain.GuardStates(patch.State), ports.JobUpdate{
		State:      patch.State,
		Result:     patch.Result,
		Error:      patch.Error,
		ClearError: patch.ClearError,
		Note:       patch.Note,
		Now:        c.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("update job %s: %w", id, err)
	}
	if updated == nil {
		c.logger.Debug("optimistic update missed", "job_id", id, "expected_attempt", expectedAttempt)
		return nil, nil
	}

	if patch.State != nil {
		c.logger.Info("job state changed", "job_id", id, "state", updated.State, "attempt", updated.Attempt)
		c.publishStatus(*updated)
	}
	return updated, nil
}

// RequeueJob sends a RUNNING or FAILED job back to CREATED with attempt+1.
// It returns ErrRetriesExhausted when the job has no budget left; nil, nil on
// a guard miss.
func (c *JobControlPlane) RequeueJob(ctx context.Context, id domain.JobID, expectedAttempt int, reason domain.RequeueReason) (*domain.Job, error) {
	job, err := c.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if job.Attempt != expectedAttempt {
		return nil, nil
	}
	if !job.RetriesLeft() {
		return nil, fmt.Errorf("requeue job %s (attempt %d/%d): %w", id, job.Attempt, job.MaxRetries, domain.ErrRetriesExhausted)
	}

	from := []domain.JobState{domain.JobStateRunning}
	if reason == domain.RequeueBackoffRetry {
		from = []domain.JobState{domain.JobStateFailed}
	}

	now := c.now()
	requeued, err := c.store.UpdateJobOptimistic(ctx, id, expectedAttempt, from, ports.JobUpdate{
		State:            domain.StatePtr(domain.JobStateCreated),
		IncrementAttempt: true,
		ClearError:       true,
		Note: fmt.Sprintf("%s: requeued %s -> CREATED, attempt %d -> %d at %s",
			reason, job.State, expectedAttempt, expectedAttempt+1, now.Format(time.RFC3339)),
		Now: now,
	})
	if err != nil {
		return nil, fmt.Errorf("requeue job %s: %w", id, err)
	}
	if requeued == nil {
		return nil, nil
	}

	c.logger.Info("job requeued", "job_id", id, "reason", reason, "attempt", requeued.Attempt)
	c.publishStatus(*requeued)
	c.dispatch(ctx, *requeued)
	return requeued, nil
}

// CancelJob moves a job to CANCELLED, reloading on optimistic conflicts. Terminal
// jobs are returned unchanged.
func (c *JobControlPlane) CancelJob(ctx context.Context, id domain.JobID, reason string) (domain.Job, error) {
	for {
		job, err := c.store.GetJob(ctx, id)
		if err != nil {
			return domain.Job{}, fmt.Errorf("cancel job %s: %w", id, err)
		}
		if job.State.Terminal() {
			return job, nil
		}

		updated, err := c.UpdateJobStateOptimistic(ctx, id, job.Attempt, domain.JobPatch{
			State: domain.StatePtr(domain.JobStateCancelled),
			Note:  "cancelled: " + reason,
		})
		if err != nil {
			return domain.Job{}, err
		}
		if updated != nil {
			return *updated, nil
		}
		if err := ctx.Err(); err != nil {
			return domain.Job{}, err
		}
	}
}

func (c *JobControlPlane) dispatch(ctx context.Context, job domain.Job) {
	if c.notifier != nil {
		c.notifier.JobDispatched(ctx, job)
	}
}

type jobStatusData struct {
	JobID   domain.JobID    `json:"job_id"`
	Type    domain.JobType  `json:"type"`
	State   domain.JobState `json:"state"`
	Attempt int             `json:"attempt"`
	Error   *string         `json:"error,omitempty"`
}

func (c *JobControlPlane) publishStatus(job domain.Job) {
	if c.publisher == nil {
		return
	}
	data, _ := json.Marshal(jobStatusData{
		JobID:   job.ID,
		Type:    job.Type,
		State:   job.State,
		Attempt: job.Attempt,
		Error:   job.Error,
	})
	e := domain.NewEvent(job.ProjectID, domain.EventJobStatus, string(data))
	e.CorrelationID = string(job.ID)
	c.publisher.Publish(e)
}
