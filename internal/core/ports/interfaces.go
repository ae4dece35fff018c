package ports

import (
	"context"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
)

// ClaimRequest carries everything a store needs to run the claim transaction.
type ClaimRequest struct {
	JobID domain.JobID
	// LockKey is the 64-bit advisory lock key of the job id.
	LockKey int64
	// ProjectLockKey serializes admission counting for (project, type).
	ProjectLockKey int64
	// Ceiling is the maximum number of RUNNING jobs of this type per project.
	Ceiling int
	Now     time.Time
}

// JobUpdate is the store-level form of a guarded mutation.
type JobUpdate struct {
	State            *domain.JobState
	IncrementAttempt bool
	Result           domain.JobResult
	Error            *string
	ClearError       bool
	Note             string
	Now              time.Time
}

// JobStore abstracts the relational persistence of job rows.
type JobStore interface {
	// InsertJob stores a CREATED job. When a non-cancelled job with the same
	// (project, type, unique key) exists it is returned with inserted=false.
	InsertJob(ctx context.Context, job domain.Job) (stored domain.Job, inserted bool, err error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ClaimJob runs lock, re-check, admission count and the flip to RUNNING as one
	// transaction. A nil job with a non-claimed outcome is not an error.
	ClaimJob(ctx context.Context, req ClaimRequest) (*domain.Job, domain.ClaimOutcome, error)

	// UpdateJobOptimistic applies upd only when the stored attempt equals
	// expectedAttempt and the stored state is one of allowedFrom. Returns nil, nil
	// when the guard does not match.
	UpdateJobOptimistic(ctx context.Context, id domain.JobID, expectedAttempt int, allowedFrom []domain.JobState, upd JobUpdate) (*domain.Job, error)

	// ListJobsByState returns jobs in state last updated strictly before cutoff.
	ListJobsByState(ctx context.Context, state domain.JobState, updatedBefore time.Time, limit int) ([]domain.Job, error)

	// ListProjectJobs returns all jobs of a project, oldest first.
	ListProjectJobs(ctx context.Context, projectID domain.ProjectID) ([]domain.Job, error)
}

// CheckpointStore abstracts the relational persistence of workflow snapshots.
type CheckpointStore interface {
	// GetCheckpoint returns nil, nil when the thread has no checkpoint.
	GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error)

	// PutCheckpoint upserts the full snapshot for cp.ThreadID.
	PutCheckpoint(ctx context.Context, cp domain.Checkpoint) error
}

// JobNotifier receives "dispatched" notifications for jobs that became claimable.
type JobNotifier interface {
	JobDispatched(ctx context.Context, job domain.Job)
}

// EventPublisher is the outbound event bus. Delivery is at-least-once.
type EventPublisher interface {
	Publish(e domain.Event)
}

// GenerationBackend is an async start+poll pair around a generative model or renderer.
type GenerationBackend interface {
	Name() string
	Start(ctx context.Context, req domain.GenerationRequest) (domain.GenerationHandle, error)
	Poll(ctx context.Context, handle domain.GenerationHandle) (domain.GenerationStatus, error)
}

// QualityEvaluator scores a generated artifact in [0,1] with structured issues.
type QualityEvaluator interface {
	Evaluate(ctx context.Context, artifactRef string, params domain.Params) (domain.Evaluation, error)
}

// ScenePlanner turns a workflow input into scenes, characters and locations.
type ScenePlanner interface {
	PlanScenes(ctx context.Context, input domain.WorkflowInput) (domain.ScenePlan, error)
}

// PromptSanitizer rewrites a prompt that tripped a content-policy filter.
type PromptSanitizer interface {
	SanitizePrompt(ctx context.Context, prompt string) (string, error)
}
