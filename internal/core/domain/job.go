package domain

import (
	"errors"
	"time"
)

type JobID string

// JobType tags a job and selects its payload/result shape.
type JobType string

const (
	JobTypeWorkflow  JobType = "workflow"
	JobTypeSceneClip JobType = "scene_clip"
	JobTypeCompose   JobType = "compose"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeWorkflow, JobTypeSceneClip, JobTypeCompose:
		return true
	}
	return false
}

// RetryOnFailure reports whether FAILED jobs of this type are requeued automatically.
// Workflow failures are fatal for the thread and go to the operator instead.
func (t JobType) RetryOnFailure() bool {
	return t != JobTypeWorkflow
}

type JobState string

const (
	JobStateCreated   JobState = "CREATED"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
	JobStateCancelled JobState = "CANCELLED"
)

// Terminal reports whether no transition may leave s.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateCancelled
}

// Settled reports whether the job is not going to make progress on its own.
func (s JobState) Settled() bool {
	return s.Terminal() || s == JobStateFailed
}

// predecessors lists, per target state, the states a job may move from.
// CREATED is only reachable through requeue and RUNNING only through claim.
var predecessors = map[JobState][]JobState{
	JobStateCreated:   {JobStateRunning, JobStateFailed},
	JobStateRunning:   {JobStateCreated},
	JobStateSucceeded: {JobStateRunning},
	JobStateFailed:    {JobStateRunning},
	JobStateCancelled: {JobStateCreated, JobStateRunning, JobStateFailed},
}

var mutableStates = []JobState{JobStateCreated, JobStateRunning, JobStateFailed}

// GuardStates returns the stored states an update towards target may start from.
// A nil target means the state is left alone, which is allowed on any non-terminal job.
func GuardStates(target *JobState) []JobState {
	if target == nil {
		return mutableStates
	}
	return predecessors[*target]
}

// CanTransition reports whether from -> to is an edge of the job state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Job is a persisted, independently schedulable unit of work.
type Job struct {
	ID         JobID      `json:"id"`
	Type       JobType    `json:"type"`
	ProjectID  ProjectID  `json:"project_id"`
	UniqueKey  string     `json:"unique_key,omitempty"`
	State      JobState   `json:"state"`
	Attempt    int        `json:"attempt"` // doubles as the optimistic-lock version
	MaxRetries int        `json:"max_retries"`
	Payload    JobPayload `json:"payload"`
	Result     JobResult  `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
	Notes      []string   `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RetriesLeft reports whether a requeue is still within budget.
func (j Job) RetriesLeft() bool {
	return j.Attempt < j.MaxRetries
}

// JobSpec is what a caller provides to create a job.
type JobSpec struct {
	Type       JobType
	ProjectID  ProjectID
	UniqueKey  string
	MaxRetries *int // nil takes the admission budget for Type
	Payload    JobPayload
}

// JobPatch is a caller-level mutation applied under the optimistic guard.
type JobPatch struct {
	State      *JobState
	Result     JobResult
	Error      *string
	ClearError bool
	Note       string
}

type RequeueReason string

const (
	RequeueStaleRecovery RequeueReason = "stale_recovery"
	RequeueBackoffRetry  RequeueReason = "backoff_retry"
)

// ClaimOutcome explains why a claim did or did not take the job.
type ClaimOutcome string

const (
	ClaimAcquired     ClaimOutcome = "claimed"
	ClaimLockBusy     ClaimOutcome = "lock_busy"
	ClaimNotClaimable ClaimOutcome = "not_claimable"
	ClaimAtCapacity   ClaimOutcome = "at_capacity"
)

// StatePtr is a convenience for building patches.
func StatePtr(s JobState) *JobState {
	return &s
}

func IntPtr(n int) *int {
	return &n
}

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrInvalidJobType     = errors.New("invalid job type")
	ErrInvalidTransition  = errors.New("invalid job state transition")
	ErrRetriesExhausted   = errors.New("job retry budget exhausted")
	ErrPayloadTypeMissing = errors.New("payload does not match job type")
)
