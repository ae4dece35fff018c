package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
)

type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusWaiting   WorkflowStatus = "waiting"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusStopped   WorkflowStatus = "stopped"
)

// InterruptType classifies a pause condition attached to a checkpoint.
type InterruptType string

const (
	InterruptLLMIntervention InterruptType = "llm_intervention"
	InterruptRetryExhausted  InterruptType = "llm_retry_exhausted"
	InterruptWaitingForJob   InterruptType = "waiting_for_job"
	InterruptWaitingForBatch InterruptType = "waiting_for_batch"
)

// HumanActionable reports whether the interrupt needs an operator decision.
// Waiting interrupts are benign system waits resolved by job completion.
func (t InterruptType) HumanActionable() bool {
	return t == InterruptLLMIntervention || t == InterruptRetryExhausted
}

// InterruptValue is a resumable pause request. It lives only inside a checkpoint.
type InterruptValue struct {
	Type                 InterruptType `json:"type"`
	Error                string        `json:"error,omitempty"`
	FunctionName         string        `json:"function_name"`
	NodeName             string        `json:"node_name"`
	Unit                 string        `json:"unit,omitempty"` // unit key inside the node, see UnitKey
	Params               Params        `json:"params,omitempty"`
	Attempt              int           `json:"attempt"`
	MaxRetries           int           `json:"max_retries"`
	LastAttemptTimestamp time.Time     `json:"last_attempt_timestamp"`
	Resolved             bool          `json:"resolved"`
}

// InterruptSignal carries an InterruptValue up through a step as an error.
// It is the only error the quality loop does not absorb.
type InterruptSignal struct {
	Value InterruptValue
}

func (s *InterruptSignal) Error() string {
	return fmt.Sprintf("interrupt %s at %s/%s: %s", s.Value.Type, s.Value.NodeName, s.Value.FunctionName, s.Value.Error)
}

// NewInterrupt wraps v as an error.
func NewInterrupt(v InterruptValue) error {
	return &InterruptSignal{Value: v}
}

type WorkflowInput struct {
	Prompt      string `json:"prompt"`
	SceneCount  int    `json:"scene_count"`
	Style       string `json:"style,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type InterventionAction string

const (
	InterventionAbort InterventionAction = "abort"
	InterventionSkip  InterventionAction = "skip"
	InterventionRetry InterventionAction = "retry"
)

// Valid reports whether a is a known operator decision.
func (a InterventionAction) Valid() bool {
	return a == InterventionAbort || a == InterventionSkip || a == InterventionRetry
}

// ResumeCommand is an operator decision applied to a paused thread.
type ResumeCommand struct {
	Action InterventionAction `json:"action"`
	Params Params             `json:"params,omitempty"`
}

type RegenerateRequest struct {
	SceneIndex int `json:"scene_index"`
}

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Location struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Scene holds one scene's plan and its generated outputs.
type Scene struct {
	Index       int      `json:"index"`
	Description string   `json:"description"`
	Prompt      string   `json:"prompt"`
	Characters  []string `json:"characters,omitempty"`
	Location    string   `json:"location,omitempty"`
	DurationSec int      `json:"duration_sec,omitempty"`

	ImageRef            string  `json:"image_ref,omitempty"`
	ImageScore          float64 `json:"image_score,omitempty"`
	ImageBelowThreshold bool    `json:"image_below_threshold,omitempty"`
	ClipJobID           JobID   `json:"clip_job_id,omitempty"`
	ClipRef             string  `json:"clip_ref,omitempty"`
	ClipGeneration      int     `json:"clip_generation,omitempty"` // bumped whenever a fresh clip job is needed
}

// ScenePlan is what a planner returns for a workflow input.
type ScenePlan struct {
	Scenes     []Scene     `json:"scenes"`
	Characters []Character `json:"characters"`
	Locations  []Location  `json:"locations"`
}

type ErrorKind string

const (
	ErrorKindError   ErrorKind = "error"
	ErrorKindWarning ErrorKind = "warning"
	ErrorKindSkipped ErrorKind = "skipped"
)

// ErrorEntry is one structured line of the workflow's accumulated error log.
type ErrorEntry struct {
	Kind      ErrorKind `json:"kind"`
	Node      string    `json:"node"`
	Function  string    `json:"function,omitempty"`
	Message   string    `json:"message"`
	Params    Params    `json:"params,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowState is the full serialized snapshot of a workflow thread.
type WorkflowState struct {
	ProjectID       ProjectID         `json:"project_id"`
	Input           WorkflowInput     `json:"input"`
	Status          WorkflowStatus    `json:"status"`
	Scenes          []Scene           `json:"scenes"`
	Characters      []Character       `json:"characters"`
	Locations       []Location        `json:"locations"`
	Counters        map[string]int    `json:"counters"`
	Errors          []ErrorEntry      `json:"errors"`
	Skipped         []string          `json:"skipped,omitempty"`
	CorrectedParams map[string]Params `json:"corrected_params,omitempty"`
	ComposeJobID    JobID             `json:"compose_job_id,omitempty"`
	FinalVideoRef   string            `json:"final_video_ref,omitempty"`
	Interrupt       *InterruptValue   `json:"interrupt,omitempty"`
}

// CorrectionKey is where operator-revised params for v are stored.
func (v InterruptValue) CorrectionKey() string {
	if v.Unit != "" {
		return v.Unit
	}
	return v.NodeName
}

// PendingInterrupt returns the unresolved interrupt, if any.
func (s *WorkflowState) PendingInterrupt() *InterruptValue {
	if s.Interrupt == nil || s.Interrupt.Resolved {
		return nil
	}
	return s.Interrupt
}

// Bump increments a named counter.
func (s *WorkflowState) Bump(counter string) {
	if s.Counters == nil {
		s.Counters = make(map[string]int)
	}
	s.Counters[counter]++
}

// UnitKey names one schedulable unit of a node, e.g. a scene inside a step.
func UnitKey(node string, sceneIndex int) string {
	return fmt.Sprintf("%s/scene-%d", node, sceneIndex)
}

// IsSkipped reports whether the operator skipped unit for this run.
func (s *WorkflowState) IsSkipped(unit string) bool {
	for _, u := range s.Skipped {
		if u == unit {
			return true
		}
	}
	return false
}

// TaskDescriptor describes an in-flight step and any interrupt it raised.
type TaskDescriptor struct {
	Name      string          `json:"name"`
	Interrupt *InterruptValue `json:"interrupt,omitempty"`
}

// Checkpoint is the complete, self-contained snapshot of a thread. It replaces any
// previous checkpoint for the same thread id.
type Checkpoint struct {
	ThreadID      string           `json:"thread_id"`
	ChannelValues WorkflowState    `json:"channel_values"`
	Next          []string         `json:"next"`
	Tasks         []TaskDescriptor `json:"tasks"`
	Version       int64            `json:"version"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Clone returns a deep copy of the checkpoint.
func (c Checkpoint) Clone() Checkpoint {
	return deepcopy.Copy(c).(Checkpoint)
}

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrAborted            = errors.New("workflow aborted")
	ErrNoPendingInterrupt = errors.New("no pending interrupt to resolve")
	ErrNoUsableAttempt    = errors.New("no generation attempt produced a usable result")
)
