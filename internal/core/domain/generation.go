package domain

import (
	"errors"
	"fmt"
)

// GenerationKind selects what a backend is asked to produce.
type GenerationKind string

const (
	GenerationImage   GenerationKind = "image"
	GenerationClip    GenerationKind = "clip"
	GenerationCompose GenerationKind = "compose"
)

// GenerationRequest is the input of an async generation call.
type GenerationRequest struct {
	Kind   GenerationKind `json:"kind"`
	Prompt string         `json:"prompt"`
	Params Params         `json:"params,omitempty"`
	Inputs []string       `json:"inputs,omitempty"`
}

// GenerationHandle identifies a started generation so it can be polled.
type GenerationHandle struct {
	ID      string `json:"id"`
	Backend string `json:"backend"`
}

// GenerationStatus is one poll observation. Err, when set, is a *GenerationError.
type GenerationStatus struct {
	Done        bool
	Progress    int
	ArtifactRef string
	Err         error
}

type GenerationErrorKind string

const (
	GenerationTransient     GenerationErrorKind = "transient"
	GenerationContentPolicy GenerationErrorKind = "content_policy"
	GenerationPermanent     GenerationErrorKind = "permanent"
)

// GenerationError is the typed failure of a generation backend.
type GenerationError struct {
	Kind    GenerationErrorKind
	Message string
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s generation failure: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s generation failure: %s", e.Kind, e.Message)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func NewTransientError(msg string, err error) error {
	return &GenerationError{Kind: GenerationTransient, Message: msg, Err: err}
}

func NewContentPolicyError(msg string) error {
	return &GenerationError{Kind: GenerationContentPolicy, Message: msg}
}

func NewPermanentError(msg string, err error) error {
	return &GenerationError{Kind: GenerationPermanent, Message: msg, Err: err}
}

// GenerationErrorKindOf classifies err. Unknown errors count as transient.
func GenerationErrorKindOf(err error) GenerationErrorKind {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return GenerationTransient
}

// QualityIssue is one structured finding of an evaluation. Field names a key of the
// param bag; Suggested, when set, is the value a correction should use.
type QualityIssue struct {
	Field     string `json:"field"`
	Problem   string `json:"problem"`
	Suggested any    `json:"suggested,omitempty"`
}

// Evaluation is the quality gate's verdict on one generated artifact.
type Evaluation struct {
	Score  float64        `json:"score"`
	Issues []QualityIssue `json:"issues,omitempty"`
}

// RetryAttemptRecord is the per-attempt bookkeeping of the quality loop.
type RetryAttemptRecord struct {
	AttemptNumber     int     `json:"attempt_number"`
	Score             float64 `json:"score"`
	Accepted          bool    `json:"accepted"`
	CorrectionApplied bool    `json:"correction_applied"`
	Error             string  `json:"error,omitempty"`
}
