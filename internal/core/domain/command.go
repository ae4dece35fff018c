package domain

import (
	"errors"
	"time"
)

// CommandKind is an inbound intent from the command bus.
type CommandKind string

const (
	CommandStart               CommandKind = "start"
	CommandResume              CommandKind = "resume"
	CommandStop                CommandKind = "stop"
	CommandRegenerate          CommandKind = "regenerate"
	CommandResolveIntervention CommandKind = "resolve_intervention"
)

// Command is delivered at least once; CommandID makes handling idempotent.
type Command struct {
	CommandID  string             `json:"command_id"`
	ProjectID  ProjectID          `json:"project_id"`
	Kind       CommandKind        `json:"kind"`
	Input      *WorkflowInput     `json:"input,omitempty"`
	Resume     *ResumeCommand     `json:"resume,omitempty"`
	Regenerate *RegenerateRequest `json:"regenerate,omitempty"`
	IssuedAt   time.Time          `json:"issued_at"`
}

// Validate checks the command carries what its kind needs.
func (c Command) Validate() error {
	if c.CommandID == "" {
		return errors.New("command_id is required")
	}
	if c.ProjectID == "" {
		return errors.New("project_id is required")
	}
	switch c.Kind {
	case CommandStart:
		if c.Input == nil || c.Input.Prompt == "" {
			return errors.New("start requires input.prompt")
		}
	case CommandResume, CommandStop:
	case CommandRegenerate:
		if c.Regenerate == nil || c.Regenerate.SceneIndex < 0 {
			return errors.New("regenerate requires a scene_index")
		}
	case CommandResolveIntervention:
		if c.Resume == nil || !c.Resume.Action.Valid() {
			return errors.New("resolve_intervention requires action abort|skip|retry")
		}
	default:
		return ErrUnknownCommand
	}
	return nil
}

var ErrUnknownCommand = errors.New("unknown command kind")
