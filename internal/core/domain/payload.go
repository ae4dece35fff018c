package domain

import (
	"encoding/json"
	"fmt"
)

// JobPayload is the tagged union of job inputs; the tag is the job type.
type JobPayload interface {
	JobType() JobType
}

// JobResult is the tagged union of job outputs.
type JobResult interface {
	JobType() JobType
}

// WorkflowPayload asks a worker to run (or resume) the workflow thread of a project.
// At most one of Input, Resume and Regenerate is set; none means plain resume.
type WorkflowPayload struct {
	CommandID  string             `json:"command_id,omitempty"`
	Input      *WorkflowInput     `json:"input,omitempty"`
	Resume     *ResumeCommand     `json:"resume,omitempty"`
	Regenerate *RegenerateRequest `json:"regenerate,omitempty"`
}

func (WorkflowPayload) JobType() JobType { return JobTypeWorkflow }

type SceneClipPayload struct {
	SceneIndex int    `json:"scene_index"`
	ImageRef   string `json:"image_ref"`
	Params     Params `json:"params"`
}

func (SceneClipPayload) JobType() JobType { return JobTypeSceneClip }

type ComposePayload struct {
	ClipRefs []string `json:"clip_refs"`
	Params   Params   `json:"params,omitempty"`
}

func (ComposePayload) JobType() JobType { return JobTypeCompose }

type WorkflowResult struct {
	Status    WorkflowStatus `json:"status"`
	Interrupt *InterruptType `json:"interrupt,omitempty"`
}

func (WorkflowResult) JobType() JobType { return JobTypeWorkflow }

type SceneClipResult struct {
	SceneIndex  int    `json:"scene_index"`
	ArtifactRef string `json:"artifact_ref"`
}

func (SceneClipResult) JobType() JobType { return JobTypeSceneClip }

type ComposeResult struct {
	VideoRef string `json:"video_ref"`
}

func (ComposeResult) JobType() JobType { return JobTypeCompose }

// EncodePayload serializes p after checking it belongs to jobType.
func EncodePayload(jobType JobType, p JobPayload) ([]byte, error) {
	if p == nil || p.JobType() != jobType {
		return nil, fmt.Errorf("%w: %s", ErrPayloadTypeMissing, jobType)
	}
	return json.Marshal(p)
}

// DecodePayload restores the payload shape registered for jobType.
func DecodePayload(jobType JobType, raw []byte) (JobPayload, error) {
	switch jobType {
	case JobTypeWorkflow:
		var p WorkflowPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode workflow payload: %w", err)
		}
		return p, nil
	case JobTypeSceneClip:
		var p SceneClipPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode scene clip payload: %w", err)
		}
		return p, nil
	case JobTypeCompose:
		var p ComposePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode compose payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobType, jobType)
	}
}

// EncodeResult serializes r; a nil result encodes to nil.
func EncodeResult(jobType JobType, r JobResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if r.JobType() != jobType {
		return nil, fmt.Errorf("%w: result for %s", ErrPayloadTypeMissing, jobType)
	}
	return json.Marshal(r)
}

// DecodeResult restores the result shape registered for jobType. Empty input yields nil.
func DecodeResult(jobType JobType, raw []byte) (JobResult, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch jobType {
	case JobTypeWorkflow:
		var r WorkflowResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode workflow result: %w", err)
		}
		return r, nil
	case JobTypeSceneClip:
		var r SceneClipResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode scene clip result: %w", err)
		}
		return r, nil
	case JobTypeCompose:
		var r ComposeResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode compose result: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidJobType, jobType)
	}
}
