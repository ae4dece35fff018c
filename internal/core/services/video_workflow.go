package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
	"github.com/manthysbr/sceneforge/internal/logging"
)

const (
	NodePlanScenes        = "plan_scenes"
	NodeGenerateKeyframes = "generate_keyframes"
	NodeGenerateClips     = "generate_clips"
	NodeComposeVideo      = "compose_video"

	counterComposeGeneration = "compose_generation"
)

var videoNodes = []string{NodePlanScenes, NodeGenerateKeyframes, NodeGenerateClips, NodeComposeVideo}

// VideoWorkflowDeps are the collaborators of the scene pipeline.
type VideoWorkflowDeps struct {
	Planner    ports.ScenePlanner
	Images     ports.GenerationBackend
	Evaluator  ports.QualityEvaluator
	Sanitizer  ports.PromptSanitizer // optional
	Jobs       *JobControlPlane
	Quality    QualityPolicy
	Generation domain.GenerationConfig
	ClipFrames int
}

// VideoWorkflow plans scenes, renders a keyframe per scene, turns each keyframe into
// a clip through scene_clip jobs and stitches the clips with a compose job. Every
// node is re-entrant: running it again picks up where the checkpoint left off.
type VideoWorkflow struct {
	deps VideoWorkflowDeps
	now  func() time.Time
}

var _ WorkflowGraph = (*VideoWorkflow)(nil)

func NewVideoWorkflow(deps VideoWorkflowDeps) *VideoWorkflow {
	if deps.ClipFrames <= 0 {
		deps.ClipFrames = 48
	}
	return &VideoWorkflow{deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

func (w *VideoWorkflow) Nodes() []string {
	return append([]string(nil), videoNodes...)
}

func (w *VideoWorkflow) RunNode(ctx context.Context, node string, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome {
	switch node {
	case NodePlanScenes:
		return w.planScenes(ctx, state, log)
	case NodeGenerateKeyframes:
		return w.generateKeyframes(ctx, state, log)
	case NodeGenerateClips:
		return w.generateClips(ctx, state, log)
	case NodeComposeVideo:
		return w.composeVideo(ctx, state, log)
	default:
		return StepFailed{Err: fmt.Errorf("unknown node %q", node)}
	}
}

func (w *VideoWorkflow) planScenes(ctx context.Context, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome {
	if len(state.Scenes) > 0 || state.IsSkipped(NodePlanScenes) {
		return StepContinue{}
	}

	params := domain.Params{
		"prompt":      state.Input.Prompt,
		"scene_count": state.Input.SceneCount,
		"style":       state.Input.Style,
	}
	if corrected, ok := state.CorrectedParams[NodePlanScenes]; ok {
		params = corrected.Clone()
	}
	input := state.Input
	input.Prompt = params.String("prompt")
	input.Style = params.String("style")
	if n, ok := params.Int("scene_count"); ok {
		input.SceneCount = n
	}

	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout())
	plan, err := w.deps.Planner.PlanScenes(callCtx, input)
	cancel()
	if err == nil && len(plan.Scenes) == 0 {
		err = errors.New("planner returned no scenes")
	}
	if err != nil {
		if ctx.Err() != nil {
			return StepFailed{Err: domain.ErrAborted}
		}
		log.Warn("scene planning failed", true, "error", err)
		return StepPaused{Interrupt: domain.InterruptValue{
			Type:                 domain.InterruptLLMIntervention,
			Error:                err.Error(),
			FunctionName:         "plan_scenes",
			NodeName:             NodePlanScenes,
			Params:               params,
			Attempt:              1,
			MaxRetries:           1,
			LastAttemptTimestamp: w.now(),
		}}
	}

	for i := range plan.Scenes {
		plan.Scenes[i].Index = i
	}
	state.Scenes = plan.Scenes
	state.Characters = plan.Characters
	state.Locations = plan.Locations
	state.Bump("scenes_planned")
	log.Info("scenes planned", true, "scenes", len(plan.Scenes), "characters", len(plan.Characters))
	return StepContinue{}
}

func (w *VideoWorkflow) generateKeyframes(ctx context.Context, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome {
	for i := range state.Scenes {
		scene := &state.Scenes[i]
		unit := domain.UnitKey(NodeGenerateKeyframes, i)
		if scene.ImageRef != "" || state.IsSkipped(unit) {
			continue
		}

		params := w.keyframeParams(state, *scene)
		if corrected, ok := state.CorrectedParams[unit]; ok {
			params = corrected.Clone()
		}

		res, err := RunQualityLoop(ctx, log.Logger().With("node", NodeGenerateKeyframes, "scene", i), w.deps.Quality, params, QualityFuncs[string]{
			Generate: func(ctx context.Context, p domain.Params) (string, error) {
				return RunGeneration(ctx, w.deps.Images, domain.GenerationRequest{
					Kind:   domain.GenerationImage,
					Prompt: p.String("prompt"),
					Params: p,
				}, w.deps.Generation, nil)
			},
			Evaluate: func(ctx context.Context, ref string, p domain.Params) (domain.Evaluation, error) {
				return w.deps.Evaluator.Evaluate(ctx, ref, p)
			},
			Sanitize: w.sanitize,
		})
		if err != nil {
			var sig *domain.InterruptSignal
			switch {
			case errors.As(err, &sig):
				return StepPaused{Interrupt: sig.Value}
			case errors.Is(err, domain.ErrNoUsableAttempt):
				log.Warn("keyframe generation exhausted", true, "scene", i, "error", err)
				return StepPaused{Interrupt: domain.InterruptValue{
					Type:                 domain.InterruptRetryExhausted,
					Error:                lastAttemptError(res.Attempts, err),
					FunctionName:         "generate_image",
					NodeName:             NodeGenerateKeyframes,
					Unit:                 unit,
					Params:               params,
					Attempt:              len(res.Attempts),
					MaxRetries:           w.deps.Quality.MaxRetries,
					LastAttemptTimestamp: w.now(),
				}}
			default:
				return StepFailed{Err: err}
			}
		}

		scene.ImageRef = res.Result
		scene.ImageScore = res.Score
		scene.ImageBelowThreshold = res.BelowThreshold
		state.Bump("keyframes_generated")
		if res.BelowThreshold {
			state.Errors = append(state.Errors, domain.ErrorEntry{
				Kind:      domain.ErrorKindWarning,
				Node:      NodeGenerateKeyframes,
				Function:  "generate_image",
				Message:   fmt.Sprintf("scene %d keyframe below quality threshold (score %.2f)", i, res.Score),
				Params:    res.Params,
				Timestamp: w.now(),
			})
			log.Warn("keyframe accepted below threshold", true, "scene", i, "score", res.Score)
		} else {
			log.Info("keyframe accepted", true, "scene", i, "score", res.Score, "attempt", res.Attempt)
		}
	}
	return StepContinue{}
}

func (w *VideoWorkflow) keyframeParams(state *domain.WorkflowState, scene domain.Scene) domain.Params {
	prompt := scene.Prompt
	if prompt == "" {
		prompt = scene.Description
	}
	if state.Input.Style != "" {
		prompt = prompt + ", " + state.Input.Style
	}
	width, height := dimensionsFor(state.Input.AspectRatio)
	return domain.Params{
		"prompt":          prompt,
		"negative_prompt": "blurry, low quality, watermark, text",
		"seed":            scene.Index + 1,
		"steps":           25,
		"cfg":             7.0,
		"width":           width,
		"height":          height,
	}
}

func dimensionsFor(aspect string) (int, int) {
	switch aspect {
	case "9:16":
		return 576, 1024
	case "1:1":
		return 768, 768
	default:
		return 1024, 576
	}
}

func (w *VideoWorkflow) sanitize(ctx context.Context, p domain.Params) (domain.Params, error) {
	prompt := p.String("prompt")
	if w.deps.Sanitizer != nil {
		clean, err := w.deps.Sanitizer.SanitizePrompt(ctx, prompt)
		if err != nil {
			return nil, err
		}
		p["prompt"] = clean
		return p, nil
	}
	p["prompt"] = prompt + ", safe for work, fully clothed, non-violent"
	return p, nil
}

func lastAttemptError(records []domain.RetryAttemptRecord, fallback error) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Error != "" {
			return records[i].Error
		}
	}
	return fallback.Error()
}

func (w *VideoWorkflow) generateClips(ctx context.Context, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome {
	var (
		waiting   int
		ready     int
		exhausted *domain.InterruptValue
	)

	for i := range state.Scenes {
		scene := &state.Scenes[i]
		unit := domain.UnitKey(NodeGenerateClips, i)
		if scene.ImageRef == "" || state.IsSkipped(unit) {
			continue
		}
		if scene.ClipRef != "" {
			ready++
			continue
		}

		if scene.ClipJobID != "" {
			job, err := w.deps.Jobs.GetJob(ctx, scene.ClipJobID)
			switch {
			case errors.Is(err, domain.ErrJobNotFound):
				scene.ClipJobID = ""
				scene.ClipGeneration++
			case err != nil:
				return stepErr(ctx, err)
			default:
				switch {
				case job.State == domain.JobStateSucceeded:
					if res, ok := job.Result.(domain.SceneClipResult); ok && res.ArtifactRef != "" {
						scene.ClipRef = res.ArtifactRef
						state.Bump("clips_generated")
						ready++
						continue
					}
					return StepFailed{Err: fmt.Errorf("clip job %s succeeded without an artifact", job.ID)}
				case job.State == domain.JobStateCancelled:
					scene.ClipJobID = ""
					scene.ClipGeneration++
				case job.State == domain.JobStateFailed && !job.RetriesLeft():
					// one interrupt per pass; later scenes keep their failed job and
					// are reported once this decision is in
					if exhausted == nil {
						exhausted = w.exhaustedInterrupt(job, NodeGenerateClips, unit, "generate_clip")
						scene.ClipJobID = ""
						scene.ClipGeneration++
					}
					continue
				default:
					waiting++
					continue
				}
			}
		}

		params := domain.Params{
			"prompt": scene.Prompt,
			"frames": w.deps.ClipFrames,
			"motion": "subtle camera movement",
		}
		if corrected, ok := state.CorrectedParams[unit]; ok {
			params = corrected.Clone()
		}
		job, err := w.deps.Jobs.CreateJob(ctx, domain.JobSpec{
			Type:      domain.JobTypeSceneClip,
			ProjectID: state.ProjectID,
			UniqueKey: fmt.Sprintf("scene-%d/gen-%d", i, scene.ClipGeneration),
			Payload:   domain.SceneClipPayload{SceneIndex: i, ImageRef: scene.ImageRef, Params: params},
		})
		if err != nil {
			return stepErr(ctx, err)
		}
		scene.ClipJobID = job.ID
		waiting++
	}

	if exhausted != nil {
		log.Warn("clip job exhausted its retries", true, "unit", exhausted.Unit, "error", exhausted.Error)
		return StepPaused{Interrupt: *exhausted}
	}
	if waiting > 0 {
		return StepPaused{Interrupt: domain.InterruptValue{
			Type:                 domain.InterruptWaitingForBatch,
			FunctionName:         "generate_clip",
			NodeName:             NodeGenerateClips,
			Params:               domain.Params{"pending": waiting, "ready": ready},
			LastAttemptTimestamp: w.now(),
		}}
	}
	if ready == 0 {
		return StepFailed{Err: errors.New("no clips available to compose")}
	}
	log.Info("all clips ready", true, "clips", ready)
	return StepContinue{}
}

func (w *VideoWorkflow) composeVideo(ctx context.Context, state *domain.WorkflowState, log *logging.EventLogger) StepOutcome {
	if state.FinalVideoRef != "" || state.IsSkipped(NodeComposeVideo) {
		return StepContinue{}
	}

	if state.ComposeJobID != "" {
		job, err := w.deps.Jobs.GetJob(ctx, state.ComposeJobID)
		if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			return stepErr(ctx, err)
		}
		switch {
		case err != nil, job.State == domain.JobStateCancelled:
			state.ComposeJobID = ""
			state.Bump(counterComposeGeneration)
		case job.State == domain.JobStateSucceeded:
			res, ok := job.Result.(domain.ComposeResult)
			if !ok || res.VideoRef == "" {
				return StepFailed{Err: fmt.Errorf("compose job %s succeeded without a video", job.ID)}
			}
			state.FinalVideoRef = res.VideoRef
			log.Info("video composed", true, "video", res.VideoRef)
			return StepContinue{}
		case job.State == domain.JobStateFailed && !job.RetriesLeft():
			state.ComposeJobID = ""
			state.Bump(counterComposeGeneration)
			return StepPaused{Interrupt: *w.exhaustedInterrupt(job, NodeComposeVideo, "", "compose_video")}
		default:
			return w.waitingForCompose(job.ID)
		}
	}

	var clips []string
	for _, scene := range state.Scenes {
		if scene.ClipRef != "" {
			clips = append(clips, scene.ClipRef)
		}
	}
	params := domain.Params{"fps": 24, "format": "mp4", "transition": "cut"}
	if corrected, ok := state.CorrectedParams[NodeComposeVideo]; ok {
		params = corrected.Clone()
	}
	job, err := w.deps.Jobs.CreateJob(ctx, domain.JobSpec{
		Type:      domain.JobTypeCompose,
		ProjectID: state.ProjectID,
		UniqueKey: fmt.Sprintf("compose/gen-%d", state.Counters[counterComposeGeneration]),
		Payload:   domain.ComposePayload{ClipRefs: clips, Params: params},
	})
	if err != nil {
		return stepErr(ctx, err)
	}
	state.ComposeJobID = job.ID
	return w.waitingForCompose(job.ID)
}

func (w *VideoWorkflow) waitingForCompose(id domain.JobID) StepOutcome {
	return StepPaused{Interrupt: domain.InterruptValue{
		Type:                 domain.InterruptWaitingForJob,
		FunctionName:         "compose_video",
		NodeName:             NodeComposeVideo,
		Params:               domain.Params{"job_id": string(id)},
		LastAttemptTimestamp: w.now(),
	}}
}

func (w *VideoWorkflow) exhaustedInterrupt(job domain.Job, node, unit, fn string) *domain.InterruptValue {
	var params domain.Params
	switch p := job.Payload.(type) {
	case domain.SceneClipPayload:
		params = p.Params.Clone()
	case domain.ComposePayload:
		params = p.Params.Clone()
	}
	msg := "retry budget exhausted"
	if job.Error != nil {
		msg = *job.Error
	}
	return &domain.InterruptValue{
		Type:                 domain.InterruptRetryExhausted,
		Error:                msg,
		FunctionName:         fn,
		NodeName:             node,
		Unit:                 unit,
		Params:               params,
		Attempt:              job.Attempt,
		MaxRetries:           job.MaxRetries,
		LastAttemptTimestamp: job.UpdatedAt,
	}
}

func (w *VideoWorkflow) callTimeout() time.Duration {
	if w.deps.Generation.CallTimeout > 0 {
		return w.deps.Generation.CallTimeout
	}
	return 15 * time.Minute
}

// ResetScene clears the outputs of one scene and everything downstream of it, and
// rewinds the thread so the scene is generated again. It returns the ids of jobs
// that were producing the discarded outputs.
func (w *VideoWorkflow) ResetScene(cp *domain.Checkpoint, index int) ([]domain.JobID, error) {
	state := &cp.ChannelValues
	if index < 0 || index >= len(state.Scenes) {
		return nil, fmt.Errorf("regenerate: scene %d out of range (have %d)", index, len(state.Scenes))
	}

	var orphaned []domain.JobID
	scene := &state.Scenes[index]
	if scene.ClipJobID != "" {
		orphaned = append(orphaned, scene.ClipJobID)
	}
	if state.ComposeJobID != "" {
		orphaned = append(orphaned, state.ComposeJobID)
	}

	scene.ImageRef = ""
	scene.ImageScore = 0
	scene.ImageBelowThreshold = false
	scene.ClipRef = ""
	scene.ClipJobID = ""
	scene.ClipGeneration++

	suffix := fmt.Sprintf("/scene-%d", index)
	kept := state.Skipped[:0]
	for _, unit := range state.Skipped {
		if !strings.HasSuffix(unit, suffix) && unit != NodeComposeVideo {
			kept = append(kept, unit)
		}
	}
	state.Skipped = kept
	for _, node := range []string{NodeGenerateKeyframes, NodeGenerateClips} {
		delete(state.CorrectedParams, domain.UnitKey(node, index))
	}

	state.FinalVideoRef = ""
	state.ComposeJobID = ""
	state.Bump(counterComposeGeneration)
	state.Interrupt = nil
	state.Status = domain.WorkflowStatusRunning
	cp.Tasks = nil
	cp.Next = []string{NodeGenerateKeyframes, NodeGenerateClips, NodeComposeVideo}
	return orphaned, nil
}

func stepErr(ctx context.Context, err error) StepOutcome {
	if ctx.Err() != nil {
		return StepFailed{Err: domain.ErrAborted}
	}
	return StepFailed{Err: err}
}
