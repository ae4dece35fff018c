package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// Director drives scene planning, artifact scoring and prompt sanitizing through a
// single text model.
type Director struct {
	provider Provider
	logger   *slog.Logger
}

var (
	_ ports.ScenePlanner     = (*Director)(nil)
	_ ports.QualityEvaluator = (*Director)(nil)
	_ ports.PromptSanitizer  = (*Director)(nil)
)

func NewDirector(provider Provider, logger *slog.Logger) *Director {
	return &Director{provider: provider, logger: logger}
}

const planSystemPrompt = `You are a film director planning a short generative video.
Reply with one JSON object: {"scenes":[{"description":"","prompt":"","characters":[""],"location":"","duration_sec":4}],
"characters":[{"name":"","description":""}],"locations":[{"name":"","description":""}]}.
Each scene prompt is a self-contained image prompt that repeats character and location details.`

type planReply struct {
	Scenes []struct {
		Description string   `json:"description"`
		Prompt      string   `json:"prompt"`
		Characters  []string `json:"characters"`
		Location    string   `json:"location"`
		DurationSec int      `json:"duration_sec"`
	} `json:"scenes"`
	Characters []domain.Character `json:"characters"`
	Locations  []domain.Location  `json:"locations"`
}

func (d *Director) PlanScenes(ctx context.Context, input domain.WorkflowInput) (domain.ScenePlan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Story: %s\n", input.Prompt)
	if input.SceneCount > 0 {
		fmt.Fprintf(&b, "Scenes: exactly %d\n", input.SceneCount)
	}
	if input.Style != "" {
		fmt.Fprintf(&b, "Visual style: %s\n", input.Style)
	}
	if input.AspectRatio != "" {
		fmt.Fprintf(&b, "Aspect ratio: %s\n", input.AspectRatio)
	}

	raw, err := d.provider.GenerateJSON(ctx, planSystemPrompt, b.String())
	if IsContentFiltered(err) {
		return domain.ScenePlan{}, domain.NewContentPolicyError("story prompt was refused by the planner model")
	}
	if err != nil {
		return domain.ScenePlan{}, fmt.Errorf("plan scenes: %w", err)
	}
	var reply planReply
	if err := decodeObject(raw, &reply); err != nil {
		return domain.ScenePlan{}, fmt.Errorf("plan scenes: %w", err)
	}

	plan := domain.ScenePlan{Characters: reply.Characters, Locations: reply.Locations}
	for _, s := range reply.Scenes {
		if input.SceneCount > 0 && len(plan.Scenes) == input.SceneCount {
			break
		}
		prompt := strings.TrimSpace(s.Prompt)
		if prompt == "" {
			prompt = strings.TrimSpace(s.Description)
		}
		if prompt == "" {
			continue
		}
		plan.Scenes = append(plan.Scenes, domain.Scene{
			Index:       len(plan.Scenes),
			Description: s.Description,
			Prompt:      prompt,
			Characters:  s.Characters,
			Location:    s.Location,
			DurationSec: s.DurationSec,
		})
	}
	d.logger.Debug("scenes planned", "scenes", len(plan.Scenes), "characters", len(plan.Characters))
	return plan, nil
}

const evaluateSystemPrompt = `You review generated keyframes and clips for a video pipeline.
Score the artifact from 0 to 1 against its parameters. Reply with one JSON object:
{"score":0.0,"issues":[{"field":"<parameter name>","problem":"","suggested":<new value>}]}.
Only name fields that exist in the parameters.`

func (d *Director) Evaluate(ctx context.Context, artifactRef string, params domain.Params) (domain.Evaluation, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("encode params: %w", err)
	}
	user := fmt.Sprintf("Artifact: %s\nParameters: %s", artifactRef, encoded)

	raw, err := d.provider.GenerateJSON(ctx, evaluateSystemPrompt, user)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("evaluate %s: %w", artifactRef, err)
	}
	var eval domain.Evaluation
	if err := decodeObject(raw, &eval); err != nil {
		return domain.Evaluation{}, fmt.Errorf("evaluate %s: %w", artifactRef, err)
	}
	switch {
	case eval.Score < 0:
		eval.Score = 0
	case eval.Score > 1:
		eval.Score = 1
	}

	issues := eval.Issues[:0]
	for _, issue := range eval.Issues {
		if _, ok := params[issue.Field]; ok {
			issues = append(issues, issue)
		}
	}
	eval.Issues = issues
	return eval, nil
}

const sanitizeSystemPrompt = `A prompt was rejected by an image model's safety filter.
Rewrite it so it keeps the scene's intent but removes anything that could be flagged.
Reply with one JSON object: {"prompt":""}.`

func (d *Director) SanitizePrompt(ctx context.Context, prompt string) (string, error) {
	raw, err := d.provider.GenerateJSON(ctx, sanitizeSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("sanitize prompt: %w", err)
	}
	var reply struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeObject(raw, &reply); err != nil {
		return "", fmt.Errorf("sanitize prompt: %w", err)
	}
	if strings.TrimSpace(reply.Prompt) == "" {
		return "", errors.New("sanitize prompt: empty rewrite")
	}
	return strings.TrimSpace(reply.Prompt), nil
}

// decodeObject parses the first JSON object in raw. Models sometimes wrap replies in
// markdown fences or prose.
func decodeObject(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in model reply %q", truncate(raw, 120))
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return fmt.Errorf("decode model reply: %w", err)
	}
	return nil
}

// IsContentFiltered reports whether err is a provider refusal on content grounds.
func IsContentFiltered(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(se.Body)
	return strings.Contains(body, "content_filter") || strings.Contains(body, "content_policy") || strings.Contains(body, "safety")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
