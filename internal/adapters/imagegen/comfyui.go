package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// ComfyUIBackend queues keyframe and clip workflows on a persistent ComfyUI server
// and polls /history for their outputs.
type ComfyUIBackend struct {
	client     *http.Client
	comfyHost  string
	checkpoint string
	videoModel string
	clientID   string
}

var _ ports.GenerationBackend = (*ComfyUIBackend)(nil)

// NewComfyUIBackend creates a backend for the ComfyUI server at comfyHost
func NewComfyUIBackend(comfyHost, checkpoint string) *ComfyUIBackend {
	if checkpoint == "" {
		checkpoint = "v1-5-pruned-emaonly.safetensors"
	}
	return &ComfyUIBackend{
		client: &http.Client{
			Timeout: 30 * time.Second, // queueing and history lookups only
		},
		comfyHost:  strings.TrimRight(comfyHost, "/"),
		checkpoint: checkpoint,
		videoModel: "svd_xt.safetensors",
		clientID:   uuid.NewString(),
	}
}

func (p *ComfyUIBackend) Name() string { return "comfyui" }

// Start calls ComfyUI's /prompt endpoint with the workflow for req.Kind
func (p *ComfyUIBackend) Start(ctx context.Context, req domain.GenerationRequest) (domain.GenerationHandle, error) {
	var workflow map[string]interface{}
	switch req.Kind {
	case domain.GenerationImage:
		workflow = p.buildImageWorkflow(req.Prompt, req.Params)
	case domain.GenerationClip:
		if len(req.Inputs) == 0 {
			return domain.GenerationHandle{}, domain.NewPermanentError("clip generation needs a keyframe", nil)
		}
		image, err := outputImageName(req.Inputs[0])
		if err != nil {
			return domain.GenerationHandle{}, domain.NewPermanentError("unusable keyframe reference", err)
		}
		workflow = p.buildClipWorkflow(image, req.Params)
	default:
		return domain.GenerationHandle{}, domain.NewPermanentError(fmt.Sprintf("comfyui cannot produce %q", req.Kind), nil)
	}

	payloadBytes, err := json.Marshal(map[string]interface{}{
		"prompt":    workflow,
		"client_id": p.clientID,
	})
	if err != nil {
		return domain.GenerationHandle{}, fmt.Errorf("failed to marshal workflow: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.comfyHost+"/prompt", bytes.NewReader(payloadBytes))
	if err != nil {
		return domain.GenerationHandle{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.GenerationHandle{}, domain.NewTransientError("failed to call ComfyUI", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.GenerationHandle{}, classifyStatus("ComfyUI", resp.StatusCode, string(body))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return domain.GenerationHandle{}, domain.NewTransientError("failed to decode response", err)
	}
	if result.PromptID == "" {
		return domain.GenerationHandle{}, domain.NewTransientError("no prompt_id returned", nil)
	}
	return domain.GenerationHandle{ID: result.PromptID, Backend: p.Name()}, nil
}

type historyEntry struct {
	Status struct {
		StatusStr string            `json:"status_str"`
		Completed bool              `json:"completed"`
		Messages  []json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []outputFile `json:"images"`
		Gifs   []outputFile `json:"gifs"`
	} `json:"outputs"`
}

type outputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Poll reads /history/{prompt_id}. A prompt missing from history is still queued.
func (p *ComfyUIBackend) Poll(ctx context.Context, handle domain.GenerationHandle) (domain.GenerationStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/history/%s", p.comfyHost, handle.ID), nil)
	if err != nil {
		return domain.GenerationStatus{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return domain.GenerationStatus{}, domain.NewTransientError("failed to read ComfyUI history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.GenerationStatus{}, classifyStatus("ComfyUI history", resp.StatusCode, string(body))
	}

	var history map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return domain.GenerationStatus{}, domain.NewTransientError("failed to decode history", err)
	}
	entry, ok := history[handle.ID]
	if !ok {
		return domain.GenerationStatus{}, nil
	}

	if entry.Status.StatusStr == "error" {
		msg := executionError(entry.Status.Messages)
		return domain.GenerationStatus{Done: true, Err: classifyMessage(msg)}, nil
	}
	if !entry.Status.Completed && entry.Status.StatusStr != "success" {
		return domain.GenerationStatus{Progress: 50}, nil
	}

	for _, out := range entry.Outputs {
		files := append(append([]outputFile{}, out.Images...), out.Gifs...)
		if len(files) == 0 {
			continue
		}
		return domain.GenerationStatus{Done: true, Progress: 100, ArtifactRef: p.viewURL(files[0])}, nil
	}
	return domain.GenerationStatus{
		Done: true,
		Err:  domain.NewPermanentError("ComfyUI finished without output files", nil),
	}, nil
}

func (p *ComfyUIBackend) viewURL(f outputFile) string {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("type", f.Type)
	if f.Subfolder != "" {
		q.Set("subfolder", f.Subfolder)
	}
	return fmt.Sprintf("%s/view?%s", p.comfyHost, q.Encode())
}

// outputImageName turns a /view URL into the annotated name LoadImage accepts.
func outputImageName(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	name := u.Query().Get("filename")
	if name == "" {
		return "", fmt.Errorf("no filename in %q", ref)
	}
	if sub := u.Query().Get("subfolder"); sub != "" {
		name = sub + "/" + name
	}
	kind := u.Query().Get("type")
	if kind == "" {
		kind = "output"
	}
	return fmt.Sprintf("%s [%s]", name, kind), nil
}

// executionError extracts the exception text from ComfyUI status messages, which
// are [event, payload] pairs.
func executionError(messages []json.RawMessage) string {
	for _, raw := range messages {
		var pair []json.RawMessage
		if json.Unmarshal(raw, &pair) != nil || len(pair) != 2 {
			continue
		}
		var event string
		if json.Unmarshal(pair[0], &event) != nil || event != "execution_error" {
			continue
		}
		var payload struct {
			ExceptionMessage string `json:"exception_message"`
			NodeType         string `json:"node_type"`
		}
		if json.Unmarshal(pair[1], &payload) == nil {
			return strings.TrimSpace(payload.NodeType + ": " + payload.ExceptionMessage)
		}
	}
	return "ComfyUI execution failed"
}

// buildImageWorkflow creates a text-to-image workflow for the keyframe of a scene
func (p *ComfyUIBackend) buildImageWorkflow(prompt string, params domain.Params) map[string]interface{} {
	negative := params.String("negative_prompt")
	if negative == "" {
		negative = "bad quality, blurry, ugly"
	}
	return map[string]interface{}{
		// KSampler
		"3": node("KSampler", map[string]interface{}{
			"seed":         intParam(params, "seed", 42),
			"steps":        intParam(params, "steps", 20),
			"cfg":          floatParam(params, "cfg", 7.0),
			"sampler_name": "euler",
			"scheduler":    "normal",
			"denoise":      1.0,
			"model":        []interface{}{"4", 0},
			"positive":     []interface{}{"6", 0},
			"negative":     []interface{}{"7", 0},
			"latent_image": []interface{}{"5", 0},
		}),
		"4": node("CheckpointLoaderSimple", map[string]interface{}{"ckpt_name": p.checkpoint}),
		"5": node("EmptyLatentImage", map[string]interface{}{
			"width":      intParam(params, "width", 1024),
			"height":     intParam(params, "height", 576),
			"batch_size": 1,
		}),
		"6": node("CLIPTextEncode", map[string]interface{}{"text": prompt, "clip": []interface{}{"4", 1}}),
		"7": node("CLIPTextEncode", map[string]interface{}{"text": negative, "clip": []interface{}{"4", 1}}),
		"8": node("VAEDecode", map[string]interface{}{"samples": []interface{}{"3", 0}, "vae": []interface{}{"4", 2}}),
		"9": node("SaveImage", map[string]interface{}{"filename_prefix": "sceneforge/keyframe", "images": []interface{}{"8", 0}}),
	}
}

// buildClipWorkflow animates a keyframe with Stable Video Diffusion
func (p *ComfyUIBackend) buildClipWorkflow(image string, params domain.Params) map[string]interface{} {
	fps := intParam(params, "fps", 8)
	return map[string]interface{}{
		"1": node("ImageOnlyCheckpointLoader", map[string]interface{}{"ckpt_name": p.videoModel}),
		"2": node("LoadImage", map[string]interface{}{"image": image}),
		"3": node("SVD_img2vid_Conditioning", map[string]interface{}{
			"clip_vision":        []interface{}{"1", 1},
			"init_image":         []interface{}{"2", 0},
			"vae":                []interface{}{"1", 2},
			"width":              intParam(params, "width", 1024),
			"height":             intParam(params, "height", 576),
			"video_frames":       intParam(params, "frames", 25),
			"motion_bucket_id":   intParam(params, "motion", 127),
			"fps":                fps,
			"augmentation_level": 0.0,
		}),
		"4": node("VideoLinearCFGGuidance", map[string]interface{}{"model": []interface{}{"1", 0}, "min_cfg": 1.0}),
		"5": node("KSampler", map[string]interface{}{
			"seed":         intParam(params, "seed", 42),
			"steps":        intParam(params, "steps", 20),
			"cfg":          floatParam(params, "cfg", 2.5),
			"sampler_name": "euler",
			"scheduler":    "karras",
			"denoise":      1.0,
			"model":        []interface{}{"4", 0},
			"positive":     []interface{}{"3", 0},
			"negative":     []interface{}{"3", 1},
			"latent_image": []interface{}{"3", 2},
		}),
		"6": node("VAEDecode", map[string]interface{}{"samples": []interface{}{"5", 0}, "vae": []interface{}{"1", 2}}),
		"7": node("SaveAnimatedWEBP", map[string]interface{}{
			"filename_prefix": "sceneforge/clip",
			"fps":             float64(fps),
			"lossless":        false,
			"quality":         85,
			"method":          "default",
			"images":          []interface{}{"6", 0},
		}),
	}
}

func node(classType string, inputs map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"class_type": classType, "inputs": inputs}
}

func intParam(params domain.Params, key string, def int) int {
	if n, ok := params.Int(key); ok {
		return n
	}
	return def
}

func floatParam(params domain.Params, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
