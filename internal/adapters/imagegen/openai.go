package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// OpenAIImageBackend generates keyframes via an OpenAI-compatible API.
// Expected endpoint: POST {baseURL}/images/generations
// Expected response: {"data":[{"url":"https://..."}]}
//
// The API is synchronous, so Start runs the request in the background and Poll
// reports its outcome. Handles do not survive a process restart.
type OpenAIImageBackend struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string

	mu      sync.Mutex
	pending map[string]*imageCall
}

type imageCall struct {
	done chan struct{}
	url  string
	err  error
}

var _ ports.GenerationBackend = (*OpenAIImageBackend)(nil)

func NewOpenAIImageBackend(baseURL, apiKey, model string) *OpenAIImageBackend {
	if model == "" {
		model = "gpt-image-1"
	}
	return &OpenAIImageBackend{
		client:  &http.Client{Timeout: 180 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		pending: make(map[string]*imageCall),
	}
}

func (p *OpenAIImageBackend) Name() string { return "openai-image" }

func (p *OpenAIImageBackend) Start(ctx context.Context, req domain.GenerationRequest) (domain.GenerationHandle, error) {
	if req.Kind != domain.GenerationImage {
		return domain.GenerationHandle{}, domain.NewPermanentError(fmt.Sprintf("image API cannot produce %q", req.Kind), nil)
	}
	handle := domain.GenerationHandle{ID: uuid.NewString(), Backend: p.Name()}
	call := &imageCall{done: make(chan struct{})}

	p.mu.Lock()
	p.pending[handle.ID] = call
	p.mu.Unlock()

	go func() {
		defer close(call.done)
		call.url, call.err = p.generate(ctx, req)
	}()
	return handle, nil
}

func (p *OpenAIImageBackend) Poll(ctx context.Context, handle domain.GenerationHandle) (domain.GenerationStatus, error) {
	p.mu.Lock()
	call, ok := p.pending[handle.ID]
	p.mu.Unlock()
	if !ok {
		return domain.GenerationStatus{}, domain.NewPermanentError("unknown image request "+handle.ID, nil)
	}

	select {
	case <-call.done:
	default:
		return domain.GenerationStatus{}, nil
	}

	p.mu.Lock()
	delete(p.pending, handle.ID)
	p.mu.Unlock()
	if call.err != nil {
		return domain.GenerationStatus{Done: true, Err: call.err}, nil
	}
	return domain.GenerationStatus{Done: true, Progress: 100, ArtifactRef: call.url}, nil
}

func (p *OpenAIImageBackend) generate(ctx context.Context, req domain.GenerationRequest) (string, error) {
	url := fmt.Sprintf("%s/images/generations", p.baseURL)

	size := "1536x1024"
	if w, h := intParam(req.Params, "width", 1024), intParam(req.Params, "height", 576); h > w {
		size = "1024x1536"
	} else if h == w {
		size = "1024x1024"
	}
	payload := map[string]interface{}{
		"model":  p.model,
		"prompt": req.Prompt,
		"size":   size,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", domain.NewTransientError("failed to call image API", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", classifyStatus("image API", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.NewTransientError("failed to decode image API response", err)
	}
	if len(result.Data) == 0 || strings.TrimSpace(result.Data[0].URL) == "" {
		return "", domain.NewPermanentError("image API returned no image URL", nil)
	}
	return result.Data[0].URL, nil
}
