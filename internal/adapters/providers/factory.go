package providers

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/manthysbr/sceneforge/internal/adapters/docker"
	"github.com/manthysbr/sceneforge/internal/adapters/imagegen"
	"github.com/manthysbr/sceneforge/internal/adapters/llm"
	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/manthysbr/sceneforge/internal/core/ports"
)

// Backends are the external collaborators of the pipeline.
type Backends struct {
	Planner   ports.ScenePlanner
	Evaluator ports.QualityEvaluator
	Sanitizer ports.PromptSanitizer
	Images    ports.GenerationBackend
	Clips     ports.GenerationBackend
	Composer  *docker.Composer
}

// Build creates the model and render backends from app configuration.
// It hides local/remote provider selection from callers. runtime runs the compose
// containers.
func Build(config *domain.AppConfig, runtime docker.Runtime, logger *slog.Logger) (*Backends, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}

	textModel, err := buildLLMProvider(config)
	if err != nil {
		return nil, err
	}
	director := llm.NewDirector(textModel, logger.With("component", "director"))

	images, err := buildImageBackend(config)
	if err != nil {
		return nil, err
	}

	clipHost := envOr("COMFYUI_HOST", config.Providers.Clip.ComfyURL)
	if clipHost == "" {
		clipHost = "http://localhost:8188"
	}

	composeDir := strings.TrimSpace(config.Providers.Compose.WorkspaceDir)
	if composeDir == "" {
		return nil, fmt.Errorf("compose workspace_dir is required")
	}

	return &Backends{
		Planner:   director,
		Evaluator: director,
		Sanitizer: director,
		Images:    images,
		Clips:     imagegen.NewComfyUIBackend(clipHost, ""),
		Composer:  docker.NewComposer(runtime, config.Providers.Compose.Image, composeDir, logger.With("component", "composer")),
	}, nil
}

func buildLLMProvider(config *domain.AppConfig) (llm.Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(config.Providers.LLM.Mode))
	switch mode {
	case "", "local":
		baseURL := envOr("OLLAMA_HOST", config.Providers.LLM.BaseURL)
		return llm.NewOllamaProvider(baseURL, strings.TrimSpace(config.Providers.LLM.DefaultModel)), nil
	case "remote":
		if strings.TrimSpace(config.Providers.LLM.BaseURL) == "" {
			return nil, fmt.Errorf("llm base_url is required when mode=remote")
		}
		return llm.NewOpenAIProvider(
			strings.TrimSpace(config.Providers.LLM.BaseURL),
			strings.TrimSpace(config.Providers.LLM.APIKey),
			strings.TrimSpace(config.Providers.LLM.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider mode: %s", config.Providers.LLM.Mode)
	}
}

func buildImageBackend(config *domain.AppConfig) (ports.GenerationBackend, error) {
	mode := strings.ToLower(strings.TrimSpace(config.Providers.Image.Mode))
	switch mode {
	case "", "local":
		comfyHost := envOr("COMFYUI_HOST", config.Providers.Image.ComfyURL)
		if comfyHost == "" {
			comfyHost = "http://localhost:8188"
		}
		return imagegen.NewComfyUIBackend(comfyHost, strings.TrimSpace(config.Providers.Image.Checkpoint)), nil
	case "remote":
		if strings.TrimSpace(config.Providers.Image.RemoteURL) == "" {
			return nil, fmt.Errorf("image remote_url is required when mode=remote")
		}
		return imagegen.NewOpenAIImageBackend(
			strings.TrimSpace(config.Providers.Image.RemoteURL),
			strings.TrimSpace(config.Providers.Image.APIKey),
			strings.TrimSpace(config.Providers.Image.DefaultModel),
		), nil
	default:
		return nil, fmt.Errorf("unsupported image provider mode: %s", config.Providers.Image.Mode)
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(fallback)
}
