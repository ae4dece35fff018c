package domain

import "time"

// ProviderConfig holds configuration for the external generation collaborators
type ProviderConfig struct {
	LLM     LLMProviderConfig     `yaml:"llm" json:"llm"`
	Image   ImageProviderConfig   `yaml:"image" json:"image"`
	Clip    ClipProviderConfig    `yaml:"clip" json:"clip"`
	Compose ComposeProviderConfig `yaml:"compose" json:"compose"`
}

// LLMProviderConfig configures the planner and quality evaluator endpoint
type LLMProviderConfig struct {
	Mode         string `yaml:"mode" json:"mode"`         // "local" (Ollama) or "remote" (OpenAI-compatible)
	BaseURL      string `yaml:"base_url" json:"base_url"` // "https://api.openai.com/v1"
	APIKey       string `yaml:"api_key" json:"api_key"`   // may be "enc:..." on disk
	DefaultModel string `yaml:"default_model" json:"default_model"`
}

// ImageProviderConfig configures the keyframe generation backend
type ImageProviderConfig struct {
	Mode         string `yaml:"mode" json:"mode"`           // "local" (ComfyUI) or "remote" (OpenAI images)
	ComfyURL     string `yaml:"comfy_url" json:"comfy_url"` // "http://localhost:8188"
	Checkpoint   string `yaml:"checkpoint" json:"checkpoint"`
	RemoteURL    string `yaml:"remote_url" json:"remote_url"`
	APIKey       string `yaml:"api_key" json:"api_key"`
	DefaultModel string `yaml:"default_model" json:"default_model"`
}

// ClipProviderConfig configures the image-to-clip backend (ComfyUI video workflow)
type ClipProviderConfig struct {
	ComfyURL string `yaml:"comfy_url" json:"comfy_url"`
	Frames   int    `yaml:"frames" json:"frames"`
}

// ComposeProviderConfig configures the container that stitches clips together
type ComposeProviderConfig struct {
	Image        string `yaml:"image" json:"image"` // "jrottenberg/ffmpeg:6-alpine"
	WorkspaceDir string `yaml:"workspace_dir" json:"workspace_dir"`
}

// AdmissionConfig bounds RUNNING jobs per project and job type.
type AdmissionConfig struct {
	Ceilings       map[JobType]int `yaml:"ceilings" json:"ceilings"`
	DefaultCeiling int             `yaml:"default_ceiling" json:"default_ceiling"`
	MaxRetries     map[JobType]int `yaml:"max_retries" json:"max_retries"`
}

// Ceiling returns the concurrency ceiling for t. Workflow jobs are always capped at one
// per project so checkpoint writes stay single-writer.
func (a AdmissionConfig) Ceiling(t JobType) int {
	if t == JobTypeWorkflow {
		return 1
	}
	if n, ok := a.Ceilings[t]; ok && n > 0 {
		return n
	}
	if a.DefaultCeiling > 0 {
		return a.DefaultCeiling
	}
	return 1
}

// RetryBudget returns the default maxRetries for new jobs of type t.
func (a AdmissionConfig) RetryBudget(t JobType) int {
	if n, ok := a.MaxRetries[t]; ok && n >= 0 {
		return n
	}
	return 3
}

type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval" json:"interval"`
	LivenessTimeout time.Duration `yaml:"liveness_timeout" json:"liveness_timeout"`
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max" json:"backoff_max"`
	BatchSize       int           `yaml:"batch_size" json:"batch_size"`
}

type QualityConfig struct {
	AcceptanceThreshold float64       `yaml:"acceptance_threshold" json:"acceptance_threshold"`
	MaxQualityRetries   int           `yaml:"max_quality_retries" json:"max_quality_retries"`
	MaxSafetyRetries    int           `yaml:"max_safety_retries" json:"max_safety_retries"`
	SafetyBackoff       time.Duration `yaml:"safety_backoff" json:"safety_backoff"`
}

type GenerationConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout" json:"call_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

type DispatchConfig struct {
	Workers       int64         `yaml:"workers" json:"workers"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" json:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// StoreConfig selects and tunes the job/checkpoint store.
type StoreConfig struct {
	Driver           string        `yaml:"driver" json:"driver"` // postgres | duckdb | memory
	DSN              string        `yaml:"dsn" json:"dsn"`       // postgres only, may be "enc:..."
	Path             string        `yaml:"path" json:"path"`     // duckdb file, "" for in-memory
	MaxConns         int32         `yaml:"max_conns" json:"max_conns"`
	MinConns         int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
}

// AppConfig is the main application configuration
type AppConfig struct {
	Server     ServerConfig     `yaml:"server" json:"server"`
	Log        LogConfig        `yaml:"log" json:"log"`
	Store      StoreConfig      `yaml:"store" json:"store"`
	Providers  ProviderConfig   `yaml:"providers" json:"providers"`
	Admission  AdmissionConfig  `yaml:"admission" json:"admission"`
	Monitor    MonitorConfig    `yaml:"monitor" json:"monitor"`
	Quality    QualityConfig    `yaml:"quality" json:"quality"`
	Generation GenerationConfig `yaml:"generation" json:"generation"`
	Dispatch   DispatchConfig   `yaml:"dispatch" json:"dispatch"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173"},
		},
		Log: LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver:           "duckdb",
			Path:             "sceneforge.db",
			MaxConns:         20,
			MaxConnLifetime:  time.Hour,
			StatementTimeout: 30 * time.Second,
		},
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:         "local",
				BaseURL:      "http://localhost:11434/v1",
				DefaultModel: "gemma3:12b",
			},
			Image: ImageProviderConfig{
				Mode:       "local",
				ComfyURL:   "http://localhost:8188",
				Checkpoint: "v1-5-pruned-emaonly.safetensors",
			},
			Clip: ClipProviderConfig{
				ComfyURL: "http://localhost:8188",
				Frames:   48,
			},
			Compose: ComposeProviderConfig{
				Image:        "jrottenberg/ffmpeg:6-alpine",
				WorkspaceDir: "/tmp/sceneforge/compose",
			},
		},
		Admission: AdmissionConfig{
			Ceilings: map[JobType]int{
				JobTypeSceneClip: 4,
				JobTypeCompose:   1,
			},
			DefaultCeiling: 2,
			MaxRetries: map[JobType]int{
				JobTypeWorkflow:  3,
				JobTypeSceneClip: 3,
				JobTypeCompose:   2,
			},
		},
		Monitor: MonitorConfig{
			Interval:        30 * time.Second,
			LivenessTimeout: 20 * time.Minute,
			BackoffBase:     10 * time.Second,
			BackoffMax:      10 * time.Minute,
			BatchSize:       100,
		},
		Quality: QualityConfig{
			AcceptanceThreshold: 0.8,
			MaxQualityRetries:   3,
			MaxSafetyRetries:    2,
			SafetyBackoff:       2 * time.Second,
		},
		Generation: GenerationConfig{
			CallTimeout:  15 * time.Minute,
			PollInterval: 2 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers:       10,
			SweepInterval: 15 * time.Second,
			RetryDelay:    5 * time.Second,
		},
	}
}
