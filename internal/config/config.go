// Package config loads the application configuration: defaults, then an optional
// YAML file, then SCENEFORGE_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvConfigFile      = "SCENEFORGE_CONFIG"
	EnvSecretKey       = "SCENEFORGE_SECRET_KEY"
	EnvSecretKeyFile   = "SCENEFORGE_SECRET_KEY_FILE"
	EnvAddr            = "SCENEFORGE_ADDR"
	EnvLogLevel        = "SCENEFORGE_LOG_LEVEL"
	EnvStoreDriver     = "SCENEFORGE_STORE_DRIVER"
	EnvDatabaseURL     = "SCENEFORGE_DATABASE_URL"
	EnvDuckDBPath      = "SCENEFORGE_DUCKDB_PATH"
	EnvLLMMode         = "SCENEFORGE_LLM_MODE"
	EnvLLMBaseURL      = "SCENEFORGE_LLM_BASE_URL"
	EnvLLMAPIKey       = "SCENEFORGE_LLM_API_KEY"
	EnvLLMModel        = "SCENEFORGE_LLM_MODEL"
	EnvComfyURL        = "SCENEFORGE_COMFYUI_URL"
	EnvWorkers         = "SCENEFORGE_WORKERS"
	EnvLivenessTimeout = "SCENEFORGE_LIVENESS_TIMEOUT"
)

// Load builds the configuration. An empty path skips the file; a missing file at
// an explicit path is an error.
func Load(path string, secret *SecretKey) (*domain.AppConfig, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := unsealSecrets(cfg, secret); err != nil {
		return nil, fmt.Errorf("unseal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.AppConfig) error {
	setString(&cfg.Server.Addr, EnvAddr)
	setString(&cfg.Log.Level, EnvLogLevel)
	setString(&cfg.Store.Driver, EnvStoreDriver)
	setString(&cfg.Store.DSN, EnvDatabaseURL)
	setString(&cfg.Store.Path, EnvDuckDBPath)
	setString(&cfg.Providers.LLM.Mode, EnvLLMMode)
	setString(&cfg.Providers.LLM.BaseURL, EnvLLMBaseURL)
	setString(&cfg.Providers.LLM.APIKey, EnvLLMAPIKey)
	setString(&cfg.Providers.LLM.DefaultModel, EnvLLMModel)
	if v := os.Getenv(EnvComfyURL); v != "" {
		cfg.Providers.Image.ComfyURL = v
		cfg.Providers.Clip.ComfyURL = v
	}

	if v := os.Getenv(EnvWorkers); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWorkers, err)
		}
		cfg.Dispatch.Workers = n
	}
	if v := os.Getenv(EnvLivenessTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvLivenessTimeout, err)
		}
		cfg.Monitor.LivenessTimeout = d
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// Validate reports every problem found in cfg at once.
func Validate(cfg *domain.AppConfig) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch strings.ToLower(cfg.Store.Driver) {
	case "postgres":
		check(cfg.Store.DSN != "", "store.dsn is required for the postgres driver")
	case "duckdb", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be postgres, duckdb or memory, got %q", cfg.Store.Driver))
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not a level", cfg.Log.Level))
	}

	check(cfg.Dispatch.Workers > 0, "dispatch.workers must be positive")
	check(cfg.Monitor.Interval > 0, "monitor.interval must be positive")
	check(cfg.Monitor.LivenessTimeout > cfg.Generation.PollInterval,
		"monitor.liveness_timeout (%s) must exceed generation.poll_interval (%s)", cfg.Monitor.LivenessTimeout, cfg.Generation.PollInterval)
	check(cfg.Monitor.BackoffBase > 0 && cfg.Monitor.BackoffMax >= cfg.Monitor.BackoffBase,
		"monitor.backoff_max must be at least monitor.backoff_base")
	check(cfg.Quality.AcceptanceThreshold > 0 && cfg.Quality.AcceptanceThreshold <= 1,
		"quality.acceptance_threshold must be in (0,1]")
	check(cfg.Quality.MaxQualityRetries >= 0, "quality.max_quality_retries must not be negative")
	check(cfg.Generation.CallTimeout > 0, "generation.call_timeout must be positive")

	for t, n := range cfg.Admission.Ceilings {
		check(n > 0, "admission.ceilings[%s] must be positive", t)
	}
	for t, n := range cfg.Admission.MaxRetries {
		check(n >= 0, "admission.max_retries[%s] must not be negative", t)
	}
	return errors.Join(errs...)
}

// Masked returns a copy of cfg safe to log.
func Masked(cfg *domain.AppConfig) domain.AppConfig {
	out := *cfg
	out.Store.DSN = redactDSN(cfg.Store.DSN)
	out.Providers.LLM.APIKey = redactKey(cfg.Providers.LLM.APIKey)
	out.Providers.Image.APIKey = redactKey(cfg.Providers.Image.APIKey)
	return out
}
