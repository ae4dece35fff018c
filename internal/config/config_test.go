package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/manthysbr/sceneforge/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sceneforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConfig(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
store:
  driver: postgres
  dsn: postgres://localhost/sceneforge
admission:
  ceilings:
    scene_clip: 8
monitor:
  interval: 5s
  liveness_timeout: 3m
quality:
  acceptance_threshold: 0.7
`)
	t.Setenv(EnvAddr, ":7070")
	t.Setenv(EnvWorkers, "3")
	t.Setenv(EnvComfyURL, "http://gpu-box:8188")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "env wins over the file")
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Admission.Ceiling(domain.JobTypeSceneClip))
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, 3*time.Minute, cfg.Monitor.LivenessTimeout)
	assert.Equal(t, 0.7, cfg.Quality.AcceptanceThreshold)
	assert.Equal(t, int64(3), cfg.Dispatch.Workers)
	assert.Equal(t, "http://gpu-box:8188", cfg.Providers.Image.ComfyURL)
	assert.Equal(t, "http://gpu-box:8188", cfg.Providers.Clip.ComfyURL)
	assert.Equal(t, 48, cfg.Providers.Clip.Frames, "unset keys keep their defaults")
}

func TestLoad_UnsealsSecrets(t *testing.T) {
	key, err := newSecretKey([]byte("unit-test"))
	require.NoError(t, err)
	sealed, err := key.Seal("providers.llm.api_key", "sk-live-abcd1234")
	require.NoError(t, err)

	path := writeConfig(t, "providers:\n  llm:\n    mode: remote\n    base_url: https://api.openai.com/v1\n    api_key: "+sealed+"\n")

	cfg, err := Load(path, key)
	require.NoError(t, err)
	assert.Equal(t, "sk-live-abcd1234", cfg.Providers.LLM.APIKey)
	assert.Equal(t, "****1234", Masked(cfg).Providers.LLM.APIKey)
	assert.Equal(t, "sk-live-abcd1234", cfg.Providers.LLM.APIKey, "masking works on a copy")

	_, err = Load(path, nil)
	assert.ErrorContains(t, err, "is sealed but")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.ErrorContains(t, err, "read config")

	_, err = Load(writeConfig(t, "server: [not a map"), nil)
	assert.ErrorContains(t, err, "parse config")

	t.Setenv(EnvLivenessTimeout, "soon")
	_, err = Load("", nil)
	assert.ErrorContains(t, err, EnvLivenessTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.AppConfig)
		want   string
	}{
		{"unknown driver", func(c *domain.AppConfig) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *domain.AppConfig) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"bad level", func(c *domain.AppConfig) { c.Log.Level = "loud" }, "log.level"},
		{"no workers", func(c *domain.AppConfig) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"liveness below poll", func(c *domain.AppConfig) { c.Monitor.LivenessTimeout = time.Second }, "liveness_timeout"},
		{"inverted backoff", func(c *domain.AppConfig) { c.Monitor.BackoffMax = time.Second }, "backoff_max"},
		{"threshold above one", func(c *domain.AppConfig) { c.Quality.AcceptanceThreshold = 1.5 }, "acceptance_threshold"},
		{"zero ceiling", func(c *domain.AppConfig) { c.Admission.Ceilings[domain.JobTypeCompose] = 0 }, "admission.ceilings[compose]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.want)
		})
	}

	assert.NoError(t, Validate(domain.DefaultConfig()))
}
