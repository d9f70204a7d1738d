package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "focusgroup.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
	assert.Len(t, cfg.Workers, 3)
	assert.Equal(t, "memory", cfg.Knowledge.Backend)
	assert.Equal(t, "auto_approve", cfg.Review.Mode)
	assert.InDelta(t, 50.0, cfg.Budget.Total, 1e-9)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
budget:
  total: 10.0
review:
  mode: human
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 10.0, cfg.Budget.Total, 1e-9)
	assert.Equal(t, "human", cfg.Review.Mode)

	// Unset fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.InDelta(t, 30.0, cfg.Budget.Workers, 1e-9)
	assert.Len(t, cfg.Workers, 3)
	assert.Equal(t, "deepseek-ai/DeepSeek-R1", cfg.Expert.Model)
}

func TestLoadWorkerRosterReplacesDefault(t *testing.T) {
	path := writeConfig(t, `
workers:
  - id: solo
    model: microsoft/Phi-4-mini-instruct
    expertise: beginner
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "solo", cfg.Workers[0].ID)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_LLM_URL", "http://gateway.internal:9000/v1")
	path := writeConfig(t, `
llm:
  base_url: {{.TEST_LLM_URL}}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gateway.internal:9000/v1", cfg.LLM.BaseURL)
}

func TestExpandEnvPreservesLiteralDollar(t *testing.T) {
	input := []byte(`pattern: "^secret.*$"`)
	assert.Equal(t, input, ExpandEnv(input))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	t.Setenv("API_KEY", "should-not-appear")
	input := []byte("api_key: {{.API_KEY")
	out := ExpandEnv(input)
	assert.Equal(t, input, out)
	assert.NotContains(t, string(out), "should-not-appear")
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  port: [not a number\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, `
review:
  mode: committee
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
	assert.Contains(t, err.Error(), "review")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
		contain string
	}{
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: ErrInvalidValue,
			contain: "port",
		},
		{
			name:    "missing llm base url",
			mutate:  func(c *Config) { c.LLM.BaseURL = "" },
			wantErr: ErrMissingRequiredField,
			contain: "base_url",
		},
		{
			name:    "zero budget",
			mutate:  func(c *Config) { c.Budget.Total = 0 },
			wantErr: ErrInvalidValue,
			contain: "budget",
		},
		{
			name:    "empty roster",
			mutate:  func(c *Config) { c.Workers = nil },
			wantErr: ErrMissingRequiredField,
			contain: "workers",
		},
		{
			name: "duplicate worker id",
			mutate: func(c *Config) {
				c.Workers = append(c.Workers, c.Workers[0])
			},
			wantErr: ErrInvalidValue,
			contain: "duplicate",
		},
		{
			name:    "worker without model",
			mutate:  func(c *Config) { c.Workers[0].Model = "" },
			wantErr: ErrMissingRequiredField,
			contain: "model",
		},
		{
			name:    "missing expert model",
			mutate:  func(c *Config) { c.Expert.Model = "" },
			wantErr: ErrMissingRequiredField,
			contain: "expert",
		},
		{
			name:    "unknown knowledge backend",
			mutate:  func(c *Config) { c.Knowledge.Backend = "redis" },
			wantErr: ErrInvalidValue,
			contain: "backend",
		},
		{
			name: "sqlite without path",
			mutate: func(c *Config) {
				c.Knowledge.Backend = "sqlite"
				c.Knowledge.Path = ""
			},
			wantErr: ErrMissingRequiredField,
			contain: "path",
		},
		{
			name:    "non-positive retention",
			mutate:  func(c *Config) { c.Retention.SessionTTL = 0 },
			wantErr: ErrInvalidValue,
			contain: "retention",
		},
		{
			name:    "non-positive review timeout",
			mutate:  func(c *Config) { c.Review.WaitTimeout = -time.Minute },
			wantErr: ErrInvalidValue,
			contain: "wait_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Contains(t, err.Error(), tt.contain)
		})
	}
}

func TestAPIKeyResolution(t *testing.T) {
	t.Setenv("NEBIUS_API_KEY", "sk-test")
	cfg := Default()
	assert.Equal(t, "sk-test", cfg.LLM.APIKey())
	assert.Empty(t, cfg.Sandbox.APIKey())
}
