// Package config loads and validates focusgroup.yaml. Unset fields
// fall back to built-in defaults, so a missing or partial file yields
// a runnable configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/focusgroup-ai/focusgroup/pkg/cost"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps configuration validation errors with context.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Section, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Config is the complete focusgroup configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Budget    cost.Budget     `yaml:"budget"`
	Workers   []WorkerConfig  `yaml:"workers"`
	Expert    ExpertConfig    `yaml:"expert"`
	Review    ReviewConfig    `yaml:"review"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Retention RetentionConfig `yaml:"retention"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig holds model-gateway settings. The API key is resolved
// from the environment variable named by APIKeyEnv, never stored in
// the file itself.
type LLMConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKeyEnv      string `yaml:"api_key_env"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`
}

// APIKey reads the configured environment variable.
func (l LLMConfig) APIKey() string {
	return os.Getenv(l.APIKeyEnv)
}

// SandboxConfig holds the code-execution service settings. An empty
// BaseURL selects the in-memory fake, which echoes uploads and
// reports success for every exec.
type SandboxConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// APIKey reads the configured environment variable.
func (s SandboxConfig) APIKey() string {
	return os.Getenv(s.APIKeyEnv)
}

// WorkerConfig describes one roster entry.
type WorkerConfig struct {
	ID        string `yaml:"id"`
	Model     string `yaml:"model"`
	Expertise string `yaml:"expertise"`
}

// ExpertConfig selects the senior model consulted on escalations.
type ExpertConfig struct {
	Model string `yaml:"model"`
}

// ReviewConfig controls the human review gate.
type ReviewConfig struct {
	// Mode is "human" (block on a reviewer) or "auto_approve".
	Mode string `yaml:"mode"`

	// WaitTimeout bounds how long a session blocks on a decision.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// KnowledgeConfig selects the knowledge store backend.
type KnowledgeConfig struct {
	// Backend is "memory", "sqlite" or "postgres".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file.
	Path string `yaml:"path"`

	// DSNEnv names the environment variable holding the postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN reads the configured environment variable.
func (k KnowledgeConfig) DSN() string {
	return os.Getenv(k.DSNEnv)
}

// RetentionConfig controls the in-memory retention janitor.
type RetentionConfig struct {
	// SessionTTL is how long finished sessions and their event
	// buffers are kept after their last update.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// SweepInterval is how often the janitor runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.studio.nebius.com/v1",
			APIKeyEnv:      "NEBIUS_API_KEY",
			EmbeddingModel: "BAAI/bge-en-icl",
			EmbeddingDim:   1536,
		},
		Sandbox: SandboxConfig{
			APIKeyEnv: "SANDBOX_API_KEY",
		},
		Budget: cost.DefaultBudget(),
		Workers: []WorkerConfig{
			{ID: "junior", Model: "microsoft/Phi-4-mini-instruct", Expertise: "beginner"},
			{ID: "intermediate", Model: "Qwen/Qwen2.5-14B-Instruct", Expertise: "mid-level"},
			{ID: "senior", Model: "meta-llama/Llama-3.3-70B-Instruct", Expertise: "advanced"},
		},
		Expert: ExpertConfig{
			Model: "deepseek-ai/DeepSeek-R1",
		},
		Review: ReviewConfig{
			Mode:        "auto_approve",
			WaitTimeout: 5 * time.Minute,
		},
		Knowledge: KnowledgeConfig{
			Backend: "memory",
			Path:    "focusgroup.db",
			DSNEnv:  "FOCUSGROUP_DATABASE_URL",
		},
		Retention: RetentionConfig{
			SessionTTL:    24 * time.Hour,
			SweepInterval: 1 * time.Hour,
		},
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Section: "server", Field: "port", Err: ErrInvalidValue}
	}
	if c.LLM.BaseURL == "" {
		return &ValidationError{Section: "llm", Field: "base_url", Err: ErrMissingRequiredField}
	}
	if c.LLM.EmbeddingDim <= 0 {
		return &ValidationError{Section: "llm", Field: "embedding_dim", Err: ErrInvalidValue}
	}
	if c.Budget.Total <= 0 {
		return &ValidationError{Section: "budget", Field: "total", Err: ErrInvalidValue}
	}
	if len(c.Workers) == 0 {
		return &ValidationError{Section: "workers", Err: ErrMissingRequiredField}
	}
	seen := make(map[string]bool, len(c.Workers))
	for _, w := range c.Workers {
		if w.ID == "" {
			return &ValidationError{Section: "workers", Field: "id", Err: ErrMissingRequiredField}
		}
		if w.Model == "" {
			return &ValidationError{Section: "workers", Field: "model", Err: fmt.Errorf("%w: worker '%s'", ErrMissingRequiredField, w.ID)}
		}
		if seen[w.ID] {
			return &ValidationError{Section: "workers", Field: "id", Err: fmt.Errorf("%w: duplicate worker '%s'", ErrInvalidValue, w.ID)}
		}
		seen[w.ID] = true
	}
	if c.Expert.Model == "" {
		return &ValidationError{Section: "expert", Field: "model", Err: ErrMissingRequiredField}
	}
	switch c.Review.Mode {
	case "human", "auto_approve":
	default:
		return &ValidationError{Section: "review", Field: "mode", Err: fmt.Errorf("%w: '%s'", ErrInvalidValue, c.Review.Mode)}
	}
	if c.Review.WaitTimeout <= 0 {
		return &ValidationError{Section: "review", Field: "wait_timeout", Err: ErrInvalidValue}
	}
	switch c.Knowledge.Backend {
	case "memory":
	case "sqlite":
		if c.Knowledge.Path == "" {
			return &ValidationError{Section: "knowledge", Field: "path", Err: ErrMissingRequiredField}
		}
	case "postgres":
		if c.Knowledge.DSNEnv == "" {
			return &ValidationError{Section: "knowledge", Field: "dsn_env", Err: ErrMissingRequiredField}
		}
	default:
		return &ValidationError{Section: "knowledge", Field: "backend", Err: fmt.Errorf("%w: '%s'", ErrInvalidValue, c.Knowledge.Backend)}
	}
	if c.Retention.SessionTTL <= 0 || c.Retention.SweepInterval <= 0 {
		return &ValidationError{Section: "retention", Err: ErrInvalidValue}
	}
	return nil
}
