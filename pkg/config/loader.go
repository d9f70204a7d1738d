package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"text/template"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load reads focusgroup.yaml from path, expands environment
// variables, merges the result over the built-in defaults and
// validates it. A missing file is not an error; the defaults are
// returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No configuration file found, using defaults", "path", path)
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	data = ExpandEnv(data)

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w: %v", path, ErrInvalidYAML, err)
	}

	// File values override defaults; unset fields keep them. A
	// user-supplied worker roster replaces the default roster.
	if err := mergo.Merge(cfg, &fileCfg, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("failed to merge %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"path", path,
		"workers", len(cfg.Workers),
		"knowledge_backend", cfg.Knowledge.Backend,
		"review_mode", cfg.Review.Mode)

	return cfg, nil
}

// ExpandEnv expands environment variables in YAML content using Go
// templates. Uses {{.VAR_NAME}} syntax to avoid collision with
// literal $ characters in regex patterns, passwords and shell
// snippets. Missing variables expand to empty string; malformed
// templates pass the content through unchanged so the YAML parser
// reports the clearer error.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}

	return buf.Bytes()
}
