// Package config loads the server configuration file: model registry,
// checkpoint storage, token budget, scanner commands, and engine limits.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/tokens"
)

// Config is the full server configuration.
type Config struct {
	Models     ModelsConfig     `json:"models" yaml:"models"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Tokens     tokens.Budget    `json:"tokens" yaml:"tokens"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval"`
	Scanners   []ScannerConfig  `json:"scanners" yaml:"scanners"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
}

// ModelsConfig declares the selectable models and the initial choice.
type ModelsConfig struct {
	Default   string          `json:"default" yaml:"default"`
	Available []llm.ModelInfo `json:"available" yaml:"available"`
}

// CheckpointConfig selects checkpoint storage. An empty path means the
// in-memory store; anything else is a SQLite database file.
type CheckpointConfig struct {
	Path string `json:"path" yaml:"path"`
}

// RetrievalConfig tunes fragment retrieval.
type RetrievalConfig struct {
	// K is the fragment count requested per worker retrieval.
	K int `json:"k" yaml:"k"`
}

// ScannerConfig declares one external scan tool invocation.
type ScannerConfig struct {
	Name    string   `json:"name" yaml:"name"`
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
}

// EngineConfig tunes graph execution.
type EngineConfig struct {
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
}

// LoggingConfig tunes the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `json:"level" yaml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Models: ModelsConfig{
			Available: []llm.ModelInfo{
				{ID: "claude-sonnet-4-5", Provider: "claude", Description: "Claude CLI default"},
			},
		},
		Tokens:    tokens.Budget{MaxContextTokens: 16000, ReservedOutputTokens: 2000},
		Retrieval: RetrievalConfig{K: 8},
		Engine:    EngineConfig{MaxIterations: 1000},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// FromFile loads configuration from a file, auto-detecting format by
// extension. Supported extensions: .yaml, .yml, .json. Absent fields
// keep their defaults.
func FromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config over the defaults.
func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, cfg.Validate()
}

// FromJSON parses JSON data into a Config over the defaults.
func FromJSON(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants a loaded configuration must hold.
func (c Config) Validate() error {
	if len(c.Models.Available) == 0 {
		return fmt.Errorf("config: at least one model must be configured")
	}
	if c.Models.Default != "" {
		found := false
		for _, m := range c.Models.Available {
			if m.ID == c.Models.Default {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("config: default model %q is not in the available list", c.Models.Default)
		}
	}
	if c.Tokens.MaxContextTokens <= 0 {
		return fmt.Errorf("config: tokens.max_context_tokens must be positive")
	}
	if c.Tokens.ReservedOutputTokens < 0 {
		return fmt.Errorf("config: tokens.reserved_output_tokens cannot be negative")
	}
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("config: engine.max_iterations must be positive")
	}
	for i, s := range c.Scanners {
		if s.Name == "" || s.Command == "" {
			return fmt.Errorf("config: scanner %d needs a name and a command", i)
		}
	}
	return nil
}
