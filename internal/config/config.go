package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level per-agent-process configuration.
type Config struct {
	Matrix    MatrixConfig    `json:"matrix"`
	Agent     AgentConfig     `json:"agent"`
	LLM       LLMConfig       `json:"llm"`
	Embedding EmbeddingConfig `json:"embedding"`
	Database  DatabaseConfig  `json:"database"`
	Workflow  WorkflowConfig  `json:"workflow"`
	API       APIConfig       `json:"api"`
}

type MatrixConfig struct {
	Homeserver       string `json:"homeserver"`
	UserID           string `json:"user_id"`
	AccessToken      string `json:"access_token"`
	CoordinationRoom string `json:"coordination_room"`
}

type AgentConfig struct {
	ID           string   `json:"id"`
	DisplayName  string   `json:"display_name"`
	Capabilities []string `json:"capabilities"`
}

type LLMConfig struct {
	Endpoint       string  `json:"endpoint"`
	Model          string  `json:"model"`
	MaxTokens      int     `json:"max_tokens"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type DatabaseConfig struct {
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Postgres PostgresConfig `json:"postgres"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type WorkflowConfig struct {
	StepTimeoutSeconds     int `json:"step_timeout_seconds"`
	DiscoveryWindowSeconds int `json:"discovery_window_seconds"`
}

type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// StepTimeout returns the configured per-step reply bound.
func (w WorkflowConfig) StepTimeout() time.Duration {
	if w.StepTimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(w.StepTimeoutSeconds) * time.Second
}

// DiscoveryWindow returns the bootstrap discovery window.
func (w WorkflowConfig) DiscoveryWindow() time.Duration {
	if w.DiscoveryWindowSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.DiscoveryWindowSeconds) * time.Second
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if c.Matrix.CoordinationRoom == "" {
		return fmt.Errorf("matrix.coordination_room is required")
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	return nil
}
