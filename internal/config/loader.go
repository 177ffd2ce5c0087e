package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"support_agent/internal/logger"
)

// WorkflowConfig holds the business thresholds of the refund workflow.
type WorkflowConfig struct {
	HighRiskAmount     float64 `yaml:"high_risk_amount"`
	MediumRiskAmount   float64 `yaml:"medium_risk_amount"`
	RefundWindowDays   int     `yaml:"refund_window_days"`
	MaxRefundsPerMonth int     `yaml:"max_refunds_per_month"`
	MaxStepsPerTurn    int     `yaml:"max_steps_per_turn"`
}

// RetrievalConfig holds knowledge retrieval settings.
type RetrievalConfig struct {
	TopK           int     `yaml:"top_k"`
	RelevanceFloor float64 `yaml:"relevance_floor"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL               string `yaml:"url"`
	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
}

// ModelConfig holds chat and embedding model settings.
type ModelConfig struct {
	APIKey      string  `yaml:"-"` // from OPENAI_API_KEY
	BaseURL     string  `yaml:"base_url"`
	ChatModel   string  `yaml:"chat_model"`
	EmbedModel  string  `yaml:"embed_model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// Config is the full application configuration.
type Config struct {
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Redis     RedisConfig     `yaml:"redis"`
	Model     ModelConfig     `yaml:"model"`
	Log       logger.Config   `yaml:"log"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing YAML: %w", err)
	}

	config.applyEnv()
	return config, nil
}

// Default returns a configuration with the built-in defaults.
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			HighRiskAmount:     2000,
			MediumRiskAmount:   500,
			RefundWindowDays:   7,
			MaxRefundsPerMonth: 3,
			MaxStepsPerTurn:    8,
		},
		Retrieval: RetrievalConfig{
			TopK:           4,
			RelevanceFloor: 0.5,
			TimeoutSeconds: 10,
		},
		Redis: RedisConfig{
			URL:               "redis://localhost:6379",
			SessionTTLSeconds: 0, // 0 = no expiry; sessions are never physically deleted
		},
		Model: ModelConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			ChatModel:   "openai/gpt-4o-mini",
			EmbedModel:  "nomic-embed-text",
			MaxTokens:   1500,
			Temperature: 0.1,
		},
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// applyEnv overrides file values with environment variables when set.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Model.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Model.BaseURL = v
	}
}
