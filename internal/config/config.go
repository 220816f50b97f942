package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reviewline.yml.
type Config struct {
	Analysis AnalysisConfig `yaml:"analysis"`
	Limits   LimitsConfig   `yaml:"limits"`
}

// AnalysisConfig configures the chat model behind the analysis client.
type AnalysisConfig struct {
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxInputChars  int    `yaml:"max_input_chars"`
}

// LimitsConfig bounds intake and listing.
type LimitsConfig struct {
	MaxReviewChars   int  `yaml:"max_review_chars"`
	AllowEmptyReview bool `yaml:"allow_empty_review"`
	DefaultListLimit int  `yaml:"default_list_limit"`
	MaxListLimit     int  `yaml:"max_list_limit"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Analysis.Provider {
	case "", "disabled", "none", "openai":
	default:
		return fmt.Errorf("config.analysis.provider must be openai or disabled, got %q", c.Analysis.Provider)
	}
	if c.Analysis.TimeoutSeconds < 0 {
		return fmt.Errorf("config.analysis.timeout_seconds must be >= 0")
	}
	if c.Analysis.MaxInputChars < 0 {
		return fmt.Errorf("config.analysis.max_input_chars must be >= 0")
	}
	if c.Limits.MaxReviewChars <= 0 {
		return fmt.Errorf("config.limits.max_review_chars must be > 0")
	}
	if c.Limits.DefaultListLimit <= 0 {
		return fmt.Errorf("config.limits.default_list_limit must be > 0")
	}
	if c.Limits.MaxListLimit < c.Limits.DefaultListLimit {
		return fmt.Errorf("config.limits.max_list_limit must be >= default_list_limit")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `analysis:
  # openai or disabled; disabled makes submit/retry record failed analyses.
  provider: openai
  model: llama3.1-8b
  # api_key falls back to OPENAI_API_KEY, base_url to OPENAI_BASE_URL.
  api_key: ""
  base_url: ""
  timeout_seconds: 30
  max_input_chars: 2500

limits:
  max_review_chars: 8000
  allow_empty_review: true
  default_list_limit: 50
  max_list_limit: 200
`
