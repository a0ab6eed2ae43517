// Package config loads the parley configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for parley.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	History       HistoryConfig       `yaml:"history"`
	Confirmation  ConfirmationConfig  `yaml:"confirmation"`
	Policy        PolicyConfig        `yaml:"policy"`
	Agent         AgentConfig         `yaml:"agent"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

type HistoryConfig struct {
	// Backend selects the store implementation: "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path is the sqlite database file. Empty means in-memory.
	Path string `yaml:"path"`

	// MaxCharacters is the compaction budget for a session transcript.
	MaxCharacters int `yaml:"max_characters"`

	// KeepRecent is how many recent messages survive compaction verbatim.
	KeepRecent int `yaml:"keep_recent"`
}

type ConfirmationConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type PolicyConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
	MaxRounds    int    `yaml:"max_rounds"`
	MaxTokens    int    `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

type TracingConfig struct {
	// Endpoint is the OTLP collector endpoint. Empty disables tracing.
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration bytes, expanding environment variables and
// applying defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = "sqlite"
	}
	if cfg.History.MaxCharacters == 0 {
		cfg.History.MaxCharacters = 3200
	}
	if cfg.History.KeepRecent == 0 {
		cfg.History.KeepRecent = 3
	}
	if cfg.Confirmation.Timeout == 0 {
		cfg.Confirmation.Timeout = 15 * time.Second
	}
	if cfg.Confirmation.SweepInterval == 0 {
		cfg.Confirmation.SweepInterval = 30 * time.Second
	}
	if cfg.Agent.MaxRounds == 0 {
		cfg.Agent.MaxRounds = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints a zero value cannot express.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	if c.Confirmation.Timeout < 0 {
		return fmt.Errorf("confirmation timeout must be positive")
	}
	if rate := c.Observability.Tracing.SamplingRate; rate < 0 || rate > 1 {
		return fmt.Errorf("tracing sampling rate must be between 0 and 1")
	}
	for name := range c.LLM.Providers {
		switch name {
		case "anthropic", "openai":
		default:
			return fmt.Errorf("unknown llm provider %q", name)
		}
	}
	return nil
}

// Provider returns the configuration for the default provider.
func (c *Config) Provider() (string, LLMProviderConfig) {
	return c.LLM.DefaultProvider, c.LLM.Providers[c.LLM.DefaultProvider]
}
