// Package config handles secretplan configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/secretplan/config.yaml, /etc/secretplan/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "secretplan", "config.yaml"))
	}

	paths = append(paths, "/etc/secretplan/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// LoadDotEnv loads KEY=value pairs from the given .env files into the
// process environment. Variables already set in the environment win.
// Missing files are skipped; with no arguments ./.env is tried.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Config holds all secretplan configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	DataDir       string              `yaml:"data_dir"`
	Database      DatabaseConfig      `yaml:"database"`
	Models        ModelsConfig        `yaml:"models"`
	OpenAI        OpenAIConfig        `yaml:"openai"`
	Anthropic     AnthropicConfig     `yaml:"anthropic"`
	Agent         AgentConfig         `yaml:"agent"`
	Observability ObservabilityConfig `yaml:"observability"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text or json
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig selects the conversation store.
type DatabaseConfig struct {
	// Path is the SQLite file. Defaults to <data_dir>/messages.sqlite.
	Path string `yaml:"path"`
	// Driver is "sqlite3" (cgo, mattn) or "sqlite" (pure Go, modernc).
	Driver string `yaml:"driver"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default           string        `yaml:"default"`
	OllamaURL         string        `yaml:"ollama_url"`
	ParallelToolCalls bool          `yaml:"parallel_tool_calls"`
	Available         []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // openai, anthropic, ollama, test
}

// OpenAIConfig defines OpenAI API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// AgentConfig controls the run loop.
type AgentConfig struct {
	Instructions string `yaml:"instructions"`
	// TerminalTools ends a run as soon as one of these tools returns.
	TerminalTools []string `yaml:"terminal_tools"`
	// EarlyExit lets tools end the run through the exit signal.
	EarlyExit bool `yaml:"early_exit"`
	// MaxRetries is how many retry prompts a single tool may produce.
	MaxRetries int `yaml:"max_retries"`
	// RequestLimit caps model requests per run.
	RequestLimit int `yaml:"request_limit"`
}

// ObservabilityConfig configures the event exporter.
type ObservabilityConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Endpoint         string `yaml:"endpoint"`
	APIKey           string `yaml:"api_key"`
	ServiceName      string `yaml:"service_name"`
	FlushIntervalSec int    `yaml:"flush_interval_sec"`
	BatchSize        int    `yaml:"batch_size"`
}

// MQTTConfig configures the optional MQTT event mirror. An empty
// Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	// StatusIntervalSec is how often the retained status summary is
	// republished.
	StatusIntervalSec int `yaml:"status_interval_sec"`
}

// Load reads configuration from a YAML file, expands environment
// variables, and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "messages.sqlite")
	}
	if c.Models.Default == "" {
		c.Models.Default = "gpt-4o-mini"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Agent.Instructions == "" {
		c.Agent.Instructions = "Be Helpful"
	}
	if c.Agent.MaxRetries <= 0 {
		c.Agent.MaxRetries = 1
	}
	if c.Agent.RequestLimit <= 0 {
		c.Agent.RequestLimit = 50
	}
	if c.Observability.APIKey == "" {
		c.Observability.APIKey = os.Getenv("OBSERVABILITY_API_KEY")
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "secretplan"
	}
	if c.Observability.FlushIntervalSec <= 0 {
		c.Observability.FlushIntervalSec = 5
	}
	if c.Observability.BatchSize <= 0 {
		c.Observability.BatchSize = 100
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "secretplan"
	}
	if c.MQTT.StatusIntervalSec <= 0 {
		c.MQTT.StatusIntervalSec = 60
	}
}

// ProviderFor returns the provider that serves model. Explicit entries in
// models.available win; otherwise the provider is inferred from the name.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	switch {
	case model == "test":
		return "test"
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.Contains(model, ":"):
		return "ollama"
	default:
		return "openai"
	}
}

// Validate reports configuration that would make startup fail later.
// Missing credentials for the default model's provider or for an
// enabled observability backend are fatal.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("database.driver %q is not supported (valid: sqlite3, sqlite)", c.Database.Driver)
	}

	switch p := c.ProviderFor(c.Models.Default); p {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("model %q needs an OpenAI API key (openai.api_key or OPENAI_API_KEY)", c.Models.Default)
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("model %q needs an Anthropic API key (anthropic.api_key or ANTHROPIC_API_KEY)", c.Models.Default)
		}
	case "ollama", "test":
	default:
		return fmt.Errorf("model %q has unknown provider %q", c.Models.Default, p)
	}

	if c.Observability.Enabled {
		if c.Observability.Endpoint == "" {
			return fmt.Errorf("observability.endpoint is required when observability is enabled")
		}
		if c.Observability.APIKey == "" {
			return fmt.Errorf("observability is enabled but no API key is set (observability.api_key or OBSERVABILITY_API_KEY)")
		}
	}
	return nil
}
