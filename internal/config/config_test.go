package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${SECRETPLAN_TEST_KEY}\n"), 0600)
	t.Setenv("SECRETPLAN_TEST_KEY", "sk-secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "sk-secret123")
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("data_dir: "+dir+"\nagent:\n  terminal_tools: [secret_plan]\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8000 {
		t.Errorf("port = %d, want 8000", cfg.Listen.Port)
	}
	if cfg.Models.Default != "gpt-4o-mini" {
		t.Errorf("default model = %q, want gpt-4o-mini", cfg.Models.Default)
	}
	if cfg.Agent.Instructions != "Be Helpful" {
		t.Errorf("instructions = %q, want %q", cfg.Agent.Instructions, "Be Helpful")
	}
	if want := filepath.Join(dir, "messages.sqlite"); cfg.Database.Path != want {
		t.Errorf("database path = %q, want %q", cfg.Database.Path, want)
	}
	if len(cfg.Agent.TerminalTools) != 1 || cfg.Agent.TerminalTools[0] != "secret_plan" {
		t.Errorf("terminal_tools = %v, want [secret_plan]", cfg.Agent.TerminalTools)
	}
	if cfg.Agent.MaxRetries != 1 || cfg.Agent.RequestLimit != 50 {
		t.Errorf("agent limits = %d/%d, want 1/50", cfg.Agent.MaxRetries, cfg.Agent.RequestLimit)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	os.WriteFile(path, []byte("SECRETPLAN_DOTENV_TEST=from-file\n"), 0600)
	t.Setenv("SECRETPLAN_DOTENV_TEST", "")
	os.Unsetenv("SECRETPLAN_DOTENV_TEST")

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv("SECRETPLAN_DOTENV_TEST"); got != "from-file" {
		t.Errorf("SECRETPLAN_DOTENV_TEST = %q, want %q", got, "from-file")
	}
}

func TestProviderFor(t *testing.T) {
	cfg := Default()
	cfg.Models.Available = []ModelConfig{{Name: "house-model", Provider: "ollama"}}

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"claude-sonnet-4-20250514", "anthropic"},
		{"qwen3:4b", "ollama"},
		{"test", "test"},
		{"house-model", "ollama"},
	}
	for _, tt := range tests {
		if got := cfg.ProviderFor(tt.model); got != tt.want {
			t.Errorf("ProviderFor(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OBSERVABILITY_API_KEY", "")

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "openai without key",
			mutate:  func(c *Config) {},
			wantErr: "OpenAI API key",
		},
		{
			name:   "openai with key",
			mutate: func(c *Config) { c.OpenAI.APIKey = "sk-test" },
		},
		{
			name:    "anthropic without key",
			mutate:  func(c *Config) { c.Models.Default = "claude-sonnet-4-20250514" },
			wantErr: "Anthropic API key",
		},
		{
			name:   "test model needs no key",
			mutate: func(c *Config) { c.Models.Default = "test" },
		},
		{
			name: "observability without key",
			mutate: func(c *Config) {
				c.Models.Default = "test"
				c.Observability.Enabled = true
				c.Observability.Endpoint = "http://collector.local/v1/events"
			},
			wantErr: "no API key",
		},
		{
			name: "bad driver",
			mutate: func(c *Config) {
				c.Models.Default = "test"
				c.Database.Driver = "postgres"
			},
			wantErr: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "INFO", false},
		{"trace", "DEBUG-4", false},
		{" Debug ", "DEBUG", false},
		{"warning", "WARN", false},
		{"error", "ERROR", false},
		{"loud", "", true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLogLevel(%q) should error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(context.Background(), LevelTrace, "wire payload")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output = %q, want level=TRACE", buf.String())
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "JSON")
	logger.Info("hello")

	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("json logger output = %q, want a JSON object", buf.String())
	}
}
