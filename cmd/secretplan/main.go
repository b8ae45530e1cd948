// Secretplan is a demo chat agent with a password-gated secret plan.
//
// It serves a small web UI and a streaming chat endpoint, keeps every
// conversation in SQLite, and can mirror agent activity to an MQTT broker
// and an observability collector. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	secretplan serve                 Start the API server
//	secretplan init [dir]            Write an example config.yaml
//	secretplan ask [-c id] <prompt>  Run one prompt through the agent
//	secretplan version               Print version and build information
//	secretplan -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/secretplan/internal/agent"
	"github.com/nugget/secretplan/internal/api"
	"github.com/nugget/secretplan/internal/buildinfo"
	"github.com/nugget/secretplan/internal/config"
	"github.com/nugget/secretplan/internal/connwatch"
	"github.com/nugget/secretplan/internal/events"
	"github.com/nugget/secretplan/internal/httpkit"
	"github.com/nugget/secretplan/internal/llm"
	"github.com/nugget/secretplan/internal/memory"
	"github.com/nugget/secretplan/internal/mqtt"
	"github.com/nugget/secretplan/internal/secretplan"
	"github.com/nugget/secretplan/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's globals get in the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Secretplan - demo chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: secretplan [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the API server")
	fmt.Fprintln(w, "  init [dir]            Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-c id] <prompt>  Run one prompt; -c stores it in a conversation")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/secretplan/config.yaml, /etc/secretplan/config.yaml")
	fmt.Fprintln(w, "  Without a config file the built-in defaults are used.")
	return nil
}

// askResult is the JSON output of the ask command.
type askResult struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Output         any    `json:"output"`
	ToolName       string `json:"tool_name,omitempty"`
	Requests       int    `json:"requests"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

// runAsk runs one prompt through the agent. With -c the conversation's
// stored history is used and the new messages are appended to it.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	var conversationID string
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-c" && i+1 < len(args):
			conversationID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-c="):
			conversationID = strings.TrimPrefix(args[i], "-c=")
		default:
			words = append(words, args[i])
		}
	}
	prompt := strings.Join(words, " ")
	if prompt == "" {
		return fmt.Errorf("usage: secretplan ask [-c conversation] <prompt>")
	}

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a := buildAgent(cfg, createLLMClient(cfg, logger), logger)

	var store *memory.SQLiteStore
	opts := agent.RunOptions{ConversationID: conversationID, Deps: secretplan.NewDeps(secretplan.State{})}
	if conversationID != "" {
		store, err = memory.Open(cfg.Database.Path, cfg.Database.Driver, logger)
		if err != nil {
			return fmt.Errorf("open conversation store: %w", err)
		}
		defer store.Close()

		opts.History, err = store.GetMessages(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("load conversation %s: %w", conversationID, err)
		}
	}

	res, err := a.Run(ctx, prompt, opts)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if store != nil {
		if err := store.SaveMessages(ctx, conversationID, res.NewMessages()); err != nil {
			return fmt.Errorf("save conversation %s: %w", conversationID, err)
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult{
			ConversationID: conversationID,
			Output:         res.Output,
			ToolName:       res.ToolName,
			Requests:       res.Requests,
			InputTokens:    res.Usage.InputTokens,
			OutputTokens:   res.Usage.OutputTokens,
		})
	}
	fmt.Fprintln(stdout, res.OutputText())
	return nil
}

// runServe loads config, opens the conversation store, starts the
// optional exporters and serves HTTP until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The HTTP server drains in-flight requests
//  3. The MQTT publisher announces offline and disconnects
//  4. The telemetry exporter flushes and the store closes via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stdout, cfg)
	logger.Info("starting secretplan", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"database", cfg.Database.Path,
		"driver", cfg.Database.Driver,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := memory.Open(cfg.Database.Path, cfg.Database.Driver, logger)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	bus := events.New()
	store.SetEventBus(bus)

	llmClient := createLLMClient(cfg, logger)
	a := buildAgent(cfg, llmClient, logger)
	a.SetEventBus(bus)

	health := connwatch.NewManager(logger, bus)
	defer health.Stop()
	for name, provider := range llmClient.ModelProviders() {
		health.Watch(ctx, "llm:"+name, provider.Ping, connwatch.DefaultSchedule())
	}

	var background []<-chan struct{}

	if cfg.Observability.Enabled {
		exporter := telemetry.New(cfg.Observability, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			exporter.Run(ctx, bus)
		}()
		background = append(background, done)
		logger.Info("observability export enabled", "endpoint", cfg.Observability.Endpoint)
	}

	var publisher *mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		clientID, err := mqtt.LoadOrCreateClientID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt client id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, clientID, bus, logger)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := publisher.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		background = append(background, done)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a, store, logger)
	server.SetEventBus(bus)
	server.SetHealth(health)
	server.SetDepsFactory(func() api.StateDeps {
		return secretplan.NewDeps(secretplan.State{})
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", "error", err)
	}
	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown", "error", err)
		}
	}
	cancel()
	for _, done := range background {
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logger.Warn("background worker did not stop in time")
		}
	}
	return nil
}

// configuredLogger builds the logger described by cfg. The level was
// checked by config validation; a bad value falls back to info.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		if l, err := config.ParseLogLevel(cfg.LogLevel); err == nil {
			level = l
		}
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig loads .env, then locates and parses the YAML configuration
// file. An explicit path must exist; without one, a missing file means
// the built-in defaults.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// buildAgent wires the LLM client, the demo tools and the configured
// step policies into an agent.
func buildAgent(cfg *config.Config, client llm.Client, logger *slog.Logger) *agent.Agent {
	var policies []agent.StepPolicy
	if len(cfg.Agent.TerminalTools) > 0 {
		policies = append(policies, agent.TerminalTools(cfg.Agent.TerminalTools...))
	}
	if cfg.Agent.EarlyExit {
		policies = append(policies, agent.EarlyExit())
	}

	return agent.New(logger, client, secretplan.Registry(), agent.Config{
		Model:        cfg.Models.Default,
		Instructions: cfg.Agent.Instructions,
		Policies:     policies,
		MaxRetries:   cfg.Agent.MaxRetries,
		RequestLimit: cfg.Agent.RequestLimit,
	})
}

// createLLMClient builds a multi-provider client. Providers without
// credentials are left out; models that map to no registered provider
// fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)
	multi.AddProvider("test", llm.NewTestClient())

	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(5*time.Minute),
		httpkit.WithUserAgent(buildinfo.UserAgent()),
		httpkit.WithLogger(logger),
	)

	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:            cfg.OpenAI.APIKey,
			BaseURL:           cfg.OpenAI.BaseURL,
			ParallelToolCalls: cfg.Models.ParallelToolCalls,
			HTTPClient:        httpClient,
		}, logger))
		logger.Debug("OpenAI provider configured")
	}
	if cfg.Anthropic.APIKey != "" {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, httpClient, logger))
		logger.Debug("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	defaultProvider := cfg.ProviderFor(cfg.Models.Default)
	multi.AddModel(cfg.Models.Default, defaultProvider)

	logger.Info("LLM client initialized", "default_model", cfg.Models.Default, "default_provider", defaultProvider)
	return multi
}
