// Package main provides the CLI entry point for the parley gateway.
//
// Parley mediates between streaming LLM output and a user who must approve
// tool calls before they run. Start the server:
//
//	parley serve --config parley.yaml
//
// Configuration can reference environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/agent/providers"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/tools"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "parley",
		Short:        "Parley - streaming tool-confirmation gateway",
		Long:         "Parley streams model output to clients and holds tool calls\nuntil the user confirms, rejects, or edits them.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley gateway server",
		Long: `Start the gateway server.

The server loads configuration, opens the history store, registers the
built-in tools, and serves the HTTP and websocket API. Graceful shutdown
is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	})
	return cmd
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		if _, err := os.Stat("parley.yaml"); err == nil {
			configPath = "parley.yaml"
		} else {
			return config.Default(), nil
		}
	}
	return config.Load(configPath)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := cfg.Logging.Level
	if debug {
		logLevel = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  logLevel,
		Format: cfg.Logging.Format,
	})
	// Built on the redacting handler so secrets never reach the output,
	// whichever component logs them.
	log := slog.New(logger.Handler())
	slog.SetDefault(log)

	log.Info("starting parley gateway", "version", version, "commit", commit)

	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
	})

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	provider, err := buildProvider(cfg)
	if err != nil {
		return fmt.Errorf("configure provider: %w", err)
	}

	registry := agent.NewToolRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	broker := agent.NewConfirmationBroker(agent.BrokerConfig{
		DefaultTimeout: cfg.Confirmation.Timeout,
		SweepInterval:  cfg.Confirmation.SweepInterval,
		Logger:         log,
	})

	compactor := history.NewCompactor(store, history.CompactorConfig{
		MaxCharacters: cfg.History.MaxCharacters,
		KeepRecent:    cfg.History.KeepRecent,
		Summarize:     summarizeWith(provider),
		Logger:        log,
	})

	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		Provider:  provider,
		Executor:  agent.NewToolExecutor(registry, log).WithObservability(metrics, tracer),
		Broker:    broker,
		Policy:    agent.NewApprovalPolicy(agent.PolicyConfig{Allowlist: cfg.Policy.Allowlist, Denylist: cfg.Policy.Denylist}),
		Store:     store,
		Metrics:   metrics,
		Tracer:    tracer,
		Logger:    log,
		System:    cfg.Agent.SystemPrompt,
		MaxTokens: cfg.Agent.MaxTokens,
		MaxRounds: cfg.Agent.MaxRounds,
	})

	server := gateway.NewServer(gateway.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.HTTPPort,
		Orchestrator: orchestrator,
		Store:        store,
		Compactor:    compactor,
		Metrics:      metrics,
		Tracer:       tracer,
		Logger:       log,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go broker.Run(ctx)

	if err := server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx := context.Background()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn("tracer shutdown error", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config) (history.Store, error) {
	switch cfg.History.Backend {
	case "memory":
		return history.NewMemoryStore(), nil
	default:
		return history.NewSQLiteStore(cfg.History.Path)
	}
}

func buildProvider(cfg *config.Config) (agent.ModelProvider, error) {
	name, providerCfg := cfg.Provider()
	switch name {
	case "openai":
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider(apiKey, providerCfg.DefaultModel), nil
	default:
		apiKey := providerCfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  apiKey,
			BaseURL: providerCfg.BaseURL,
			Model:   providerCfg.DefaultModel,
		})
	}
}

// summarizeWith builds the compaction summarizer on top of the streaming
// provider, concatenating the text deltas of a single summarization turn.
func summarizeWith(provider agent.ModelProvider) history.SummarizeFunc {
	return func(ctx context.Context, transcript string) (string, error) {
		deltas, err := provider.Stream(ctx, &agent.CompletionRequest{
			System: "Summarize the conversation so far in a few sentences. Preserve facts, decisions, and open tasks.",
			Messages: []agent.CompletionMessage{
				{Role: "user", Content: transcript},
			},
		})
		if err != nil {
			return "", err
		}

		var summary strings.Builder
		for delta := range deltas {
			if delta.Err != nil {
				return "", delta.Err
			}
			summary.WriteString(delta.Text)
		}
		return summary.String(), nil
	}
}
