package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentgate/internal/agent"
	"agentgate/internal/config"
	"agentgate/internal/gateway"
	"agentgate/internal/provider"
	"agentgate/internal/tool"
	"agentgate/internal/transcript"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "agentgate",
		Short: "AgentGate: conversational agent orchestrator",
		Long:  "AgentGate turns inbound channel messages into model-driven structured replies,\nwith configurable agents, pluggable backends, and a durable transcript.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.agentgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(turnCmd())
	root.AddCommand(commentCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(agentsCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not found, using defaults", "path", cfgPath, "err", err)
		cfg = config.Defaults()
	}
	applyLogLevel(cfg.General.LogLevel)
	return cfg
}

func applyLogLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildOrchestrator wires the full turn pipeline from config. The returned
// closer releases the transcript store.
func buildOrchestrator(cfg *config.Config) (*agent.Orchestrator, func(), error) {
	registry, err := config.LoadAgents(cfg.General.AgentsDir, logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := transcript.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return nil, nil, err
	}

	factory := provider.NewFactory(cfg, logger)
	catalog := tool.NewCatalog(registry)
	executor := tool.NewExecutor(logger)
	assembler := agent.NewAssembler(catalog, nil, logger)
	dispatcher := agent.NewDispatcher(cfg.Webhook.Attempts, time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second, logger)

	orch := agent.NewOrchestrator(registry, factory, assembler, executor, store, dispatcher, cfg.General.DefaultAgent, logger)
	return orch, func() { store.Close() }, nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and agents directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.AgentsDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "agents", cfg.General.AgentsDir)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if !cfg.Gateway.Enabled {
				return fmt.Errorf("gateway is disabled in config")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			orch, closer, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closer()

			srv := gateway.NewServer(gateway.Config{
				Host:            cfg.Gateway.Host,
				Port:            cfg.Gateway.Port,
				Secret:          cfg.Gateway.Secret,
				MetricsEnabled:  cfg.Metrics.Enabled,
				MetricsEndpoint: cfg.Metrics.Endpoint,
				Logger:          logger,
			}, orch)
			return srv.Start(ctx)
		},
	}
}

func turnCmd() *cobra.Command {
	var agentName, chatID string
	cmd := &cobra.Command{
		Use:   "turn [message]",
		Short: "Run one turn from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			orch, closer, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			outcome, err := orch.RunTurn(ctx, agent.TurnInput{
				ChatID:  chatID,
				Agent:   agentName,
				Channel: "cli",
				Text:    args[0],
			})
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(outcome)
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent to run the turn with")
	cmd.Flags().StringVar(&chatID, "chat", "cli-default", "conversation id")
	return cmd
}

func commentCmd() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "comment [prompt]",
		Short: "One-shot draft with no history or persistence",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			orch, closer, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			response, err := orch.Comment(ctx, agentName, args[0])
			if err != nil {
				return err
			}
			fmt.Println(response)
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent whose backend drafts the reply")
	return cmd
}

func modelsCmd() *cobra.Command {
	var agentName string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List models the agent's backend advertises",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			orch, closer, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer closer()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			models, err := orch.Models(ctx, agentName)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Println(m)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "agent whose backend to query")
	return cmd
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List configured agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			registry, err := config.LoadAgents(cfg.General.AgentsDir, logger)
			if err != nil {
				return err
			}
			for _, name := range registry.AgentNames() {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentgate", version)
		},
	}
}
