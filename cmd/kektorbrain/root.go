package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sanonone/kektorbrain/internal/config"
	"github.com/sanonone/kektorbrain/internal/mcp"
	"github.com/sanonone/kektorbrain/pkg/embeddings"
	"github.com/sanonone/kektorbrain/pkg/engine"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string
	dataDir    string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kektorbrain",
	Short: "KektorBrain - a personal knowledge graph with retrieval and question answering",
	Long: `KektorBrain stores notes, tasks, contacts and documents as a knowledge
graph, links them automatically, and answers questions from them.

Configuration is read from --config (YAML) and KEKTORBRAIN_* environment
variables.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute runs the root command with signal handling.
func Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "version" || cmd.Name() == "help" {
		return nil
	}
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dataDir != "" {
		c.Data.Dir = dataDir
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c
	logger = cfg.NewLogger()
	slog.SetDefault(logger)
	return nil
}

// openEngine builds the embedder and answer generator from the loaded
// configuration and opens the engine on the data directory.
func openEngine(ctx context.Context) (*engine.Engine, error) {
	emb, err := embeddings.NewFromConfig(cfg.Embedder)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}
	deps := engine.Deps{Embedder: emb, Logger: logger}
	if gen := cfg.NewGenerator(logger); gen != nil {
		deps.Generator = gen
	} else {
		logger.Warn("no language model configured, questions with matching context will fail with generation_failure")
	}
	eng, err := engine.Open(ctx, cfg.EngineOptions(), deps)
	if err != nil {
		return nil, fmt.Errorf("open engine in '%s': %w", cfg.Data.Dir, err)
	}
	return eng, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("kektorbrain", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kektorbrain.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override data.dir from the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	mcp.Version = version

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
