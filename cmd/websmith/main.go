// Package main is the entry point for the websmith binary: it boots the
// orchestrator that generates a complete web application from a goal.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/websmith/websmith/internal/common/config"
	"github.com/websmith/websmith/internal/common/logger"
	"github.com/websmith/websmith/internal/events"
	"github.com/websmith/websmith/internal/llm"
	"github.com/websmith/websmith/internal/orchestrator"
	"github.com/websmith/websmith/internal/tracing"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	flagConfig          string
	flagName            string
	flagGoal            string
	flagRequirements    []string
	flagReferenceImages []string
	flagOutputDir       string
	flagResume          bool
	flagVerbose         bool
)

var rootCmd = &cobra.Command{
	Use:   "websmith",
	Short: "WebSmith — multi-agent web application generator",
	Long:  "WebSmith coordinates a team of LLM-backed agents (product owner, designer, database, backend, frontend, verification) that build a web application from a natural-language goal.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run())
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "config file directory (default: . and /etc/websmith)")
	rootCmd.Flags().StringVar(&flagName, "name", "", "run name, used for the workspace directory")
	rootCmd.Flags().StringVar(&flagGoal, "goal", "", "natural-language goal for the application (required)")
	rootCmd.Flags().StringArrayVar(&flagRequirements, "requirement", nil, "additional requirement, repeatable")
	rootCmd.Flags().StringArrayVar(&flagReferenceImages, "reference-image", nil, "reference image copied into the workspace, repeatable")
	rootCmd.Flags().StringVar(&flagOutputDir, "output-dir", "", "parent directory for workspaces")
	rootCmd.Flags().BoolVar(&flagResume, "resume", false, "resume from an existing workspace")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkFlagRequired("goal")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("websmith %s\n", Version)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run executes one generation and maps the outcome to the process exit
// code: 0 delivered, 1 generation error, 2 pre-flight hard failure.
func run() int {
	cfg, err := config.LoadWithPath(flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}
	if flagName != "" {
		cfg.Run.Name = flagName
	}
	if flagOutputDir != "" {
		cfg.Run.OutputDir = flagOutputDir
	}
	cfg.Run.Resume = cfg.Run.Resume || flagResume
	if flagVerbose {
		cfg.Run.Verbose = true
		cfg.Logging.Level = "debug"
	}

	log, err := logger.NewLogger(logger.LoggingConfig(cfg.Logging))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer log.Sync()
	logger.SetDefault(log)

	client, err := buildLLMClient(cfg)
	if err != nil {
		log.Error("llm client init failed", zap.Error(err))
		return 1
	}

	workspaceDir := filepath.Join(cfg.Run.OutputDir, cfg.Run.Name)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		log.Error("workspace directory", zap.Error(err))
		return 1
	}

	emitter := events.NewEmitter(log)
	emitter.AddListener(events.ConsoleListener())
	if fileListener, err := events.JSONFileListener(filepath.Join(workspaceDir, "events.jsonl")); err == nil {
		emitter.AddListener(fileListener)
	} else {
		log.Warn("event log disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting generation",
		zap.String("version", Version),
		zap.String("name", cfg.Run.Name),
		zap.String("workspace", workspaceDir),
		zap.Bool("resume", cfg.Run.Resume))

	o := orchestrator.New(cfg, client, emitter, log)
	runErr := o.Run(ctx, orchestrator.Options{
		Name:            cfg.Run.Name,
		Goal:            flagGoal,
		Requirements:    flagRequirements,
		ReferenceImages: flagReferenceImages,
		WorkspaceDir:    workspaceDir,
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}

	switch {
	case runErr == nil:
		log.Info("generation complete", zap.String("workspace", workspaceDir))
		return 0
	case errors.Is(runErr, orchestrator.ErrNoPorts):
		log.Error("pre-flight failure", zap.Error(runErr))
		return 2
	default:
		log.Error("generation failed", zap.Error(runErr))
		return 1
	}
}

// buildLLMClient picks the model backend. The stub provider exists for
// dry runs and tests; credentials come from the environment only.
func buildLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "anthropic":
		client, err := llm.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		return client.WithMaxTokens(cfg.LLM.MaxTokens), nil
	case "stub":
		return llm.NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
