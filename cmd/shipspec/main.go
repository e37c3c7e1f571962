// Command shipspec serves the workflow orchestration protocol over
// stdin/stdout: line-delimited JSON requests in, line-delimited JSON
// events out. Logs go to stderr so the wire stays clean.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jsegov/shipspec/pkg/config"
	"github.com/jsegov/shipspec/pkg/engine/checkpoint"
	"github.com/jsegov/shipspec/pkg/llm"
	"github.com/jsegov/shipspec/pkg/observability"
	"github.com/jsegov/shipspec/pkg/retrieval"
	"github.com/jsegov/shipspec/pkg/rpc"
	"github.com/jsegov/shipspec/pkg/scan"
	"github.com/jsegov/shipspec/pkg/workflow"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a yaml or json config file")
	repoPath := flag.String("repo", ".", "codebase the workflows operate on")
	telemetry := flag.Bool("telemetry", false, "record OpenTelemetry metrics and spans")
	flag.Parse()

	if err := run(*configPath, *repoPath, *telemetry); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, repoPath string, telemetry bool) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.FromFile(configPath)
		if err != nil {
			return err
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))

	models, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	client, err := buildClient(models.Current())
	if err != nil {
		return err
	}
	client = llm.WithRetry(client, llm.DefaultRetry)

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	retriever, err := retrieval.NewFSRetriever(repoPath)
	if err != nil {
		return err
	}

	opts := rpc.Options{
		Deps: workflow.Deps{
			LLM:        client,
			Retriever:  retriever,
			Scanners:   buildScanners(cfg),
			ScanTarget: repoPath,
			Budget:     cfg.Tokens,
			RetrieveK:  cfg.Retrieval.K,
			Logger:     logger,
		},
		Store:         store,
		Models:        models,
		MaxIterations: cfg.Engine.MaxIterations,
		Logger:        logger,
		Version:       version,
	}
	if telemetry {
		opts.Metrics = observability.NewMetricsRecorder()
		opts.Spans = observability.NewSpanManager()
	}

	srv, err := rpc.NewServer(os.Stdout, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("server starting",
		slog.String("version", version),
		slog.String("repo", repoPath),
		slog.String("model", models.Current().ID),
	)

	return srv.Serve(ctx, os.Stdin)
}

// buildRegistry creates the model registry from configuration.
func buildRegistry(cfg config.Config) (*llm.Registry, error) {
	return llm.NewRegistry(cfg.Models.Available, cfg.Models.Default)
}

// buildClient constructs the provider client for the default model.
// model.set can select any configured model at runtime; providers are
// chosen per process, so all configured models should share one.
func buildClient(info llm.ModelInfo) (llm.Client, error) {
	switch info.Provider {
	case "claude", "":
		return llm.NewClaudeCLI(llm.WithClaudeModel(info.ID)), nil
	case "openai":
		return llm.NewOpenAI(llm.WithOpenAIModel(info.ID)), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", info.Provider)
	}
}

// buildStore selects checkpoint storage: SQLite when a path is
// configured, in-memory otherwise.
func buildStore(cfg config.Config) (checkpoint.Store, error) {
	if cfg.Checkpoint.Path == "" {
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewSQLiteStore(cfg.Checkpoint.Path)
}

// buildScanners turns scanner configs into command scanners.
func buildScanners(cfg config.Config) []scan.Scanner {
	scanners := make([]scan.Scanner, 0, len(cfg.Scanners))
	for _, sc := range cfg.Scanners {
		scanners = append(scanners, scan.NewCommandScanner(sc.Name, sc.Command, sc.Args...))
	}
	return scanners
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
