// skypetl ingests Skype JSON/TAR exports into PostgreSQL: extract, transform,
// and load phases with checkpointed resumption, or a fused streaming pass for
// exports larger than memory.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatvault/skypetl/pkg/config"
	"github.com/chatvault/skypetl/pkg/database"
	"github.com/chatvault/skypetl/pkg/models"
	"github.com/chatvault/skypetl/pkg/observability"
	"github.com/chatvault/skypetl/pkg/pipeline"
	"github.com/chatvault/skypetl/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// configureLogging sets the default slog handler from LOG_LEVEL.
func configureLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	input := flag.String("input", "", "Path to the Skype export (.json or .tar, optionally compressed)")
	configPath := flag.String("config", "skypetl.yaml", "Path to the optional YAML configuration file")
	envPath := flag.String("env", ".env", "Path to the optional .env file")
	outputDir := flag.String("output-dir", "", "Directory for the raw copy and checkpoints (overrides OUTPUT_DIR)")
	displayName := flag.String("user-display-name", "", "Display name recorded for the exporting user's own messages")
	streaming := flag.Bool("streaming", false, "Use the fused streaming pipeline (bounded memory)")
	resume := flag.Bool("resume", false, "Resume from the newest checkpoint in the output directory")
	workers := flag.Int("workers", -1, "Transform worker count (0 = one per CPU)")
	batchSize := flag.Int("batch-size", -1, "Rows per database round trip")
	memoryLimitMB := flag.Int("memory-limit-mb", -1, "Advisory memory budget in MB")
	metricsAddr := flag.String("metrics-addr", "", "Listen address for Prometheus metrics (empty disables)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}
	configureLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if dir := getEnv("OUTPUT_DIR", ""); dir != "" {
		cfg.OutputDir = dir
	}
	// flags override environment and file
	if *outputDir != "" {
		cfg.OutputDir = *outputDir
	}
	if *workers >= 0 {
		cfg.MaxWorkers = *workers
	}
	if *batchSize >= 0 {
		cfg.BatchSize = *batchSize
	}
	if *memoryLimitMB >= 0 {
		cfg.MemoryLimitMB = *memoryLimitMB
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if *input == "" && !*resume {
		slog.Error("No input file given; use -input or -resume")
		os.Exit(1)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	var metrics *observability.Metrics
	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			slog.Info("Metrics server listening", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	var orch *pipeline.Orchestrator
	if *resume {
		orch, err = pipeline.ResumeOrNew(cfg, dbCfg, metrics)
		if err != nil {
			slog.Error("Failed to restore checkpoint", "error", err)
			os.Exit(1)
		}
	} else {
		orch = pipeline.New(cfg, dbCfg, metrics)
	}

	slog.Info("Starting skypetl",
		"version", version.Full(),
		"task_id", orch.TaskID(),
		"input", *input,
		"streaming", *streaming,
		"output_dir", cfg.OutputDir)

	// First signal cancels gracefully; a second one kills the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		slog.Info("Shutdown signal received, cancelling run", "signal", sig)
		orch.Cancel()
		sig = <-sigCh
		slog.Error("Second signal received, exiting immediately", "signal", sig)
		os.Exit(1)
	}()

	ctx := context.Background()
	summary, runErr := run(ctx, orch, *streaming, *input, *displayName)

	if summary != nil {
		out, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			slog.Error("Failed to render summary", "error", err)
		} else {
			fmt.Println(string(out))
		}
	}
	if runErr != nil {
		slog.Error("Run failed", "error", runErr)
		os.Exit(1)
	}
}

func run(ctx context.Context, orch *pipeline.Orchestrator, streaming bool, input, displayName string) (*models.Summary, error) {
	if streaming {
		return orch.RunStreaming(ctx, input, displayName)
	}
	return orch.Run(ctx, input, displayName)
}
