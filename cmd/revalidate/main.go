// Command revalidate reruns the validation stage of a finished run, for
// example after changing the judge prompt or min_validation_score.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/vzahanych/plant-curator/internal/ai"
	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/events"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/pipeline"
	"github.com/vzahanych/plant-curator/internal/state"
)

func main() {
	var configPath, runDir string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.StringVar(&runDir, "run", "", "Run directory containing stage_quality/quality_results.json (required)")
	flag.Parse()

	if runDir == "" {
		fmt.Fprintln(os.Stderr, "-run is required")
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(64, log)
	defer bus.Close()
	events.LogEvents(ctx, bus, log.Named("events"))

	judge := ai.NewJudgeClient(ai.JudgeConfig{
		Endpoint:      cfg.Validation.APIEndpoint,
		Timeout:       cfg.Validation.Timeout,
		RetryAttempts: cfg.Validation.RetryAttempts,
		RetryDelay:    cfg.Validation.RetryDelay,
	}, log)

	history, err := state.NewManager(cfg.State, log)
	if err != nil {
		log.Error("Failed to open run history", "path", cfg.State.DBPath, "error", err)
		os.Exit(1)
	}
	defer history.Close()

	res, err := pipeline.Revalidate(ctx, cfg, judge, bus, history, log, pipeline.Layout{Root: runDir})
	if err != nil {
		log.Error("Re-validation failed", "run_dir", runDir, "error", err)
		log.Sync()
		os.Exit(1)
	}

	stats := res.APIStats
	fmt.Printf("Validated %d of %d crops (%d API calls, %d failed)\n",
		len(res.Validated), res.Metrics.InputImages, stats.TotalCalls, stats.FailedCalls)
	fmt.Printf("Plant summary: %s\n", pipeline.Layout{Root: runDir}.PlantSummary())
}
