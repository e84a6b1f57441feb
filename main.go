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

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		in         pipeline.Input
		outputDir  string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.StringVar(&in.DetectionsPath, "detections", "", "Path to the detection log (required)")
	flag.StringVar(&in.FramesDir, "frames", "", "Directory of decoded frames, used when the log carries no crop paths")
	flag.StringVar(&in.VideoSource, "video", "", "Video name recorded in the results (defaults to the log's video_source)")
	flag.StringVar(&outputDir, "output", "", "Output directory (overrides pipeline.output_dir)")
	flag.Parse()

	if in.DetectionsPath == "" {
		fmt.Fprintln(os.Stderr, "-detections is required")
		flag.Usage()
		os.Exit(2)
	}

	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if outputDir != "" {
		cfg.Pipeline.OutputDir = outputDir
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

	log.Info("Starting Plant Curator",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
	)

	if err := run(cfg, in, log); err != nil {
		log.Error("Run failed", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, in pipeline.Input, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history, err := state.NewManager(cfg.State, log)
	if err != nil {
		return err
	}
	defer history.Close()

	bus := events.NewEventBus(256, log)
	observerCtx, stopObserver := context.WithCancel(context.Background())
	observed := events.LogEvents(observerCtx, bus, log.Named("events"))
	bus.SubscribeWithHandler(observerCtx, events.EventTypeValidationProgress, func(ctx context.Context, ev events.Event) error {
		fmt.Fprintf(os.Stderr, "validation: %v/%v crops\n", ev.Data["completed"], ev.Data["total"])
		return nil
	})
	defer func() {
		stopObserver()
		<-observed
		bus.Close()
	}()

	models := ai.NewClient(ai.ClientConfig{
		ServiceURL:    cfg.Models.ServiceURL,
		Timeout:       cfg.Models.Timeout,
		RetryAttempts: cfg.Models.RetryAttempts,
		RetryDelay:    cfg.Models.RetryDelay,
		ImageSize:     cfg.Models.ImageSize,
	}, log)
	if err := models.HealthCheck(ctx); err != nil {
		log.Warn("Model service health check failed", "url", cfg.Models.ServiceURL, "error", err)
	}

	judge := ai.NewJudgeClient(ai.JudgeConfig{
		Endpoint:      cfg.Validation.APIEndpoint,
		Timeout:       cfg.Validation.Timeout,
		RetryAttempts: cfg.Validation.RetryAttempts,
		RetryDelay:    cfg.Validation.RetryDelay,
	}, log)

	p := pipeline.New(cfg, pipeline.Models{
		Embedder: models,
		Scorer:   models,
		Judge:    judge,
	}, history, bus, log)

	report, err := p.Run(ctx, in)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s completed: %d plants found\n", report.RunID, report.Summary.DetectionSummary.TotalPlantsFound)
	fmt.Printf("Results: %s\n", report.OutputDir)
	return nil
}
