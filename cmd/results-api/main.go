// Command results-api serves the run history and plant summaries over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/vzahanych/plant-curator/internal/config"
	"github.com/vzahanych/plant-curator/internal/logger"
	"github.com/vzahanych/plant-curator/internal/state"
	"github.com/vzahanych/plant-curator/internal/web"
)

var version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
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

	stateMgr, err := state.NewManager(cfg.State, log)
	if err != nil {
		log.Error("Failed to open run history", "path", cfg.State.DBPath, "error", err)
		os.Exit(1)
	}
	defer stateMgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := web.NewServer(cfg.Web, stateMgr, log)
	server.SetVersion(version)
	if err := server.Start(ctx); err != nil {
		log.Error("Failed to start results API", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info("Received shutdown signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
	}

	log.Info("Shutdown complete")
}
