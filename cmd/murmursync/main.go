package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"murmursync/internal/app"
	"murmursync/pkg/config"
	"murmursync/pkg/logger"
)

// set build metadata
var (
	version = "dev"
	commit  = "none"
)

func main() {
	// load .env file if present
	_ = godotenv.Load(".env")

	// parse config flags
	flags := config.ParseConfigFlags()

	// parse config file
	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		abort("failed to load config file", err)
	}

	// parse config env variables
	envCfg, envUsed := config.ParseConfigEnvs()

	// load effective config
	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envUsed)
	if err != nil {
		abort("failed to build effective config", err)
	}

	// validate config
	if err := eff.Config.ValidateConfig(); err != nil {
		abort("invalid configuration", err)
	}
	eff.DBPath = eff.Config.Store.Path

	// initialize logger after config is fully loaded
	logger.Init(eff.Config.Logging.Level)
	defer logger.Sync()

	logger.Info("effective_config_loaded", "source", eff.Source, "store", eff.DBPath, "server", eff.Config.Remote.BaseURL)

	// initialize app
	a, err := app.New(eff, version, commit)
	if err != nil {
		abort("failed to initialize app", err)
	}

	// set up context and signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// run the app
	if err := a.Run(ctx); err != nil {
		abort("app run failed", err)
	}

	// shutdown with a bounded timeout so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	_ = a.Shutdown(shutdownCtx)
}

func abort(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
