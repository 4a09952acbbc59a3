package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"example.com/onionhttp/internal/bootstrap"
	"example.com/onionhttp/internal/config"
	"example.com/onionhttp/internal/logger"
)

var (
	configFilePath string
)

func main() {
	flag.StringVar(&configFilePath, "config", "", "Path to the configuration file (JSON or TOML)")
	flag.Parse()

	if configFilePath == "" {
		fmt.Fprintln(os.Stderr, "Error: Configuration file path must be provided via -config flag.")
		flag.Usage()
		os.Exit(1)
	}

	absConfigPath, err := filepath.Abs(configFilePath)
	if err != nil {
		log.Fatalf("Error getting absolute path for config file %s: %v", configFilePath, err)
	}
	configFilePath = absConfigPath

	cfg, err := config.LoadConfig(configFilePath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", configFilePath, err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	// os.Exit skips deferred calls, so the exit code is decided first.
	code := run(cfg, appLogger)
	if err := appLogger.CloseLogFiles(); err != nil {
		log.Printf("Error closing log files during shutdown: %v", err)
	}
	os.Exit(code)
}

func run(cfg *config.Config, appLogger *logger.Logger) int {
	srv, err := bootstrap.NewServer(cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize server", logger.LogFields{"error": err.Error()})
		return 1
	}

	appLogger.Info("Starting server...", logger.LogFields{
		"address": *cfg.Server.Address,
		"config":  configFilePath,
		"routes":  len(cfg.Routing.Routes),
	})
	if err := srv.Start(); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return 1
	}
	appLogger.Info("Server has shut down gracefully.", nil)
	return 0
}
