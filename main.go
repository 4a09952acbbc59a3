package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"example.com/onionhttp/internal/bootstrap"
	"example.com/onionhttp/internal/config"
	"example.com/onionhttp/internal/handlers/fixed"
	"example.com/onionhttp/internal/logger"
)

const defaultAddress = "127.0.0.1:3001"

func main() {
	addr, err := parseArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("Usage: %s [address]: %v", os.Args[0], err)
	}

	cfg, err := demoConfig(addr)
	if err != nil {
		log.Fatalf("Failed to build configuration: %v", err)
	}
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	srv, err := bootstrap.NewServer(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	lg.Info("Starting hello world server...", logger.LogFields{"address": addr})
	if err := srv.Start(); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		os.Exit(1)
	}
	lg.Info("Server shut down gracefully", nil)
}

func parseArgs(args []string) (string, error) {
	switch len(args) {
	case 0:
		return defaultAddress, nil
	case 1:
		if args[0] == "" {
			return "", fmt.Errorf("address cannot be empty")
		}
		return args[0], nil
	default:
		return "", fmt.Errorf("expected at most one argument, got %d", len(args))
	}
}

// demoConfig answers every path with "hello world!".
func demoConfig(addr string) (*config.Config, error) {
	handlerCfg, err := json.Marshal(fixed.Config{
		Headers: map[string]string{"content-type": "text/plain; charset=utf-8"},
		Body:    "hello world!",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler config: %w", err)
	}
	cfg := &config.Config{
		Server: &config.ServerConfig{Address: &addr},
		Routing: &config.RoutingConfig{
			Routes: []config.Route{
				{
					PathPattern:   "/",
					MatchType:     config.MatchTypePrefix,
					HandlerType:   fixed.HandlerType,
					HandlerConfig: handlerCfg,
				},
			},
		},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
