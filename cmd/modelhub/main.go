// Package main is the entry point for the modelhub server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"modelhub/config"
	"modelhub/internal/app"
	"modelhub/internal/logging"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information")
	configPath := flag.String("config", "", "Path to the YAML config file (default: config.yaml or config/config.yaml)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("modelhub %s (%s)\n", version, commit)
		return
	}

	if err := run(*configPath); err != nil {
		slog.Error("modelhub stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}
	slog.Info("starting modelhub", "version", version, "commit", commit)

	if len(cfg.Models) == 0 {
		slog.Warn("no models configured; set vendor keys such as OPENAI_API_KEY or add models to the config file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(":" + cfg.Server.Port)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := a.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}
