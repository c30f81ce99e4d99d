// Package main is the entry point for the sandbox server.
//
// main stays minimal: read configuration, create dependencies (logger,
// engine provisioner), and hand off to internal/server. All actual logic
// lives in the imported packages.
package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/code-sandbox/internal/config"
	dockerengine "github.com/sakif/code-sandbox/internal/engine/docker"
	"github.com/sakif/code-sandbox/internal/server"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Ensure the history database directory exists before sqlite opens it.
	if cfg.History.Enabled {
		dbDir := filepath.Dir(cfg.History.Path)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			logger.Error("failed to create history directory",
				slog.String("dir", dbDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	prov, err := dockerengine.New(dockerengine.Config{
		Image:         cfg.Sandbox.Image,
		MemoryLimit:   cfg.Sandbox.MemoryLimitMB * 1024 * 1024,
		CPULimit:      cfg.Sandbox.CPULimit,
		PoolSize:      cfg.Sandbox.PoolSize,
		Workdir:       cfg.Sandbox.Workdir,
		WorkdirSize:   cfg.Sandbox.WorkdirSize,
		DatasetDir:    cfg.Sandbox.DatasetDir,
		ReapOnTimeout: cfg.Sessions.ReapOnTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize docker engine provisioner", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer prov.Close()

	srv, err := server.New(cfg, logger, prov)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
