package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"quorumkv/internal/engine"
	httpserver "quorumkv/internal/http"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", cfg.Storage.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	eng, err := engine.Open(cfg)
	if err != nil {
		slog.Error("failed to open engine", "error", err)
		os.Exit(1)
	}
	eng.Start(ctx)

	srv := httpserver.NewServer(eng, cfg.Server)
	srv.Start()

	slog.Info("quorumkv node running",
		"id", cfg.Node.ID,
		"peers", len(cfg.Node.Peers),
		"addr", srv.URL,
		"data_dir", cfg.Storage.DataDir)

	<-ctx.Done()

	slog.Info("shutting down")
	if err := srv.Stop(); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	eng.Stop()
	slog.Info("quorumkv stopped")
}
