package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lowkeylabs/maestro/internal/config"
	"github.com/lowkeylabs/maestro/internal/gateway"
	"github.com/lowkeylabs/maestro/internal/session"
	"github.com/lowkeylabs/maestro/internal/shell"
	"github.com/lowkeylabs/maestro/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	setupLogging()

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	client, err := newLLMClient(cfg)
	if err != nil {
		slog.Error("failed to build LLM client", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	mux := shell.NewTmux()
	if !mux.Available() {
		slog.Warn("tmux not found on PATH; shell tools will fail until it is installed")
	}

	confirms := gateway.NewConfirmations()
	manager := session.NewManager(cfg, client, store, mux, confirms.Factory)
	server := gateway.NewServer(cfg, manager, confirms)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway stopped", "error", err)
	}

	if err := manager.CloseAll(); err != nil {
		slog.Error("failed to close sessions", "error", err)
	}
	slog.Info("shutdown complete")
}
