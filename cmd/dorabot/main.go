// Dorabot gateway daemon: owns agent runs, the append-only event stream,
// and the loopback WebSocket RPC surface frontends connect to.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dorabot/dorabot/pkg/approval"
	"github.com/dorabot/dorabot/pkg/cleanup"
	"github.com/dorabot/dorabot/pkg/config"
	"github.com/dorabot/dorabot/pkg/database"
	"github.com/dorabot/dorabot/pkg/eventlog"
	"github.com/dorabot/dorabot/pkg/gateway"
	"github.com/dorabot/dorabot/pkg/producer"
	"github.com/dorabot/dorabot/pkg/registry"
	"github.com/dorabot/dorabot/pkg/supervisor"
	"github.com/dorabot/dorabot/pkg/version"
)

func main() {
	// .env from the working directory, if present.
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	ctx := context.Background()

	// 1. Configuration and state directory layout.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)
	slog.Info("Starting dorabot gateway",
		"version", version.Full(),
		"base_dir", cfg.BaseDir,
		"port", cfg.Gateway.Port)

	// 2. Database.
	dbClient, err := database.NewClient(ctx, database.DefaultConfig(cfg.DatabasePath()))
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	// 3. Event log and session registry.
	log, err := eventlog.New(ctx, dbClient.DB())
	if err != nil {
		slog.Error("Failed to initialize event log", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	reg, err := registry.New(ctx, dbClient.DB())
	if err != nil {
		slog.Error("Failed to initialize session registry", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	// 4. Approval coordinator and the agent producer subprocess runner.
	approvals := approval.NewCoordinator(log, *cfg.Approval)

	prod, err := producer.NewProcess(*cfg.Producer)
	if err != nil {
		slog.Error("Failed to configure producer", "error", err,
			"hint", "set DORABOT_PRODUCER_CMD")
		os.Exit(1)
	}
	slog.Info("Producer configured", "command", cfg.Producer.Command)

	// 5. Agent supervisor.
	super := supervisor.New(log, reg, approvals, prod)

	// 6. Gateway credentials: auth token and pinned TLS certificate.
	token, err := gateway.LoadOrCreateToken(cfg.TokenPath())
	if err != nil {
		slog.Error("Failed to load gateway token", "error", err)
		os.Exit(1)
	}
	cert, err := gateway.LoadOrCreateCertificate(cfg.TLSCertPath(), cfg.TLSKeyPath())
	if err != nil {
		slog.Error("Failed to load TLS certificate", "error", err)
		os.Exit(1)
	}

	// 7. WebSocket RPC surface.
	manager := gateway.NewManager(cfg.Gateway, token, log, reg, super, approvals)
	server := gateway.NewServer(cfg.Gateway, manager, dbClient, cert)

	// 8. Retention sweeper, gated on client acks.
	sweeper := cleanup.NewService(cfg.Retention, log, manager)
	sweeper.Start(ctx)

	// 9. Serve until signalled.
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Gateway server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: abort runs first so every stream is sealed with
	// a terminal event while clients are still connected, then stop the
	// sweeper and drop the server.
	super.Stop()
	approvals.CancelAll()
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}

// setupLogging routes slog to stderr and a rotated file under the state
// directory's logs/ subdirectory.
func setupLogging(cfg *config.Config) {
	sink := io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogsDir(), "gateway.log"),
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	})

	level := slog.LevelInfo
	if v := os.Getenv("DORABOT_LOG_LEVEL"); v != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(v)); err == nil {
			level = parsed
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{
		Level: level,
	})))
}
