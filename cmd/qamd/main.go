package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"qamd/internal/app"
	"qamd/internal/dispatch"
	"qamd/internal/server"
	"qamd/internal/upstream"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize("configs/config.yaml"); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	cfg := bootstrap.Config

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverRunning := &atomic.Bool{}
	serverRunning.Store(true)

	// 4. Dispatcher and upstream pool. The dispatcher is created first, gets
	// the pool once it exists, and receives session callbacks from then on.
	dispatcher := dispatch.New()

	pool := upstream.NewPool(upstream.DialGateway, dispatcher, bootstrap.Cache,
		bootstrap.Displays, serverRunning,
		time.Duration(cfg.Upstream.HealthCheckInterval)*time.Second)
	for _, uc := range cfg.Upstream.Connections {
		if !uc.Enabled {
			slog.Info("skipping disabled upstream", slog.String("session", uc.ConnectionID))
			continue
		}
		if err := pool.Add(uc); err != nil {
			slog.Error("failed to add upstream session",
				slog.String("session", uc.ConnectionID), slog.Any("error", err))
		}
	}

	dispatcher.Initialize(pool, cfg.Upstream.MaxRetryCount, cfg.Upstream.AutoFailover,
		time.Duration(cfg.Upstream.MaintenanceInterval)*time.Second)
	pool.StartAll()
	slog.InfoContext(ctx, "✅ Upstream pool started", slog.Int("sessions", pool.TotalSessions()))

	// 5. Downstream server
	srv := server.New(cfg.Server.Port, bootstrap.Cache, bootstrap.Displays, dispatcher, pool)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("❌ Downstream server failed", slog.Any("error", err))
			stop()
		}
	}()
	slog.InfoContext(ctx, "✅ Downstream server started", slog.Int("port", cfg.Server.Port))

	// 6. Background catalogue sync
	go bootstrap.SyncCatalogue(ctx)

	slog.InfoContext(ctx, "✨ QAMD fully operational. Press Ctrl+C to exit.")

	// Wait for shutdown signal
	<-ctx.Done()

	slog.Info("👋 Shutting down gracefully...")
	serverRunning.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Clients first, then sessions, then the dispatcher that serves both.
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("downstream shutdown error", slog.Any("error", err))
	}
	pool.StopAll()
	dispatcher.Stop()

	if err := bootstrap.Catalogue.Close(); err != nil {
		slog.Warn("catalogue close error", slog.Any("error", err))
	}
}
