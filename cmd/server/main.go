// Resource store server
//
// Runs the background sync scheduler that drains dirty cache records into
// durable storage, and serves Prometheus metrics, a health check and a
// runtime log level switch.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/epam/ai-dial-core-sub000/internal/config"
	"github.com/epam/ai-dial-core-sub000/internal/engine"
	"github.com/epam/ai-dial-core-sub000/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("resource store starting...",
		logging.String("metrics", cfg.MetricsAddr),
		logging.String("storage", cfg.StorageBackend),
		logging.String("locks", cfg.LockBackend),
		logging.Int("sync_workers", cfg.SyncWorkers),
		logging.Duration("sync_period", cfg.SyncPeriod()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		logging.Fatal("engine init failed", logging.Err(err))
	}
	defer eng.Close()

	scheduler := eng.Scheduler(prometheus.DefaultRegisterer)
	if err := scheduler.Start(ctx); err != nil {
		logging.Fatal("sync scheduler start failed", logging.Err(err))
	}

	adminServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           adminHandler(eng.Tier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		if err := scheduler.Stop(shutdownTimeout); err != nil {
			logging.Error("sync scheduler stop", logging.Err(err))
		}
		cancel()
		adminServer.Close()
	}()

	logging.Info("admin server listening", logging.String("addr", cfg.MetricsAddr))
	if err := adminServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("admin server error", logging.Err(err))
	}
}
