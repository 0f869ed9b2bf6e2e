// Package main runs the local chart cache daemon. UI clients on the same
// machine talk to it over REST and receive sync events over WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/astraldesk/chartcache/internal/config"
	"github.com/astraldesk/chartcache/internal/db"
	"github.com/astraldesk/chartcache/internal/events"
	"github.com/astraldesk/chartcache/internal/logging"
	"github.com/astraldesk/chartcache/internal/netmon"
	"github.com/astraldesk/chartcache/internal/services"
	"github.com/astraldesk/chartcache/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(os.Stdout, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := netmon.NewMonitor(nil, cfg.Sync.OnlineDebounce)
	hub := events.NewHub()

	svc, manager, cleanup := buildService(ctx, cfg, monitor, hub)
	defer cleanup()

	wsHub := newWSHub(hub)
	go wsHub.run(ctx)

	handler := newHandler(svc, monitor)
	mux := http.NewServeMux()
	handler.register(mux)
	mux.HandleFunc("/ws", wsHub.serveWS)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logging.Info("chartcache daemon listening", map[string]interface{}{"addr": addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("server failed", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	logging.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	if manager != nil {
		manager.Stop()
	}
}

// buildService wires the durable store, eviction policy and sync manager.
// A storage initialization failure is non-fatal: the daemon keeps serving
// in degraded pass-through mode.
func buildService(ctx context.Context, cfg *config.Config, monitor *netmon.Monitor, hub *events.Hub) (*services.ChartService, *sync.Manager, func()) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Warn("failed to open durable store, running degraded", map[string]interface{}{
			"error": err.Error(),
		})
		return services.NewChartService(nil, nil, monitor), nil, func() {}
	}

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err == nil {
		err = migrator.Up()
	}
	if err != nil {
		logging.Warn("failed to migrate durable store, running degraded", map[string]interface{}{
			"error": err.Error(),
		})
		database.Close()
		return services.NewChartService(nil, nil, monitor), nil, func() {}
	}

	store := db.NewStore(database.DB)
	store.SetEvictor(db.NewEvictor(store, cfg.Cache.MaxRecords, cfg.Cache.MaxBytes))

	remote := sync.NewHTTPEndpoint(cfg.Sync.RemoteURL, 30*time.Second)
	manager := sync.NewManager(store, remote, monitor, hub, sync.Config{
		Interval:    cfg.Sync.Interval,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
	})
	manager.Start(ctx)

	svc := services.NewChartService(store, manager, monitor)
	svc.SetDefaultMaxAttempts(cfg.Sync.MaxAttempts)

	cleanup := func() {
		store.Close()
		database.Close()
	}
	return svc, manager, cleanup
}
