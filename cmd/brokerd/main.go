package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"brokerd/internal/api"
	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/engine"
	"brokerd/internal/events"
	"brokerd/internal/store"
	"brokerd/internal/util"
)

func main() {
	cfgPath := "config/brokerd.yaml"
	if p := os.Getenv("BROKERD_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	audit, err := store.NewSQLiteStore(config.ExpandPath(cfg.Storage.AuditDB))
	if err != nil {
		log.Fatalf("failed to open audit db: %v", err)
	}
	defer audit.Close()

	bus := events.NewBus(500, logger)
	deps := broker.Deps{Log: logger, Audit: audit, Events: bus}

	name := engine.ProviderName(cfg)
	provider, err := engine.DefaultRegistry().New(name, cfg, deps)
	if err != nil {
		log.Fatalf("failed to create provider: %v", err)
	}

	opts := engine.Options{Audit: audit, Events: bus, Log: logger}
	if cfg.Storage.ArchiveFills {
		opts.Fills = store.NewParquetStore(filepath.Clean(config.ExpandPath(cfg.Storage.DataDir)))
	}
	eng := engine.NewEngine(provider, opts)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting provider", "provider", name, "attempts", cfg.Runtime.StartAttempts)
	if err := eng.Start(ctx, cfg.Runtime.StartAttempts); err != nil {
		// The API still serves status and health so operators can see why.
		logger.Error("provider failed to start", "provider", name, "error", err)
	}

	srv := api.NewServer(eng, bus, logger)
	srv.RequireToken(cfg.Server.AuthSecret)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr(), cfg.Server.GRPCAddr()); err != nil {
		logger.Error("server error", "error", err)
	}

	if err := eng.Stop(context.Background()); err != nil {
		logger.Warn("stopping provider", "error", err)
	}
	logger.Info("brokerd stopped")
}
