// Package main wires the SiteSync offline engine: configuration, logging,
// the local store, the API client, connectivity probing, the sync engine,
// and the adapter layer the application consumes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fieldops/sitesync/internal/api"
	"github.com/fieldops/sitesync/internal/config"
	"github.com/fieldops/sitesync/internal/connectivity"
	"github.com/fieldops/sitesync/internal/db"
	"github.com/fieldops/sitesync/internal/logging"
	"github.com/fieldops/sitesync/internal/offline"
	"github.com/fieldops/sitesync/internal/sync"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sitesync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(os.Stdout, cfg.LogLevel)
	logging.Info("SiteSync starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
		"api":      cfg.APIBaseURL,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Migrate(); err != nil {
		return err
	}

	repo := db.NewRepository(database.DB, db.WithCacheMaxAge(cfg.CacheMaxAge))
	defer repo.Close()

	client := api.NewClient(cfg.APIBaseURL, cfg.RequestTimeout)

	prober := connectivity.NewProber(cfg.APIBaseURL+cfg.APIHealthPath, nil, cfg.ProbeInterval)

	engine := sync.NewEngine(repo, client, prober, nil, &sync.Config{
		FlushInterval:  cfg.FlushInterval,
		PhotoRetention: cfg.PhotoRetention,
		BackoffBase:    sync.DefaultConfig().BackoffBase,
		BackoffCap:     sync.DefaultConfig().BackoffCap,
	})

	adapter := offline.New(repo, client, engine, prober, nil)
	_ = adapter // consumed by the embedding application

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober.Start(ctx)
	engine.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("SiteSync shutting down", nil)
	engine.Stop()
	prober.Stop()
	return nil
}
