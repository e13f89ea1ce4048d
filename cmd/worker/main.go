// Standalone payout worker. Runs the queue drain loop and the lease
// sweeper against the shared Postgres queue, with no HTTP surface.
// Scale this binary horizontally when payout volume outgrows the
// worker embedded in the server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/config"
	"github.com/kelmah-platform/escrow-engine/internal/db"
	"github.com/kelmah-platform/escrow-engine/internal/escrow"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
	"github.com/kelmah-platform/escrow-engine/internal/payout"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.Log)
	defer logger.Sync()

	db.Init(cfg.Database)
	defer db.Conn.Close()
	alerts.Init(cfg.Redis.Addr)
	defer alerts.Close()

	store := storage.NewPostgres(db.Conn)
	registry := provider.NewRegistry(
		provider.NewMoMo("momo", cfg.Providers.MoMo),
		provider.NewMoMo("vodafone", cfg.Providers.Vodafone),
		provider.NewPaystack(cfg.Providers.Paystack),
		provider.NewBankTransfer(),
	)
	notifier := alerts.Queue{}

	svc := escrow.NewService(store, registry, notifier, escrow.Options{
		Currency:        cfg.Platform.Currency,
		FeeBps:          cfg.Platform.FeeBps,
		ProviderTimeout: time.Duration(cfg.Worker.ProviderTimeout) * time.Second,
	})

	worker, err := payout.NewWorker(store, registry, notifier, svc, payout.Config{
		Concurrency:     cfg.Worker.Concurrency,
		PollInterval:    time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
		LeaseDuration:   time.Duration(cfg.Worker.LeaseSeconds) * time.Second,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		ProviderTimeout: time.Duration(cfg.Worker.ProviderTimeout) * time.Second,
	})
	if err != nil {
		logger.Fatal("could not create payout worker: %v", err)
	}
	sweeper, err := payout.NewSweeper(store, notifier, time.Duration(cfg.Worker.SweepIntervalS)*time.Second)
	if err != nil {
		logger.Fatal("could not create lease sweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("could not start lease sweeper: %v", err)
	}
	logger.Info("payout worker running concurrency=%d", cfg.Worker.Concurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	sweeper.Stop()
	worker.Stop()
}
