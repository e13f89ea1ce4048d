package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/kelmah-platform/escrow-engine/internal/alerts"
	"github.com/kelmah-platform/escrow-engine/internal/config"
	"github.com/kelmah-platform/escrow-engine/internal/db"
	"github.com/kelmah-platform/escrow-engine/internal/escrow"
	"github.com/kelmah-platform/escrow-engine/internal/logger"
	appmw "github.com/kelmah-platform/escrow-engine/internal/middleware"
	"github.com/kelmah-platform/escrow-engine/internal/payout"
	"github.com/kelmah-platform/escrow-engine/internal/provider"
	"github.com/kelmah-platform/escrow-engine/internal/reconcile"
	"github.com/kelmah-platform/escrow-engine/internal/storage"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.Log)
	defer logger.Sync()

	// Init subsystems
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

	guard := reconcile.NewGuard(store, svc, svc, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	if err := sweeper.Start(); err != nil {
		logger.Fatal("could not start lease sweeper: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())

	// Health
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/ready", func(c echo.Context) error {
		if err := db.Conn.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"ready": false})
		}
		return c.JSON(http.StatusOK, echo.Map{"ready": true})
	})

	// Provider webhooks: signature-verified, no JWT, rate limited
	hooks := e.Group("")
	hooks.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(20)))
	reconcile.NewHandler(registry, guard).Register(hooks)

	// Authenticated routes
	g := e.Group("")
	g.Use(appmw.JWT(cfg.Server.JWTSecret))
	escrow.NewHandler(svc).Register(g, appmw.RequireRoles("admin"))

	adminGroup := e.Group("")
	adminGroup.Use(appmw.JWT(cfg.Server.JWTSecret))
	adminGroup.Use(appmw.RequireRoles("admin"))
	payout.NewHandler(store, worker).Register(adminGroup)

	go func() {
		logger.Info("escrow engine listening on :%s", cfg.Server.Port)
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown: %v", err)
	}
	sweeper.Stop()
	worker.Stop()
}
