package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/api"
	"whale-copy-trader/internal/cache"
	"whale-copy-trader/internal/circuit"
	"whale-copy-trader/internal/database"
	"whale-copy-trader/internal/detector"
	"whale-copy-trader/internal/engine"
	"whale-copy-trader/internal/events"
	"whale-copy-trader/internal/exchange"
	"whale-copy-trader/internal/fetcher"
	"whale-copy-trader/internal/guard"
	"whale-copy-trader/internal/logging"
	"whale-copy-trader/internal/notification"
	"whale-copy-trader/internal/position"
	"whale-copy-trader/internal/proxy"
	"whale-copy-trader/internal/queue"
	"whale-copy-trader/internal/ratelimit"
	"whale-copy-trader/internal/reconcile"
	"whale-copy-trader/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Bool("dry_run", cfg.EngineConfig.DryRun).Msg("Starting whale copy trader")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(cfg.DatabaseConfig, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer db.Close()
	if err := db.RunMigrations(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Migrations failed")
	}
	repo := database.NewRepository(db)

	// Redis mirrors breaker, rate-limit, proxy and dedup state across
	// workers. Everything degrades to process-local state without it.
	var cacheSvc *cache.Service
	if cfg.RedisConfig.Enabled {
		cacheSvc, err = cache.NewService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Redis unavailable, continuing with local state")
			cacheSvc = nil
		} else {
			defer cacheSvc.Close()
		}
	}

	bus := events.NewEventBus()
	breakers := circuit.NewRegistry(cfg.CircuitBreakerConfig, cacheSvc, logger)
	limits := ratelimit.NewManager(cfg.RateLimitConfig, cacheSvc, logger)
	callGuard := guard.New(breakers, limits, cfg.FetcherConfig.MaxRetries, logger)

	proxies, err := proxy.NewPool(cfg.ProxyConfig, cacheSvc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Proxy pool initialization failed")
	}

	// Whale side: scheduled fetches feed the detector, which enqueues signals
	fetch := fetcher.New(cfg.FetcherConfig, exchange.Sources(), proxies, limits, logger)
	sigQueue := queue.NewPostgresQueue(repo, time.Duration(cfg.QueueConfig.ExpirySeconds)*time.Second)
	det := detector.New(sigQueue, repo, cacheSvc, bus, cfg.RiskConfig, logger)

	sched := scheduler.New(repo, cfg.SchedulerConfig, func(ctx context.Context, tier scheduler.Tier, whales []*database.Whale) {
		for _, res := range fetch.FetchBatch(ctx, whales) {
			if !res.Success {
				continue
			}
			det.ProcessFetch(ctx, res.Whale, res.Positions)
		}
	}, logger)

	// Copy side: engine drains the queue, position manager and reconciler
	// watch what it opens
	registry := exchange.NewRegistry(cfg.ExchangesConfig, cfg.EngineConfig.DryRun)
	executor := engine.NewExecutor(repo, registry, callGuard, breakers, bus, cfg.RiskConfig, logger)
	eng := engine.New(sigQueue, repo, executor, bus, cfg.QueueConfig, cfg.EngineConfig, logger)
	posManager := position.NewManager(repo, executor, registry, callGuard, bus, cfg.PositionConfig, logger)
	reconciler := reconcile.New(repo, registry, callGuard, bus, cfg.EngineConfig, logger)

	notifier := notification.NewManager(cfg.NotificationConfig, logger)
	notifier.Attach(bus)

	sched.Start(ctx)
	eng.Start(ctx)
	posManager.Start(ctx)
	reconciler.Start(ctx)

	var opsServer *api.Server
	if cfg.ServerConfig.Enabled {
		opsServer = api.NewServer(cfg.ServerConfig, repo, cacheSvc, breakers, limits, proxies, sigQueue, logger)
		opsServer.RegisterStats("scheduler", func() interface{} { return sched.GetStats() })
		opsServer.RegisterStats("fetcher", func() interface{} { return fetch.GetStats() })
		opsServer.RegisterStats("detector", func() interface{} { return det.GetStats() })
		opsServer.RegisterStats("engine", func() interface{} { return eng.GetStats() })
		opsServer.RegisterStats("positions", func() interface{} { return posManager.GetStats() })
		opsServer.RegisterStats("reconciler", func() interface{} { return reconciler.GetStats() })
		if err := opsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Ops server failed to start")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	// Stop intake first, then drain the workers. Reservations stranded by
	// a hard abort are released by the reconciler on the next run.
	sched.Stop()
	cancel()
	eng.Stop()
	posManager.Stop()
	reconciler.Stop()

	if opsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		defer shutdownCancel()
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Ops server shutdown failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
}
