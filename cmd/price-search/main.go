package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-search/internal/api"
	"github.com/maltedev/price-search/internal/brand"
	"github.com/maltedev/price-search/internal/browser"
	"github.com/maltedev/price-search/internal/config"
	"github.com/maltedev/price-search/internal/database"
	"github.com/maltedev/price-search/internal/jobs"
	"github.com/maltedev/price-search/internal/queue"
	"github.com/maltedev/price-search/internal/ratelimit"
	"github.com/maltedev/price-search/internal/scraper"
	"github.com/maltedev/price-search/internal/search"
	"github.com/maltedev/price-search/internal/stores"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	level, _ := cfg.Logging.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(logger); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	// Store table, brand list and one scraper per store
	table, err := stores.Load(cfg.Files.Stores)
	if err != nil {
		logger.Error("failed to load stores", "error", err)
		os.Exit(1)
	}
	resolver := stores.NewResolver(table)

	brands, err := brand.Load(cfg.Files.Brands)
	if err != nil {
		logger.Error("failed to load brands", "error", err)
		os.Exit(1)
	}

	scrapers := make(map[string]scraper.Scraper, len(table))
	for _, s := range table {
		sc, err := scraper.New(s.ID, s.Scrape, logger)
		if err != nil {
			logger.Error("invalid scraper config", "store", s.ID, "error", err)
			os.Exit(1)
		}
		scrapers[s.ID] = sc
	}
	logger.Info("stores loaded", "count", len(table))

	// Browser setup
	mode, _ := browser.ParseMode(cfg.Scraper.Mode)
	opts := browser.DefaultOptions()
	opts.Mode = mode
	opts.Headless = cfg.Scraper.Headless
	opts.Timeout = cfg.Scraper.PageTimeout
	opts.APIKey = cfg.Scraper.APIKey

	engine, err := browser.New(opts, logger)
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Search pipeline
	prices := database.NewPriceRepository(db)
	outbox := database.NewOutboxRepository(db)
	locks := database.NewLockManager(db, cfg.Search.LockStaleAfter, logger)
	pool := queue.NewPool(cfg.Scraper.Workers, logger)

	runner := jobs.NewRunner(resolver, engine, scrapers, brands, prices, locks, jobs.Config{
		StoreTimeout: cfg.Scraper.StoreTimeout,
		Retry: queue.RetryPolicy{
			MaxAttempts: cfg.Scraper.MaxRetries,
			BaseDelay:   cfg.Scraper.RetryDelay,
			MaxDelay:    30 * time.Second,
			Jitter:      0.5,
		},
	}, logger)

	searchMode, _ := search.ParseMode(cfg.Search.Mode)
	coordinator := search.NewCoordinator(prices, locks, runner, pool, search.Config{
		Mode:         searchMode,
		AwaitTimeout: cfg.Search.AwaitTimeout,
		Freshness:    cfg.Search.Freshness,
		PageSize:     cfg.Search.PageSize,
	}, logger)

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimit.PerMinute)

	// Redis is optional: it carries the outbox stream and a shared rate limit
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}

		relay := database.NewRelay(outbox, redisClient, logger, database.RelayConfig{
			PollInterval: 5 * time.Second,
			BatchSize:    100,
		})
		go func() {
			if err := relay.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("relay stopped with error", "error", err)
			}
		}()

		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.RateLimit.PerMinute)
	} else {
		logger.Info("redis disabled, outbox events stay in the database")
	}

	handlers := api.NewHandlers(coordinator, prices, outbox, pool, cfg.Search.RetentionAge, logger)
	router := api.NewRouter(handlers, limiter, api.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)

	// Start server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}

		// Jobs still running hold their locks; let them finish and release.
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Error("scheduler shutdown incomplete", "error", err)
		}
		cancel()
	}()

	logger.Info("server starting",
		"port", cfg.Server.Port,
		"scraper_mode", mode,
		"search_mode", searchMode,
		"workers", cfg.Scraper.Workers)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("server stopped")
}
