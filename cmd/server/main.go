package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanzo/backend/internal/cache"
	"lanzo/backend/internal/config"
	"lanzo/backend/internal/httpapi"
	"lanzo/backend/internal/pricing"
	"lanzo/backend/internal/service"
	"lanzo/backend/internal/stats"
	"lanzo/backend/internal/store"
	"lanzo/backend/internal/store/memory"
	pgstore "lanzo/backend/internal/store/postgres"
	"lanzo/backend/internal/valuation"
)

func main() {
	cfg := config.Load()
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.Development() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	totalsCache, closeCache := openTotalsCache(startCtx, cfg, logger)
	if closeCache != nil {
		closers = append(closers, closeCache)
	}

	tracker := valuation.NewTracker(repo, logger)
	worker := valuation.NewWorker(repo, logger)
	aggregator := stats.NewAggregator(repo, tracker,
		stats.WithLocation(loc),
		stats.WithCache(totalsCache, cfg.StatsCacheTTL()),
		stats.WithWorker(worker, cfg.ValuationTimeout()),
		stats.WithLogger(logger),
	)
	svc := service.New(repo, pricing.NewEngine(cfg.PriceCacheCapacity), tracker, aggregator, logger)
	api := httpapi.New(svc, logger, cfg.AllowedOrigin)

	if value, err := tracker.Get(startCtx); err != nil {
		logger.Warn("inventory value unavailable at startup", zap.Error(err))
	} else {
		logger.Info("inventory value loaded", zap.Int64("value_cents", value))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("lanzo backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	return g.Wait()
}

// openRepository prefers postgres when DATABASE_URL is set and refuses to
// fall back to memory if it cannot connect.
func openRepository(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Repository, []func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}

	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	logger.Info("repository: postgres")
	return pg, []func() error{pg.Close}, nil
}

// openTotalsCache falls back to the noop cache when redis is unset or down.
func openTotalsCache(ctx context.Context, cfg config.Config, logger *zap.Logger) (cache.TotalsCache, func() error) {
	if cfg.RedisAddr == "" {
		logger.Info("cache: noop")
		return cache.NoopTotalsCache{}, nil
	}

	redisCache := cache.NewRedisTotalsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, using noop cache", zap.Error(err))
		_ = redisCache.Close()
		return cache.NoopTotalsCache{}, nil
	}
	logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
	return redisCache, redisCache.Close
}
