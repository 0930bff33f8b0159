// Package main wires together the mangahive scrape service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/tsukimori/mangahive/internal/api"
	"github.com/tsukimori/mangahive/internal/browser"
	"github.com/tsukimori/mangahive/internal/config"
	"github.com/tsukimori/mangahive/internal/events"
	"github.com/tsukimori/mangahive/internal/fetch"
	"github.com/tsukimori/mangahive/internal/images"
	"github.com/tsukimori/mangahive/internal/jobs"
	"github.com/tsukimori/mangahive/internal/logging"
	"github.com/tsukimori/mangahive/internal/queue"
	"github.com/tsukimori/mangahive/internal/ratelimit"
	"github.com/tsukimori/mangahive/internal/scrape"
	"github.com/tsukimori/mangahive/internal/sites"
	"github.com/tsukimori/mangahive/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := scrape.SystemClock{}

	rdb, err := ratelimit.NewClient(ratelimit.Config{
		Address:  cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		_ = rdb.Close()
	}()
	limits := ratelimit.New(rdb)

	st, err := store.New(ctx, store.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: int32(cfg.DB.MaxConns),
		MinConns: int32(cfg.DB.MinConns),
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	driver := browser.NewChromedpDriver(browser.DriverConfig{UserAgent: cfg.Scrape.UserAgent})
	defer driver.Close()
	pool := browser.NewPool(driver, limits, clock, browser.Config{
		PoolSize:      cfg.Browser.PoolSize,
		MaxRequests:   cfg.Browser.MaxRequests,
		MaxSessionAge: time.Duration(cfg.Browser.MaxSessionAgeMin) * time.Minute,
		NavTimeout:    time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		WaitTimeout:   time.Duration(cfg.Browser.WaitTimeoutSec) * time.Second,
		CookieTTL:     time.Duration(cfg.Browser.CookieTTLMinutes) * time.Minute,
	}, logger.Named("browser"))
	defer pool.Close()

	httpClient := fetch.NewCollyClient(fetch.CollyConfig{
		UserAgent:   cfg.Scrape.UserAgent,
		Timeout:     time.Duration(cfg.Scrape.TimeoutSeconds) * time.Second,
		Concurrency: cfg.Scrape.FetchConcurrent,
	}, limits, logger.Named("colly"))

	engine := fetch.NewEngine(limits, pool, httpClient, fetch.Config{
		DefaultLimit:   cfg.Scrape.DefaultLimit,
		DomainLimits:   cfg.Scrape.DomainLimits,
		DelayMin:       time.Duration(cfg.Scrape.DelayMinMs) * time.Millisecond,
		DelayMax:       time.Duration(cfg.Scrape.DelayMaxMs) * time.Millisecond,
		BrowserTimeout: time.Duration(cfg.Browser.NavTimeoutSec) * time.Second,
		MaxAttempts:    cfg.Scrape.MaxAttempts,
	}, logger.Named("fetch"))

	registry := sites.DefaultRegistry(engine)
	// The provider shares rdb, which is closed above.
	taskQueue := queue.NewRedisProvider(rdb)

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	ingestor := images.NewIngestor(blobs, nil)

	publisher, err := newPublisher(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	jobStore := jobs.NewPgStore(st)
	executor := jobs.NewExecutor(jobStore, registry, taskQueue, ingestor, limits, clock, jobs.ExecutorConfig{
		RetryDelay: time.Duration(cfg.Workers.RetryDelaySeconds) * time.Second,
		StaleAfter: cfg.StaleAfter(),
	}, logger.Named("executor"))

	ops := jobs.NewOperations(jobStore, registry, taskQueue, publisher, clock, logger.Named("operations"))

	workerPool := jobs.NewPool(map[queue.Lane]int{
		queue.LaneScraper:    cfg.Workers.Scraper,
		queue.LaneBrowser:    cfg.Workers.Browser,
		queue.LaneDownloader: cfg.Workers.Downloader,
		queue.LaneScheduler:  cfg.Workers.Scheduler,
	}, taskQueue, jobStore, executor, publisher, clock, logger.Named("worker"))

	maintenance := jobs.NewMaintenance(ops, jobStore, limits, clock, jobs.MaintenanceConfig{
		CheckInterval:   time.Duration(cfg.Scheduler.CheckIntervalMinutes) * time.Minute,
		CleanupInterval: time.Duration(cfg.Scheduler.CleanupIntervalMinutes) * time.Minute,
		Retention:       cfg.Retention(),
	}, logger.Named("scheduler"))

	apiServer := api.NewServer(ops, st, st, cfg, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		logger.Info("workers started",
			zap.Int("scraper", cfg.Workers.Scraper),
			zap.Int("browser", cfg.Workers.Browser),
			zap.Int("downloader", cfg.Workers.Downloader),
			zap.Int("scheduler", cfg.Workers.Scheduler))
		workerPool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		logger.Info("maintenance scheduler started")
		maintenance.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()
	if closer, ok := publisher.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return nil
}

func newBlobStore(ctx context.Context, cfg config.Config) (images.BlobStore, error) {
	if cfg.Storage.GCSBucket == "" {
		zap.L().Warn("no GCS bucket configured, storing images in memory")
		return images.NewMemoryBlobStore(), nil
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return images.NewGCSBlobStore(client, cfg.Storage.GCSBucket)
}

func newPublisher(ctx context.Context, cfg config.Config) (scrape.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		return events.NoOpPublisher{}, nil
	}
	return events.NewPubSubPublisher(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
}
