// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/seoscope/seoscope/internal/alerts"
	"github.com/seoscope/seoscope/internal/api"
	"github.com/seoscope/seoscope/internal/cache"
	"github.com/seoscope/seoscope/internal/clock/system"
	"github.com/seoscope/seoscope/internal/config"
	collyfetcher "github.com/seoscope/seoscope/internal/fetcher/colly"
	"github.com/seoscope/seoscope/internal/fetcher/headless"
	"github.com/seoscope/seoscope/internal/hash/sha256"
	"github.com/seoscope/seoscope/internal/id/uuid"
	"github.com/seoscope/seoscope/internal/logging"
	"github.com/seoscope/seoscope/internal/metrics"
	lognotifier "github.com/seoscope/seoscope/internal/notifier/logger"
	psnotifier "github.com/seoscope/seoscope/internal/notifier/pubsub"
	"github.com/seoscope/seoscope/internal/policy/ratelimit"
	"github.com/seoscope/seoscope/internal/policy/retry"
	"github.com/seoscope/seoscope/internal/scheduler"
	"github.com/seoscope/seoscope/internal/scrape"
	badgerstore "github.com/seoscope/seoscope/internal/store/badger"
	memstore "github.com/seoscope/seoscope/internal/store/memory"
	pgstore "github.com/seoscope/seoscope/internal/store/postgres"
	"github.com/seoscope/seoscope/internal/storage/gcs"
	memblob "github.com/seoscope/seoscope/internal/storage/memory"
	"github.com/seoscope/seoscope/internal/worker"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and torn down by Close.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     scrape.KVStore
	cache     *cache.Cache
	registry  *metrics.Registry
	evaluator *alerts.Evaluator
	scheduler *scheduler.Scheduler
	server    *api.Server

	headlessFetcher *headless.Fetcher
	pubsubClient    *gcpubsub.Client
	storageClient   *gcstorage.Client
}

// Logger returns the shared zap logger instance.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Scheduler exposes the task scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Handler returns the HTTP handler for the service.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// New creates and initializes an App from configuration. It fails fast if
// any critical service cannot be initialized.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{cfg: cfg, logger: logger}

	if a.store, err = a.buildStore(ctx, logger); err != nil {
		return nil, err
	}
	blobStore, err := a.buildBlobStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	notifier, err := a.buildNotifier(ctx, logger)
	if err != nil {
		return nil, err
	}

	a.registry = metrics.NewRegistry(time.Duration(cfg.Metrics.WindowMinutes) * time.Minute)
	a.cache = cache.New(
		cache.Config{MaxEntries: cfg.Cache.MaxEntries},
		a.store,
		logging.Named(logger, "cache"),
	)

	limiter := ratelimit.New(ratelimit.Config{
		RPS:      cfg.RateLimit.RPS,
		Burst:    cfg.RateLimit.Burst,
		MinDelay: time.Duration(cfg.RateLimit.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.RateLimit.MaxDelayMs) * time.Millisecond,
	})
	retryPolicy := retry.New(retry.Config{
		BaseDelay: time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		MaxDelay:  time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
	})

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
	})
	var headlessFetcher scrape.Fetcher = headless.NewNoop()
	if cfg.Fetch.HeadlessEnabled {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Worker.Concurrency,
			UserAgent:         cfg.Fetch.UserAgent,
			NavigationTimeout: time.Duration(cfg.Fetch.HeadlessNavTimeout) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless fetcher: %w", err)
		}
		a.headlessFetcher = hf
		headlessFetcher = hf
	}

	pool := worker.New(
		fetcher,
		headlessFetcher,
		a.cache,
		limiter,
		retryPolicy,
		a.registry,
		blobStore,
		worker.Config{
			Concurrency:  cfg.Worker.Concurrency,
			FetchTimeout: cfg.FetchTimeout(),
			CacheTTL:     time.Duration(cfg.Cache.TTLSeconds) * time.Second,
			BlobPrefix:   cfg.Blob.Prefix,
			ContentType:  cfg.Blob.ContentType,
		},
		logging.Named(logger, "worker"),
	)

	a.scheduler, err = scheduler.New(
		scheduler.Config{
			TickInterval:       cfg.TickInterval(),
			Grace:              time.Duration(cfg.Scheduler.GraceSeconds) * time.Second,
			MaxPendingTasks:    cfg.Scheduler.MaxPendingTasks,
			DefaultMaxAttempts: cfg.Scheduler.DefaultMaxAttempts,
		},
		pool,
		a.store,
		system.New(),
		uuid.NewUUIDGenerator(),
		sha256.New(),
		logging.Named(logger, "scheduler"),
	)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	rules := alerts.DefaultRules(
		cfg.Alerts.ErrorRateThreshold,
		time.Duration(cfg.Alerts.LatencyThresholdMs)*time.Millisecond,
		time.Duration(cfg.Alerts.EvaluationWindowMinute)*time.Minute,
		time.Duration(cfg.Alerts.CooldownSeconds)*time.Second,
	)
	a.evaluator, err = alerts.NewEvaluator(a.registry, notifier, rules, logging.Named(logger, "alerts"))
	if err != nil {
		return nil, fmt.Errorf("init alert evaluator: %w", err)
	}

	a.server = api.NewServer(a.scheduler, a.registry, a.evaluator, a.cache, logging.Named(logger, "api"))

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("blob", cfg.Blob.Provider),
		zap.String("notifier", cfg.Notifier.Provider),
	)
	return a, nil
}

// Run starts the background loops and the HTTP server, blocking until ctx
// ends, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.scheduler.Run(ctx)
	go a.cache.RunSweeper(ctx, time.Duration(a.cfg.Cache.SweepSeconds)*time.Second)
	go a.evaluator.Run(ctx, time.Duration(a.cfg.Alerts.TickSeconds)*time.Second)
	go a.runRegistrySweeper(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.Int("port", a.cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (a *App) runRegistrySweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.registry.Sweep()
		}
	}
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	if a.headlessFetcher != nil {
		a.headlessFetcher.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			a.logger.Warn("storage client close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *App) buildStore(ctx context.Context, logger *zap.Logger) (scrape.KVStore, error) {
	switch a.cfg.Store.Provider {
	case "memory":
		return memstore.New(), nil
	case "badger":
		store, err := badgerstore.New(badgerstore.Config{Path: a.cfg.Store.Badger.Path}, logging.Named(logger, "badger"))
		if err != nil {
			return nil, fmt.Errorf("init badger store: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := pgstore.New(ctx, pgstore.Config{DSN: a.cfg.Store.Postgres.DSN})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store.provider: %s", a.cfg.Store.Provider)
	}
}

func (a *App) buildBlobStore(ctx context.Context, logger *zap.Logger) (scrape.BlobStore, error) {
	switch a.cfg.Blob.Provider {
	case "none":
		return nil, nil
	case "memory":
		return memblob.NewBlobStore(), nil
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.storageClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Blob.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		logger.Info("archiving fetch bodies to gcs", zap.String("bucket", a.cfg.Blob.GCSBucket))
		return store, nil
	default:
		return nil, fmt.Errorf("unknown blob.provider: %s", a.cfg.Blob.Provider)
	}
}

func (a *App) buildNotifier(ctx context.Context, logger *zap.Logger) (alerts.Notifier, error) {
	switch a.cfg.Notifier.Provider {
	case "log":
		return lognotifier.New(logging.Named(logger, "notifier")), nil
	case "pubsub":
		client, err := gcpubsub.NewClient(ctx, a.cfg.Notifier.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.pubsubClient = client
		notifier, err := psnotifier.New(client.Topic(a.cfg.Notifier.TopicName))
		if err != nil {
			return nil, fmt.Errorf("init pubsub notifier: %w", err)
		}
		return notifier, nil
	default:
		return nil, fmt.Errorf("unknown notifier.provider: %s", a.cfg.Notifier.Provider)
	}
}
