// Package server builds the batchd application from configuration and runs
// its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/admission"
	"github.com/JakeFAU/batchd/internal/api"
	"github.com/JakeFAU/batchd/internal/artifact"
	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/clock/system"
	"github.com/JakeFAU/batchd/internal/config"
	"github.com/JakeFAU/batchd/internal/credentials"
	"github.com/JakeFAU/batchd/internal/dispatcher"
	"github.com/JakeFAU/batchd/internal/fetch"
	"github.com/JakeFAU/batchd/internal/finalizer"
	"github.com/JakeFAU/batchd/internal/id/uuid"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
	"github.com/JakeFAU/batchd/internal/notify"
	"github.com/JakeFAU/batchd/internal/notify/webhook"
	"github.com/JakeFAU/batchd/internal/policy/ratelimit"
	"github.com/JakeFAU/batchd/internal/policy/sources"
	"github.com/JakeFAU/batchd/internal/provider"
	kafkapublisher "github.com/JakeFAU/batchd/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/batchd/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/batchd/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/batchd/internal/queue/memory"
	queueRedis "github.com/JakeFAU/batchd/internal/queue/redis"
	gcsstorage "github.com/JakeFAU/batchd/internal/storage/gcs"
	localstorage "github.com/JakeFAU/batchd/internal/storage/local"
	memoryStorage "github.com/JakeFAU/batchd/internal/storage/memory"
	pgstore "github.com/JakeFAU/batchd/internal/storage/postgres"
	"github.com/JakeFAU/batchd/internal/telemetry"
	"github.com/JakeFAU/batchd/internal/worker"
)

// Version is reported in traces and by the version command. Set by -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  batch.Clock
	ids    batch.IDGenerator

	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	processor  *worker.Processor
	admission  *admission.Controller
	queue      batch.LaneQueue
	store      batch.Store
	ledger     batch.Ledger
	objects    batch.ObjectStore
	publisher  batch.Publisher
	memStore   *memoryStorage.BatchStore
	pool       *pgxpool.Pool
	redis      *goredis.Client
	gcs        *storage.Client
	pubsub     *gcppublisher.Publisher
	kafka      *kafkapublisher.Publisher
	readyCheck []func(context.Context) error

	tracerShutdown func(context.Context) error
}

// NewApp creates an App shell with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("events_backend", cfg.Events.Backend),
		zap.Strings("lanes", cfg.LaneNames()),
	)
	return &App{cfg: cfg, logger: logger, clock: system.New(), ids: uuid.New()}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the dispatcher, retention sweeper and HTTP server and blocks
// until ctx is cancelled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Queue.RecoverOnStart {
		n, err := a.dispatch.Recover(ctx, a.store)
		if err != nil {
			return fmt.Errorf("recover unfinished batches: %w", err)
		}
		a.logger.Info("startup recovery finished", zap.Int("recovered", n))
	}

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.logger.Info("dispatcher started", zap.Strings("lanes", a.dispatch.Lanes()))
		a.dispatch.Run(ctx)
	}()

	if a.memStore != nil {
		go a.memStore.RunSweeper(ctx, a.cfg.Retention.SweepInterval, a.clock, a.logger.Named("retention"))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Workers requeue interrupted batches, so the broker stays open until
	// they return.
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		// The redis broker owns the client and closes it here.
		a.queue.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return nil
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	app := NewApp(cfg, logging.OrNop(logger))
	app.logger.Info("building application dependencies")

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	steps := []func(context.Context) error{
		app.setupDatabase,
		app.setupQueue,
		app.setupStorage,
		app.setupPublisher,
		app.setupEngine,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = app.Close(ctx)
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store and ledger")
		a.memStore = memoryStorage.NewBatchStore(a.cfg.Retention.TTL)
		a.store = a.memStore
		a.ledger = memoryStorage.NewLedger(a.ids, a.clock)
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.readyCheck = append(a.readyCheck, pool.Ping)

	if a.store, err = pgstore.NewStore(pool); err != nil {
		return fmt.Errorf("batch store init failed: %w", err)
	}
	if a.ledger, err = pgstore.NewLedger(pool, a.ids, a.clock); err != nil {
		return fmt.Errorf("ledger init failed: %w", err)
	}
	a.logger.Info("postgres store and ledger initialized")
	return nil
}

func (a *App) setupQueue(_ context.Context) error {
	switch a.cfg.Queue.Backend {
	case "redis":
		a.redis = queueRedis.NewClient(a.cfg.Redis.Addr, a.cfg.Redis.Password, a.cfg.Redis.DB)
		a.readyCheck = append(a.readyCheck, func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
		a.queue = queueRedis.New(a.redis, queueRedis.Config{
			KeyPrefix:    a.cfg.Redis.KeyPrefix,
			PollInterval: a.cfg.Queue.PollInterval,
		}, a.logger)
		a.logger.Info("using redis lane broker", zap.String("addr", a.cfg.Redis.Addr))
	default:
		a.queue = queueMemory.NewQueue()
		a.logger.Info("using in-memory lane broker")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	var err error
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.objects, err = gcsstorage.New(a.gcs, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("gcs object store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		a.objects, err = localstorage.New(localstorage.Config{
			BaseDir:    a.cfg.Storage.LocalBaseDir,
			SigningKey: a.cfg.Storage.SigningKey,
		})
		if err != nil {
			return fmt.Errorf("local object store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalBaseDir))
	default:
		a.objects = memoryStorage.NewObjectStore(a.clock)
		a.logger.Info("using in-memory storage backend")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.Events.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsub = gcppublisher.New(client)
		a.publisher = a.pubsub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
	case "kafka":
		a.kafka = kafkapublisher.New(a.cfg.Events.KafkaBrokers)
		a.publisher = a.kafka
		a.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Events.KafkaBrokers),
			zap.String("topic", a.cfg.Events.Topic),
		)
	default:
		a.publisher = memorypublisher.New()
		a.logger.Warn("no event broker configured, using in-memory publisher")
	}
	return nil
}

func (a *App) setupEngine(_ context.Context) error {
	cfg := a.cfg
	runner := fetch.NewRunner(fetch.Config{
		Binary:    cfg.Fetch.Binary,
		ExtraArgs: cfg.Fetch.ExtraArgs,
	}, a.logger)
	scraper := provider.NewOpenGraph(provider.ScraperConfig{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.Fetch.MetadataTimeout,
	})
	providers, err := provider.Standard(runner, scraper)
	if err != nil {
		return fmt.Errorf("provider registry init failed: %w", err)
	}
	a.logger.Info("providers registered", zap.Strings("providers", providers.IDs()))

	var refresher credentials.Refresher
	if cfg.Credentials.RefreshCommand != "" {
		refresher = credentials.CommandRefresher{
			Path:    cfg.Credentials.RefreshCommand,
			Args:    cfg.Credentials.RefreshArgs,
			Timeout: cfg.Credentials.RefreshTimeout,
		}
	} else {
		a.logger.Warn("no credential refresh command configured, verification failures are terminal")
	}
	creds := credentials.NewStore(cfg.Credentials.CookiesPath, refresher, a.logger)

	var limiter worker.HostLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	notifier := notify.NewMulti(a.logger,
		webhook.New(webhook.Config{Timeout: cfg.Webhook.Timeout, UserAgent: cfg.Webhook.UserAgent}),
		notify.Topic{Publisher: a.publisher, Name: cfg.Events.Topic},
	)

	workDir := cfg.Fetch.WorkDir
	fin := finalizer.New(a.store, a.objects, notifier, a.clock, finalizer.Config{
		WorkDir:   workDir,
		KeyPrefix: cfg.Storage.Prefix,
	}, a.logger)

	a.processor, err = worker.NewProcessor(worker.Deps{
		Store:       a.store,
		Ledger:      a.ledger,
		Providers:   providers,
		Credentials: creds,
		Limiter:     limiter,
		Resolver:    artifact.NewResolver(cfg.Fetch.MinArtifactBytes),
		Objects:     a.objects,
		Finalizer:   fin,
		Clock:       a.clock,
	}, worker.Config{
		WorkDir:         filepath.Clean(workDir),
		Concurrency:     cfg.Queue.PerBatchConcurrency,
		AttemptTimeout:  cfg.Fetch.AttemptTimeout,
		MetadataTimeout: cfg.Fetch.MetadataTimeout,
		KeyPrefix:       cfg.Storage.Prefix,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("processor init failed: %w", err)
	}

	a.dispatch = dispatcher.New(a.queue, dispatcher.Config{
		Lanes:        cfg.Queue.Lanes,
		RequeueDelay: cfg.Queue.RequeueDelay,
	}, a.processor, a.logger)

	a.admission, err = admission.New(admission.Deps{
		Store:     a.store,
		Ledger:    a.ledger,
		Queue:     a.dispatch,
		Providers: providers,
		Plans:     cfg,
		Sources:   sources.New(cfg.DeniedHosts),
		Notifier:  notifier,
		Canceller: a.processor,
		IDs:       a.ids,
		Clock:     a.clock,
	}, cfg.Queue.BackpressureCeiling, a.logger)
	if err != nil {
		return fmt.Errorf("admission init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(api.Deps{
		Admission: a.admission,
		Batches:   a.store,
		Objects:   a.objects,
		Clock:     a.clock,
		Ready:     a.ready,
	}, api.Config{
		APIKey:         apiKey,
		RequestTimeout: cfg.RequestTimeout(),
		ArchiveURLTTL:  cfg.Storage.SignedURLTTL,
	}, a.logger)
	return nil
}

func (a *App) ready(ctx context.Context) error {
	for _, check := range a.readyCheck {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}
