// Package server builds the audit service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/api"
	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/auth"
	"github.com/JakeFAU/site-audit/internal/clock/system"
	"github.com/JakeFAU/site-audit/internal/config"
	"github.com/JakeFAU/site-audit/internal/dispatcher"
	"github.com/JakeFAU/site-audit/internal/hash/sha256"
	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/metrics"
	"github.com/JakeFAU/site-audit/internal/orchestrator"
	"github.com/JakeFAU/site-audit/internal/policy/ratelimit"
	"github.com/JakeFAU/site-audit/internal/progress"
	progresssinks "github.com/JakeFAU/site-audit/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/site-audit/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/site-audit/internal/publisher/pubsub"
	memoryqueue "github.com/JakeFAU/site-audit/internal/queue/memory"
	redisqueue "github.com/JakeFAU/site-audit/internal/queue/redis"
	"github.com/JakeFAU/site-audit/internal/stages/analyze"
	"github.com/JakeFAU/site-audit/internal/stages/crawl"
	gcsstorage "github.com/JakeFAU/site-audit/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-audit/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-audit/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-audit/internal/storage/postgres"
	"github.com/JakeFAU/site-audit/internal/telemetry"
	"github.com/JakeFAU/site-audit/internal/worker"
)

// Options selects which halves of the service a process runs.
type Options struct {
	// API serves the HTTP surface.
	API bool
	// Workers runs the worker pool sized by worker.count.
	Workers bool
	// Registerer receives the lifecycle collectors; nil means the default.
	Registerer prometheus.Registerer
}

// StatusStore is the store surface the process needs beyond lifecycle writes.
type StatusStore interface {
	audit.StatusStore
	Create(ctx context.Context, unit audit.Unit) error
	Ping(ctx context.Context) error
}

// WorkQueue is the queue surface the process needs beyond audit.Queue.
type WorkQueue interface {
	audit.Queue
	Ping(ctx context.Context) error
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   Options
	logger *zap.Logger

	store           StatusStore
	pgStore         *pgstore.StatusStore
	queue           WorkQueue
	blobs           audit.BlobStore
	orch            *orchestrator.Orchestrator
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	storage         *storage.Client
	tracer          *sdktrace.TracerProvider

	closeOnce sync.Once
}

// Build creates the application's dependencies. On failure everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, opts: opts, logger: logger}
	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	clock := system.New()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		ProjectID:   a.cfg.Telemetry.ProjectID,
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracer = tp

	a.logger.Info("building application dependencies",
		zap.Bool("api", a.opts.API),
		zap.Bool("workers", a.opts.Workers),
		zap.String("queue_backend", a.cfg.Queue.Backend),
		zap.String("storage_backend", a.cfg.Storage.Backend),
	)

	if err := a.setupStatusStore(ctx, clock); err != nil {
		return err
	}
	if err := a.setupQueue(ctx, clock); err != nil {
		return err
	}
	if err := a.setupStorage(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupProgress(publisher); err != nil {
		return err
	}

	a.orch = orchestrator.New(
		a.store,
		a.queue,
		uuid.New(),
		clock,
		a.progressHub,
		orchestrator.Config{
			MaxAttempts: a.cfg.Orchestrator.MaxAttempts,
			Backoff: orchestrator.Backoff{
				Base: a.cfg.Orchestrator.BackoffBase,
				Max:  a.cfg.Orchestrator.BackoffMax,
			},
			ConflictRetries: a.cfg.Orchestrator.ConflictRetries,
		},
		a.logger,
	)

	if a.opts.Workers {
		a.dispatch = a.setupDispatcher()
	}
	if a.opts.API {
		if err := a.setupAPI(); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) setupStatusStore(ctx context.Context, clock audit.Clock) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory status store")
		a.store = memorystorage.NewStatusStore(clock)
		return nil
	}
	store, err := pgstore.NewStatusStore(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("status store init failed: %w", err)
	}
	a.pgStore = store
	a.store = store
	a.logger.Info("postgres status store initialized", zap.String("table", a.cfg.Database.Table))
	return nil
}

func (a *App) setupQueue(ctx context.Context, clock audit.Clock) error {
	if a.cfg.Queue.Backend != "redis" {
		if a.opts.Workers != a.opts.API {
			a.logger.Warn("in-memory queue is private to this process; split api and worker processes need redis")
		}
		a.queue = memoryqueue.NewQueue(clock, memoryqueue.Config{
			Visibility:   a.cfg.Queue.Visibility,
			PollInterval: a.cfg.Queue.PollInterval,
		})
		return nil
	}
	q, err := redisqueue.Open(ctx, redisqueue.Config{
		Addr:            a.cfg.Redis.Addr,
		Username:        a.cfg.Redis.Username,
		Password:        a.cfg.Redis.Password,
		DB:              a.cfg.Redis.DB,
		Prefix:          a.cfg.Redis.Prefix,
		DialTimeout:     a.cfg.Redis.DialTimeout,
		ReadTimeout:     a.cfg.Redis.ReadTimeout,
		WriteTimeout:    a.cfg.Redis.WriteTimeout,
		PoolSize:        a.cfg.Redis.PoolSize,
		MaxRetries:      a.cfg.Redis.MaxRetries,
		ConnectAttempts: a.cfg.Redis.ConnectAttempts,
		ConnectBackoff:  a.cfg.Redis.ConnectBackoff,
		Visibility:      a.cfg.Queue.Visibility,
		PollInterval:    a.cfg.Queue.PollInterval,
	}, clock, a.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("redis queue init failed: %w", err)
	}
	a.queue = q
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobs.CheckBucket(ctx); err != nil {
			return fmt.Errorf("gcs bucket check failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using GCS result archive", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = blobs
		a.logger.Info("using local result archive", zap.String("path", a.cfg.Storage.LocalDir))
	case "none":
		a.logger.Info("stage result archive disabled")
	default:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory result archive")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (audit.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubPublisher = client.Publisher(a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.Bool("ordered", a.cfg.PubSub.Ordered),
	)
	return gcppublisher.New(a.pubsubPublisher, a.cfg.PubSub.Ordered), nil
}

func (a *App) setupProgress(publisher audit.Publisher) error {
	promSink, err := progresssinks.NewPrometheusSink(a.opts.Registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	pubSink, err := progresssinks.NewPublisherSink(publisher, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("progress publisher init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		Logger:         a.logger.Named("progress"),
	}
	a.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		pubSink,
	)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupDispatcher() *dispatcher.Dispatcher {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Crawl.RateLimitRPS,
		DefaultBurst: a.cfg.Crawl.RateLimitBurst,
		PerHost:      a.cfg.Crawl.PerHostRPS(),
	})
	stages := map[audit.Stage]audit.Collaborator{
		audit.StageCrawl: crawl.New(crawl.Config{
			UserAgent:      a.cfg.Crawl.UserAgent,
			RespectRobots:  a.cfg.Crawl.RespectRobots,
			RequestTimeout: a.cfg.Crawl.RequestTimeout,
			MaxDepth:       a.cfg.Crawl.MaxDepth,
			MaxPages:       a.cfg.Crawl.MaxPages,
			RetryAfter:     a.cfg.Crawl.RetryAfter,
			BlockedHosts:   a.cfg.Crawl.BlockedHosts,
		}, limiter, a.logger),
		audit.StageAnalyze: analyze.New(analyze.Config{
			Endpoint:         a.cfg.Analyze.Endpoint,
			Token:            a.cfg.Analyze.Token,
			Timeout:          a.cfg.Analyze.Timeout,
			MaxResponseBytes: a.cfg.Analyze.MaxResponseBytes,
		}, nil, a.logger),
	}

	workerCfg := worker.Config{
		Visibility:         a.cfg.Queue.Visibility,
		HeartbeatInterval:  a.cfg.HeartbeatInterval(),
		CancelPollInterval: a.cfg.Worker.CancelPollInterval,
		StageTimeout:       a.cfg.Worker.StageTimeout,
		MaxDeliveries:      a.cfg.Queue.MaxDeliveries,
		ArchivePrefix:      a.cfg.Storage.Prefix,
		ErrorBackoff:       a.cfg.Worker.ErrorBackoff,
	}
	a.logger.Info("worker config",
		zap.Int("count", a.cfg.Worker.Count),
		zap.Duration("visibility", workerCfg.Visibility),
		zap.Duration("heartbeat_interval", workerCfg.HeartbeatInterval),
		zap.Duration("stage_timeout", workerCfg.StageTimeout),
		zap.Int("max_deliveries", workerCfg.MaxDeliveries),
	)

	hasher := sha256.New()
	workers := make([]*worker.Worker, 0, a.cfg.Worker.Count)
	for i := range a.cfg.Worker.Count {
		workers = append(workers, worker.New(
			"worker-"+strconv.Itoa(i),
			a.queue,
			a.orch,
			stages,
			a.blobs,
			hasher,
			workerCfg,
			a.logger,
		))
	}
	return dispatcher.New(a.queue, workers,
		dispatcher.WithStatsInterval(a.cfg.Queue.StatsInterval),
		dispatcher.WithLogger(a.logger.Named("dispatcher")),
	)
}

func (a *App) setupAPI() error {
	var verifier *auth.Verifier
	if a.cfg.Auth.Enabled {
		var err error
		verifier, err = auth.NewVerifier(auth.Config{
			Secret:   a.cfg.Auth.Secret,
			Issuer:   a.cfg.Auth.Issuer,
			Audience: a.cfg.Auth.Audience,
			Leeway:   a.cfg.Auth.Leeway,
		})
		if err != nil {
			return fmt.Errorf("auth init failed: %w", err)
		}
	} else {
		a.logger.Warn("authentication disabled, owner is read from X-Owner-ID")
	}
	a.apiServer = api.NewServer(
		a.orch,
		map[string]api.Pinger{"queue": a.queue, "store": a.store},
		api.Config{
			Verifier:       verifier,
			RequestTimeout: a.cfg.Server.RequestTimeout,
		},
		a.logger,
	)
	return nil
}

// Store exposes the status store for seeding units.
func (a *App) Store() StatusStore {
	return a.store
}

// Run starts the configured components and blocks until ctx is cancelled or
// the HTTP server fails. Workers finish their current stage call before Run
// returns, bounded by server.shutdown_timeout.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	if a.dispatch != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
			a.dispatch.Run(ctx)
		}()
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.apiServer != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.apiServer.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       a.cfg.Server.ReadTimeout,
			WriteTimeout:      a.cfg.Server.WriteTimeout,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				serveErr <- err
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the app opened. It is safe to call more than once.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			if err := a.queue.Close(); err != nil {
				a.logger.Warn("queue close failed", zap.Error(err))
			}
		}
		if a.progressHub != nil {
			if err := a.progressHub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
			}
		}
		if a.pubsubPublisher != nil {
			a.pubsubPublisher.Stop()
		}
		if a.pubsubClient != nil {
			if err := a.pubsubClient.Close(); err != nil {
				a.logger.Warn("pubsub client close failed", zap.Error(err))
			}
		}
		if a.storage != nil {
			if err := a.storage.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		}
		if a.pgStore != nil {
			a.pgStore.Close()
		}
		if a.tracer != nil {
			if err := a.tracer.Shutdown(ctx); err != nil {
				a.logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}
		a.logger.Info("shutdown complete")
	})
}
