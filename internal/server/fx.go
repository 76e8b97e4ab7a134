// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/store-email-crawler/internal/api"
	"github.com/JakeFAU/store-email-crawler/internal/classify"
	"github.com/JakeFAU/store-email-crawler/internal/clock/system"
	"github.com/JakeFAU/store-email-crawler/internal/config"
	"github.com/JakeFAU/store-email-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/store-email-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/store-email-crawler/internal/fetcher/paced"
	"github.com/JakeFAU/store-email-crawler/internal/logging"
	"github.com/JakeFAU/store-email-crawler/internal/metrics"
	"github.com/JakeFAU/store-email-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/store-email-crawler/internal/policy/simple"
	"github.com/JakeFAU/store-email-crawler/internal/publisher"
	gcppublisher "github.com/JakeFAU/store-email-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/store-email-crawler/internal/scheduler"
	"github.com/JakeFAU/store-email-crawler/internal/session"
	"github.com/JakeFAU/store-email-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/store-email-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/store-email-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/store-email-crawler/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	scheduler       *scheduler.Scheduler
	rates           *ratelimit.Controller
	queue           store.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields; the DSN stays out of the logs.
	logger.Info("Creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("capacity", cfg.Scheduler.Capacity),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Handler exposes the operator HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler returns the admission loop.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Queue returns the configured job source.
func (a *App) Queue() store.Queue {
	return a.queue
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives, then drains the scheduler.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Scheduler.Autostart {
		opts := scheduler.Options{Capacity: a.cfg.Scheduler.Capacity, Scope: a.cfg.Scheduler.Scope}
		if err := a.scheduler.Start(ctx, opts); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler drain incomplete", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(_ context.Context) error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("job store close failed", zap.Error(err))
		}
	}
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

// BuildWithLogger wires every component around an existing logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	metrics.Init()

	app.logger.Info("building application dependencies")
	clock := system.New()
	app.queue, err = OpenQueue(ctx, cfg, clock)
	if err != nil {
		return nil, err
	}

	pub, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		return nil, err
	}

	app.rates = ratelimit.New(ratelimit.Config{
		BaseDelay:        cfg.Rate.BaseDelay,
		MaxDelay:         cfg.Rate.MaxDelay,
		Multiplier:       cfg.Rate.Multiplier,
		DecayFactor:      cfg.Rate.DecayFactor,
		CircuitThreshold: cfg.Rate.CircuitThreshold,
		CircuitCooldown:  cfg.Rate.CircuitCooldown,
		MaxHosts:         cfg.Rate.MaxHosts,
	}, ratelimit.WithLogger(app.logger))

	runner := setupSession(app, clock)
	sink := publisher.NewNotifyingSink(app.queue, pub, cfg.PubSub.TopicName, app.logger)

	app.scheduler = scheduler.New(app.queue, sink, runner, scheduler.Config{
		Capacity:       cfg.Scheduler.Capacity,
		PollInterval:   cfg.Scheduler.PollInterval,
		PollJitter:     cfg.Scheduler.PollJitter,
		ClaimRate:      cfg.Scheduler.ClaimRate,
		Drain:          scheduler.DrainPolicy(cfg.Scheduler.Drain),
		SourceBackoff:  cfg.Scheduler.SourceBackoff,
		SourceMaxDelay: cfg.Scheduler.SourceMaxDelay,
		SinkBackoff:    cfg.Scheduler.SinkBackoff,
		SinkMaxDelay:   cfg.Scheduler.SinkMaxDelay,
	}, app.logger)

	app.apiServer = api.NewServer(
		app.scheduler,
		app.rates,
		app.queue,
		app.queue,
		api.Config{
			RequestTimeout: cfg.Server.RequestTimeout,
			StopTimeout:    cfg.Server.ShutdownTimeout,
		},
		app.logger,
	)

	return app, nil
}

// OpenQueue opens the job store selected by storage.backend.
func OpenQueue(ctx context.Context, cfg *config.Config, clock crawler.Clock) (store.Queue, error) {
	lease := store.LeaseConfig{
		Lease:          cfg.Storage.Lease,
		FailedCooldown: cfg.Storage.FailedCooldown,
		MaxAttempts:    cfg.Storage.MaxAttempts,
	}
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		q, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			Lease:           lease,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		return q, nil
	case config.BackendSQLite:
		q, err := sqlitestore.Open(ctx, cfg.SQLite.Path, lease, clock)
		if err != nil {
			return nil, fmt.Errorf("sqlite job store init failed: %w", err)
		}
		return q, nil
	default:
		return memory.NewJobStore(lease, clock, nil), nil
	}
}

// Migrate creates the job tables for the configured backend.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	q, err := OpenQueue(ctx, cfg, system.New())
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	if pg, ok := q.(*pgstore.JobStore); ok {
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	// The sqlite store migrates on open; the memory store has no schema.
	logger.Info("schema ready", zap.String("backend", cfg.Storage.Backend))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if !app.cfg.PubSub.Enabled() {
		app.logger.Warn("No Pub/Sub topic configured, result events disabled")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupSession(app *App, clock crawler.Clock) *session.Runner {
	cfg := app.cfg
	raw := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})
	app.logger.Info("using colly fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))

	retry := crawler.NewRetryPolicy(cfg.Fetch.MaxRetries, cfg.Fetch.RetryBaseDelay, cfg.Fetch.RetryMaxDelay)
	fetcher := paced.New(raw, app.rates, retry, app.logger)

	robots := crawler.NewRobotsEnforcer(
		cfg.Fetch.RespectRobots,
		cfg.Fetch.UserAgent,
		fetcher,
		app.logger,
	)
	policy := simple.New(cfg.Session.MaxDepth, crawler.NewDomainBlocklist(cfg.Fetch.Blocklist))
	classifier := classify.NewHeuristic(nil, app.logger)

	sessCfg := session.Config{
		MaxPages:      cfg.Session.MaxPages,
		MaxDepth:      cfg.Session.MaxDepth,
		SitemapLimit:  cfg.Session.SitemapLimit,
		Deadline:      cfg.Session.Deadline,
		TargetEmails:  cfg.Session.TargetEmails,
		MinConfidence: cfg.Classify.MinConfidence,
	}
	app.logger.Info("session config",
		zap.Int("max_pages", sessCfg.MaxPages),
		zap.Int("max_depth", sessCfg.MaxDepth),
		zap.Int("sitemap_limit", sessCfg.SitemapLimit),
		zap.Duration("deadline", sessCfg.Deadline),
		zap.Bool("respect_robots", cfg.Fetch.RespectRobots),
	)
	return session.New(fetcher, classifier, robots, policy, clock, sessCfg, app.logger)
}
