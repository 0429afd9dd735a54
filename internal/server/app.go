// Package server builds the application's dependency graph from
// configuration and runs it until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-scraper/internal/api"
	"github.com/JakeFAU/realtime-scraper/internal/browser"
	"github.com/JakeFAU/realtime-scraper/internal/browser/headless"
	"github.com/JakeFAU/realtime-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-scraper/internal/config"
	"github.com/JakeFAU/realtime-scraper/internal/dispatcher"
	"github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
	"github.com/JakeFAU/realtime-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-scraper/internal/intake"
	"github.com/JakeFAU/realtime-scraper/internal/logging"
	"github.com/JakeFAU/realtime-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-scraper/internal/proxy"
	memorypublisher "github.com/JakeFAU/realtime-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-scraper/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/realtime-scraper/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/realtime-scraper/internal/queue/pubsub"
	queueRedis "github.com/JakeFAU/realtime-scraper/internal/queue/redis"
	"github.com/JakeFAU/realtime-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-scraper/internal/session"
	"github.com/JakeFAU/realtime-scraper/internal/storage/fallback"
	gcsstorage "github.com/JakeFAU/realtime-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-scraper/internal/storage/local"
	memoryStorage "github.com/JakeFAU/realtime-scraper/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-scraper/internal/storage/postgres"
	"github.com/JakeFAU/realtime-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-scraper/internal/waiter"
	"github.com/JakeFAU/realtime-scraper/internal/worker"
)

// Mode selects which halves of the service a process runs.
type Mode string

// Process modes.
const (
	// ModeServe runs the intake API and in-process workers.
	ModeServe Mode = "serve"
	// ModeWorker consumes the queue; HTTP serves only probes and metrics.
	ModeWorker Mode = "worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	mode   Mode
	logger *zap.Logger
	clock  *system.Clock
	ids    scrape.IDGenerator

	handler  http.Handler
	dispatch *dispatcher.Dispatcher
	browsers *browser.Manager

	jobStore        scrape.JobStore
	queue           scrape.Queue
	publisher       scrape.Publisher
	resultsTopic    string
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	closers         []namedCloser
	tracerShutdown  func(context.Context) error
}

type namedCloser struct {
	name  string
	close func() error
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, mode Mode, logger *zap.Logger) (*App, error) {
	switch mode {
	case ModeServe, ModeWorker:
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	logger.Info("creating application",
		zap.String("mode", string(mode)),
		zap.Int("port", cfg.Server.Port),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("results", cfg.Results.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("db", cfg.DB.Driver),
		zap.String("proxy", cfg.Proxy.Mode),
	)
	return &App{
		cfg:    cfg,
		mode:   mode,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
	}, nil
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
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
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not stop before the shutdown deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application. The browser goes first so no
// page outlives its process; sinks follow in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	if a.browsers != nil {
		if err := a.browsers.Shutdown(ctx); err != nil {
			a.logger.Warn("browser shutdown failed", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
		}
	}
	a.closers = nil
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
func Build(ctx context.Context, cfg *config.Config, mode Mode) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app, err := NewApp(cfg, mode, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		// Release whatever was already opened.
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies")
	var err error
	if a.jobStore, err = setupJobStore(ctx, a); err != nil {
		return err
	}
	if err = setupPubSub(ctx, a); err != nil {
		return err
	}
	if a.queue, err = setupQueue(ctx, a); err != nil {
		return err
	}
	if err = setupPublisher(a); err != nil {
		return err
	}

	var workers []*worker.Worker
	workers, err = setupWorkers(ctx, a)
	if err != nil {
		return err
	}
	a.dispatch = dispatcher.New(a.queue, workers, a.logger.Named("dispatcher"))

	var status api.BrowserStatus
	if a.browsers != nil {
		status = a.browsers
	}
	var enqueuer api.Enqueuer
	if a.mode == ModeServe {
		enqueuer = a.dispatch
	}
	a.handler = api.NewServer(
		a.jobStore,
		enqueuer,
		a.ids,
		a.clock,
		status,
		*a.cfg,
		a.logger.Named("api"),
	).Handler()
	return nil
}

func setupJobStore(ctx context.Context, app *App) (scrape.JobStore, error) {
	switch app.cfg.DB.Driver {
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:             app.cfg.DB.DSN,
			Table:           app.cfg.DB.Table,
			MaxConns:        app.cfg.DB.MaxConns,
			MinConns:        app.cfg.DB.MinConns,
			MaxConnLifetime: app.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("job store init failed: %w", err)
		}
		app.onClose("job store", func() error {
			store.Close()
			return nil
		})
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("job store schema failed: %w", err)
		}
		app.logger.Info("using postgres job store", zap.String("table", app.cfg.DB.Table))
		return store, nil
	default:
		app.logger.Info("using in-memory job store")
		return memoryStorage.NewJobStore(), nil
	}
}

// setupPubSub opens one client shared by the pubsub queue and publisher.
func setupPubSub(ctx context.Context, app *App) error {
	if app.cfg.Queue.Driver != "pubsub" && app.cfg.Results.Driver != "pubsub" {
		return nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.GCP.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubClient = client
	app.onClose("pubsub client", client.Close)
	app.logger.Info("pubsub client initialized", zap.String("project", app.cfg.GCP.ProjectID))
	return nil
}

func setupQueue(_ context.Context, app *App) (scrape.Queue, error) {
	cfg := app.cfg.Queue
	switch cfg.Driver {
	case "pubsub":
		q, err := queuePubSub.New(app.pubsubClient, queuePubSub.Config{
			Topic:          cfg.PubSub.Topic,
			Subscription:   cfg.PubSub.Subscription,
			MaxOutstanding: cfg.PubSub.MaxOutstanding,
		}, app.logger.Named("queue"))
		if err != nil {
			return nil, fmt.Errorf("pubsub queue init failed: %w", err)
		}
		app.onClose("pubsub queue", q.Close)
		app.logger.Info("using pubsub queue",
			zap.String("topic", cfg.PubSub.Topic),
			zap.String("subscription", cfg.PubSub.Subscription),
		)
		return q, nil
	case "redis":
		client, err := queueRedis.NewClient(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis client init failed: %w", err)
		}
		q, err := queueRedis.New(client, queueRedis.Config{
			Key:          cfg.Redis.Key,
			PollInterval: cfg.Redis.PollInterval,
		}, app.logger.Named("queue"))
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis queue init failed: %w", err)
		}
		app.onClose("redis queue", q.Close)
		app.logger.Info("using redis queue", zap.String("key", cfg.Redis.Key))
		return q, nil
	default:
		q := queueMemory.NewQueue(cfg.Depth)
		app.onClose("memory queue", func() error {
			q.Close()
			return nil
		})
		app.logger.Info("using in-memory queue", zap.Int("depth", cfg.Depth))
		return q, nil
	}
}

func setupPublisher(app *App) error {
	switch app.cfg.Results.Driver {
	case "pubsub":
		app.pubsubPublisher = gcppublisher.New(app.pubsubClient)
		app.publisher = app.pubsubPublisher
		app.resultsTopic = app.cfg.Results.Topic
		app.onClose("pubsub publisher", func() error {
			app.pubsubPublisher.Stop()
			return nil
		})
		app.logger.Info("publishing results to pubsub", zap.String("topic", app.resultsTopic))
	case "none":
		app.logger.Warn("result publishing disabled")
	default:
		app.publisher = memorypublisher.New()
		app.resultsTopic = app.cfg.Results.Topic
		app.logger.Info("publishing results in memory", zap.String("topic", app.resultsTopic))
	}
	return nil
}

func setupBlobStore(ctx context.Context, app *App) (scrape.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Driver {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		app.onClose("gcs client", client.Close)
		primary, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:        cfg.GCSBucket,
			PublicBaseURL: cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		if !cfg.Fallback {
			return primary, nil
		}
		local, err := localstorage.New(localstorage.Config{BaseDir: cfg.PublicDir, URLPrefix: "/"})
		if err != nil {
			return nil, fmt.Errorf("local fallback init failed: %w", err)
		}
		store, err := fallback.New(primary, local, app.logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("fallback blob store init failed: %w", err)
		}
		app.logger.Debug("GCS uploads fall back to local storage", zap.String("path", cfg.PublicDir))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.PublicDir, URLPrefix: cfg.URLPrefix})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.PublicDir))
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func setupProxies(app *App) (browser.ProxyProvider, error) {
	cfg := app.cfg.Proxy
	switch cfg.Mode {
	case "api":
		client, err := proxy.NewAPIClient(proxy.APIConfig{
			BaseURL: cfg.APIURL,
			Secret:  cfg.Secret,
			Timeout: cfg.Timeout,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("proxy api client init failed: %w", err)
		}
		app.logger.Info("leasing proxies from pool service", zap.String("country", cfg.Country))
		return client, nil
	case "static":
		app.logger.Info("using static proxy list", zap.Int("count", len(cfg.Static)))
		return proxy.NewStatic(cfg.Static), nil
	default:
		app.logger.Info("launching browsers without proxy")
		return nil, nil
	}
}

func setupBrowsers(app *App) (*browser.Manager, error) {
	proxies, err := setupProxies(app)
	if err != nil {
		return nil, err
	}
	cfg := app.cfg.Browser
	launcher := headless.NewLauncher(headless.Config{
		ExecPath:     cfg.ExecPath,
		WindowWidth:  cfg.WindowWidth,
		WindowHeight: cfg.WindowHeight,
		Stealth:      true,
		ShowWindow:   !cfg.Headless,
	}, app.logger.Named("chrome"))

	managerCfg := browser.Config{
		LaunchTimeout:     cfg.LaunchTimeout,
		ProbeTimeout:      cfg.ProbeTimeout,
		KeepAliveInterval: cfg.KeepAlive,
		MaxIdle:           cfg.MaxIdle,
		ProxyAttempts:     cfg.ProxyAttempts,
		ProxyCountry:      app.cfg.Proxy.Country,
		RetryDelay:        cfg.RetryDelay,
		MaxPages:          cfg.MaxPages,
		UserAgents:        cfg.UserAgents,
	}
	app.logger.Info("browser manager config",
		zap.Duration("launch_timeout", managerCfg.LaunchTimeout),
		zap.Duration("keepalive", managerCfg.KeepAliveInterval),
		zap.Duration("max_idle", managerCfg.MaxIdle),
		zap.Int("proxy_attempts", managerCfg.ProxyAttempts),
	)
	return browser.New(
		launcher,
		proxies,
		nil,
		uuid.NewRandom(),
		app.clock,
		managerCfg,
		app.logger.Named("browser"),
	), nil
}

func setupSessions(app *App) *session.Runner {
	cfg := app.cfg.Session
	hosts := make(map[string]float64, len(cfg.HostRPS))
	for _, hr := range cfg.HostRPS {
		hosts[hr.Host] = hr.RPS
	}
	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.PerHostRPS,
		DefaultBurst: cfg.Burst,
		HostRPS:      hosts,
	})
	var block session.BlockPolicy
	if cfg.BlockResources {
		block = session.DefaultBlockPolicy()
	}
	return session.New(session.Config{
		NavigationTimeout: cfg.Timeout,
		CloseTimeout:      cfg.CloseTimeout,
		Block:             block,
	}, pacer, app.logger.Named("session"))
}

// scraperConfig layers the scraper's own wait bounds over the waiter tuning.
func scraperConfig(cfg *config.Config) scraper.Config {
	wait := waiter.Config{
		MaxWait:           cfg.Waiter.MaxWait,
		Interval:          cfg.Waiter.Interval,
		DiscoveryTimeout:  cfg.Waiter.DiscoveryTimeout,
		QuietPeriod:       cfg.Waiter.QuietPeriod,
		StableThreshold:   cfg.Waiter.StableThreshold,
		NoChangeThreshold: cfg.Waiter.NoChangeThreshold,
	}
	if cfg.Scraper.WaitMax > 0 {
		wait.MaxWait = cfg.Scraper.WaitMax
	}
	if cfg.Scraper.WaitInterval > 0 {
		wait.Interval = cfg.Scraper.WaitInterval
	}
	return scraper.Config{
		Wait:             wait,
		NewsSettle:       cfg.Scraper.NewsSettle,
		ScreenshotPrefix: cfg.Scraper.ScreenshotPrefix,
		FallbackChars:    cfg.Scraper.FallbackChars,
	}
}

func setupWorkers(ctx context.Context, app *App) ([]*worker.Worker, error) {
	blobs, err := setupBlobStore(ctx, app)
	if err != nil {
		return nil, err
	}
	app.browsers, err = setupBrowsers(app)
	if err != nil {
		return nil, err
	}
	service := scraper.New(
		app.browsers,
		setupSessions(app),
		blobs,
		uuid.NewRandom(),
		app.clock,
		scraperConfig(app.cfg),
		app.logger.Named("scraper"),
	)

	workerCfg := worker.Config{
		Topic:      app.resultsTopic,
		JobTimeout: app.cfg.Worker.JobTimeout,
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", app.cfg.Worker.Concurrency),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)
	hasher := sha256.New()
	validator := intake.NewValidator()
	workers := make([]*worker.Worker, 0, app.cfg.Worker.Concurrency)
	for i := 0; i < app.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.jobStore,
			app.publisher,
			hasher,
			app.clock,
			app.ids,
			validator,
			service,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return workers, nil
}
