// Package app initializes and holds the long-lived services of the pipeline,
// acting as the composition root for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/skyhive/skyhive/internal/api"
	"github.com/skyhive/skyhive/internal/browser"
	"github.com/skyhive/skyhive/internal/bsky"
	"github.com/skyhive/skyhive/internal/clock/system"
	"github.com/skyhive/skyhive/internal/config"
	frontiermemory "github.com/skyhive/skyhive/internal/frontier/memory"
	frontierpostgres "github.com/skyhive/skyhive/internal/frontier/postgres"
	"github.com/skyhive/skyhive/internal/hash/sha256"
	"github.com/skyhive/skyhive/internal/id/uuid"
	"github.com/skyhive/skyhive/internal/metrics"
	"github.com/skyhive/skyhive/internal/orchestrator"
	"github.com/skyhive/skyhive/internal/pipeline"
	"github.com/skyhive/skyhive/internal/policy/ratelimit"
	"github.com/skyhive/skyhive/internal/progress"
	"github.com/skyhive/skyhive/internal/progress/sinks"
	memorypublisher "github.com/skyhive/skyhive/internal/publisher/memory"
	pubsubpublisher "github.com/skyhive/skyhive/internal/publisher/pubsub"
	"github.com/skyhive/skyhive/internal/session"
	"github.com/skyhive/skyhive/internal/sink"
	"github.com/skyhive/skyhive/internal/stage"
)

// App holds the wired pipeline services. It is initialized once at startup
// and fails fast when any critical service cannot be built.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock

	frontier      pipeline.Frontier
	frontierClose func()
	staging       pipeline.Sink
	browser       *browser.Driver
	sessions      *session.Manager
	hub           *progress.Hub
	publisher     pipeline.Publisher
	pubClose      func()
	workers       []*stage.Worker
	orch          *orchestrator.Orchestrator
	server        *http.Server
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Frontier returns the shared work queue, for the seed command.
func (a *App) Frontier() pipeline.Frontier { return a.frontier }

// New builds the full pipeline from configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	clock := system.New()
	a := &App{cfg: cfg, logger: logger, clock: clock}

	if err := a.initFrontier(ctx); err != nil {
		return nil, err
	}

	staging, err := sink.NewFileSystemSink(cfg.Sink.Root, sha256.New(), logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init staging sink: %w", err)
	}
	a.staging = staging

	drv, err := browser.New(browser.Config{
		Headless:          cfg.Browser.Headless,
		ExecPath:          cfg.Browser.ExecPath,
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: time.Duration(cfg.Browser.NavTimeoutSeconds) * time.Second,
		Pacer: ratelimit.New(ratelimit.Config{
			NavsPerMinute: cfg.Browser.NavsPerMinute,
			Burst:         cfg.Browser.NavBurst,
		}),
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	a.browser = drv

	auth := bsky.NewAuthenticator(bsky.AuthConfig{
		BaseURL:    cfg.Bsky.BaseURL,
		ProbeQuiet: time.Duration(cfg.Bsky.ProbeQuietSeconds) * time.Second,
		LoginPoll:  time.Duration(cfg.Bsky.LoginPollSeconds) * time.Second,
	}, logger)
	a.sessions = session.NewManager(drv, auth, session.Config{
		StateFile:        cfg.Session.StateFile,
		MaxLoginAttempts: cfg.Session.MaxLoginAttempts,
		AttemptTimeout:   time.Duration(cfg.Session.AttemptTimeoutSeconds) * time.Second,
		AttemptBackoff:   time.Duration(cfg.Session.AttemptBackoffSeconds) * time.Second,
	}, clock, logger)

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	a.hub = progress.NewHub(progress.Config{}, sinks.NewLogSink(logger), promSink)

	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.initWorkers(); err != nil {
		a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(a.frontier, a.sessions, a.workers, a.hub, clock, orchestrator.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		SweepInterval:     cfg.SweepInterval(),
		SnapshotInterval:  cfg.SnapshotInterval(),
	}, logger)

	workerStats := make([]api.WorkerStats, 0, len(a.workers))
	for _, w := range a.workers {
		workerStats = append(workerStats, w)
	}
	apiServer := api.NewServer(
		a.frontier,
		a.sessions,
		workerStats,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		metrics.NewHTTP(registry),
		clock,
		logger,
	)
	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

func (a *App) initFrontier(ctx context.Context) error {
	switch a.cfg.Frontier.Backend {
	case "postgres":
		a.logger.Info("connecting to PostgreSQL frontier",
			zap.String("table", a.cfg.Frontier.Table))
		store, err := frontierpostgres.NewStore(ctx, frontierpostgres.Config{
			DSN:         a.cfg.Frontier.DSN,
			Table:       a.cfg.Frontier.Table,
			RetryBudget: a.cfg.Frontier.RetryBudget,
			MaxConns:    int32(a.cfg.Frontier.MaxConns),
			MinConns:    int32(a.cfg.Frontier.MinConns),
		}, a.clock)
		if err != nil {
			return fmt.Errorf("init postgres frontier: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return fmt.Errorf("ensure frontier schema: %w", err)
		}
		a.frontier = store
		a.frontierClose = store.Close
	case "memory":
		a.logger.Info("using in-memory frontier; state is lost on restart")
		a.frontier = frontiermemory.NewStore(a.clock, a.cfg.Frontier.RetryBudget)
	default:
		return fmt.Errorf("unknown frontier backend: %s", a.cfg.Frontier.Backend)
	}
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.publisher = memorypublisher.New()
		return nil
	}
	a.logger.Info("connecting to GCP Pub/Sub",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName))
	client, err := gcppubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	a.publisher = pub
	a.pubClose = func() {
		pub.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	return nil
}

func (a *App) initWorkers() error {
	idGen := uuid.NewUUIDGenerator()
	backpressure := semaphore.NewWeighted(int64(a.cfg.Stages.MaxInFlight))
	bskyCfg := bsky.Config{
		BaseURL:      a.cfg.Bsky.BaseURL,
		ScrollRounds: a.cfg.Bsky.ScrollRounds,
		CaptureQuiet: time.Duration(a.cfg.Bsky.CaptureQuietMs) * time.Millisecond,
	}

	topic := ""
	if a.cfg.PubSub.Enabled {
		topic = a.cfg.PubSub.TopicName
	}

	type binding struct {
		cfg       config.StageConfig
		collector pipeline.Collector
		input     pipeline.Status
		output    pipeline.Status
	}
	// Profile and content own the two status transitions; discovery claims
	// fully-collected entities and walks their follow graphs, feeding new
	// entities back into the frontier without advancing its subject.
	bindings := []binding{
		{
			cfg:       a.cfg.Stages.Profile,
			collector: bsky.NewProfileCollector(a.clock, bskyCfg, a.logger),
			input:     pipeline.StatusDiscovered,
			output:    pipeline.StatusProfiled,
		},
		{
			cfg:       a.cfg.Stages.Content,
			collector: bsky.NewContentCollector(a.staging, a.clock, bskyCfg, a.logger),
			input:     pipeline.StatusProfiled,
			output:    pipeline.StatusContentCollected,
		},
		{
			cfg:       a.cfg.Stages.Discovery,
			collector: bsky.NewDiscoveryCollector(a.frontier, a.clock, bskyCfg, a.logger),
			input:     pipeline.StatusContentCollected,
			output:    pipeline.StatusContentCollected,
		},
	}

	for _, b := range bindings {
		if !b.cfg.Enabled {
			continue
		}
		owner, err := idGen.NewID()
		if err != nil {
			return fmt.Errorf("generate worker identity: %w", err)
		}
		a.workers = append(a.workers, stage.New(
			a.frontier,
			a.staging,
			a.sessions,
			b.collector,
			a.publisher,
			a.hub,
			a.clock,
			backpressure,
			stage.Config{
				Stage:         b.collector.Stage(),
				InputStatus:   b.input,
				OutputStatus:  b.output,
				BatchSize:     b.cfg.BatchSize,
				Concurrency:   b.cfg.Concurrency,
				LeaseDuration: a.cfg.LeaseDuration(),
				IdleWait:      time.Duration(b.cfg.IdleWaitSeconds) * time.Second,
				ShutdownGrace: time.Duration(b.cfg.ShutdownGraceSeconds) * time.Second,
				Topic:         topic,
			},
			string(b.collector.Stage())+"-"+owner,
			a.logger,
		))
	}
	if len(a.workers) == 0 {
		return errors.New("no stages enabled")
	}
	return nil
}

// Run starts the HTTP server and the orchestrator, blocking until the
// context finishes or the pipeline halts on a fatal error.
func (a *App) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	runErr := a.orch.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return runErr
}

// Close shuts down all services, flushing what can be flushed.
func (a *App) Close() {
	if a.hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("close progress hub", zap.Error(err))
		}
		cancel()
	}
	if a.pubClose != nil {
		a.pubClose()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if a.frontierClose != nil {
		a.frontierClose()
	}
	// Best effort; stderr may be a closed pipe at this point.
	_ = a.logger.Sync()
}
