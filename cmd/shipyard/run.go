package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/log/global"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/shipyard/internal/config"
	"github.com/fyrsmithlabs/shipyard/internal/director"
	"github.com/fyrsmithlabs/shipyard/internal/events"
	"github.com/fyrsmithlabs/shipyard/internal/gitrepo"
	httpserver "github.com/fyrsmithlabs/shipyard/internal/http"
	"github.com/fyrsmithlabs/shipyard/internal/integrator"
	"github.com/fyrsmithlabs/shipyard/internal/llm"
	"github.com/fyrsmithlabs/shipyard/internal/logging"
	"github.com/fyrsmithlabs/shipyard/internal/manifest"
	"github.com/fyrsmithlabs/shipyard/internal/orchestrator"
	"github.com/fyrsmithlabs/shipyard/internal/planner"
	"github.com/fyrsmithlabs/shipyard/internal/quality"
	"github.com/fyrsmithlabs/shipyard/internal/secrets"
	"github.com/fyrsmithlabs/shipyard/internal/session"
	"github.com/fyrsmithlabs/shipyard/internal/telemetry"
	"github.com/fyrsmithlabs/shipyard/internal/watch"
	"github.com/fyrsmithlabs/shipyard/internal/workflows"
)

const remoteHeadTimeout = 15 * time.Second

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logging, telemetry and the event bus
//  3. Builds the session, manifest and director services
//  4. Picks the in-process or Temporal session driver
//  5. Serves HTTP, runs the director loop and the manifest watcher
//  6. Shuts everything down in reverse order on cancellation
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version), logger)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting shipyard",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("repo", cfg.Director.RepoPath),
		zap.Bool("temporal", cfg.Temporal.Enabled),
	)

	d, err := build(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Serve(ctx, cfg)
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	// An SDK embedding shipyard may install a global log provider.
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

// daemon holds the wired services.
type daemon struct {
	logger   *logging.Logger
	nc       *nats.Conn
	sessions *session.Service
	manifest *manifest.Manager
	director *director.Director
	driver   *orchestrator.Driver
	launcher *workflows.Launcher
	temporal client.Client
	worker   worker.Worker
	watcher  *watch.Watcher
	server   *httpserver.Server
}

func build(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*daemon, error) {
	d := &daemon{logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.Close()
		}
	}()

	// Events
	sinks := []events.Sink{events.LogSink{Logger: logger.Named("events")}}
	if cfg.Events.NATSURL != "" {
		nc, err := nats.Connect(cfg.Events.NATSURL,
			nats.Name("shipyard"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.Events.NATSURL, err)
		}
		d.nc = nc
		sinks = append(sinks, events.NewNATSSink(nc, cfg.Events.SubjectPrefix))
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.Events.NATSURL))
	}
	bus := events.NewBus(logger, sinks...)

	// Models
	router := newRouter(cfg)
	plans := planner.New(router, cfg.Orchestrator.MaxPlanningTurns, logger)

	// Quality
	pipeline, tiers, err := newPipeline(cfg, router, bus, tel, logger)
	if err != nil {
		return nil, err
	}

	// Manifest and director
	manifestPath := cfg.Director.ManifestPath
	if !filepath.IsAbs(manifestPath) {
		manifestPath = filepath.Join(cfg.Director.RepoPath, manifestPath)
	}
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory: %w", err)
	}
	d.manifest = manifest.NewManager(manifest.NewFileStore(manifestPath, cfg.Director.MainBranch), logger)

	gh, err := newIntegrator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	scrubCfg := secrets.DefaultConfig()
	scrubCfg.Enabled = !cfg.Redaction.Disabled
	scrubCfg.AllowList = cfg.Redaction.AllowList
	scrubber, err := secrets.New(scrubCfg)
	if err != nil {
		return nil, fmt.Errorf("redaction: %w", err)
	}

	d.sessions = session.NewService(session.NewRegistry(), session.ServiceConfig{
		MaxParallel:     cfg.Tracker.MaxParallel,
		StaleAfter:      cfg.Tracker.StaleAfter.Duration(),
		DefaultModel:    cfg.Orchestrator.DefaultModel,
		DefaultProvider: cfg.Orchestrator.DefaultProvider,
	}, logger, session.WithEmitter(bus), session.WithScrubber(scrubber))

	implementer := &orchestrator.WorktreeImplementer{
		Command:      cfg.Orchestrator.ImplementCommand,
		BranchPrefix: cfg.Orchestrator.BranchPrefix,
		Timeout:      cfg.Orchestrator.ImplementTimeout.Duration(),
		Logger:       logger.Named("implementer"),
	}

	// The driver and director refer to each other; the scheduler is
	// resolved once both exist.
	scheduler := watch.TriggerFunc(func(reason string) { d.director.Trigger(reason) })
	d.driver = orchestrator.New(orchestrator.Config{
		DefaultPriority: cfg.Director.DefaultPriority,
		PipelineTimeout: cfg.Pipeline.Timeout.Duration(),
		Tiers:           tiers,
	}, orchestrator.Deps{
		Sessions:    d.sessions,
		Planner:     plans,
		Implementer: implementer,
		Quality:     pipeline,
		Diffs:       orchestrator.RepoDiffs{},
		Manifest:    d.manifest,
		Scheduler:   scheduler,
	}, logger, orchestrator.WithEmitter(bus))

	dirOpts := []director.Option{
		director.WithEmitter(bus),
		director.WithObserver(d.driver),
		director.WithMergeChecker(gh),
	}
	if local := localMerges(ctx, cfg, logger); local != nil {
		dirOpts = append(dirOpts, director.WithBranchMerges(local))
	}
	d.director = director.New(directorConfig(cfg), d.manifest, gh, logger, dirOpts...)

	// Session driver
	if cfg.Temporal.Enabled {
		tc, err := workflows.Dial(cfg.Temporal)
		if err != nil {
			return nil, err
		}
		d.temporal = tc
		d.worker = workflows.NewWorker(tc, cfg.Temporal.TaskQueue, &workflows.Activities{
			Planner:     plans,
			Implementer: implementer,
			Quality:     pipeline,
			Diffs:       orchestrator.RepoDiffs{},
			Tiers:       tiers,
			Manifest:    d.manifest,
			Director:    d.director,
			Scheduler:   scheduler,
			Emitter:     bus,
			Logger:      logger.Named("workflows"),
		})
		d.launcher = workflows.NewLauncher(tc, d.sessions, workflows.LauncherConfig{
			TaskQueue:  cfg.Temporal.TaskQueue,
			BaseBranch: cfg.Director.MainBranch,
		}, logger.Named("launcher"))
		d.sessions.OnStarted(d.launcher.Launch)
		logger.Info(ctx, "sessions run as Temporal workflows",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
	} else {
		d.sessions.OnStarted(d.driver.Launch)
	}

	// Watcher
	if cfg.Director.WatchManifest {
		w, err := watch.New(d.director, logger)
		if err != nil {
			return nil, err
		}
		d.watcher = w
		if err := w.Watch(manifestPath, "manifest"); err != nil {
			return nil, err
		}
		if err := w.WatchBranch(cfg.Director.RepoPath, cfg.Director.MainBranch, "main"); err != nil {
			logger.Warn(ctx, "not watching main branch", zap.Error(err))
		}
	}

	// HTTP
	srv, err := httpserver.NewServer(httpserver.Deps{
		Sessions: d.sessions,
		Reactor:  reactor{Driver: d.driver, launcher: d.launcher},
		Manifest: d.manifest,
		Director: d.director,
		Metrics:  promhttp.Handler(),
	}, logger, &httpserver.Config{
		Port:          cfg.Server.Port,
		WebhookSecret: cfg.GitHub.WebhookSecret.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("create http server: %w", err)
	}
	d.server = srv

	ok = true
	return d, nil
}

// Serve runs the long-lived loops until ctx is cancelled, then shuts the
// HTTP server down within the configured timeout.
func (d *daemon) Serve(ctx context.Context, cfg *config.Config) error {
	g, gctx := errgroup.WithContext(ctx)

	if d.worker != nil {
		if err := d.worker.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
	}

	g.Go(func() error {
		if err := d.director.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(gctx) })
	}
	g.Go(func() error { return d.server.Start() })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})

	d.logger.Info(ctx, "shipyard ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/api/v1"),
	)
	err := g.Wait()
	d.logger.Info(context.Background(), "shipyard stopped")
	return err
}

// Close releases resources in reverse order of construction.
func (d *daemon) Close() {
	if d.worker != nil {
		d.worker.Stop()
	}
	if d.launcher != nil {
		d.launcher.Close()
	}
	if d.driver != nil {
		d.driver.Close()
	}
	if d.temporal != nil {
		d.temporal.Close()
	}
	if d.nc != nil {
		_ = d.nc.Drain()
	}
}

// reactor routes aborts to whichever driver owns the session.
type reactor struct {
	*orchestrator.Driver
	launcher *workflows.Launcher
}

func (r reactor) Abort(id string) bool {
	aborted := r.Driver.Abort(id)
	if r.launcher != nil && r.launcher.Abort(id) {
		aborted = true
	}
	return aborted
}

func newRouter(cfg *config.Config) *llm.Router {
	router := llm.NewRouter(cfg.Orchestrator.DefaultProvider, cfg.Orchestrator.DefaultModel)
	router.Register("anthropic", func(model string) (llm.Client, error) {
		c, err := llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:            cfg.Anthropic.APIKey.Value(),
			BaseURL:           cfg.Anthropic.BaseURL,
			Model:             model,
			MaxTokens:         cfg.Anthropic.MaxTokens,
			RequestsPerSecond: cfg.Anthropic.RequestsPerSecond,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	router.Register("openai", func(model string) (llm.Client, error) {
		// The router fills an empty model with the default provider's model.
		if cfg.Orchestrator.DefaultProvider != "openai" && model == cfg.Orchestrator.DefaultModel {
			model = cfg.OpenAI.Model
		}
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey.Value(),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   model,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	return router
}

func newPipeline(cfg *config.Config, router *llm.Router, bus events.Emitter, tel *telemetry.Telemetry, logger *logging.Logger) (*quality.Pipeline, []quality.Tier, error) {
	defs := quality.DefaultDefinitions()
	if cfg.Pipeline.AgentsFile != "" {
		loaded, err := quality.LoadDefinitions(cfg.Pipeline.AgentsFile)
		if err != nil {
			return nil, nil, err
		}
		defs = loaded
	}
	agents, err := quality.BuildAgents(defs, router)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := quality.NewMetrics(tel.Meter("github.com/fyrsmithlabs/shipyard/internal/quality"))
	if err != nil {
		return nil, nil, fmt.Errorf("create quality metrics: %w", err)
	}
	p := quality.New(quality.Config{
		MaxAttempts:    cfg.AutoCorrection.MaxAttempts,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	}, logger, quality.WithEmitter(bus), quality.WithMetrics(metrics))
	p.Register(agents...)
	return p, quality.TiersFromConfig(cfg.Tiers), nil
}

func newIntegrator(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*integrator.GitHub, error) {
	if cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "" {
		return nil, errors.New("github.owner and github.repo are required")
	}
	ghc, err := integrator.NewGitHubClient(ctx, cfg.GitHub.Token, "")
	if err != nil {
		return nil, err
	}
	return integrator.New(ghc, integrator.Config{
		Owner:       cfg.GitHub.Owner,
		Repo:        cfg.GitHub.Repo,
		BaseBranch:  cfg.Director.MainBranch,
		Retry:       integrator.DefaultRetryConfig(),
		HeadTimeout: remoteHeadTimeout,
	}, logger), nil
}

// localMerges opens the local clone as the merge fallback, or returns nil
// when there is none.
func localMerges(ctx context.Context, cfg *config.Config, logger *logging.Logger) director.BranchMerges {
	repo, err := gitrepo.Open(cfg.Director.RepoPath)
	if err != nil {
		logger.Warn(ctx, "no local repository, merges are checked through GitHub only",
			zap.String("repo_path", cfg.Director.RepoPath),
			zap.Error(err),
		)
		return nil
	}
	return repo
}

func directorConfig(cfg *config.Config) director.Config {
	return director.Config{
		MainBranch:       cfg.Director.MainBranch,
		ScheduleInterval: cfg.Director.ScheduleInterval.Duration(),
		Retry: director.RetryPolicy{
			MaxAttempts: cfg.Director.Retry.MaxAttempts,
			Backoff:     cfg.Director.Retry.Backoff.Duration(),
			MaxBackoff:  cfg.Director.Retry.MaxBackoff.Duration(),
			Multiplier:  cfg.Director.Retry.Multiplier,
		},
		Breaker: director.BreakerConfig{
			FailureThreshold: cfg.Director.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.Director.CircuitBreaker.Cooldown.Duration(),
		},
	}
}
