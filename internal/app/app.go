// Package app assembles the harvester's long-lived services from configuration
// and runs a harvest end to end.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/content-harvester/internal/aggregate"
	"github.com/JakeFAU/content-harvester/internal/api"
	"github.com/JakeFAU/content-harvester/internal/clock/system"
	"github.com/JakeFAU/content-harvester/internal/config"
	"github.com/JakeFAU/content-harvester/internal/dataset"
	"github.com/JakeFAU/content-harvester/internal/extract"
	collyfetcher "github.com/JakeFAU/content-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/content-harvester/internal/fetcher/headless"
	"github.com/JakeFAU/content-harvester/internal/hash/sha256"
	"github.com/JakeFAU/content-harvester/internal/id/uuid"
	"github.com/JakeFAU/content-harvester/internal/metrics"
	"github.com/JakeFAU/content-harvester/internal/orchestrator"
	"github.com/JakeFAU/content-harvester/internal/pipeline"
	"github.com/JakeFAU/content-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/content-harvester/internal/policy/robots"
	"github.com/JakeFAU/content-harvester/internal/progress"
	"github.com/JakeFAU/content-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/content-harvester/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/content-harvester/internal/publisher/pubsub"
	gcsblob "github.com/JakeFAU/content-harvester/internal/storage/gcs"
	localblob "github.com/JakeFAU/content-harvester/internal/storage/local"
	memoryblob "github.com/JakeFAU/content-harvester/internal/storage/memory"
	mongostore "github.com/JakeFAU/content-harvester/internal/storage/mongo"
	pgstore "github.com/JakeFAU/content-harvester/internal/storage/postgres"
)

const (
	trackedRuns    = 32
	publishTimeout = 2 * time.Minute
)

// Options override collaborators that are awkward to build from config alone.
// Zero values fall back to production defaults.
type Options struct {
	// Registerer receives the progress collectors. Defaults to the global registry.
	Registerer prometheus.Registerer
	Clock      pipeline.Clock
	IDs        pipeline.IDGenerator
	// Renderer replaces the chromedp engine when render is enabled.
	Renderer pipeline.Renderer
}

// App holds every service a harvest needs.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  pipeline.Clock
	ids    pipeline.IDGenerator

	orchestrator *orchestrator.Orchestrator
	aggregator   *aggregate.Aggregator
	hub          *progress.Hub
	tracker      *sinks.RunTracker
	server       *api.Server

	closers []func(context.Context) error
}

// New builds an App. Services opened before a failure are closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a = &App{cfg: cfg, logger: logger, clock: opts.Clock, ids: opts.IDs}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("Failed to release services after init error", zap.Error(cerr))
			}
			a = nil
		}
	}()

	if err := a.initProgress(opts.Registerer); err != nil {
		return a, err
	}

	limiter := ratelimit.New(ratelimit.Config{Calls: a.cfg.RateLimit.Calls, Period: a.cfg.RateLimit.Period})
	var robotsChecker pipeline.RobotsChecker = robots.AllowAll{}
	if cfg.Robots.Enabled {
		robotsChecker = robots.New(robots.Config{
			UserAgent:  cfg.HTTP.UserAgent,
			FailClosed: cfg.Robots.FailClosed,
			Timeout:    cfg.Robots.Timeout,
			MaxBytes:   cfg.Robots.MaxBytes,
		}, limiter, logger.Named("robots"))
	}
	headers := httpHeaders(cfg.HTTP.Headers)
	light := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Headers:      headers,
		Timeout:      cfg.HTTP.Timeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
		PDFMinBytes:  cfg.HTTP.PDFMinBytes,
	}, logger.Named("light"))

	renderer, err := a.initRenderer(headers, opts.Renderer)
	if err != nil {
		return a, err
	}

	blobs, err := a.initBlobStore(ctx)
	if err != nil {
		return a, err
	}
	stores, err := a.initResultStores(ctx)
	if err != nil {
		return a, err
	}
	publisher, err := a.initPublisher(ctx)
	if err != nil {
		return a, err
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		Workers:         cfg.Run.Workers,
		RenderSlots:     cfg.Render.PoolSize,
		MinContentChars: cfg.Extract.MinContentChars,
		MaxContentChars: cfg.Extract.MaxContentChars,
		FetchTimeout:    cfg.HTTP.Timeout,
		ArchivePDFs:     cfg.Storage.ArchivePDFs && blobs != nil,
		BlobPrefix:      cfg.Storage.Prefix,
	}, orchestrator.Deps{
		Limiter:  limiter,
		Robots:   robotsChecker,
		Light:    light,
		Renderer: renderer,
		Extractor: extract.New(extract.Config{
			Selectors:   cfg.Extract.Selectors,
			MinChars:    cfg.Extract.MinContentChars,
			Readability: cfg.Extract.ReadabilityFallback,
		}, logger.Named("extract")),
		Blobs:   blobs,
		Emitter: a.hub,
		Clock:   a.clock,
		Logger:  logger.Named("orchestrator"),
	})
	if err != nil {
		return a, fmt.Errorf("init orchestrator: %w", err)
	}

	topic := ""
	if publisher != nil {
		topic = cfg.PubSub.TopicName
	}
	a.aggregator = aggregate.New(aggregate.Config{
		OutputPath: cfg.Output.Path,
		TextDir:    cfg.Output.TextDir,
		BlobPrefix: cfg.Storage.Prefix,
		Topic:      topic,
	}, aggregate.Sinks{
		Blobs:     blobs,
		Stores:    stores,
		Publisher: publisher,
		Hasher:    sha256.New(),
	}, a.clock, logger.Named("aggregate"))

	if cfg.Server.Addr != "" {
		a.server = api.NewServer(api.Config{
			APIKey:         cfg.Server.APIKey,
			RequestTimeout: cfg.Server.RequestTimeout,
		}, a.tracker, logger.Named("api"))
	}

	logger.Info("Harvester services initialized",
		zap.Bool("render", renderer != nil),
		zap.Bool("robots", cfg.Robots.Enabled),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("result_stores", len(stores)),
		zap.Bool("notify", publisher != nil),
		zap.Bool("ops_server", a.server != nil),
	)
	return a, nil
}

func (a *App) initProgress(reg prometheus.Registerer) error {
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("init progress metrics: %w", err)
	}
	a.tracker = sinks.NewRunTracker(trackedRuns)
	a.hub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress")},
		sinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.tracker,
	)
	a.closers = append(a.closers, a.hub.Close)
	return nil
}

func (a *App) initRenderer(headers http.Header, override pipeline.Renderer) (pipeline.Renderer, error) {
	if !a.cfg.Render.Enabled {
		return nil, nil
	}
	if override != nil {
		return override, nil
	}
	r := a.cfg.Render
	engine, err := headless.NewChromedp(headless.Config{
		PoolSize:          r.PoolSize,
		Headless:          r.Headless,
		UserAgent:         a.cfg.HTTP.UserAgent,
		Headers:           headers,
		SettleDelay:       r.SettleDelay,
		NavigationTimeout: r.NavigationTimeout,
		DownloadTimeout:   r.DownloadTimeout,
		DownloadDir:       r.DownloadDir,
		FreshnessWindow:   r.FreshnessWindow,
		PollInterval:      r.PollInterval,
		DownloadPatterns:  r.DownloadPatterns,
	}, a.clock, a.logger.Named("render"))
	if err != nil {
		return nil, fmt.Errorf("init render engine: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error {
		engine.Close()
		return nil
	})
	return engine, nil
}

func (a *App) initBlobStore(ctx context.Context) (pipeline.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "":
		return nil, nil
	case "memory":
		return memoryblob.NewBlobStore(), nil
	case "local":
		store, err := localblob.New(localblob.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return store, nil
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		store, err := gcsblob.New(client, gcsblob.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) initResultStores(ctx context.Context) ([]pipeline.ResultSink, error) {
	var stores []pipeline.ResultSink
	if a.cfg.DB.DSN != "" {
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			Table:    a.cfg.DB.Table,
			MaxConns: a.cfg.DB.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			pg.Close()
			return nil
		})
		stores = append(stores, pg)
	}
	if a.cfg.Mongo.URI != "" {
		mg, err := mongostore.New(ctx, mongostore.Config{
			URI:        a.cfg.Mongo.URI,
			Database:   a.cfg.Mongo.Database,
			Collection: a.cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("init mongo store: %w", err)
		}
		a.closers = append(a.closers, mg.Close)
		stores = append(stores, mg)
	}
	return stores, nil
}

func (a *App) initPublisher(ctx context.Context) (pipeline.Publisher, error) {
	switch {
	case a.cfg.PubSub.TopicName == "":
		return nil, nil
	case a.cfg.PubSub.ProjectID == "":
		a.logger.Info("No pubsub project; run notifications are recorded in memory only",
			zap.String("topic", a.cfg.PubSub.TopicName))
		return memorypublisher.New(), nil
	}
	pub, err := pubsubpublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("init pubsub: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	return pub, nil
}

// Tracker exposes live run snapshots.
func (a *App) Tracker() *sinks.RunTracker {
	return a.tracker
}

// Server returns the ops server, or nil when server.addr is empty.
func (a *App) Server() *api.Server {
	return a.server
}

// Harvest reads the target table, processes every row and publishes the
// dataset. The dataset is written even when ctx ends early; rows that never
// ran are reported as canceled.
func (a *App) Harvest(ctx context.Context) (pipeline.RunSummary, error) {
	targets, err := dataset.ReadTargetsFile(a.cfg.Input.Path)
	if err != nil {
		return pipeline.RunSummary{}, fmt.Errorf("read targets: %w", err)
	}

	runID, err := a.ids.NewID()
	if err != nil {
		return pipeline.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	startedAt := a.clock.Now()
	results := a.orchestrator.Run(ctx, runID, targets)

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	summary, err := a.aggregator.Publish(publishCtx, runID, startedAt, results)
	if err != nil {
		return summary, fmt.Errorf("publish run %s: %w", runID, err)
	}
	return summary, nil
}

// Close releases services in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func httpHeaders(in map[string]string) http.Header {
	out := http.Header{}
	for k, v := range in {
		out.Set(k, v)
	}
	return out
}
