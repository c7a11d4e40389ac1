// Package app builds every long-lived component from configuration and runs
// the operator-facing invocations (discover, process, reconcile, redrain,
// events) with a recorded run summary.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/batch"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/config"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/discovery"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/events"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher"
	collyfetcher "github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher/detector"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher/headless"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/fetcher/robots"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/handoff"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/id/uuid"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/pacer"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/profile"
	pubmem "github.com/JakeFAU/realtime-cpi-catalog/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/realtime-cpi-catalog/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/reconcile"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/storage/local"
	blobmem "github.com/JakeFAU/realtime-cpi-catalog/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/telemetry"
)

// Version is stamped at build time.
var Version = "dev"

// Remote is the live-site collaborator: link discovery, product extraction
// and breadcrumb loading.
type Remote interface {
	catalog.FetchService
	catalog.BreadcrumbFetcher
}

// RunRecorder is a run ledger that can also list past runs.
type RunRecorder interface {
	catalog.RunLedger
	RecentRuns(ctx context.Context, limit int) ([]catalog.RunSummary, error)
}

// Option overrides a component normally built from configuration.
type Option func(*options)

type options struct {
	profile   *profile.Profile
	remote    Remote
	publisher catalog.Publisher
	mirror    catalog.BlobStore
	ledger    RunRecorder
	clock     catalog.Clock
	ids       catalog.IDGenerator
}

// WithProfile uses p instead of loading profile.path.
func WithProfile(p *profile.Profile) Option { return func(o *options) { o.profile = p } }

// WithRemote replaces the colly/chromedp fetch service.
func WithRemote(r Remote) Option { return func(o *options) { o.remote = r } }

// WithPublisher replaces the configured publisher backend.
func WithPublisher(p catalog.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithMirror replaces the configured mirror backend.
func WithMirror(b catalog.BlobStore) Option { return func(o *options) { o.mirror = b } }

// WithLedger replaces the Postgres run ledger.
func WithLedger(l RunRecorder) Option { return func(o *options) { o.ledger = l } }

// WithClock replaces the wall clock.
func WithClock(c catalog.Clock) Option { return func(o *options) { o.clock = c } }

// WithIDs replaces the run ID generator.
func WithIDs(g catalog.IDGenerator) Option { return func(o *options) { o.ids = g } }

// App holds all the shared, long-lived services of one process.
type App struct {
	cfg     config.Config
	profile *profile.Profile
	logger  *zap.Logger
	clock   catalog.Clock
	ids     catalog.IDGenerator

	store      *state.Store
	discovery  *discovery.Engine
	processor  *batch.Processor
	reconciler *reconcile.Reconciler
	events     *events.Handler
	notifier   *handoff.Notifier
	ledger     RunRecorder

	closers []func()
}

// New builds an App. It fails fast when any configured backend cannot be
// initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a = &App{cfg: cfg, logger: logger, clock: o.clock, ids: o.ids}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = uuid.New()
	}
	built := a
	defer func() {
		if err != nil {
			built.Close()
		}
	}()

	a.profile = o.profile
	if a.profile == nil {
		if a.profile, err = profile.Load(cfg.Profile.Path); err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}
	}
	compiled, err := a.profile.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile profile: %w", err)
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
	}
	if cfg.Tracing.Enabled {
		exp, err := telemetry.NewExporter(ctx, telemetry.ExporterConfig{
			Exporter:  cfg.Tracing.Exporter,
			ProjectID: cfg.Tracing.ProjectID,
			Endpoint:  cfg.Tracing.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		var tpOpts []sdktrace.TracerProviderOption
		if exp != nil {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
		}
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, Version, tpOpts...)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		})
	}

	a.store, err = state.Open(state.Options{
		Dir:           cfg.State.Dir,
		MaxShardChars: a.profile.MaxShardChars,
		LockTimeout:   cfg.State.LockTimeout,
		Logger:        logger.Named("state"),
	})
	if err != nil {
		return nil, err
	}

	remote := o.remote
	if remote == nil {
		if remote, err = a.buildRemote(); err != nil {
			return nil, err
		}
	}
	pace := pacer.New(a.profile.RateLimitDelay)
	normalizer := a.profile.Normalizer()
	classifier := a.profile.Classifier(remote, pace, func(name string, err error) {
		logger.Warn("shard classifier failed", zap.String("classifier", name), zap.Error(err))
	})

	levels := make([]discovery.Level, len(a.profile.Levels))
	for i, l := range a.profile.Levels {
		levels[i] = discovery.Level{Name: l.Name, Filter: compiled.Levels[i], MaxLinks: l.MaxLinks}
	}
	a.discovery, err = discovery.New(discovery.Options{
		StartURLs:  a.profile.StartURLs,
		Levels:     levels,
		Products:   compiled.Products,
		Normalizer: normalizer,
		Classifier: classifier,
		Fetch:      remote,
		Pacer:      pace,
		Store:      a.store,
		Clock:      a.clock,
		Logger:     logger.Named("discovery"),
	})
	if err != nil {
		return nil, err
	}
	a.processor, err = batch.New(batch.Options{
		Fetch:            remote,
		Pacer:            pace,
		Store:            a.store,
		Hasher:           sha256.New(),
		Clock:            a.clock,
		MaxInCallRetries: a.profile.MaxInCallRetries,
		Logger:           logger.Named("batch"),
	})
	if err != nil {
		return nil, err
	}
	a.reconciler = reconcile.New(a.store, reconcile.Options{}, logger.Named("reconcile"))
	a.events, err = events.New(events.Options{
		Store:      a.store,
		Normalizer: normalizer,
		Classifier: classifier,
		Policy:     events.RemovalPolicy(cfg.State.RemovalPolicy),
		Clock:      a.clock,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	if err := a.buildHandoff(ctx, o); err != nil {
		return nil, err
	}
	a.ledger = o.ledger
	if a.ledger == nil && cfg.Ledger.DSN != "" {
		ledger, err := postgres.NewRunLedger(ctx, postgres.LedgerConfig{DSN: cfg.Ledger.DSN, Table: cfg.Ledger.Table})
		if err != nil {
			return nil, fmt.Errorf("init run ledger: %w", err)
		}
		a.closers = append(a.closers, ledger.Close)
		if err := ledger.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("init run ledger: %w", err)
		}
		a.ledger = ledger
	}

	logger.Info("catalog services initialized",
		zap.String("site", a.profile.Name),
		zap.String("state_dir", cfg.State.Dir),
		zap.Bool("headless", cfg.Fetch.Headless.Enabled && o.remote == nil),
		zap.Bool("handoff", a.notifier != nil),
		zap.Bool("ledger", a.ledger != nil))
	return a, nil
}

func (a *App) buildRemote() (Remote, error) {
	timeout := a.cfg.Fetch.Timeout
	if a.profile.FetchTimeout > 0 {
		timeout = a.profile.FetchTimeout
	}
	svc := fetcher.Options{
		HTTP: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       timeout,
		}),
		Timeout: timeout,
		Logger:  a.logger.Named("fetch"),
	}
	if a.cfg.Fetch.RespectRobots {
		svc.Robots = robots.New(robots.Options{UserAgent: a.cfg.Fetch.UserAgent, Logger: a.logger.Named("robots")})
	}
	if h := a.cfg.Fetch.Headless; h.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       h.MaxParallel,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: h.NavTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		a.closers = append(a.closers, renderer.Close)
		svc.Headless = renderer
		svc.Promoter = detector.NewHeuristic(h.PromotionThreshold)
	}
	return fetcher.NewService(svc)
}

func (a *App) buildHandoff(ctx context.Context, o options) error {
	pub := o.publisher
	if pub == nil {
		switch a.cfg.Publisher.Backend {
		case config.BackendMemory:
			pub = pubmem.New()
		case config.BackendPubSub:
			client, err := pubsub.NewClient(ctx, a.cfg.Publisher.ProjectID)
			if err != nil {
				return fmt.Errorf("init pubsub client: %w", err)
			}
			p := pubsubpub.New(client, a.cfg.Publisher.Topic)
			a.closers = append(a.closers, func() {
				p.Stop()
				if err := client.Close(); err != nil {
					a.logger.Warn("pubsub client close failed", zap.Error(err))
				}
			})
			pub = p
		}
	}
	mirror := o.mirror
	if mirror == nil {
		switch a.cfg.Mirror.Backend {
		case config.BackendMemory:
			mirror = blobmem.NewBlobStore()
		case config.BackendLocal:
			store, err := local.New(local.Config{BaseDir: a.cfg.Mirror.Dir})
			if err != nil {
				return fmt.Errorf("init local mirror: %w", err)
			}
			mirror = store
		case config.BackendGCS:
			client, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("init gcs client: %w", err)
			}
			a.closers = append(a.closers, func() {
				if err := client.Close(); err != nil {
					a.logger.Warn("gcs client close failed", zap.Error(err))
				}
			})
			store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Mirror.Bucket})
			if err != nil {
				return fmt.Errorf("init gcs mirror: %w", err)
			}
			mirror = store
		}
	}
	n := handoff.New(handoff.Options{
		Publisher: pub,
		Topic:     a.cfg.Publisher.Topic,
		Mirror:    mirror,
		Prefix:    a.cfg.Mirror.Prefix,
		Clock:     a.clock,
		Logger:    a.logger.Named("handoff"),
	})
	if n.Enabled() {
		a.store.OnCommit(n.Hook())
		a.notifier = n
	}
	return nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Profile returns the loaded site profile.
func (a *App) Profile() *profile.Profile { return a.profile }

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Close releases every backend in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// Sync fails on stderr for some terminals; nothing useful can be done.
	_ = a.logger.Sync()
}
