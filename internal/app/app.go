// Package app builds the long-lived services from configuration and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/api"
	"github.com/JakeFAU/event-ingest/internal/clock/system"
	"github.com/JakeFAU/event-ingest/internal/config"
	"github.com/JakeFAU/event-ingest/internal/extractor"
	collyfetcher "github.com/JakeFAU/event-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/event-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/event-ingest/internal/fetcher/promote"
	"github.com/JakeFAU/event-ingest/internal/hash/sha256"
	"github.com/JakeFAU/event-ingest/internal/headless/detector"
	"github.com/JakeFAU/event-ingest/internal/id/uuid"
	"github.com/JakeFAU/event-ingest/internal/ingest"
	"github.com/JakeFAU/event-ingest/internal/metrics"
	"github.com/JakeFAU/event-ingest/internal/pipeline"
	"github.com/JakeFAU/event-ingest/internal/policy/ratelimit"
	gcppublisher "github.com/JakeFAU/event-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/event-ingest/internal/reconciler"
	"github.com/JakeFAU/event-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/event-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/event-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/event-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/event-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/event-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/event-ingest/internal/telemetry"
)

// ServiceName tags traces emitted by the service.
const ServiceName = "event-ingest"

const shutdownTimeout = 10 * time.Second

// EventStore is everything the service needs from a storage backend.
type EventStore interface {
	ingest.Store
	ingest.SubscriptionStore
	ingest.SnapshotLog
	ingest.RunLog
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     EventStore
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	closers   []closer
}

// Build wires every service described by cfg. On failure anything already opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("cleanup after failed build", zap.Error(cerr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()

	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}

	tp, err := telemetry.InitTracerProvider(ctx, ServiceName, nil)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.addCloser("tracer", tp.Shutdown)

	a.logger.Info("building application dependencies",
		zap.String("source", a.cfg.Source.Name),
		zap.String("listing_url", a.cfg.Source.ListingURL),
		zap.String("storage", a.cfg.Storage.Driver),
		zap.String("archive", a.cfg.Archive.Driver),
	)

	a.store, err = a.setupStore(ctx)
	if err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	ids := uuid.New()
	clock := system.New()
	deps := pipeline.Deps{
		Fetcher:    a.setupFetcher(),
		Discoverer: extractor.NewLinks(a.cfg.Source.LinkPrefix),
		Extractor: extractor.New(extractor.Config{
			SourceName:     a.cfg.Source.Name,
			City:           a.cfg.Source.City,
			DefaultVenue:   a.cfg.Extract.DefaultVenue,
			DescriptionMax: a.cfg.Extract.DescriptionMax,
			Location:       loc,
		}, a.logger.Named("extractor")),
		Reconciler: reconciler.New(),
		Store:      a.store,
		Clock:      clock,
		IDs:        ids,
		Pacer:      ratelimit.New(ratelimit.Config{Delay: a.cfg.PolitenessDelay()}),
		Snapshots:  a.store,
		Runs:       a.store,
		Tracing:    tp,
	}
	if blobs != nil {
		deps.BlobStore = blobs
		deps.Hasher = sha256.New()
	}
	if publisher != nil {
		deps.Publisher = publisher
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		ListingURL:    a.cfg.Source.ListingURL,
		ArchivePrefix: a.cfg.Archive.Prefix,
		ContentType:   a.cfg.Archive.ContentType,
		Topic:         a.cfg.PubSub.TopicName,
		SummaryTopic:  a.cfg.PubSub.SummaryTopic,
	}, deps, a.logger.Named("pipeline"))
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		Spec:       a.cfg.Schedule.Cron,
		RunOnStart: a.cfg.Schedule.RunOnStart,
		Location:   loc,
	}, a.pipeline, a.logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}

	a.apiServer = api.NewServer(api.Deps{
		Store:         a.store,
		Subscriptions: a.store,
		Runs:          a.store,
		Scheduler:     a.scheduler,
		IDs:           ids,
		Clock:         clock,
	}, a.cfg.Auth, a.logger.Named("api"))
	return nil
}

func (a *App) setupStore(ctx context.Context) (EventStore, error) {
	switch a.cfg.Storage.Driver {
	case config.StorageSQLite:
		path := a.cfg.Storage.SQLitePath
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		st, err := sqlitestore.Open(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.addCloser("sqlite store", func(context.Context) error { return st.Close() })
		a.logger.Info("using sqlite event store", zap.String("path", path))
		return st, nil
	case config.StoragePostgres:
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:      a.cfg.DB.DSN,
			MaxConns: a.cfg.DB.MaxConns,
			MinConns: a.cfg.DB.MinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		a.addCloser("postgres store", func(context.Context) error {
			st.Close()
			return nil
		})
		if err := st.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.logger.Info("using postgres event store")
		return st, nil
	default:
		a.logger.Warn("using in-memory event store; records are lost on restart")
		return memorystorage.NewEventStore(), nil
	}
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Driver {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.addCloser("gcs client", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case config.ArchiveLocal:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobs, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving pages in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Debug("page archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || (a.cfg.PubSub.TopicName == "" && a.cfg.PubSub.SummaryTopic == "") {
		a.logger.Debug("no Pub/Sub topic configured, change notifications disabled")
		return nil, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.addCloser("pubsub client", func(context.Context) error { return client.Close() })
	pub, err := gcppublisher.New(client, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.addCloser("pubsub publisher", func(context.Context) error {
		pub.Stop()
		return nil
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
		zap.String("summary_topic", a.cfg.PubSub.SummaryTopic),
	)
	return pub, nil
}

func (a *App) setupFetcher() ingest.Fetcher {
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
	})
	if !a.cfg.Headless.Enabled {
		return plain
	}

	var rendered ingest.Fetcher
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
		SettleDelay:       time.Duration(a.cfg.Headless.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed; promotion disabled", zap.Error(err))
		rendered = headlessfetcher.NewNoop()
	} else {
		a.addCloser("headless fetcher", func(context.Context) error {
			browser.Close()
			return nil
		})
		rendered = browser
		a.logger.Info("using headless fallback", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	}
	return promote.New(plain, rendered, detector.NewHeuristic(a.cfg.Headless.PromotionThresh), a.logger.Named("fetcher"))
}

func (a *App) addCloser(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Store returns the configured event store.
func (a *App) Store() EventStore {
	return a.store
}

// RunOnce executes a single ingestion run outside the scheduler.
func (a *App) RunOnce(ctx context.Context) (ingest.RunSummary, error) {
	summary, err := a.pipeline.Run(ctx)
	if err != nil {
		return summary, fmt.Errorf("ingestion run: %w", err)
	}
	return summary, nil
}

// Run starts the scheduler and HTTP server and blocks until ctx is canceled or the
// server fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a.scheduler.Start(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler did not stop cleanly", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close releases every opened resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
