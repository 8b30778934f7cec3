// Package app builds the harvester pipeline from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/media-harvester/internal/api"
	"github.com/JakeFAU/media-harvester/internal/clock/system"
	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/dedup"
	"github.com/JakeFAU/media-harvester/internal/dispatcher"
	"github.com/JakeFAU/media-harvester/internal/handler"
	"github.com/JakeFAU/media-harvester/internal/handler/direct"
	"github.com/JakeFAU/media-harvester/internal/handler/gallery"
	"github.com/JakeFAU/media-harvester/internal/handler/opengraph"
	"github.com/JakeFAU/media-harvester/internal/handler/rendered"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	idgen "github.com/JakeFAU/media-harvester/internal/id/uuid"
	"github.com/JakeFAU/media-harvester/internal/loader"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/progress/sinks"
	"github.com/JakeFAU/media-harvester/internal/queue/memory"
	"github.com/JakeFAU/media-harvester/internal/source"
	"github.com/JakeFAU/media-harvester/internal/storage"
	"github.com/JakeFAU/media-harvester/internal/storage/gcs"
	"github.com/JakeFAU/media-harvester/internal/storage/s3"
	"github.com/JakeFAU/media-harvester/internal/store"
	"github.com/JakeFAU/media-harvester/internal/worker"
)

// Component names reported on the progress board.
const (
	ComponentLoader = "loader"
	ComponentDedup  = "dedup"
)

// Option customizes New.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	httpClient *http.Client
}

// WithRegisterer registers the progress collectors on reg instead of the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithHTTPClient sets the client used by listing sources.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// App holds the long-lived services of one harvester run.
type App struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	records   harvest.RecordStore
	artifacts harvest.ArtifactStore
	closers   []func() error

	hub      *progress.Hub
	board    *progress.Board
	work     *memory.WorkQueue
	acks     *memory.AckQueue
	chain    *handler.Chain
	rendered *rendered.Handler
	loader   *loader.Loader
	pool     *dispatcher.Pool
	dedup    *dedup.Deduplicator

	closeOnce sync.Once
}

// New opens the stores and assembles the pipeline. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(&a.opts)
	}
	metrics.Init()

	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openProgress(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.buildChain(); err != nil {
		a.Close()
		return nil, err
	}
	a.buildPipeline()

	logger.Info("harvester initialized",
		zap.String("run_id", a.board.RunID().String()),
		zap.Strings("handlers", a.chain.Names()),
		zap.Int("workers", a.pool.Size()),
	)
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	db := a.cfg.Database
	rs, err := store.Open(ctx, store.Config{
		Driver:      db.Driver,
		SQLitePath:  db.SQLite.Path,
		PostgresDSN: db.Postgres.DSN,
		MaxConns:    db.Postgres.MaxConns,
		MinConns:    db.Postgres.MinConns,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	a.closers = append(a.closers, rs.Close)
	a.records = store.Locked(rs, &sync.Mutex{})

	out := a.cfg.Output
	artifacts, closeArtifacts, err := storage.Open(ctx, storage.Config{
		Backend: out.Backend,
		BaseDir: out.BaseDir,
		GCS:     gcs.Config{Bucket: out.GCS.Bucket, Prefix: out.GCS.Prefix},
		S3:      s3.Config{Bucket: out.S3.Bucket, Prefix: out.S3.Prefix, Region: out.S3.Region},
	})
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	a.closers = append(a.closers, closeArtifacts)
	a.artifacts = artifacts
	a.logger.Info("artifact store ready", zap.String("backend", out.Backend))
	return nil
}

func (a *App) openProgress(ctx context.Context) error {
	promSink, err := sinks.NewPrometheusSink(a.opts.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics: %w", err)
	}
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	if ps := a.cfg.PubSub; ps.ProjectID != "" && ps.Topic != "" {
		client, err := pubsub.NewClient(ctx, ps.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		sinkList = append(sinkList, sinks.NewPubSubSink(client.Topic(ps.Topic)))
		a.logger.Info("publishing progress to pubsub", zap.String("topic", ps.Topic))
	}

	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinkList...)
	a.board = progress.NewBoard(uuid.New(), a.hub)
	return nil
}

func (a *App) buildChain() error {
	hc := a.cfg.Handlers
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: hc.HostRPS})

	dl := direct.New(a.artifacts, limiter, direct.Config{
		UserAgent:  hc.UserAgent,
		Timeout:    hc.Timeout,
		MaxRetries: hc.MaxRetries,
	}, a.logger.Named("direct"))

	handlers := []harvest.Handler{handler.NewDenylist(hc.Denylist), dl}
	if hc.Gallery.Enabled {
		handlers = append(handlers, gallery.New(limiter, gallery.Config{
			Patterns:  hc.Gallery.Hosts,
			UserAgent: hc.UserAgent,
			Timeout:   hc.Timeout,
		}, a.logger.Named("gallery")))
	}
	if hc.Rendered.Enabled {
		rh, err := rendered.New(limiter, rendered.Config{
			Hosts:             hc.Rendered.Hosts,
			UserAgent:         hc.UserAgent,
			NavigationTimeout: hc.Rendered.NavTimeout,
			MaxParallel:       hc.Rendered.MaxParallel,
		}, a.logger.Named("rendered"))
		if err != nil {
			return fmt.Errorf("rendered handler: %w", err)
		}
		a.rendered = rh
		handlers = append(handlers, rh)
	}
	if hc.OpenGraph.Enabled {
		handlers = append(handlers, opengraph.New(dl, limiter, opengraph.Config{
			UserAgent:  hc.UserAgent,
			Timeout:    hc.Timeout,
			MaxRetries: hc.MaxRetries,
		}, a.logger.Named("opengraph")))
	}
	a.chain = handler.NewChain(a.logger.Named("chain"), handlers...)
	return nil
}

func (a *App) buildPipeline() {
	pc := a.cfg.Pipeline
	a.work = memory.NewWorkQueue(pc.QueueCapacity)
	a.acks = memory.NewAckQueue()

	a.loader = loader.New(a.records, a.work, a.acks, system.New(), a.board.Reporter(ComponentLoader), loader.Config{
		RetryFailed:    pc.RetryFailed,
		HighWater:      pc.AckHighWater,
		MinAckWindow:   pc.AckMinWindow,
		MaxAckWindow:   pc.AckMaxWindow,
		PollTimeout:    pc.PollTimeout,
		StopAfterKnown: pc.StopAfterKnown,
	}, a.logger.Named("loader"))

	ids := idgen.New()
	runners := make([]dispatcher.Runner, 0, pc.Workers)
	for i := range pc.Workers {
		name := "worker-" + strconv.Itoa(i+1)
		runners = append(runners, worker.New(i+1, a.records, a.work, a.acks, a.chain, ids, a.board.Reporter(name), worker.Config{
			PollTimeout:    pc.PollTimeout,
			HandlerTimeout: pc.HandlerTimeout,
		}, a.logger.Named(name)))
	}
	a.pool = dispatcher.New(runners...)

	dc := a.cfg.Dedup
	a.dedup = dedup.New(a.records, a.artifacts, a.board.Reporter(ComponentDedup), dedup.Config{
		BusyInterval:      dc.BusyInterval,
		IdleInterval:      dc.IdleInterval,
		PlaceholderHashes: dc.PlaceholderHashes,
	}, a.logger.Named("dedup"))
}

// Sources builds the configured sources in order.
func (a *App) Sources() ([]harvest.Source, error) {
	return source.FromConfig(a.cfg.Sources, source.Options{
		UserAgent: a.cfg.Handlers.UserAgent,
		Client:    a.opts.httpClient,
	}, a.logger.Named("source"))
}

// Run loads sources, downloads every pending URL and deduplicates the
// results. It returns once the loader has drained, the workers have stopped
// and the final dedup pass has run. Cancelling ctx stops the run early
// without losing committed work.
func (a *App) Run(ctx context.Context, sources []harvest.Source) error {
	g, gctx := errgroup.WithContext(ctx)
	workCtx, stopWorkers := context.WithCancel(gctx)
	defer stopWorkers()
	dedupCtx, stopDedup := context.WithCancel(gctx)
	defer stopDedup()

	g.Go(func() error {
		defer func() {
			a.work.Close()
			stopWorkers()
		}()
		if err := a.loader.Load(gctx, sources); err != nil {
			return fmt.Errorf("load: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer stopDedup()
		a.pool.Run(workCtx)
		return nil
	})
	if a.cfg.Dedup.Enabled {
		g.Go(func() error {
			if err := a.dedup.Run(dedupCtx); err != nil {
				return fmt.Errorf("dedup: %w", err)
			}
			return nil
		})
	}

	srvCtx, stopServer := context.WithCancel(ctx)
	srvErr := make(chan error, 1)
	if a.cfg.Server.Enabled {
		addr := ":" + strconv.Itoa(a.cfg.Server.Port)
		go func() { srvErr <- a.Server().ListenAndServe(srvCtx, addr) }()
	} else {
		srvErr <- nil
	}

	err := g.Wait()
	stopServer()
	if serr := <-srvErr; serr != nil {
		a.logger.Error("status server failed", zap.Error(serr))
		err = errors.Join(err, serr)
	}

	if st, statsErr := a.records.Stats(context.WithoutCancel(ctx)); statsErr == nil {
		a.logger.Info("run finished",
			zap.Int64("posts", st.Posts),
			zap.Int64("urls", st.URLs),
			zap.Int64("downloaded", st.Downloaded),
			zap.Int64("failed", st.Failed),
			zap.Int64("hashes", st.Hashes),
		)
	}
	return err
}

// Dedupe runs a single deduplication pass outside a download run.
func (a *App) Dedupe(ctx context.Context) (dedup.Stats, error) {
	return a.dedup.Pass(ctx)
}

// Stats counts stored records.
func (a *App) Stats(ctx context.Context) (harvest.Stats, error) {
	return a.records.Stats(ctx)
}

// Server builds the status server over this run's board and stores.
func (a *App) Server() *api.Server {
	status := api.NewStatusHandler(a.board, a.records, func() (int, int, int) {
		return a.work.Len(), a.work.Cap(), a.loader.OpenAcks()
	}, a.logger.Named("api"))
	ready := func(ctx context.Context) error {
		_, err := a.records.Stats(ctx)
		return err
	}
	return api.NewServer(status, ready, a.logger.Named("api"))
}

// Board exposes the progress board.
func (a *App) Board() *progress.Board {
	return a.board
}

// Artifacts exposes the artifact store.
func (a *App) Artifacts() harvest.ArtifactStore {
	return a.artifacts
}

// Close flushes progress events and releases every backend. It is safe to
// call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.rendered != nil {
			a.rendered.Close()
		}
		if a.hub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("flush progress events", zap.Error(err))
			}
			cancel()
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.logger.Warn("close backend", zap.Error(err))
			}
		}
	})
}
