// Package loader turns source elements into persisted URLs, feeds them to
// the work queue, and applies worker acknowledgements.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/naming"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

// WorkSink accepts URL ids for the workers.
type WorkSink interface {
	Enqueue(ctx context.Context, id int64) error
	Len() int
}

// AckSource delivers worker acknowledgements.
type AckSource interface {
	Pop(ctx context.Context, timeout time.Duration) (harvest.AckPacket, bool, error)
	TryPop() (harvest.AckPacket, bool)
}

// Config controls batching and ack draining.
type Config struct {
	// RetryFailed also re-enqueues failed URLs whose reason has no 404.
	RetryFailed bool
	// HighWater is the open-ack count that triggers a drain after a push.
	HighWater int
	// PerItemWindow, MinAckWindow and MaxAckWindow size the drain window as
	// clamp(PerItemWindow*batch, MinAckWindow, MaxAckWindow).
	PerItemWindow time.Duration
	MinAckWindow  time.Duration
	MaxAckWindow  time.Duration
	// PollTimeout bounds each blocking ack wait.
	PollTimeout time.Duration
	// PushTimeout bounds one enqueue attempt before available acks are
	// applied and the push is retried.
	PushTimeout time.Duration
	// MaxAckAttempts is the number of failed commits after which an ack is
	// dropped and its URL left for the next run.
	MaxAckAttempts int
	// AckRetryDelay is the backoff before the second commit attempt. Later
	// attempts back off exponentially up to MaxAckWindow.
	AckRetryDelay time.Duration
	// StopAfterKnown ends a source after this many consecutive elements that
	// were already stored. Zero scans every element.
	StopAfterKnown int
}

func (c *Config) applyDefaults() {
	if c.HighWater <= 0 {
		c.HighWater = 100
	}
	if c.PerItemWindow <= 0 {
		c.PerItemWindow = 100 * time.Millisecond
	}
	if c.MinAckWindow <= 0 {
		c.MinAckWindow = time.Second
	}
	if c.MaxAckWindow <= 0 {
		c.MaxAckWindow = 60 * time.Second
	}
	if c.MaxAckWindow < c.MinAckWindow {
		c.MaxAckWindow = c.MinAckWindow
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 100 * time.Millisecond
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = time.Second
	}
	if c.MaxAckAttempts <= 0 {
		c.MaxAckAttempts = 3
	}
	if c.AckRetryDelay <= 0 {
		c.AckRetryDelay = 250 * time.Millisecond
	}
}

// Loader owns the open-ack set. Load must not be called concurrently.
type Loader struct {
	store   harvest.RecordStore
	work    WorkSink
	acks    AckSource
	clock   harvest.Clock
	tracker *progress.Tracker
	cfg     Config
	logger  *zap.Logger

	// open holds every enqueued URL id whose ack is not yet committed.
	open map[int64]struct{}
	// deferred holds album members committed by an ack but not yet pushed.
	deferred []int64
	// openCount mirrors len(open) for readers outside Load.
	openCount atomic.Int64
}

// New constructs a Loader. store is expected to serialize Update calls with
// the rest of the pipeline; tracker may be nil.
func New(
	store harvest.RecordStore,
	work WorkSink,
	acks AckSource,
	clock harvest.Clock,
	tracker *progress.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Loader {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		store:   store,
		work:    work,
		acks:    acks,
		clock:   clock,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
		open:    make(map[int64]struct{}),
	}
}

// Load re-enqueues pending URLs, scans sources in order, then waits for
// every open ack. Cancellation is not an error.
func (l *Loader) Load(ctx context.Context, sources []harvest.Source) error {
	l.tracker.SetStatus("Loading pending URLs...")
	pending, err := l.store.PendingURLs(ctx, l.cfg.RetryFailed)
	if err != nil {
		return fmt.Errorf("rescan pending urls: %w", err)
	}
	ids := make([]int64, 0, len(pending))
	for _, u := range pending {
		ids = append(ids, u.ID)
	}
	l.logger.Info("re-enqueueing pending urls",
		zap.Int("count", len(ids)),
		zap.Bool("retry_failed", l.cfg.RetryFailed),
	)
	if err := l.push(ctx, ids, "rescan"); err != nil {
		l.finish()
		return nil
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		if err := l.scan(ctx, src); err != nil {
			break
		}
	}

	l.drainAll(ctx)
	return nil
}

// OpenAcks reports the number of URLs still awaiting an ack. It may be
// called while Load runs.
func (l *Loader) OpenAcks() int {
	return int(l.openCount.Load())
}

// scan persists and pushes one source. It returns an error only when the
// pipeline is stopping.
func (l *Loader) scan(ctx context.Context, src harvest.Source) error {
	alias := src.Alias()
	logger := l.logger.With(zap.String("source", alias))
	l.tracker.SetStatus("Scanning " + alias + "...")
	logger.Info("scanning source")

	var scanned, known int
	for el, err := range src.Elements(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("source failed, skipping the rest of it", zap.Error(err))
			return nil
		}
		scanned++
		ids, existed, err := l.persist(ctx, alias, el)
		if err != nil {
			logger.Warn("commit element failed", zap.String("source_id", el.SourceID), zap.Error(err))
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		l.tracker.Event(progress.Event{Stage: progress.StageScan, Note: el.SourceID})

		if existed {
			known++
		} else {
			known = 0
		}
		if err := l.push(ctx, ids, "scan"); err != nil {
			return err
		}
		if err := l.flushDeferred(ctx); err != nil {
			return err
		}
		if l.cfg.StopAfterKnown > 0 && known >= l.cfg.StopAfterKnown {
			logger.Info("reached already stored elements, stopping source",
				zap.Int("consecutive_known", known))
			break
		}
	}
	logger.Info("source scanned", zap.Int("elements", scanned))
	return nil
}

// persist stores the element's Post and any new URL in one transaction and
// returns the new URL ids.
func (l *Loader) persist(ctx context.Context, alias string, el harvest.Element) ([]int64, bool, error) {
	if strings.TrimSpace(el.SourceID) == "" {
		return nil, false, errors.New("element has no source id")
	}
	var (
		ids     []int64
		existed bool
	)
	err := l.store.Update(ctx, func(tx harvest.Tx) error {
		ids, existed = nil, false
		post, err := tx.PostBySourceID(el.SourceID)
		switch {
		case err == nil:
			existed = true
		case errors.Is(err, harvest.ErrNotFound):
			post = harvest.Post{
				SourceID:    el.SourceID,
				SourceAlias: alias,
				Author:      el.Author,
				Title:       el.Title,
				Community:   el.Community,
				CreatedAt:   el.CreatedAt,
				Metadata:    el.Metadata,
			}
			if post.CreatedAt.IsZero() && l.clock != nil {
				post.CreatedAt = l.clock.Now()
			}
			if err := tx.CreatePost(&post); err != nil {
				return err
			}
		default:
			return err
		}

		next, err := tx.URLCount(post.ID)
		if err != nil {
			return err
		}
		for _, raw := range el.URLs {
			address := strings.TrimSpace(raw)
			if address == "" {
				continue
			}
			exists, err := tx.URLExists(post.ID, address)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			u := harvest.URL{PostID: post.ID, Address: address}
			f := harvest.File{Path: naming.FilePath(alias, post.Author, post.SourceID, next)}
			if err := tx.CreateURL(&u, &f); err != nil {
				return err
			}
			next++
			ids = append(ids, u.ID)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("persist element %s: %w", el.SourceID, err)
	}
	return ids, existed, nil
}

// push enqueues ids, registering each in the open-ack set, then drains acks
// when the set has reached the high-water mark.
func (l *Loader) push(ctx context.Context, ids []int64, origin string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		l.open[id] = struct{}{}
		if err := l.enqueue(ctx, id); err != nil {
			delete(l.open, id)
			l.publishState()
			return err
		}
		l.tracker.Event(progress.Event{Stage: progress.StageEnqueue, Note: fmt.Sprintf("url %d", id)})
	}
	metrics.ObserveEnqueued(origin, len(ids))
	l.publishState()

	if len(l.open) >= l.cfg.HighWater {
		l.drainFor(ctx, l.window(len(ids)))
	}
	return nil
}

// enqueue retries a full queue, applying available acks between attempts.
func (l *Loader) enqueue(ctx context.Context, id int64) error {
	for {
		attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.PushTimeout)
		err := l.work.Enqueue(attemptCtx, id)
		cancel()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("enqueue url %d: %w", id, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			l.drainAvailable()
		default:
			return fmt.Errorf("enqueue url %d: %w", id, err)
		}
	}
}

func (l *Loader) window(batch int) time.Duration {
	w := time.Duration(batch) * l.cfg.PerItemWindow
	return min(max(w, l.cfg.MinAckWindow), l.cfg.MaxAckWindow)
}

// drainFor applies acks until window elapses, the open set empties, or ctx
// ends.
func (l *Loader) drainFor(ctx context.Context, window time.Duration) {
	l.tracker.SetStatus(fmt.Sprintf("Waiting for acks (%d open)...", len(l.open)))
	deadline := time.Now().Add(window)
	for len(l.open) > 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		pkt, ok, err := l.acks.Pop(ctx, min(remaining, l.cfg.PollTimeout))
		if err != nil {
			return
		}
		if ok {
			l.apply(ctx, pkt)
		}
	}
}

// drainAll pushes deferred album members and applies acks until nothing is
// open. On cancellation only the acks already queued are applied.
func (l *Loader) drainAll(ctx context.Context) {
	l.logger.Info("waiting for open acks", zap.Int("open", len(l.open)))
	for {
		if ctx.Err() != nil {
			l.finish()
			return
		}
		if err := l.flushDeferred(ctx); err != nil {
			l.finish()
			return
		}
		if len(l.open) == 0 && len(l.deferred) == 0 {
			l.tracker.SetStatus("Done")
			l.logger.Info("all acks received")
			return
		}
		l.tracker.SetStatus(fmt.Sprintf("Waiting for acks (%d open)...", len(l.open)))
		pkt, ok, err := l.acks.Pop(ctx, l.cfg.PollTimeout)
		if err != nil {
			continue
		}
		if ok {
			l.apply(ctx, pkt)
		}
	}
}

func (l *Loader) flushDeferred(ctx context.Context) error {
	for len(l.deferred) > 0 {
		batch := l.deferred
		l.deferred = nil
		if err := l.push(ctx, batch, "album"); err != nil {
			return err
		}
	}
	return nil
}

// finish applies whatever acks are already queued without waiting.
func (l *Loader) finish() {
	l.drainAvailable()
	if n := len(l.open); n > 0 {
		l.logger.Info("stopping with unacknowledged urls", zap.Int("open", n))
	}
	if n := len(l.deferred); n > 0 {
		l.logger.Info("album members left for the next run", zap.Int("count", n))
	}
	l.tracker.SetStatus("Stopped")
}

func (l *Loader) drainAvailable() {
	for {
		pkt, ok := l.acks.TryPop()
		if !ok {
			return
		}
		l.apply(context.Background(), pkt)
	}
}

// apply commits one ack. The URL leaves the open set only after the commit;
// album members become visible to workers only after it.
func (l *Loader) apply(ctx context.Context, pkt harvest.AckPacket) {
	logger := l.logger.With(zap.Int64("url_id", pkt.URLID))
	if _, known := l.open[pkt.URLID]; !known {
		logger.Warn("ack for a url that is not open")
		metrics.ObserveAck("unknown")
		return
	}
	if pkt.Abandoned {
		delete(l.open, pkt.URLID)
		logger.Warn("worker abandoned url, leaving it for the next run")
		metrics.ObserveAck("abandoned")
		l.publishState()
		return
	}

	var children []int64
	err := retry.Do(
		func() error {
			var err error
			children, err = l.commit(context.WithoutCancel(ctx), pkt)
			return err
		},
		retry.Attempts(uint(l.cfg.MaxAckAttempts)),
		retry.Delay(l.cfg.AckRetryDelay),
		retry.MaxDelay(l.cfg.MaxAckWindow),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("ack commit failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
			metrics.ObserveAck("retry")
		}),
	)
	if err != nil {
		delete(l.open, pkt.URLID)
		logger.Error("dropping ack after failed commits", zap.Int("max_attempts", l.cfg.MaxAckAttempts), zap.Error(err))
		metrics.ObserveAck("dropped")
		l.publishState()
		return
	}

	delete(l.open, pkt.URLID)
	l.deferred = append(l.deferred, children...)
	metrics.ObserveAck("ok")
	l.tracker.Event(progress.Event{Stage: progress.StageAck, Note: fmt.Sprintf("url %d", pkt.URLID)})
	l.publishState()
}

func (l *Loader) commit(ctx context.Context, pkt harvest.AckPacket) ([]int64, error) {
	var parent harvest.Task
	if len(pkt.ExtraURLs) > 0 {
		task, err := l.store.Task(ctx, pkt.URLID)
		if err != nil {
			return nil, fmt.Errorf("load album parent: %w", err)
		}
		parent = task
		if parent.URL.AlbumID == "" {
			l.logger.Warn("album parent has no album id", zap.Int64("url_id", pkt.URLID))
		}
	}

	var children []int64
	err := l.store.Update(ctx, func(tx harvest.Tx) error {
		children = nil
		if err := tx.MarkProcessed(pkt.URLID); err != nil {
			return err
		}
		for i, raw := range pkt.ExtraURLs {
			address := strings.TrimSpace(raw)
			if address == "" {
				continue
			}
			exists, err := tx.URLExists(parent.URL.PostID, address)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			order := i + 1
			u := harvest.URL{
				PostID:     parent.URL.PostID,
				Address:    address,
				AlbumID:    parent.URL.AlbumID,
				AlbumOrder: order,
			}
			f := harvest.File{Path: naming.AlbumPath(parent.File.Path, parent.URL.AlbumID, order)}
			if err := tx.CreateURL(&u, &f); err != nil {
				return err
			}
			children = append(children, u.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit ack: %w", err)
	}
	return children, nil
}

func (l *Loader) publishState() {
	l.openCount.Store(int64(len(l.open)))
	metrics.SetQueueState(l.work.Len(), len(l.open))
}
