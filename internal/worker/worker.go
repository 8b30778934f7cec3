// Package worker implements the loop that resolves queued URLs through the
// handler chain and acknowledges them back to the loader.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/progress"
	"github.com/JakeFAU/media-harvester/internal/queue/memory"
)

// Dispatcher resolves a task to a Result. *handler.Chain satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, task harvest.Task, rep harvest.Reporter) harvest.Result
}

// WorkSource yields URL ids.
type WorkSource interface {
	Dequeue(ctx context.Context, timeout time.Duration) (int64, bool, error)
}

// AckSink receives completion packets.
type AckSink interface {
	Push(pkt harvest.AckPacket)
}

// Config controls Worker behavior.
type Config struct {
	// PollTimeout bounds each wait on the work queue (default 100ms).
	PollTimeout time.Duration
	// HandlerTimeout bounds one dispatch (default 10m).
	HandlerTimeout time.Duration
}

// Worker consumes URL ids and records handler outcomes.
type Worker struct {
	id      int
	store   harvest.RecordStore
	work    WorkSource
	acks    AckSink
	chain   Dispatcher
	ids     harvest.IDGenerator
	tracker *progress.Tracker
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Worker. store is expected to serialize Update calls with
// the rest of the pipeline; tracker may be nil.
func New(
	id int,
	store harvest.RecordStore,
	work WorkSource,
	acks AckSink,
	chain Dispatcher,
	ids harvest.IDGenerator,
	tracker *progress.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 100 * time.Millisecond
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 10 * time.Minute
	}
	return &Worker{
		id:      id,
		store:   store,
		work:    work,
		acks:    acks,
		chain:   chain,
		ids:     ids,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming ids until ctx is cancelled or the queue closes. The
// item in hand when ctx ends is finished and acknowledged.
func (w *Worker) Run(ctx context.Context) {
	w.tracker.Reset("Waiting")
	for ctx.Err() == nil {
		id, ok, err := w.work.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrQueueClosed) {
				break
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.process(ctx, id)
	}
	w.tracker.Reset("Stopped")
}

func (w *Worker) process(ctx context.Context, urlID int64) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	defer w.tracker.Reset("Waiting")

	// In-flight work outlives the stop signal.
	detached := context.WithoutCancel(ctx)

	task, err := w.store.Task(detached, urlID)
	if err != nil {
		w.logger.Error("load task failed", zap.Int64("url_id", urlID), zap.Error(err))
		w.acks.Push(harvest.AckPacket{URLID: urlID, Abandoned: true})
		return
	}
	w.tracker.SetStatus("Processing URL...")
	w.tracker.SetFile(task.File.Path)

	handlerCtx, cancel := context.WithTimeout(detached, w.cfg.HandlerTimeout)
	start := time.Now()
	res := w.chain.Dispatch(handlerCtx, task, w.tracker)
	cancel()
	metrics.ObserveOutcome(res.Handler, res.Kind.String(), time.Since(start))

	pkt := harvest.AckPacket{URLID: urlID}
	if err := w.persist(detached, task, res); err != nil {
		w.logger.Error("persist outcome failed",
			zap.Int64("url_id", urlID),
			zap.String("handler", res.Handler),
			zap.Error(err),
		)
		pkt.Abandoned = true
		w.acks.Push(pkt)
		return
	}
	pkt.ExtraURLs = res.AlbumURLs
	w.report(task, res)
	w.acks.Push(pkt)
}

func (w *Worker) persist(ctx context.Context, task harvest.Task, res harvest.Result) error {
	albumID := task.URL.AlbumID
	if res.IsAlbum() && albumID == "" {
		id, err := w.ids.NewID()
		if err != nil {
			return fmt.Errorf("album id: %w", err)
		}
		albumID = id
	}
	urlID := task.URL.ID
	return w.store.Update(ctx, func(tx harvest.Tx) error {
		switch res.Kind {
		case harvest.ResultSuccess:
			if task.URL.Failed {
				if err := tx.ClearFailed(urlID); err != nil {
					return err
				}
			}
			if res.IsAlbum() {
				return tx.SetAlbum(urlID, albumID)
			}
			if res.Path != "" {
				return tx.MarkDownloaded(task.File.ID, res.Path)
			}
			return nil
		case harvest.ResultFailure:
			return tx.MarkFailed(urlID, res.Reason)
		default:
			return fmt.Errorf("unexpected %s result for url %d", res.Kind, urlID)
		}
	})
}

func (w *Worker) report(task harvest.Task, res harvest.Result) {
	fields := []zap.Field{
		zap.Int64("url_id", task.URL.ID),
		zap.Int64("file_id", task.File.ID),
		zap.String("handler", res.Handler),
	}
	switch {
	case res.IsAlbum():
		w.logger.Info("album expanded", append(fields, zap.Int("urls", len(res.AlbumURLs)))...)
		w.tracker.Event(progress.Event{
			Stage:   progress.StageAlbum,
			URL:     task.URL.Address,
			Handler: res.Handler,
			Note:    fmt.Sprintf("%d urls", len(res.AlbumURLs)),
		})
	case res.Kind == harvest.ResultSuccess:
		w.logger.Debug("downloaded", append(fields, zap.String("path", res.Path))...)
		w.tracker.Event(progress.Event{
			Stage:   progress.StageDownloaded,
			URL:     task.URL.Address,
			File:    res.Path,
			Handler: res.Handler,
			Percent: 100,
		})
	default:
		w.logger.Info("url failed", append(fields, zap.String("reason", res.Reason))...)
		w.tracker.Event(progress.Event{
			Stage:   progress.StageFailed,
			URL:     task.URL.Address,
			Handler: res.Handler,
			Note:    res.Reason,
		})
	}
}
