// Package dedup fingerprints downloaded files and merges exact duplicates
// onto the largest copy while the pipeline keeps running.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/hash"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

// PlaceholderReason is recorded on URLs whose file is a known placeholder.
const PlaceholderReason = "Placeholder image (content removed)."

// Config controls polling and placeholder detection.
type Config struct {
	// BusyInterval is the pause after a pass that processed files.
	BusyInterval time.Duration
	// IdleInterval is the pause after a pass with nothing to do.
	IdleInterval time.Duration
	// PlaceholderHashes are fingerprints of "content removed" images.
	PlaceholderHashes []string
}

// Stats counts what one pass did.
type Stats struct {
	Hashed       int `json:"hashed"`
	Merged       int `json:"merged"`
	Placeholders int `json:"placeholders"`
	Ignored      int `json:"ignored"`
	Failed       int `json:"failed"`
}

func (s Stats) processed() int {
	return s.Hashed + s.Merged + s.Placeholders
}

// Deduplicator hashes unhashed files and merges duplicates.
type Deduplicator struct {
	store     harvest.RecordStore
	artifacts harvest.ArtifactStore
	tracker   *progress.Tracker
	cfg       Config
	logger    *zap.Logger

	placeholders map[string]struct{}

	mu     sync.Mutex
	ignore map[int64]struct{}
}

// New creates a Deduplicator. store is expected to serialize Update calls
// with the rest of the pipeline; tracker may be nil.
func New(
	store harvest.RecordStore,
	artifacts harvest.ArtifactStore,
	tracker *progress.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Deduplicator {
	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	placeholders := make(map[string]struct{}, len(cfg.PlaceholderHashes))
	for _, h := range cfg.PlaceholderHashes {
		placeholders[h] = struct{}{}
	}
	return &Deduplicator{
		store:        store,
		artifacts:    artifacts,
		tracker:      tracker,
		cfg:          cfg,
		logger:       logger,
		placeholders: placeholders,
		ignore:       make(map[int64]struct{}),
	}
}

// Run performs passes until ctx is done, then one final pass that is not
// cancelled.
func (d *Deduplicator) Run(ctx context.Context) error {
	for {
		wait := d.cfg.IdleInterval
		stats, err := d.Pass(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Error("dedup pass failed", zap.Error(err))
		case stats.processed() > 0:
			wait = d.cfg.BusyInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.tracker.SetStatus("Final pass...")
			final, err := d.Pass(context.WithoutCancel(ctx))
			if err != nil {
				return fmt.Errorf("final dedup pass: %w", err)
			}
			d.logger.Info("final dedup pass complete",
				zap.Int("hashed", final.Hashed),
				zap.Int("merged", final.Merged),
			)
			d.tracker.SetStatus("Stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Pass processes every unhashed file once.
func (d *Deduplicator) Pass(ctx context.Context) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var stats Stats
	candidates, err := d.store.UnhashedFiles(ctx)
	if err != nil {
		return stats, fmt.Errorf("list unhashed files: %w", err)
	}
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, skip := d.ignore[c.File.ID]; skip {
			continue
		}
		d.tracker.SetStatus("Hashing files...")
		d.tracker.SetFile(c.File.Path)
		d.process(ctx, c, &stats)
	}
	d.tracker.Reset("Idle")

	metrics.ObserveDedup("hashed", stats.Hashed)
	metrics.ObserveDedup("merged", stats.Merged)
	metrics.ObserveDedup("placeholder", stats.Placeholders)
	metrics.ObserveDedup("ignored", stats.Ignored)
	metrics.ObserveDedup("failed", stats.Failed)
	if stats.processed() > 0 {
		d.logger.Info("dedup pass",
			zap.Int("hashed", stats.Hashed),
			zap.Int("merged", stats.Merged),
			zap.Int("placeholders", stats.Placeholders),
		)
	}
	return stats, nil
}

func (d *Deduplicator) process(ctx context.Context, c harvest.FileCandidate, stats *Stats) {
	logger := d.logger.With(zap.Int64("file_id", c.File.ID), zap.String("path", c.File.Path))
	if c.InAlbum {
		d.ignore[c.File.ID] = struct{}{}
		stats.Ignored++
		return
	}

	full, err := Fingerprint(ctx, d.artifacts, c.File.Path)
	switch {
	case errors.Is(err, harvest.ErrArtifactNotFound):
		logger.Warn("artifact is missing, ignoring file")
		d.ignore[c.File.ID] = struct{}{}
		stats.Ignored++
		return
	case err != nil:
		logger.Error("fingerprint failed", zap.Error(err))
		d.ignore[c.File.ID] = struct{}{}
		stats.Failed++
		return
	}

	if _, ok := d.placeholders[full]; ok {
		if err := d.dropPlaceholder(ctx, c.File); err != nil {
			logger.Error("drop placeholder failed", zap.Error(err))
			stats.Failed++
			return
		}
		stats.Placeholders++
		return
	}

	parts := hash.Split(full)
	matches, err := d.store.MatchHashes(ctx, full, parts, c.File.ID)
	if err != nil {
		logger.Error("match hashes failed", zap.Error(err))
		stats.Failed++
		return
	}
	var dups []harvest.File
	for _, m := range matches {
		if m.Hash.Full == full && !m.InAlbum && m.Settled {
			dups = append(dups, m.File)
		}
	}

	if len(dups) == 0 {
		err := d.store.Update(ctx, func(tx harvest.Tx) error {
			return tx.PutHash(&harvest.Hash{FileID: c.File.ID, Full: full, Parts: parts})
		})
		if err != nil {
			logger.Error("store hash failed", zap.Error(err))
			stats.Failed++
			return
		}
		stats.Hashed++
		d.tracker.Event(progress.Event{Stage: progress.StageHashed, File: c.File.Path, Note: full})
		return
	}

	merged, keptNew, err := d.merge(ctx, c.File, dups, full, parts)
	if err != nil {
		logger.Warn("merge failed, retrying next pass", zap.Error(err))
		stats.Failed++
		return
	}
	stats.Merged += merged
	if keptNew {
		stats.Hashed++
	}
}

// merge keeps the largest file and folds the rest into it. Size ties go to
// the earliest file, and the new file comes last.
func (d *Deduplicator) merge(
	ctx context.Context,
	newFile harvest.File,
	dups []harvest.File,
	full string,
	parts [4]string,
) (int, bool, error) {
	files := append(dups, newFile)
	best, bestSize := 0, int64(-1)
	for i, f := range files {
		size, err := d.artifacts.Size(ctx, f.Path)
		if err != nil {
			size = -1
		}
		if size > bestSize {
			best, bestSize = i, size
		}
	}
	canonical := files[best]
	losers := make([]harvest.File, 0, len(files)-1)
	for i, f := range files {
		if i != best {
			losers = append(losers, f)
		}
	}
	keptNew := canonical.ID == newFile.ID

	err := d.store.Update(ctx, func(tx harvest.Tx) error {
		for _, loser := range losers {
			if _, err := tx.RepointURLs(loser.ID, canonical.ID); err != nil {
				return err
			}
			if err := tx.DeleteFile(loser.ID); err != nil {
				return err
			}
		}
		if keptNew {
			return tx.PutHash(&harvest.Hash{FileID: newFile.ID, Full: full, Parts: parts})
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("merge onto file %d: %w", canonical.ID, err)
	}

	for _, loser := range losers {
		if loser.Path != canonical.Path {
			if err := d.artifacts.Remove(ctx, loser.Path); err != nil {
				d.logger.Warn("remove duplicate artifact", zap.String("path", loser.Path), zap.Error(err))
			}
		}
		d.tracker.Event(progress.Event{Stage: progress.StageMerged, File: canonical.Path, Note: loser.Path})
	}
	d.logger.Info("merged duplicates",
		zap.Int64("file_id", canonical.ID),
		zap.String("path", canonical.Path),
		zap.Int("merged", len(losers)),
	)
	return len(losers), keptNew, nil
}

func (d *Deduplicator) dropPlaceholder(ctx context.Context, f harvest.File) error {
	err := d.store.Update(ctx, func(tx harvest.Tx) error {
		urls, err := tx.URLsForFile(f.ID)
		if err != nil {
			return err
		}
		for _, u := range urls {
			if err := tx.MarkFailed(u.ID, PlaceholderReason); err != nil {
				return err
			}
		}
		return tx.MarkNotDownloaded(f.ID)
	})
	if err != nil {
		return fmt.Errorf("mark placeholder file %d: %w", f.ID, err)
	}
	if err := d.artifacts.Remove(ctx, f.Path); err != nil {
		d.logger.Warn("remove placeholder artifact", zap.String("path", f.Path), zap.Error(err))
	}
	d.tracker.Event(progress.Event{Stage: progress.StageFailed, File: f.Path, Note: PlaceholderReason})
	return nil
}
