package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/progress"
)

const statsTimeout = 3 * time.Second

// Board is the read side of the progress board.
type Board interface {
	Snapshots() []progress.Snapshot
	Snapshot(component string) (progress.Snapshot, bool)
}

// StatsReader counts stored records.
type StatsReader interface {
	Stats(ctx context.Context) (harvest.Stats, error)
}

// QueueState reports the work queue depth and the number of open acks.
type QueueState func() (depth, capacity, openAcks int)

// StatusHandler exposes read-only pipeline status endpoints.
type StatusHandler struct {
	board   Board
	stats   StatsReader
	queue   QueueState
	timeout time.Duration
	logger  *zap.Logger
}

// NewStatusHandler wires the board, store and queue probe. Any may be nil.
func NewStatusHandler(board Board, stats StatsReader, queue QueueState, logger *zap.Logger) *StatusHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusHandler{
		board:   board,
		stats:   stats,
		queue:   queue,
		timeout: statsTimeout,
		logger:  logger,
	}
}

// ListProgress handles GET /v1/progress. It returns
// {"components": [...]} ordered by component name.
func (h *StatusHandler) ListProgress(w http.ResponseWriter, _ *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress board unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"components": h.board.Snapshots()})
}

// GetProgress handles GET /v1/progress/{component}, answering 404 for
// components that never reported.
func (h *StatusHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.board == nil {
		writeError(w, http.StatusServiceUnavailable, "progress board unavailable")
		return
	}
	name := chi.URLParam(r, "component")
	snap, ok := h.board.Snapshot(name)
	if !ok {
		writeError(w, http.StatusNotFound, "component not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type statsDTO struct {
	Records harvest.Stats `json:"records"`
	Queue   *queueDTO     `json:"queue,omitempty"`
}

type queueDTO struct {
	Depth    int `json:"depth"`
	Capacity int `json:"capacity"`
	OpenAcks int `json:"open_acks"`
}

// GetStats handles GET /v1/stats.
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	st, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Error("load stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	out := statsDTO{Records: st}
	if h.queue != nil {
		depth, capacity, open := h.queue()
		out.Queue = &queueDTO{Depth: depth, Capacity: capacity, OpenAcks: open}
	}
	writeJSON(w, http.StatusOK, out)
}
