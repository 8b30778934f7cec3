package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/media-harvester/internal/progress"
)

// PrometheusSink counts progress events by stage and handler outcome.
type PrometheusSink struct {
	events    *prometheus.CounterVec
	downloads *prometheus.CounterVec
	failures  *prometheus.CounterVec
	albums    prometheus.Counter
	merges    prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_progress_events_total",
			Help: "Progress events partitioned by stage and component.",
		}, []string{"stage", "component"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_downloads_total",
			Help: "Files downloaded partitioned by handler.",
		}, []string{"handler"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_download_failures_total",
			Help: "Terminal URL failures partitioned by handler.",
		}, []string{"handler"}),
		albums: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_albums_expanded_total",
			Help: "URLs that expanded into albums.",
		}),
		merges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_dedup_merges_total",
			Help: "Duplicate files merged onto a canonical file.",
		}),
	}
	for _, collector := range []prometheus.Collector{s.events, s.downloads, s.failures, s.albums, s.merges} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.events.WithLabelValues(string(evt.Stage), evt.Component).Inc()
		handler := evt.Handler
		if handler == "" {
			handler = "unknown"
		}
		switch evt.Stage {
		case progress.StageDownloaded:
			s.downloads.WithLabelValues(handler).Inc()
		case progress.StageFailed:
			s.failures.WithLabelValues(handler).Inc()
		case progress.StageAlbum:
			s.albums.Inc()
		case progress.StageMerged:
			s.merges.Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
