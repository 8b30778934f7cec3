// Package gallery expands gallery pages on configured hosts into albums
// using a Colly collector.
package gallery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/handler/extract"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// Name is the handler name recorded on results.
const Name = "gallery"

// DefaultPatterns match common album pages.
var DefaultPatterns = []string{"imgur.com/a/", "imgur.com/gallery/", "/gallery/", "/album/"}

// Config controls collector behavior.
type Config struct {
	// Patterns are matched as substrings of the lowercased address without
	// its scheme.
	Patterns  []string
	UserAgent string
	Timeout   time.Duration
}

// Handler visits gallery pages and returns their media as an album.
type Handler struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
	logger        *zap.Logger
}

// New builds a gallery handler.
func New(limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	cfg.Patterns = make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			cfg.Patterns = append(cfg.Patterns, p)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	// Clones share the HTTP backend, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	return &Handler{cfg: cfg, limiter: limiter, baseCollector: c, logger: logger}
}

// Name implements harvest.Handler.
func (h *Handler) Name() string { return Name }

// Order implements harvest.Handler.
func (h *Handler) Order() int { return 20 }

// Matches reports whether address is handled as a gallery page.
func (h *Handler) Matches(address string) bool {
	_, rest, ok := strings.Cut(strings.ToLower(address), "://")
	if !ok {
		return false
	}
	for _, p := range h.cfg.Patterns {
		if strings.Contains(rest, p) {
			return true
		}
	}
	return false
}

// Handle visits the page and returns the media it links as an album.
func (h *Handler) Handle(ctx context.Context, task harvest.Task, rep harvest.Reporter) (harvest.Result, error) {
	address := task.URL.Address
	if !h.Matches(address) {
		return harvest.NotApplicable(), nil
	}
	if rep != nil {
		rep.SetStatus("Reading gallery...")
	}
	if err := h.limiter.Wait(ctx, address); err != nil {
		return harvest.Result{}, err
	}

	var (
		found    []string
		status   int
		fetchErr error
	)
	collector := h.baseCollector.Clone()
	if h.cfg.UserAgent != "" {
		collector.UserAgent = h.cfg.UserAgent
	}
	collector.OnHTML("html", func(e *colly.HTMLElement) {
		absolute := extract.Resolver(nil)
		found = extract.Media(e.DOM, func(ref string) string {
			return absolute(e.Request.AbsoluteURL(ref))
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(address)
	}()

	select {
	case <-ctx.Done():
		return harvest.Result{}, fmt.Errorf("gallery visit canceled: %w", ctx.Err())
	case visitErr := <-done:
		if status >= http.StatusBadRequest {
			return harvest.Failure(Name, fmt.Sprintf("Server Error: %s->%d", address, status)), nil
		}
		if visitErr != nil {
			return harvest.Result{}, fmt.Errorf("gallery visit: %w", visitErr)
		}
		if fetchErr != nil {
			return harvest.Result{}, fmt.Errorf("gallery response: %w", fetchErr)
		}
	}
	if len(found) == 0 {
		h.logger.Debug("gallery page has no media", zap.String("url", address))
		return harvest.NotApplicable(), nil
	}
	return harvest.Album(Name, found), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
