// Package opengraph resolves HTML pages to the media named in their og: and
// twitter: metadata.
package opengraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/handler/extract"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// Name is the handler name recorded on results.
const Name = "opengraph"

const maxPageBytes = 4 << 20

// Downloader stores one media address under basePath.
type Downloader interface {
	Download(ctx context.Context, address, basePath string, rep harvest.Reporter) (harvest.Result, error)
}

// Config tunes page fetching.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
}

// Handler reads page metadata. A single media address is downloaded in
// place; several become an album.
type Handler struct {
	client     *http.Client
	downloader Downloader
	limiter    *ratelimit.Limiter
	cfg        Config
	logger     *zap.Logger
}

// New builds an opengraph handler that hands single media URLs to downloader.
func New(downloader Downloader, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Handler{
		client:     &http.Client{Timeout: cfg.Timeout},
		downloader: downloader,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger,
	}
}

// Name implements harvest.Handler.
func (h *Handler) Name() string { return Name }

// Order implements harvest.Handler.
func (h *Handler) Order() int { return 80 }

// Handle fetches the page behind the task URL and resolves its metadata.
func (h *Handler) Handle(ctx context.Context, task harvest.Task, rep harvest.Reporter) (harvest.Result, error) {
	address := task.URL.Address
	if extract.LooksLikeMedia(address) {
		return harvest.NotApplicable(), nil
	}
	doc, err := h.fetchPage(ctx, address)
	if err != nil {
		return harvest.Result{}, err
	}
	if doc == nil {
		return harvest.NotApplicable(), nil
	}

	urls := extract.OpenGraph(doc.Selection, extract.Resolver(doc.Url))
	switch len(urls) {
	case 0:
		return harvest.NotApplicable(), nil
	case 1:
		if rep != nil {
			rep.SetStatus("Following page metadata...")
		}
		res, err := h.downloader.Download(ctx, urls[0], task.File.Path, rep)
		if err != nil {
			return harvest.Result{}, err
		}
		if res.Kind != harvest.ResultNotApplicable {
			res.Handler = Name
		}
		return res, nil
	default:
		return harvest.Album(Name, urls), nil
	}
}

var errNotHTML = errors.New("not an html page")

// fetchPage returns nil without error when the response is not HTML.
func (h *Handler) fetchPage(ctx context.Context, address string) (*goquery.Document, error) {
	var doc *goquery.Document
	err := retry.Do(
		func() error {
			if err := h.limiter.Wait(ctx, address); err != nil {
				return retry.Unrecoverable(err)
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if h.cfg.UserAgent != "" {
				req.Header.Set("User-Agent", h.cfg.UserAgent)
			}
			req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
			resp, err := h.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Debug("close response body", zap.Error(closeErr))
				}
			}()
			if resp.StatusCode >= http.StatusInternalServerError {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if resp.StatusCode != http.StatusOK {
				return retry.Unrecoverable(errNotHTML)
			}
			mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
			if mediaType != "text/html" && mediaType != "application/xhtml+xml" {
				return retry.Unrecoverable(errNotHTML)
			}
			parsed, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageBytes))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("parse html: %w", err))
			}
			parsed.Url = resp.Request.URL
			doc = parsed
			return nil
		},
		retry.Attempts(h.cfg.MaxRetries),
		retry.Delay(h.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, errNotHTML) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	return doc, nil
}
