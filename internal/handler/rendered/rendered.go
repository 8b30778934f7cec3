// Package rendered expands pages that only show their media after
// JavaScript runs, using headless Chrome via chromedp.
package rendered

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/handler/extract"
	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// Name is the handler name recorded on results.
const Name = "rendered"

// Config controls the headless browser.
type Config struct {
	// Hosts are matched against the URL host exactly or as a parent domain.
	Hosts             []string
	UserAgent         string
	NavigationTimeout time.Duration
	MaxParallel       int
}

type page struct {
	html     string
	finalURL string
	status   int
}

type renderFunc func(ctx context.Context, address string) (page, error)

// Handler renders matching pages and returns their media as an album.
type Handler struct {
	cfg         Config
	limiter     chan struct{}
	rate        *ratelimit.Limiter
	render      renderFunc
	allocCancel context.CancelFunc
	allocator   context.Context
	logger      *zap.Logger
}

// New creates a handler backed by a shared Chrome allocator. Chrome starts
// lazily on the first render.
func New(rate *ratelimit.Limiter, cfg Config, logger *zap.Logger) (*Handler, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hosts := make([]string, 0, len(cfg.Hosts))
	for _, host := range cfg.Hosts {
		if host = strings.Trim(strings.ToLower(strings.TrimSpace(host)), "."); host != "" {
			hosts = append(hosts, host)
		}
	}
	cfg.Hosts = hosts

	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	h := &Handler{
		cfg:         cfg,
		limiter:     limiter,
		rate:        rate,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
	h.render = h.renderChrome
	return h, nil
}

// Close shuts the browser down.
func (h *Handler) Close() {
	h.allocCancel()
}

// Name implements harvest.Handler.
func (h *Handler) Name() string { return Name }

// Order implements harvest.Handler.
func (h *Handler) Order() int { return 30 }

// Matches reports whether address points at a configured host.
func (h *Handler) Matches(address string) bool {
	u, err := url.Parse(address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, want := range h.cfg.Hosts {
		if host == want || strings.HasSuffix(host, "."+want) {
			return true
		}
	}
	return false
}

// Handle renders the page and collects its media.
func (h *Handler) Handle(ctx context.Context, task harvest.Task, rep harvest.Reporter) (harvest.Result, error) {
	address := task.URL.Address
	if !h.Matches(address) {
		return harvest.NotApplicable(), nil
	}
	if rep != nil {
		rep.SetStatus("Rendering page...")
	}
	if err := h.rate.Wait(ctx, address); err != nil {
		return harvest.Result{}, err
	}
	if err := h.acquire(ctx); err != nil {
		return harvest.Result{}, err
	}
	defer h.release()

	p, err := h.render(ctx, address)
	if err != nil {
		return harvest.Result{}, err
	}
	if p.status >= http.StatusBadRequest {
		return harvest.Failure(Name, fmt.Sprintf("Server Error: %s->%d", address, p.status)), nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
	if err != nil {
		return harvest.Result{}, fmt.Errorf("parse rendered html: %w", err)
	}
	base, err := url.Parse(p.finalURL)
	if err != nil || p.finalURL == "" {
		base, _ = url.Parse(address)
	}
	found := extract.Media(doc.Selection, extract.Resolver(base))
	if len(found) == 0 {
		return harvest.NotApplicable(), nil
	}
	return harvest.Album(Name, found), nil
}

func (h *Handler) renderChrome(ctx context.Context, address string) (page, error) {
	taskCtx, taskCancel := chromedp.NewContext(h.allocator)
	defer taskCancel()

	// The browser context is detached from ctx, so cancellation is relayed.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, h.cfg.NavigationTimeout)
	defer cancel()

	meta := &responseMeta{}
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	var p page
	actions := []chromedp.Action{
		h.networkSetupAction(),
		chromedp.Navigate(address),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&p.finalURL),
		chromedp.OuterHTML("html", &p.html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return page{}, fmt.Errorf("chromedp run: %w", err)
	}
	p.status = meta.snapshot()
	return p, nil
}

func (h *Handler) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if h.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (h *Handler) acquire(ctx context.Context) error {
	if h.limiter == nil {
		return nil
	}
	select {
	case h.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (h *Handler) release() {
	if h.limiter == nil {
		return
	}
	select {
	case <-h.limiter:
	default:
	}
}

// responseMeta keeps the status of the first document response.
type responseMeta struct {
	mu     sync.Mutex
	status int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	if m.status == 0 {
		m.status = int(resp.Response.Status)
	}
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == 0 {
		return http.StatusOK
	}
	return m.status
}
