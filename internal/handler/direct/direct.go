// Package direct downloads media URLs over plain HTTP into the artifact store.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/metrics"
	"github.com/JakeFAU/media-harvester/internal/policy/ratelimit"
)

// Name is the handler name recorded on results.
const Name = "direct"

var mediaPrefixes = []string{"image/", "audio/", "video/"}

// knownExtensions covers media types that are missing from minimal mime tables.
var knownExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/bmp":       ".bmp",
	"image/avif":      ".avif",
	"video/mp4":       ".mp4",
	"video/webm":      ".webm",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/ogg":       ".ogg",
	"audio/mp4":       ".m4a",
}

// Config tunes the HTTP client.
type Config struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries uint
	RetryDelay time.Duration
}

// Handler is the terminal handler of the chain.
type Handler struct {
	client  *http.Client
	store   harvest.ArtifactStore
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
}

// New builds a direct downloader writing into store.
func New(store harvest.ArtifactStore, limiter *ratelimit.Limiter, cfg Config, logger *zap.Logger) *Handler {
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
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext
	return &Handler{
		client:  &http.Client{Transport: transport},
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

// Name implements harvest.Handler.
func (h *Handler) Name() string { return Name }

// Order implements harvest.Handler.
func (h *Handler) Order() int { return 100 }

// Handle downloads task.URL.Address.
func (h *Handler) Handle(ctx context.Context, task harvest.Task, rep harvest.Reporter) (harvest.Result, error) {
	return h.Download(ctx, task.URL.Address, task.File.Path, rep)
}

// Download fetches address and stores it at basePath plus the extension
// derived from the response type. Non-media responses are declined.
func (h *Handler) Download(ctx context.Context, address, basePath string, rep harvest.Reporter) (harvest.Result, error) {
	if !isHTTP(address) {
		return harvest.NotApplicable(), nil
	}
	resp, err := h.open(ctx, address)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return harvest.Failure(Name, fmt.Sprintf("Server Error: %s->%d", address, se.code)), nil
		}
		return harvest.Failure(Name, fmt.Sprintf("Error Downloading: %v", err)), nil
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			h.logger.Debug("close response body", zap.Error(closeErr))
		}
	}()

	ext, isMedia := MediaExtension(resp.Header.Get("Content-Type"))
	if !isMedia {
		return harvest.NotApplicable(), nil
	}
	if ext == "" {
		return harvest.Failure(Name, "Unable to determine MIME Type."), nil
	}

	path := basePath + ext
	if rep != nil {
		rep.SetStatus("Downloading file...")
		rep.SetFile(path)
	}
	written, err := h.store.Create(ctx, path)
	if err != nil {
		return harvest.Failure(Name, fmt.Sprintf("Error Downloading: %v", err)), nil
	}
	n, copyErr := io.Copy(written, &progressReader{r: resp.Body, total: resp.ContentLength, rep: rep})
	closeErr := written.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		if rmErr := h.store.Remove(context.WithoutCancel(ctx), path); rmErr != nil {
			h.logger.Warn("remove partial artifact", zap.String("path", path), zap.Error(rmErr))
		}
		return harvest.Failure(Name, fmt.Sprintf("Error Downloading: %v", err)), nil
	}
	metrics.ObserveDownload(address, n)
	return harvest.Success(Name, path), nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d", e.code) }

// open issues the GET, retrying transport errors and 5xx responses.
func (h *Handler) open(ctx context.Context, address string) (*http.Response, error) {
	var resp *http.Response
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
			r, err := h.client.Do(req)
			if err != nil {
				return err
			}
			if r.StatusCode != http.StatusOK {
				_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
				_ = r.Body.Close()
				se := &statusError{code: r.StatusCode}
				if r.StatusCode >= http.StatusInternalServerError || r.StatusCode == http.StatusTooManyRequests {
					return se
				}
				return retry.Unrecoverable(se)
			}
			resp = r
			return nil
		},
		retry.Attempts(h.cfg.MaxRetries),
		retry.Delay(h.cfg.RetryDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Debug("retrying download", zap.String("url", address), zap.Uint("attempt", n), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// MediaExtension maps a Content-Type header to a file extension. isMedia is
// false for anything outside image/, audio/ and video/.
func MediaExtension(contentType string) (ext string, isMedia bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	mediaType = strings.ToLower(mediaType)
	for _, prefix := range mediaPrefixes {
		if strings.HasPrefix(mediaType, prefix) {
			isMedia = true
			break
		}
	}
	if !isMedia {
		return "", false
	}
	if known, ok := knownExtensions[mediaType]; ok {
		return known, true
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return "", true
	}
	return exts[0], true
}

func isHTTP(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	rep   harvest.Reporter
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.rep != nil && p.total > 0 {
		pct := int(100 * p.read / p.total)
		if pct != p.last {
			p.last = pct
			p.rep.SetPercent(pct)
		}
	}
	return n, err
}
