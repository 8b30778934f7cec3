package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

const (
	defaultRedditBase = "https://www.reddit.com"
	maxPageSize       = 100
)

// ListingConfig configures a reddit listing. Exactly one of User and
// Subreddit is set.
type ListingConfig struct {
	Alias      string
	User       string
	Subreddit  string
	Sort       string
	Limit      int
	StripQuery bool

	UserAgent  string
	BaseURL    string
	Client     *http.Client
	MaxRetries uint
	RetryDelay time.Duration
}

// RedditListing pages through the public JSON listing of a user or subreddit.
type RedditListing struct {
	cfg    ListingConfig
	client *http.Client
	logger *zap.Logger
}

// NewRedditListing builds a listing source.
func NewRedditListing(cfg ListingConfig, logger *zap.Logger) *RedditListing {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.User = NormalizeUser(cfg.User)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRedditBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Sort == "" {
		cfg.Sort = "new"
	}
	if cfg.Alias == "" {
		cfg.Alias = cfg.User
		if cfg.Alias == "" {
			cfg.Alias = cfg.Subreddit
		}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RedditListing{
		cfg:    cfg,
		client: client,
		logger: logger.With(zap.String("source", cfg.Alias)),
	}
}

// NormalizeUser strips the "/u/" decorations users paste along with names.
func NormalizeUser(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(name, "u/")
	name = strings.TrimPrefix(name, "user/")
	return strings.Trim(name, "/")
}

// Alias names the source in file paths and logs.
func (r *RedditListing) Alias() string { return r.cfg.Alias }

// Elements yields posts newest-first until the listing or the limit runs out.
func (r *RedditListing) Elements(ctx context.Context) iter.Seq2[harvest.Element, error] {
	return func(yield func(harvest.Element, error) bool) {
		after := ""
		count := 0
		for !stopped(ctx) {
			page, err := r.fetch(ctx, after)
			if err != nil {
				yield(harvest.Element{}, err)
				return
			}
			for _, child := range page.Data.Children {
				if child.Kind != "t3" {
					continue
				}
				el := r.element(child.Data)
				if len(el.URLs) == 0 {
					continue
				}
				if !yield(el, nil) {
					return
				}
				count++
				if r.cfg.Limit > 0 && count >= r.cfg.Limit {
					return
				}
			}
			if page.Data.After == "" || len(page.Data.Children) == 0 {
				return
			}
			after = page.Data.After
		}
	}
}

func (r *RedditListing) endpoint(after string) string {
	var path string
	if r.cfg.User != "" {
		path = "/user/" + url.PathEscape(r.cfg.User) + "/submitted.json"
	} else {
		path = "/r/" + url.PathEscape(r.cfg.Subreddit) + "/" + url.PathEscape(r.cfg.Sort) + ".json"
	}
	size := maxPageSize
	if r.cfg.Limit > 0 && r.cfg.Limit < size {
		size = r.cfg.Limit
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(size))
	q.Set("raw_json", "1")
	if after != "" {
		q.Set("after", after)
	}
	return r.cfg.BaseURL + path + "?" + q.Encode()
}

type listing struct {
	Data struct {
		After    string `json:"after"`
		Children []struct {
			Kind string     `json:"kind"`
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	Name        string  `json:"name"`
	Author      string  `json:"author"`
	Title       string  `json:"title"`
	Subreddit   string  `json:"subreddit"`
	CreatedUTC  float64 `json:"created_utc"`
	URL         string  `json:"url"`
	Permalink   string  `json:"permalink"`
	Domain      string  `json:"domain"`
	IsSelf      bool    `json:"is_self"`
	Over18      bool    `json:"over_18"`
	GalleryData *struct {
		Items []struct {
			MediaID string `json:"media_id"`
		} `json:"items"`
	} `json:"gallery_data"`
	MediaMetadata map[string]struct {
		Status string `json:"status"`
		S      struct {
			U   string `json:"u"`
			GIF string `json:"gif"`
			MP4 string `json:"mp4"`
		} `json:"s"`
	} `json:"media_metadata"`
	SecureMedia *struct {
		RedditVideo *struct {
			FallbackURL string `json:"fallback_url"`
		} `json:"reddit_video"`
	} `json:"secure_media"`
}

func (p redditPost) urls() []string {
	if p.GalleryData != nil {
		var out []string
		for _, item := range p.GalleryData.Items {
			meta, ok := p.MediaMetadata[item.MediaID]
			if !ok || (meta.Status != "" && meta.Status != "valid") {
				continue
			}
			switch {
			case meta.S.MP4 != "":
				out = append(out, meta.S.MP4)
			case meta.S.GIF != "":
				out = append(out, meta.S.GIF)
			case meta.S.U != "":
				out = append(out, meta.S.U)
			}
		}
		return out
	}
	if p.SecureMedia != nil && p.SecureMedia.RedditVideo != nil && p.SecureMedia.RedditVideo.FallbackURL != "" {
		return []string{p.SecureMedia.RedditVideo.FallbackURL}
	}
	if p.IsSelf || p.URL == "" {
		return nil
	}
	return []string{p.URL}
}

func (r *RedditListing) element(p redditPost) harvest.Element {
	meta := map[string]string{}
	if p.Permalink != "" {
		meta["permalink"] = p.Permalink
	}
	if p.Domain != "" {
		meta["domain"] = p.Domain
	}
	if p.Over18 {
		meta["over_18"] = "true"
	}
	return harvest.Element{
		SourceID:  p.Name,
		Author:    p.Author,
		Title:     p.Title,
		Community: p.Subreddit,
		CreatedAt: time.Unix(int64(p.CreatedUTC), 0).UTC(),
		URLs:      cleanURLs(p.urls(), r.cfg.StripQuery),
		Metadata:  meta,
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("listing returned HTTP %d", e.code) }

func (r *RedditListing) fetch(ctx context.Context, after string) (*listing, error) {
	address := r.endpoint(after)
	var page listing
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			if r.cfg.UserAgent != "" {
				req.Header.Set("User-Agent", r.cfg.UserAgent)
			}
			req.Header.Set("Accept", "application/json")
			resp, err := r.client.Do(req)
			if err != nil {
				return fmt.Errorf("get listing: %w", err)
			}
			defer func() {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}()
			switch {
			case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
				return &statusError{code: resp.StatusCode}
			case resp.StatusCode != http.StatusOK:
				return retry.Unrecoverable(&statusError{code: resp.StatusCode})
			}
			page = listing{}
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode listing: %w", err))
			}
			return nil
		},
		retry.Attempts(r.cfg.MaxRetries),
		retry.Delay(r.cfg.RetryDelay),
		retry.MaxDelay(time.Minute),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("retrying listing page", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch %s listing: %w", r.cfg.Alias, err)
	}
	return &page, nil
}
