// Package source turns configured inputs into lazily enumerated elements.
package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/config"
	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Options carries settings shared by every network source.
type Options struct {
	UserAgent string
	Client    *http.Client
	// BaseURL overrides the listing endpoint, mainly for tests.
	BaseURL string
}

// FromConfig builds the sources named in cfgs, in order.
func FromConfig(cfgs []config.SourceConfig, opts Options, logger *zap.Logger) ([]harvest.Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]harvest.Source, 0, len(cfgs))
	for i, c := range cfgs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		listing := ListingConfig{
			Alias:      c.Alias,
			Limit:      c.Limit,
			StripQuery: c.StripQuery,
			UserAgent:  opts.UserAgent,
			BaseURL:    opts.BaseURL,
			Client:     opts.Client,
		}
		switch c.Type {
		case config.SourceRedditUser:
			listing.User = c.User
			out = append(out, NewRedditListing(listing, logger))
		case config.SourceRedditSubreddit:
			listing.Subreddit = c.Subreddit
			listing.Sort = c.Sort
			out = append(out, NewRedditListing(listing, logger))
		case config.SourceUserList:
			users, err := NewUserList(c.Path, listing, logger)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			out = append(out, users...)
		case config.SourceCSV:
			out = append(out, NewCSV(c.Alias, c.Path, c.StripQuery))
		case config.SourceURLs:
			out = append(out, NewURLs(c.Alias, c.URLs, c.StripQuery))
		}
	}
	return out, nil
}

// StripQuery drops the query string and fragment from address.
func StripQuery(address string) string {
	u, err := url.Parse(address)
	if err != nil {
		before, _, _ := strings.Cut(address, "?")
		return before
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func cleanURLs(urls []string, strip bool) []string {
	out := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		address := strings.TrimSpace(raw)
		if address == "" {
			continue
		}
		if strip {
			address = StripQuery(address)
		}
		if _, dup := seen[address]; dup {
			continue
		}
		seen[address] = struct{}{}
		out = append(out, address)
	}
	return out
}

func stopped(ctx context.Context) bool {
	return ctx.Err() != nil
}
