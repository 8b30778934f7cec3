package source

import (
	"context"
	"iter"
	"net/url"

	"github.com/JakeFAU/media-harvester/internal/harvest"
	"github.com/JakeFAU/media-harvester/internal/hash/sha256"
)

// URLs turns a fixed list of addresses into one element each.
type URLs struct {
	alias string
	urls  []string
}

// NewURLs builds a source over addresses.
func NewURLs(alias string, addresses []string, stripQuery bool) *URLs {
	if alias == "" {
		alias = "urls"
	}
	return &URLs{alias: alias, urls: cleanURLs(addresses, stripQuery)}
}

// Alias names the source.
func (u *URLs) Alias() string { return u.alias }

// Elements yields the addresses in order. The source id is derived from the
// address so repeated runs find the same post.
func (u *URLs) Elements(ctx context.Context) iter.Seq2[harvest.Element, error] {
	return func(yield func(harvest.Element, error) bool) {
		hasher := sha256.New()
		for _, address := range u.urls {
			if stopped(ctx) {
				return
			}
			sum, _ := hasher.Hash([]byte(address))
			el := harvest.Element{
				SourceID: "url_" + sum[:16],
				Title:    address,
				URLs:     []string{address},
			}
			if parsed, err := url.Parse(address); err == nil {
				el.Author = parsed.Hostname()
			}
			if !yield(el, nil) {
				return
			}
		}
	}
}
