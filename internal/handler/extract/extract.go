// Package extract pulls media addresses out of parsed HTML pages.
package extract

import (
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var mediaExts = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".webp": {}, ".bmp": {}, ".avif": {},
	".mp4": {}, ".webm": {}, ".mov": {}, ".mp3": {}, ".ogg": {}, ".m4a": {},
}

// ogProperties are read in priority order.
var ogProperties = []string{
	"og:video:secure_url",
	"og:video:url",
	"og:video",
	"og:image:secure_url",
	"og:image:url",
	"og:image",
	"twitter:player:stream",
	"twitter:image",
	"twitter:image:src",
}

// LooksLikeMedia reports whether address ends in a known media extension.
func LooksLikeMedia(address string) bool {
	u, err := url.Parse(address)
	if err != nil {
		return false
	}
	_, ok := mediaExts[strings.ToLower(path.Ext(u.Path))]
	return ok
}

// Resolver returns a function turning references into absolute http(s)
// addresses against base. Unusable references resolve to "".
func Resolver(base *url.URL) func(string) string {
	return func(ref string) string {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return ""
		}
		u, err := url.Parse(ref)
		if err != nil {
			return ""
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return ""
		}
		u.Fragment = ""
		return u.String()
	}
}

// Media collects image, video and linked media addresses below sel in
// document order without duplicates.
func Media(sel *goquery.Selection, resolve func(string) string) []string {
	c := newCollector(resolve)
	sel.Find("img, video, video source, a[href]").Each(func(_ int, s *goquery.Selection) {
		switch goquery.NodeName(s) {
		case "img":
			if src, ok := s.Attr("data-src"); ok {
				c.add(src)
				return
			}
			c.add(s.AttrOr("src", ""))
		case "video", "source":
			c.add(s.AttrOr("src", ""))
		case "a":
			if href := s.AttrOr("href", ""); LooksLikeMedia(resolve(href)) {
				c.add(href)
			}
		}
	})
	return c.out
}

// OpenGraph reads og: and twitter: media metadata. Videos come before
// images.
func OpenGraph(sel *goquery.Selection, resolve func(string) string) []string {
	values := make(map[string][]string)
	sel.Find("meta").Each(func(_ int, s *goquery.Selection) {
		key := s.AttrOr("property", "")
		if key == "" {
			key = s.AttrOr("name", "")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if content, ok := s.Attr("content"); ok && key != "" {
			values[key] = append(values[key], content)
		}
	})
	c := newCollector(resolve)
	for _, prop := range ogProperties {
		for _, v := range values[prop] {
			c.add(v)
		}
	}
	return c.out
}

type collector struct {
	resolve func(string) string
	seen    map[string]struct{}
	out     []string
}

func newCollector(resolve func(string) string) *collector {
	return &collector{resolve: resolve, seen: make(map[string]struct{})}
}

func (c *collector) add(ref string) {
	abs := c.resolve(ref)
	if abs == "" {
		return
	}
	if _, dup := c.seen[abs]; dup {
		return
	}
	c.seen[abs] = struct{}{}
	c.out = append(c.out, abs)
}
