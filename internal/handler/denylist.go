package handler

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// DefaultDenylist holds the hosts that are never downloaded.
var DefaultDenylist = []string{
	"youtu", "youtube", "amazon", "twitter", "instagram", "onlyfans", "chaturbate",
}

type denyRule struct {
	label string
	match func(host string) bool
}

// Denylist rejects URLs whose host matches a configured pattern. A plain
// token matches anywhere in the host, "*.x" or ".x" matches the domain and
// its subdomains, and "=host" matches one exact host.
type Denylist struct {
	rules []denyRule
}

// NewDenylist compiles patterns. Blank entries are ignored.
func NewDenylist(patterns []string) *Denylist {
	d := &Denylist{}
	seen := make(map[string]struct{})
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		if _, dup := seen[value]; dup {
			continue
		}
		seen[value] = struct{}{}
		switch {
		case strings.HasPrefix(value, "*.") || strings.HasPrefix(value, "."):
			suffix := strings.TrimLeft(value, "*.")
			if suffix == "" {
				continue
			}
			d.rules = append(d.rules, denyRule{label: suffix, match: func(host string) bool {
				return host == suffix || strings.HasSuffix(host, "."+suffix)
			}})
		case strings.HasPrefix(value, "="):
			exact := strings.TrimPrefix(value, "=")
			if exact == "" {
				continue
			}
			d.rules = append(d.rules, denyRule{label: exact, match: func(host string) bool {
				return host == exact
			}})
		default:
			token := value
			d.rules = append(d.rules, denyRule{label: token, match: func(host string) bool {
				return strings.Contains(host, token)
			}})
		}
	}
	return d
}

// Name implements harvest.Handler.
func (d *Denylist) Name() string { return "denylist" }

// Order implements harvest.Handler.
func (d *Denylist) Order() int { return 0 }

// Match returns the label of the first rule matching rawURL.
func (d *Denylist) Match(rawURL string) (string, bool) {
	if d == nil {
		return "", false
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	for _, rule := range d.rules {
		if rule.match(host) {
			return rule.label, true
		}
	}
	return "", false
}

// Handle fails denied URLs and declines everything else.
func (d *Denylist) Handle(_ context.Context, task harvest.Task, _ harvest.Reporter) (harvest.Result, error) {
	label, denied := d.Match(task.URL.Address)
	if !denied {
		return harvest.NotApplicable(), nil
	}
	return harvest.Failure(d.Name(), fmt.Sprintf("%s links are disabled.", label)), nil
}
