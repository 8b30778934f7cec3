package source

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// NewUserList reads one reddit user per line and returns a listing per user.
// "#" starts a comment; duplicate users are skipped. Each alias records the
// line number so the output tree follows the file order.
func NewUserList(path string, base ListingConfig, logger *zap.Logger) ([]harvest.Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open userlist: %w", err)
	}
	defer f.Close()

	var out []harvest.Source
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text, _, _ := strings.Cut(scanner.Text(), "#")
		user := NormalizeUser(text)
		if user == "" {
			continue
		}
		key := strings.ToLower(user)
		if _, dup := seen[key]; dup {
			logger.Warn("duplicate user in userlist", zap.String("user", user), zap.Int("line", line))
			continue
		}
		seen[key] = struct{}{}

		cfg := base
		cfg.User = user
		cfg.Subreddit = ""
		cfg.Alias = fmt.Sprintf("r%03d %s", line, user)
		out = append(out, NewRedditListing(cfg, logger))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read userlist: %w", err)
	}
	logger.Info("loaded userlist", zap.String("path", path), zap.Int("sources", len(out)))
	return out, nil
}
