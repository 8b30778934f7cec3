// Package naming derives extension-less artifact paths for new files.
package naming

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

// MaxSegment bounds the length of one path segment.
const MaxSegment = 80

// FilePath returns <alias>/<author>/<sourceID> for the first URL of a post
// and appends -NN for later ones.
func FilePath(alias, author, sourceID string, index int) string {
	name := Segment(sourceID)
	if index > 0 {
		name = fmt.Sprintf("%s-%02d", name, index)
	}
	return path.Join(Segment(alias), Segment(author), name)
}

// AlbumPath places album members in a directory named after the parent file.
func AlbumPath(parentPath, albumID string, order int) string {
	dir := parentPath
	if dir == "" {
		dir = Segment(albumID)
	}
	return path.Join(dir, fmt.Sprintf("%03d", order))
}

// Segment reduces s to a single safe path segment.
func Segment(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if runes := []rune(out); len(runes) > MaxSegment {
		out = string(runes[:MaxSegment])
	}
	if out == "" {
		return "_"
	}
	return out
}
