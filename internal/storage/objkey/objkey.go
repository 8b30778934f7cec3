// Package objkey validates relative artifact paths and maps them to object
// keys.
package objkey

import (
	"fmt"
	"path"
	"strings"
)

// Clean normalizes a slash separated relative path and rejects anything that
// would escape the store root.
func Clean(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q must be relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path traversal detected in %q", p)
	}
	return cleaned, nil
}

// Join cleans p and prefixes it with prefix.
func Join(prefix, p string) (string, error) {
	cleaned, err := Clean(p)
	if err != nil {
		return "", err
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return cleaned, nil
	}
	return prefix + "/" + cleaned, nil
}
