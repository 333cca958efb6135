package parser

import (
	"path/filepath"
	"strings"
)

// BasenameFromURL extracts the last path segment of a URL, dropping any
// query string or fragment. Returns "untitled" when nothing is left.
func BasenameFromURL(sourceURL string) string {
	u := sourceURL
	if i := strings.Index(u, "?"); i > 0 {
		u = u[:i]
	}
	if i := strings.Index(u, "#"); i > 0 {
		u = u[:i]
	}

	if i := strings.LastIndex(u, "/"); i >= 0 {
		if base := u[i+1:]; base != "" {
			return base
		}
		return "untitled"
	}
	if u == "" {
		return "untitled"
	}
	return u
}

// SanitizeImageName reduces name to a safe object key segment.
// Path separators and characters outside [A-Za-z0-9._-] become '_'.
func SanitizeImageName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "image"
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
