// Package pathutil holds the containment checks shared by the static asset
// server and bundle extraction.
package pathutil

import (
	"path/filepath"
	"strings"
)

// HasDotSegments reports whether any slash-separated segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// Within reports whether target is root itself or lies beneath it. Both must
// be absolute and cleaned; no filesystem access is done.
func Within(root, target string) bool {
	if target == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(target, prefix)
}

// Join places the slash-separated urlPath under root and cleans the result.
// ok is false when urlPath contains a NUL or a backslash, or when the cleaned
// result leaves root. root must be absolute and cleaned.
func Join(root, urlPath string) (full string, ok bool) {
	if strings.ContainsRune(urlPath, 0) || strings.Contains(urlPath, `\`) {
		return "", false
	}
	full = filepath.Join(root, filepath.FromSlash(strings.TrimLeft(urlPath, "/")))
	if !Within(root, full) {
		return "", false
	}
	return full, true
}
