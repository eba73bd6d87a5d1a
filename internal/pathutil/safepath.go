// Package pathutil vets URL paths before they are mapped to filesystem
// locations.
package pathutil

import (
	"path"
	"strings"
)

// Sanitize normalizes a URL path for filesystem lookup. It forces a leading
// slash, collapses empty segments, and preserves a trailing slash so
// directory requests stay distinguishable from file requests. ok is false
// for shapes that should never reach a filesystem; rejected paths return "".
func Sanitize(p string) (clean string, ok bool) {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if Unsafe(p) || HasDotSegments(p) {
		return "", false
	}
	trailing := strings.HasSuffix(p, "/")
	clean = path.Clean(p)
	if trailing && clean != "/" {
		clean += "/"
	}
	return clean, true
}

// Unsafe reports whether p contains a NUL byte, a backslash, or ".."
// anywhere. The ".." rule is a substring match, so names like "a..b" are
// rejected along with real traversal.
func Unsafe(p string) bool {
	if strings.IndexByte(p, 0) >= 0 || strings.IndexByte(p, '\\') >= 0 {
		return true
	}
	return strings.Contains(p, "..")
}

// HasDotSegments reports whether any slash-separated segment of p is "."
// or "..".
func HasDotSegments(p string) bool {
	for p != "" {
		seg := p
		if i := strings.IndexByte(p, '/'); i >= 0 {
			seg, p = p[:i], p[i+1:]
		} else {
			p = ""
		}
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}
