// Package paths normalizes filesystem paths into the form used as cache keys.
package paths

import (
	"path/filepath"
	"strings"
)

// Normalize returns an absolute, cleaned, forward-slash path. Windows drive
// letters are lower-cased so the same file always yields the same key.
func Normalize(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.ToSlash(filepath.Clean(p))
	if len(p) >= 2 && p[1] == ':' {
		p = strings.ToLower(p[:1]) + p[1:]
	}
	return p
}

// Dir returns the normalized parent directory of a normalized path.
func Dir(p string) string {
	i := strings.LastIndexByte(p, '/')
	switch {
	case i < 0:
		return p
	case i == 0:
		return "/"
	case i == 2 && p[1] == ':':
		return p[:3]
	}
	return p[:i]
}

// Join joins elements onto a normalized base.
func Join(base string, elem ...string) string {
	return Normalize(filepath.Join(append([]string{filepath.FromSlash(base)}, elem...)...))
}

// IsWithin reports whether p equals root or lies beneath it.
func IsWithin(p, root string) bool {
	if p == root {
		return true
	}
	if root == "/" {
		return strings.HasPrefix(p, "/")
	}
	return strings.HasPrefix(p, root+"/")
}

// Rel returns p relative to root using forward slashes, or p itself when p
// is not inside root.
func Rel(root, p string) string {
	if !IsWithin(p, root) {
		return p
	}
	if p == root {
		return "."
	}
	if root == "/" {
		return p[1:]
	}
	return p[len(root)+1:]
}
