package paths

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultExclusions are skipped by every walk: hidden entries, installed
// dependencies and build output.
var DefaultExclusions = []string{
	"**/.*",
	"**/node_modules/**",
	"**/dist/**",
	"**/vendor/**",
	"**/bower_components/**",
	"**/external/**",
	"**/contrib/**",
}

// SourceExclusions are additionally skipped when selecting files to analyze.
var SourceExclusions = []string{
	"**/*.d.ts",
}

// Excluder matches root-relative paths against doublestar patterns.
type Excluder struct {
	patterns []string
}

// NewExcluder returns an Excluder for DefaultExclusions plus extra. Invalid
// patterns are dropped.
func NewExcluder(extra ...string) *Excluder {
	patterns := make([]string, 0, len(DefaultExclusions)+len(extra))
	for _, p := range append(append([]string{}, DefaultExclusions...), extra...) {
		p = strings.TrimSpace(p)
		if p == "" || !doublestar.ValidatePattern(p) {
			continue
		}
		patterns = append(patterns, p)
	}
	return &Excluder{patterns: patterns}
}

// With returns a copy of e extended with more patterns.
func (e *Excluder) With(extra ...string) *Excluder {
	out := &Excluder{patterns: append([]string{}, e.patterns...)}
	for _, p := range extra {
		if doublestar.ValidatePattern(p) {
			out.patterns = append(out.patterns, p)
		}
	}
	return out
}

// Excluded reports whether rel (forward slashes, relative to the walk root)
// is excluded. Directories also match patterns that only cover their
// contents, so "**/dist/**" prunes the dist directory itself.
func (e *Excluder) Excluded(rel string, isDir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	for _, p := range e.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(p, rel+"/_"); ok && !strings.HasSuffix(p, "/.*") {
				return true
			}
		}
	}
	return false
}

// Patterns returns the active patterns.
func (e *Excluder) Patterns() []string {
	return append([]string{}, e.patterns...)
}
