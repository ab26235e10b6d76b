// Package tsconfig discovers and caches the tsconfig files that define
// typed analysis scopes under an analysis root.
package tsconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jward/understory/internal/cache"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/paths"
)

// FileName is the configuration file name looked up during discovery.
const FileName = "tsconfig.json"

// Origin records how a ConfigEntry was obtained.
type Origin string

const (
	OriginProperty Origin = "property" // caller-provided path
	OriginLookup   Origin = "lookup"   // discovered by walking the root
	OriginFallback Origin = "fallback" // generated for configless files
)

// ConfigEntry is one resolved tsconfig.
type ConfigEntry struct {
	Path   string `json:"path"`
	Origin Origin `json:"origin"`
}

// Store resolves tsconfig files for a root. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	excluder  *paths.Excluder
	log       *logrus.Entry
	cacheKey  string
	configs   []ConfigEntry
	cached    bool
	configDir map[string]string
	byDir     *cache.DirectoryCache[cache.ScopedKey, string]
	tempFiles []string
}

// Option configures a Store.
type Option func(*Store)

// WithExclusions adds doublestar patterns to the default exclusions.
func WithExclusions(patterns ...string) Option {
	return func(s *Store) { s.excluder = paths.NewExcluder(patterns...) }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = logging.Component(l, "tsconfig") }
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		excluder:  paths.NewExcluder(),
		log:       logging.Component(nil, "tsconfig"),
		configDir: make(map[string]string),
		byDir:     cache.New[cache.ScopedKey, string](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Discover walks root in lexical order and returns every tsconfig.json not
// under an excluded directory. A root that does not exist yields nil.
func (s *Store) Discover(ctx context.Context, root string) ([]ConfigEntry, error) {
	root = paths.Normalize(root)
	var out []ConfigEntry
	err := filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		np := paths.Normalize(p)
		rel := paths.Rel(root, np)
		if d.IsDir() {
			if s.excluder.Excluded(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == FileName && !s.excluder.Excluded(rel, false) {
			out = append(out, ConfigEntry{Path: np, Origin: OriginLookup})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveOverrides validates caller-provided paths, relative paths being
// taken from root. Missing or unreadable entries are dropped with a warning.
// Order is preserved.
func (s *Store) ResolveOverrides(overrides []string, root string) []ConfigEntry {
	root = paths.Normalize(root)
	var out []ConfigEntry
	seen := map[string]bool{}
	for _, o := range overrides {
		p := o
		if !filepath.IsAbs(filepath.FromSlash(p)) {
			p = paths.Join(root, o)
		} else {
			p = paths.Normalize(p)
		}
		f, err := os.Open(filepath.FromSlash(p))
		if err != nil {
			s.log.WithField("path", p).Warn("provided tsconfig does not exist or is not readable, ignoring it")
			continue
		}
		info, statErr := f.Stat()
		f.Close()
		if statErr != nil || info.IsDir() {
			s.log.WithField("path", p).Warn("provided tsconfig is not a file, ignoring it")
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, ConfigEntry{Path: p, Origin: OriginProperty})
	}
	return out
}

// GetConfigs returns the resolved list for root: the valid overrides when
// any remain, discovery otherwise. The result is cached until ClearCache.
func (s *Store) GetConfigs(ctx context.Context, root string, overrides []string) ([]ConfigEntry, error) {
	root = paths.Normalize(root)
	key := root + "\x00" + strings.Join(overrides, "\x00")

	s.mu.RLock()
	if s.cached && s.cacheKey == key {
		out := slices.Clone(s.configs)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	configs := s.ResolveOverrides(overrides, root)
	if len(configs) == 0 {
		if len(overrides) > 0 {
			s.log.Warn("none of the provided tsconfig files could be used, falling back to discovery")
		}
		var err error
		configs, err = s.Discover(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("discover tsconfig files: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheKey = key
	s.configs = configs
	s.cached = true
	s.configDir = make(map[string]string, len(configs))
	for _, c := range configs {
		dir := paths.Dir(c.Path)
		if _, ok := s.configDir[dir]; !ok {
			s.configDir[dir] = c.Path
		}
	}
	s.byDir.Clear()
	s.log.WithFields(logrus.Fields{"root": root, "count": len(configs)}).Debug("resolved tsconfig files")
	return slices.Clone(configs), nil
}

// ConfigForFile returns the closest cached tsconfig above file within root,
// or "" when none applies. GetConfigs must have run for root.
func (s *Store) ConfigForFile(file, root string) string {
	file = paths.Normalize(file)
	root = paths.Normalize(root)
	s.mu.Lock()
	defer s.mu.Unlock()
	var lookup func(dir string) string
	lookup = func(dir string) string {
		return s.byDir.Get(cache.ScopedKey{Dir: dir, Scope: root}, func() string {
			if c, ok := s.configDir[dir]; ok {
				return c
			}
			if dir == root || !paths.IsWithin(dir, root) {
				return ""
			}
			return lookup(paths.Dir(dir))
		})
	}
	return lookup(paths.Dir(file))
}

// ClearCache forgets the resolved list and every per-file lookup.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = false
	s.configs = nil
	s.configDir = make(map[string]string)
	s.byDir.Clear()
}

// DirtyCachesIfNeeded clears caches affected by filesystem changes: any
// tsconfig change drops everything, a created JS/TS file drops the per-file
// lookups. It reports whether something was cleared.
func (s *Store) DirtyCachesIfNeeded(changed, created []string) bool {
	for _, p := range append(slices.Clone(changed), created...) {
		if filepath.Base(p) == FileName || isExtendedConfig(p) {
			s.log.WithField("path", p).Debug("tsconfig changed, clearing cache")
			s.ClearCache()
			return true
		}
	}
	for _, p := range created {
		if IsSourceFile(p) {
			s.mu.Lock()
			s.byDir.Clear()
			s.mu.Unlock()
			return true
		}
	}
	return false
}

func isExtendedConfig(p string) bool {
	base := filepath.Base(p)
	return strings.HasPrefix(base, "tsconfig") && strings.HasSuffix(base, ".json")
}

// JS and TS file extensions.
var (
	JSExtensions = []string{".js", ".mjs", ".cjs", ".jsx", ".vue"}
	TSExtensions = []string{".ts", ".mts", ".cts", ".tsx"}
)

// IsSourceFile reports whether p has a JS or TS extension.
func IsSourceFile(p string) bool {
	ext := strings.ToLower(filepath.Ext(p))
	return slices.Contains(JSExtensions, ext) || slices.Contains(TSExtensions, ext)
}

// WriteFallback writes a generated tsconfig that lists files explicitly and
// allows JavaScript. The file lives until Remove or Close.
func (s *Store) WriteFallback(files []string) (ConfigEntry, error) {
	sorted := slices.Clone(files)
	sort.Strings(sorted)
	p, err := s.WriteConfig(map[string]any{
		"compilerOptions": map[string]any{"allowJs": true, "noImplicitAny": true},
		"files":           sorted,
	})
	if err != nil {
		return ConfigEntry{}, err
	}
	return ConfigEntry{Path: p, Origin: OriginFallback}, nil
}

// WriteConfig writes arbitrary tsconfig content to a temporary file and
// returns its normalized path. The file lives until Remove or Close.
func (s *Store) WriteConfig(content any) (string, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("encode tsconfig: %w", err)
	}
	f, err := os.CreateTemp("", "understory-tsconfig-*.json")
	if err != nil {
		return "", fmt.Errorf("create temp tsconfig: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp tsconfig: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp tsconfig: %w", err)
	}
	s.mu.Lock()
	s.tempFiles = append(s.tempFiles, f.Name())
	s.mu.Unlock()
	return paths.Normalize(f.Name()), nil
}

// Remove deletes a file written by WriteConfig or WriteFallback. Paths the
// store did not generate are left alone.
func (s *Store) Remove(path string) error {
	path = paths.Normalize(path)
	s.mu.Lock()
	idx := slices.IndexFunc(s.tempFiles, func(f string) bool { return paths.Normalize(f) == path })
	if idx < 0 {
		s.mu.Unlock()
		return nil
	}
	name := s.tempFiles[idx]
	s.tempFiles = slices.Delete(s.tempFiles, idx, idx+1)
	s.mu.Unlock()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temp tsconfig: %w", err)
	}
	return nil
}

// Generated returns how many generated files are currently on disk.
func (s *Store) Generated() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tempFiles)
}

// Close removes generated tsconfig files.
func (s *Store) Close() error {
	s.mu.Lock()
	files := s.tempFiles
	s.tempFiles = nil
	s.mu.Unlock()
	var firstErr error
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
