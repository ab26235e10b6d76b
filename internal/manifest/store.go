// Package manifest resolves, for any directory under an analysis root, the
// set of dependency names declared by its enclosing package.json chain.
//
// A Store is rebuilt in stages: Setup opens a pending snapshot,
// ProcessDirectory and ProcessFile fill it, PostProcess computes the
// closest-manifest map and swaps the snapshot in. Readers only ever see a
// complete snapshot, so an aborted rebuild leaves the previous one intact.
package manifest

import (
	"maps"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jward/understory/internal/cache"
	"github.com/jward/understory/internal/config"
	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/paths"
)

const storeName = "manifest store"

// Config identifies the root a store is built for and the files that changed
// since the previous run.
type Config struct {
	Root         string
	ChangedFiles []string
}

// Stats counts store activity.
type Stats struct {
	ManifestReads int
	Rebuilds      int
	Clears        int
}

// Store is the directory-scoped manifest cache. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	current  *snapshot
	pending  *snapshot
	policy   string
	readFile func(string) ([]byte, error)
	log      *logrus.Entry
	stats    Stats
}

// Option configures a Store.
type Option func(*Store)

// WithReadFile replaces os.ReadFile for manifest reads.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(s *Store) { s.readFile = fn }
}

// WithInvalidation selects config.InvalidateFull or config.InvalidateSubtree.
func WithInvalidation(policy string) Option {
	return func(s *Store) { s.policy = policy }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = logging.Component(l, "manifest") }
}

// NewStore returns an uninitialized Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		policy:   config.InvalidateFull,
		readFile: os.ReadFile,
		log:      logging.Component(nil, "manifest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type snapshot struct {
	root      string
	parents   map[string]string
	manifests map[string]*Manifest
	closest   *cache.DirectoryCache[string, string]
	deps      *cache.DirectoryCache[string, DependencySet]
}

func newSnapshot(root string) *snapshot {
	return &snapshot{
		root:      root,
		parents:   make(map[string]string),
		manifests: make(map[string]*Manifest),
		closest:   cache.New[string, string](),
		deps:      cache.New[string, DependencySet](),
	}
}

// IsInitialized reports whether a complete snapshot exists for cfg.Root.
func (s *Store) IsInitialized(cfg Config) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil && s.current.root == paths.Normalize(cfg.Root)
}

// Setup records the analysis root and opens a pending snapshot for it. A
// snapshot left from a different root is dropped immediately.
func (s *Store) Setup(cfg Config) {
	root := paths.Normalize(cfg.Root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil && s.current.root != root {
		s.log.WithFields(logrus.Fields{"old_root": s.current.root, "new_root": root}).Debug("root changed, clearing cache")
		s.current = nil
		s.stats.Clears++
	}
	s.pending = newSnapshot(root)
}

// ProcessDirectory records dir's parent edge. Idempotent.
func (s *Store) ProcessDirectory(dir string) {
	dir = paths.Normalize(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || !paths.IsWithin(dir, s.pending.root) || dir == s.pending.root {
		return
	}
	s.pending.parents[dir] = paths.Dir(dir)
}

// ProcessFile parses path when it is a manifest. Parse failures are logged
// and the file is skipped.
func (s *Store) ProcessFile(path string, _ Config) {
	path = paths.Normalize(path)
	if !IsManifest(path) {
		return
	}
	m, err := s.load(path)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Warn("skipping unreadable manifest")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || !paths.IsWithin(path, s.pending.root) {
		return
	}
	s.pending.manifests[m.Dir] = m
}

func (s *Store) load(path string) (*Manifest, error) {
	data, err := s.readFile(path)
	s.mu.Lock()
	s.stats.ManifestReads++
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// PostProcess resolves the closest manifest of every recorded directory,
// aggregates dependency sets, and publishes the pending snapshot.
func (s *Store) PostProcess(_ Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.pending
	if snap == nil {
		return &uerrors.UninitializedStoreError{Store: storeName}
	}
	dirs := make([]string, 0, len(snap.parents)+1)
	dirs = append(dirs, snap.root)
	for dir := range snap.parents {
		dirs = append(dirs, dir)
	}
	for _, dir := range dirs {
		if m := snap.closestManifest(dir); m != "" {
			snap.dependenciesOf(m)
		}
	}
	s.current = snap
	s.pending = nil
	s.stats.Rebuilds++
	s.log.WithFields(logrus.Fields{
		"root":        snap.root,
		"directories": len(dirs),
		"manifests":   len(snap.manifests),
	}).Debug("manifest snapshot published")
	return nil
}

// Abort drops a pending snapshot. The published snapshot is untouched.
func (s *Store) Abort() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// DirtyCachesIfNeeded clears cached state invalidated by a root change or by
// a changed manifest. It reports whether anything was cleared.
func (s *Store) DirtyCachesIfNeeded(cfg Config) bool {
	root := paths.Normalize(cfg.Root)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return false
	}
	if s.current.root != root {
		s.current = nil
		s.stats.Clears++
		return true
	}
	var changed []string
	for _, f := range cfg.ChangedFiles {
		f = paths.Normalize(f)
		if IsManifest(f) && paths.IsWithin(f, root) {
			changed = append(changed, f)
		}
	}
	if len(changed) == 0 {
		return false
	}
	if s.policy != config.InvalidateSubtree {
		s.log.WithField("manifests", changed).Debug("manifest changed, clearing cache")
		s.current = nil
		s.stats.Clears++
		return true
	}
	s.current = s.current.withReloaded(changed, s.reloadLocked)
	return true
}

// reloadLocked re-reads a manifest while s.mu is held.
func (s *Store) reloadLocked(path string) *Manifest {
	s.stats.ManifestReads++
	data, err := s.readFile(path)
	if err != nil {
		return nil
	}
	m, err := Parse(path, data)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Warn("skipping unreadable manifest")
		return nil
	}
	return m
}

// GetDependencies returns the aggregated dependency names for dir's closest
// manifest, or an empty set when there is none. The set is a copy. A dir
// outside the published root fails like an uninitialized store: the
// snapshot knows nothing about it.
func (s *Store) GetDependencies(dir string) (DependencySet, error) {
	dir = paths.Normalize(dir)

	s.mu.RLock()
	snap := s.current
	if snap == nil || !paths.IsWithin(dir, snap.root) {
		s.mu.RUnlock()
		return nil, &uerrors.UninitializedStoreError{Store: storeName}
	}
	if m, ok := snap.closest.Peek(dir); ok {
		if m == "" {
			s.mu.RUnlock()
			return DependencySet{}, nil
		}
		if deps, ok := snap.deps.Peek(m); ok {
			s.mu.RUnlock()
			return maps.Clone(deps), nil
		}
	}
	s.mu.RUnlock()

	// Slow path for directories the walk never saw.
	s.mu.Lock()
	defer s.mu.Unlock()
	snap = s.current
	if snap == nil || !paths.IsWithin(dir, snap.root) {
		return nil, &uerrors.UninitializedStoreError{Store: storeName}
	}
	m := snap.closestManifest(dir)
	if m == "" {
		return DependencySet{}, nil
	}
	return maps.Clone(snap.dependenciesOf(m)), nil
}

// ManifestDir returns the directory of dir's closest manifest, or "".
func (s *Store) ManifestDir(dir string) (string, error) {
	dir = paths.Normalize(dir)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !paths.IsWithin(dir, s.current.root) {
		return "", &uerrors.UninitializedStoreError{Store: storeName}
	}
	return s.current.closestManifest(dir), nil
}

// Stats returns activity counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// closestManifest walks up from dir, through recorded parent edges first and
// lexical parents otherwise, stopping at the root.
func (snap *snapshot) closestManifest(dir string) string {
	return snap.closest.Get(dir, func() string {
		if _, ok := snap.manifests[dir]; ok {
			return dir
		}
		if dir == snap.root || !paths.IsWithin(dir, snap.root) {
			return ""
		}
		parent, ok := snap.parents[dir]
		if !ok {
			parent = paths.Dir(dir)
		}
		return snap.closestManifest(parent)
	})
}

// dependenciesOf aggregates the names declared by the manifest in dir, by
// the manifests of its ancestors within the root, and by local manifests
// it links to.
func (snap *snapshot) dependenciesOf(dir string) DependencySet {
	return snap.deps.Get(dir, func() DependencySet {
		out := DependencySet{}
		visited := map[string]bool{}
		for d := dir; d != ""; {
			snap.collect(d, out, visited)
			if d == snap.root {
				break
			}
			d = snap.closestManifest(paths.Dir(d))
		}
		return out
	})
}

func (snap *snapshot) collect(dir string, out DependencySet, visited map[string]bool) {
	if visited[dir] {
		return
	}
	visited[dir] = true
	m, ok := snap.manifests[dir]
	if !ok {
		return
	}
	for name, spec := range m.Dependencies {
		out[name] = struct{}{}
		if strings.HasPrefix(name, "@types/") {
			out[typesPackage(name)] = struct{}{}
		}
		if target, ok := localLinkTarget(m.Dir, spec); ok {
			snap.collect(target, out, visited)
		}
		if strings.HasPrefix(spec, "workspace:") {
			if ws := snap.workspaceByName(name); ws != "" {
				snap.collect(ws, out, visited)
			}
		}
	}
}

// typesPackage maps "@types/node" to "node" and "@types/babel__core" to
// "@babel/core".
func typesPackage(name string) string {
	bare := strings.TrimPrefix(name, "@types/")
	if scope, pkg, ok := strings.Cut(bare, "__"); ok {
		return "@" + scope + "/" + pkg
	}
	return bare
}

// workspaceByName finds the workspace package called name declared by the
// root manifest's workspace globs.
func (snap *snapshot) workspaceByName(name string) string {
	root, ok := snap.manifests[snap.root]
	if !ok || len(root.Workspaces) == 0 {
		return ""
	}
	for dir, m := range snap.manifests {
		if m.Name != name || dir == snap.root {
			continue
		}
		if matchesWorkspace(root.Workspaces, paths.Rel(snap.root, dir)) {
			return dir
		}
	}
	return ""
}

// withReloaded returns a copy of snap where the changed manifests are
// re-read and only lookups under their directories (plus manifests linking
// to them) are dropped.
func (snap *snapshot) withReloaded(changed []string, reload func(string) *Manifest) *snapshot {
	next := newSnapshot(snap.root)
	for k, v := range snap.parents {
		next.parents[k] = v
	}
	for k, v := range snap.manifests {
		next.manifests[k] = v
	}
	dirty := map[string]bool{}
	for _, path := range changed {
		dir := paths.Dir(path)
		dirty[dir] = true
		if m := reload(path); m != nil {
			next.manifests[dir] = m
		} else {
			delete(next.manifests, dir)
		}
	}
	under := func(k string) bool {
		for d := range dirty {
			if paths.IsWithin(k, d) {
				return true
			}
		}
		return false
	}
	for grew := true; grew; {
		grew = false
		for dir := range snap.manifests {
			if !dirty[dir] && snap.linksInto(dir, dirty) {
				dirty[dir] = true
				grew = true
			}
		}
	}
	for dir := range snap.parents {
		if !under(dir) {
			if m, ok := snap.closest.Peek(dir); ok {
				next.closest.Set(dir, m)
			}
		}
	}
	for dir := range snap.manifests {
		if under(dir) {
			continue
		}
		if deps, ok := snap.deps.Peek(dir); ok {
			next.deps.Set(dir, deps)
		}
	}
	return next
}

// linksInto reports whether the manifest in dir links to any dirty
// directory, directly or through workspace: specifiers.
func (snap *snapshot) linksInto(dir string, dirty map[string]bool) bool {
	m, ok := snap.manifests[dir]
	if !ok {
		return false
	}
	for name, spec := range m.Dependencies {
		if target, ok := localLinkTarget(m.Dir, spec); ok && dirty[target] {
			return true
		}
		if strings.HasPrefix(spec, "workspace:") {
			if ws := snap.workspaceByName(name); ws != "" && dirty[ws] {
				return true
			}
		}
	}
	return false
}
