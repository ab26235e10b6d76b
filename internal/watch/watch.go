// Package watch reports filesystem changes under a root as debounced
// batches of file events.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/paths"
)

// Kind is what happened to a file.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Removed  Kind = "removed"
)

// FileEvent is one changed path within a batch.
type FileEvent struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// Watcher watches every non-excluded directory under a root.
type Watcher struct {
	root     string
	excluder *paths.Excluder
	debounce time.Duration
	onBatch  func([]FileEvent)
	log      *logrus.Entry

	fsw     *fsnotify.Watcher
	pending map[string]Kind
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets how long the watcher waits for quiet before delivering
// a batch. Defaults to 200ms.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExclusions adds doublestar patterns to the default exclusions.
func WithExclusions(patterns ...string) Option {
	return func(w *Watcher) { w.excluder = paths.NewExcluder(patterns...) }
}

func WithLogger(l *logrus.Logger) Option {
	return func(w *Watcher) { w.log = logging.Component(l, "watch") }
}

// New starts watching root. onBatch is called from a single goroutine, one
// batch at a time, with events sorted by path.
func New(root string, onBatch func([]FileEvent), opts ...Option) (*Watcher, error) {
	w := &Watcher{
		root:     paths.Normalize(root),
		excluder: paths.NewExcluder(),
		debounce: 200 * time.Millisecond,
		onBatch:  onBatch,
		log:      logging.Component(nil, "watch"),
		pending:  make(map[string]Kind),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w.fsw = fsw
	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	w.log.WithField("root", w.root).Info("watching for changes")
	return w, nil
}

// Close stops the watcher. Pending events are dropped.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
	})
	return err
}

// addTree watches dir and every non-excluded directory below it.
func (w *Watcher) addTree(dir string) error {
	visited := map[string]bool{}
	return filepath.WalkDir(filepath.FromSlash(dir), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == filepath.FromSlash(dir) {
				return fmt.Errorf("watch: %w", err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluder.Excluded(paths.Rel(w.root, paths.Normalize(p)), true) {
			return filepath.SkipDir
		}
		real, err := filepath.EvalSymlinks(p)
		if err != nil || visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true
		if err := w.fsw.Add(p); err != nil {
			w.log.WithError(err).WithField("dir", p).Warn("cannot watch directory")
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.record(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("watcher error")
		case <-timer.C:
			w.flush()
		}
	}
}

// record adds ev to the pending batch and reports whether it was kept.
func (w *Watcher) record(ev fsnotify.Event) bool {
	p := paths.Normalize(ev.Name)
	rel := paths.Rel(w.root, p)

	var kind Kind
	switch {
	case ev.Has(fsnotify.Create):
		kind = Created
	case ev.Has(fsnotify.Write):
		kind = Modified
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = Removed
	default:
		return false
	}

	if kind == Created {
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			if w.excluder.Excluded(rel, true) {
				return false
			}
			if err := w.addTree(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				w.log.WithError(err).WithField("dir", p).Warn("cannot watch new directory")
			}
			return false
		}
	}
	if w.excluder.Excluded(rel, false) {
		return false
	}

	switch prev, seen := w.pending[p]; {
	case !seen, kind == Removed:
		w.pending[p] = kind
	case prev == Removed && kind == Created:
		w.pending[p] = Modified
	}
	return true
}

func (w *Watcher) flush() {
	if len(w.pending) == 0 {
		return
	}
	batch := make([]FileEvent, 0, len(w.pending))
	for p, k := range w.pending {
		batch = append(batch, FileEvent{Path: p, Kind: k})
	}
	w.pending = make(map[string]Kind)
	sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
	w.log.WithField("events", len(batch)).Debug("delivering batch")
	w.onBatch(batch)
}
