// Package program builds and tracks analysis programs: the file sets
// defined by tsconfig files, each with an in-memory declaration index used
// for typed rule checks.
package program

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/parser"
	"github.com/jward/understory/internal/store"
)

// Registry owns every live program, keyed by id.
type Registry struct {
	mu          sync.Mutex
	programs    map[string]*Program
	parallelism int
	readFile    func(string) ([]byte, error)
	log         *logrus.Entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option {
	return func(r *Registry) { r.log = logging.Component(l, "program") }
}

// WithParallelism bounds the number of files indexed at once.
func WithParallelism(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithReadFile replaces os.ReadFile for source files.
func WithReadFile(fn func(string) ([]byte, error)) Option {
	return func(r *Registry) { r.readFile = fn }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		programs:    make(map[string]*Program),
		parallelism: runtime.NumCPU(),
		readFile:    os.ReadFile,
		log:         logging.Component(nil, "program"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateProgram resolves configPath, indexes its root files and registers
// the result under a fresh id. A malformed config yields a
// ConfigSyntaxError, an invalid one a ConfigSemanticError.
func (r *Registry) CreateProgram(ctx context.Context, configPath string) (*Program, error) {
	rc, err := resolveConfig(configPath)
	if err != nil {
		return nil, err
	}
	files, err := rootFiles(rc)
	if err != nil {
		return nil, err
	}

	s, err := store.NewStore(store.MemoryDSN)
	if err != nil {
		return nil, fmt.Errorf("program: open index: %w", err)
	}
	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("program: %w", err)
	}

	p := &Program{
		handle: Handle{
			ID:                uuid.NewString(),
			ConfigPath:        rc.Path,
			RootFiles:         files,
			ProjectReferences: rc.References,
			MissingTsConfig:   rc.Missing,
		},
		options: rc.Options,
		store:   s,
		files:   make(map[string]int64, len(files)),
	}
	if p.handle.ProjectReferences == nil {
		p.handle.ProjectReferences = []string{}
	}
	if err := r.index(ctx, p); err != nil {
		s.Close()
		return nil, err
	}
	p.refs.Store(1)

	r.mu.Lock()
	r.programs[p.handle.ID] = p
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"id":       p.handle.ID,
		"tsconfig": rc.Path,
		"files":    len(files),
	}).Debug("created program")
	return p, nil
}

// Index metadata keys.
const (
	metaTSConfig    = "tsconfig"
	metaFingerprint = "fingerprint"
)

// indexItem is one file moving through the three indexing phases.
type indexItem struct {
	path   string
	fileID int64
	batch  *store.BatchedStore
	hash   uint64
	lines  int
	err    error
}

// index fills the program store: file rows are inserted serially, files are
// read, parsed and extracted in parallel into per-file batches, then the
// batches are committed serially in path order.
func (r *Registry) index(ctx context.Context, p *Program) error {
	items := make([]*indexItem, 0, len(p.handle.RootFiles))
	for _, f := range p.handle.RootFiles {
		lang := string(parser.JS)
		if l, ok := parser.LanguageForFile(f); ok {
			lang = string(l)
		}
		id, err := p.store.InsertFile(&store.File{Path: f, Language: lang})
		if err != nil {
			return fmt.Errorf("program: %w", err)
		}
		p.files[f] = id
		items = append(items, &indexItem{path: f, fileID: id, batch: store.NewBatchedStore()})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, it := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			it.err = r.extractFile(gctx, it)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	sums := make([]string, 0, len(items))
	for _, it := range items {
		if it.err != nil {
			r.log.WithFields(logrus.Fields{"path": it.path, "error": it.err}).Debug("file not indexed")
			continue
		}
		if err := p.store.CommitBatch(it.batch); err != nil {
			return fmt.Errorf("program: commit %s: %w", it.path, err)
		}
		hash := strconv.FormatUint(it.hash, 16)
		if err := p.store.UpdateFileStats(it.fileID, hash, it.lines); err != nil {
			return fmt.Errorf("program: %w", err)
		}
		sums = append(sums, it.path+":"+hash)
	}
	sort.Strings(sums)
	var buf bytes.Buffer
	for _, s := range sums {
		buf.WriteString(s)
		buf.WriteByte('\n')
	}
	p.fingerprint = strconv.FormatUint(xxh3.Hash(buf.Bytes()), 16)
	if err := p.store.SetMetadata(metaTSConfig, p.handle.ConfigPath); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	if err := p.store.SetMetadata(metaFingerprint, p.fingerprint); err != nil {
		return fmt.Errorf("program: %w", err)
	}
	return nil
}

func (r *Registry) extractFile(ctx context.Context, it *indexItem) error {
	src, err := r.readFile(filepath.FromSlash(it.path))
	if err != nil {
		return err
	}
	it.hash = xxh3.Hash(src)
	it.lines = bytes.Count(src, []byte("\n")) + 1

	lang, ok := parser.Grammar(parser.IndexGrammar(it.path))
	if !ok {
		return fmt.Errorf("no grammar for %s", it.path)
	}
	sp := sitter.NewParser()
	defer sp.Close()
	sp.SetLanguage(lang)
	tree, err := sp.ParseCtx(ctx, nil, src)
	if err != nil {
		return err
	}
	defer tree.Close()
	return extractDeclarations(tree.RootNode(), src, it.fileID, it.batch)
}

// GetProgramByID returns a registered program.
func (r *Registry) GetProgramByID(id string) (*Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs[id]
	if !ok {
		return nil, &uerrors.ProgramNotFoundError{ID: id}
	}
	return p, nil
}

// Acquire returns a program and a release func. The program's index stays
// open until every acquirer has released it, even if it is deleted
// meanwhile. Release is idempotent.
func (r *Registry) Acquire(id string) (*Program, func(), error) {
	r.mu.Lock()
	p, ok := r.programs[id]
	if ok {
		p.refs.Add(1)
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil, &uerrors.ProgramNotFoundError{ID: id}
	}
	var once sync.Once
	return p, func() { once.Do(func() { r.release(p) }) }, nil
}

func (r *Registry) release(p *Program) {
	if p.refs.Add(-1) == 0 {
		if err := p.close(); err != nil {
			r.log.WithFields(logrus.Fields{"id": p.handle.ID, "error": err}).Warn("closing program index failed")
		}
	}
}

// DeleteProgram unregisters id immediately.
func (r *Registry) DeleteProgram(id string) error {
	r.mu.Lock()
	p, ok := r.programs[id]
	delete(r.programs, id)
	r.mu.Unlock()
	if !ok {
		return &uerrors.ProgramNotFoundError{ID: id}
	}
	r.release(p)
	r.log.WithField("id", id).Debug("deleted program")
	return nil
}

// IDs returns the ids of registered programs, sorted.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.programs))
	for id := range r.programs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.programs)
}

// Close deletes every program.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		_ = r.DeleteProgram(id)
	}
}
