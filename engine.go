package understory

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jward/understory/internal/config"
	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/manifest"
	"github.com/jward/understory/internal/parser"
	"github.com/jward/understory/internal/paths"
	"github.com/jward/understory/internal/program"
	"github.com/jward/understory/internal/rules"
	"github.com/jward/understory/internal/tsconfig"
	"github.com/jward/understory/internal/watch"
)

// Engine orchestrates analysis: store maintenance, parsing, program
// construction and rule evaluation. Safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	logger   *logrus.Logger
	log      *logrus.Entry
	parser   *parser.Engine
	registry *program.Registry
	// ownsRegistry is false when the registry was supplied with WithRegistry.
	ownsRegistry bool
	manifests    *manifest.Store
	tsconfigs    *tsconfig.Store
	excluder     *paths.Excluder
	// sourceExcluder also skips files that are never analysed, such as
	// declaration files.
	sourceExcluder *paths.Excluder
	rulesFS        fs.FS
	parallelism    int

	mu       sync.RWMutex
	ruleSet  *rules.RuleSet
	lastRoot string

	// results caches file results by content, rule set and context.
	results *lru.Cache[string, FileResult]
	// programs maps tsconfig paths to program ids for single-file analysis.
	programs *lru.Cache[string, string]
	builds   singleflight.Group

	runMu   sync.Mutex
	runSeq  uint64
	cancels map[uint64]context.CancelFunc

	gate rootGate
}

// rootGate admits any number of users of one analysis root at a time. The
// manifest and tsconfig stores hold state for a single root, so a user of
// another root waits until the current one has no users left.
type rootGate struct {
	mu    sync.Mutex
	root  string
	users int
	idle  chan struct{}
}

// enter blocks until root may be used and returns the matching release.
func (g *rootGate) enter(ctx context.Context, root string) (func(), error) {
	for {
		g.mu.Lock()
		if g.users == 0 || g.root == root {
			if g.users == 0 {
				g.root = root
				g.idle = make(chan struct{})
			}
			g.users++
			g.mu.Unlock()
			var once sync.Once
			return func() { once.Do(g.leave) }, nil
		}
		idle := g.idle
		g.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *rootGate) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.users--
	if g.users == 0 {
		close(g.idle)
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg *config.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger used by the engine and its stores.
func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithParallelism bounds the number of files analysed at once, overriding
// analysis.parallelism.
func WithParallelism(n int) Option {
	return func(e *Engine) { e.parallelism = n }
}

// WithRulesFS loads rule scripts from fsys instead of the embedded ones.
func WithRulesFS(fsys fs.FS) Option {
	return func(e *Engine) { e.rulesFS = fsys }
}

// WithRegistry shares a program registry. The Engine does not close it.
func WithRegistry(r *program.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithParser replaces the parse engine.
func WithParser(p *parser.Engine) Option {
	return func(e *Engine) { e.parser = p }
}

// New creates an Engine. Initialize must be called before any analysis.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{cancels: make(map[uint64]context.CancelFunc)}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg == nil {
		e.cfg = config.Default()
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("understory: %w", err)
	}
	if e.parallelism < 1 {
		e.parallelism = e.cfg.Analysis.Parallelism
	}
	e.log = logging.Component(e.logger, "engine")

	if e.parser == nil {
		e.parser = parser.New(
			parser.WithAllowTSParserForJS(e.cfg.Analysis.AllowTSParserForJS),
			parser.WithLogger(e.logger),
		)
	}
	if e.registry == nil {
		e.registry = program.NewRegistry(program.WithLogger(e.logger), program.WithParallelism(e.parallelism))
		e.ownsRegistry = true
	}
	e.manifests = manifest.NewStore(
		manifest.WithInvalidation(e.cfg.Analysis.ManifestInvalidation),
		manifest.WithLogger(e.logger),
	)
	e.tsconfigs = tsconfig.NewStore(
		tsconfig.WithExclusions(e.cfg.Analysis.Exclusions...),
		tsconfig.WithLogger(e.logger),
	)
	e.excluder = paths.NewExcluder(e.cfg.Analysis.Exclusions...)
	e.sourceExcluder = e.excluder.With(paths.SourceExclusions...)

	var err error
	e.results, err = lru.New[string, FileResult](e.cfg.Analysis.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("understory: result cache: %w", err)
	}
	e.programs, err = lru.NewWithEvict[string, string](e.cfg.Analysis.ProgramCacheSize, func(configPath, id string) {
		if err := e.registry.DeleteProgram(id); err == nil {
			e.log.WithFields(logrus.Fields{"tsconfig": configPath, "id": id}).Debug("evicted program")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("understory: program cache: %w", err)
	}
	return e, nil
}

// Initialize validates the rule configuration and activates it. It may be
// called again to replace the active rules; results cached under the
// previous rules are never reused.
func (e *Engine) Initialize(configs []RuleConfig) error {
	opts := []rules.Option{rules.WithLogger(e.logger)}
	if e.rulesFS != nil {
		opts = append(opts, rules.WithFS(e.rulesFS))
	}
	rs, err := rules.NewRuleSet(configs, opts...)
	if err != nil {
		return fmt.Errorf("understory: initialize: %w", err)
	}
	e.mu.Lock()
	e.ruleSet = rs
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"rules": rs.Len(), "typed": rs.Typed()}).Info("linter initialized")
	return nil
}

// Initialized reports whether Initialize has succeeded.
func (e *Engine) Initialized() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ruleSet != nil
}

func (e *Engine) activeRules() (*rules.RuleSet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.ruleSet == nil {
		return nil, &uerrors.LinterNotInitializedError{}
	}
	return e.ruleSet, nil
}

// Programs returns the program registry.
func (e *Engine) Programs() *program.Registry { return e.registry }

// TSConfigs returns the tsconfig store.
func (e *Engine) TSConfigs() *tsconfig.Store { return e.tsconfigs }

// Config returns the effective configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Close deletes cached programs and generated tsconfig files.
func (e *Engine) Close() error {
	e.Cancel()
	e.programs.Purge()
	if e.ownsRegistry {
		e.registry.Close()
	}
	return e.tsconfigs.Close()
}

// Cancel asks every active project run to stop dispatching files. It is a
// no-op when no run is active.
func (e *Engine) Cancel() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	for _, cancel := range e.cancels {
		cancel()
	}
	if len(e.cancels) > 0 {
		e.log.WithField("runs", len(e.cancels)).Info("analysis canceled")
	}
}

// ActiveRuns returns the number of project runs in progress.
func (e *Engine) ActiveRuns() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return len(e.cancels)
}

// ResetConfigs forgets discovered tsconfig files and the programs built
// from them. Use it when tsconfig files changed outside a watched root.
func (e *Engine) ResetConfigs() {
	e.tsconfigs.ClearCache()
	e.programs.Purge()
	e.log.Debug("tsconfig caches cleared")
}

// beginRun registers a cancelable run. The returned func unregisters it.
func (e *Engine) beginRun(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	e.runMu.Lock()
	e.runSeq++
	id := e.runSeq
	e.cancels[id] = cancel
	e.runMu.Unlock()
	return ctx, func() {
		e.runMu.Lock()
		delete(e.cancels, id)
		e.runMu.Unlock()
		cancel()
	}
}

// HandleFileEvents invalidates cached state affected by filesystem changes
// under the root of the last project run.
func (e *Engine) HandleFileEvents(events []watch.FileEvent) {
	if len(events) == 0 {
		return
	}
	var changed, created, all []string
	sources := false
	for _, ev := range events {
		p := paths.Normalize(ev.Path)
		all = append(all, p)
		if ev.Kind == watch.Created {
			created = append(created, p)
		} else {
			changed = append(changed, p)
		}
		if tsconfig.IsSourceFile(p) {
			sources = true
		}
	}

	e.mu.RLock()
	root := e.lastRoot
	e.mu.RUnlock()
	// The store may since have been built for another root by AnalyzeFile.
	// Leave that snapshot to its users.
	mcfg := manifest.Config{Root: root, ChangedFiles: all}
	if root != "" && e.manifests.IsInitialized(mcfg) && e.manifests.DirtyCachesIfNeeded(mcfg) {
		e.results.Purge()
	}
	configsDirty := e.tsconfigs.DirtyCachesIfNeeded(changed, created)
	if configsDirty || sources {
		// Programs index file contents, so any source change makes them stale.
		e.programs.Purge()
	}
	e.log.WithFields(logrus.Fields{"events": len(events), "root": root}).Debug("handled file events")
}

// AnalyzeFile analyses one file outside of a project run.
func (e *Engine) AnalyzeFile(ctx context.Context, in FileInput) (*FileResult, error) {
	rs, err := e.activeRules()
	if err != nil {
		return nil, err
	}
	path := paths.Normalize(in.Path)

	actx, release, err := e.fileContext(ctx, path, in)
	if err != nil {
		return nil, err
	}
	defer release()

	root := ""
	if in.Root != "" {
		root = paths.Normalize(in.Root)
		leave, err := e.gate.enter(ctx, root)
		if err != nil {
			return nil, err
		}
		defer leave()

		mcfg := manifest.Config{Root: root}
		if !e.manifests.IsInitialized(mcfg) {
			if err := e.manifests.Build(ctx, mcfg, e.excluder); err != nil {
				return nil, fmt.Errorf("understory: manifest store: %w", err)
			}
		}
	}

	item := workItem{
		path:     path,
		content:  in.Content,
		kind:     in.Kind,
		language: parser.Language(in.Language),
		status:   Changed,
		actx:     actx,
	}
	if paths.IsWithin(path, root) {
		item.root = root
	}
	res, err := e.analyzeItem(ctx, rs, item)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// fileContext picks the program a single file is analysed with. The release
// func must be called once the analysis is done.
func (e *Engine) fileContext(ctx context.Context, path string, in FileInput) (AnalysisContext, func(), error) {
	noop := func() {}
	if in.ProgramID != "" {
		p, release, err := e.registry.Acquire(in.ProgramID)
		if err != nil {
			return Untyped(), noop, err
		}
		return Typed(p), release, nil
	}
	for _, cfgPath := range in.TSConfigs {
		p, release, err := e.programFor(ctx, cfgPath)
		if err != nil {
			return Untyped(), noop, err
		}
		if p.HasFile(path) {
			return Typed(p), release, nil
		}
		release()
	}
	return Untyped(), noop, nil
}

// programFor returns the cached program of a tsconfig, building it at most
// once however many callers ask concurrently. The program is held until the
// returned release func is called.
func (e *Engine) programFor(ctx context.Context, configPath string) (*program.Program, func(), error) {
	configPath = paths.Normalize(configPath)
	for attempt := 0; attempt < 2; attempt++ {
		if id, ok := e.programs.Get(configPath); ok {
			if p, release, err := e.registry.Acquire(id); err == nil {
				return p, release, nil
			}
			e.programs.Remove(configPath)
		}
		v, err, _ := e.builds.Do(configPath, func() (any, error) {
			if id, ok := e.programs.Peek(configPath); ok {
				return id, nil
			}
			p, err := e.registry.CreateProgram(ctx, configPath)
			if err != nil {
				return "", err
			}
			e.programs.Add(configPath, p.ID())
			return p.ID(), nil
		})
		if err != nil {
			return nil, nil, err
		}
		if p, release, err := e.registry.Acquire(v.(string)); err == nil {
			return p, release, nil
		}
	}
	return nil, nil, &uerrors.ProgramNotFoundError{ID: configPath}
}

// readContent returns the caller-supplied content or reads path from disk.
func readContent(path string, content *string) ([]byte, error) {
	if content != nil {
		return []byte(*content), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
