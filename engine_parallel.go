package understory

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/manifest"
	"github.com/jward/understory/internal/parser"
	"github.com/jward/understory/internal/paths"
	"github.com/jward/understory/internal/rules"
	"github.com/jward/understory/internal/tsconfig"
)

// workItem holds everything a worker needs to analyse one file.
type workItem struct {
	path     string
	content  *string
	kind     FileKind
	language parser.Language
	status   FileStatus
	actx     AnalysisContext
	// root enables dependency lookups; empty for standalone files.
	root string
}

// projectRun collects the results of one AnalyzeProject call.
type projectRun struct {
	engine *Engine
	rules  *rules.RuleSet
	stream chan<- FileResult
	log    *logrus.Entry

	mu     sync.Mutex
	result *RunResult
}

// AnalyzeProject analyses every file of a project in three phases:
//
//	Phase A (serial):   Dirty and rebuild the manifest and tsconfig stores.
//	Phase B (parallel): Per program scope, then for the remaining files,
//	                    parse and check each file on a bounded worker pool.
//	Phase C (serial):   Collect results as they complete, streaming each
//	                    one to stream when it is non-nil.
//
// A parse failure is recorded on its file and the run continues. A store
// failure ends the run with StatusFailed and is also returned. After Cancel
// (or when ctx is done) no new file is started, files in flight finish and
// the run ends with StatusCanceled. The caller owns stream and must keep
// draining it until AnalyzeProject returns.
//
// Runs on the same root may overlap. A run on another root waits until the
// current root's runs and single-file analyses have finished.
func (e *Engine) AnalyzeProject(ctx context.Context, in ProjectInput, stream chan<- FileResult) (*RunResult, error) {
	rs, err := e.activeRules()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	root := paths.Normalize(in.Root)
	ctx, done := e.beginRun(ctx)
	defer done()

	run := &projectRun{
		engine: e,
		rules:  rs,
		stream: stream,
		log:    e.log.WithField("root", root),
		result: &RunResult{Root: root, Status: StatusCompleted, Files: []FileResult{}},
	}

	leave, err := e.gate.enter(ctx, root)
	if err != nil {
		return run.stop(ctx, start, err)
	}
	defer leave()

	// ---- Phase A: Serial store preparation ----
	items, err := e.prepareRun(ctx, root, in)
	if err != nil {
		return run.stop(ctx, start, err)
	}

	// ---- Phase B + C: Parallel analysis, typed scopes first ----
	pending := items
	if rs.Typed() && !in.SkipTypes {
		pending, err = run.analyzeTyped(ctx, root, in.TSConfigs, items)
		if err != nil {
			return run.stop(ctx, start, err)
		}
	}
	if err := run.analyze(ctx, pending); err != nil {
		return run.stop(ctx, start, err)
	}
	return run.stop(ctx, start, nil)
}

// prepareRun brings the stores up to date for root and returns the work
// items in submission order.
func (e *Engine) prepareRun(ctx context.Context, root string, in ProjectInput) ([]workItem, error) {
	records := in.Files
	discovered := len(records) == 0
	if discovered {
		var err error
		records, err = e.discoverFiles(root)
		if err != nil {
			return nil, err
		}
	}

	var changed, created []string
	items := make([]workItem, 0, len(records))
	for _, rec := range records {
		p := rec.Path
		if !filepath.IsAbs(filepath.FromSlash(p)) {
			p = filepath.Join(filepath.FromSlash(root), p)
		}
		p = paths.Normalize(p)
		status := rec.Status
		switch status {
		case Same:
		case Added:
			created = append(created, p)
		default:
			status = Changed
			changed = append(changed, p)
		}
		// Non-source records such as manifests only invalidate caches.
		lang := parser.Language(rec.Language)
		if lang == "" {
			var ok bool
			if lang, ok = parser.LanguageForFile(p); !ok {
				continue
			}
		}
		kind := rec.Kind
		if kind == "" {
			kind = kindForPath(paths.Rel(root, p))
		}
		it := workItem{
			path:     p,
			content:  rec.Content,
			kind:     kind,
			language: lang,
			status:   status,
			actx:     Untyped(),
		}
		// Files outside the root get no dependency information.
		if paths.IsWithin(p, root) {
			it.root = root
		}
		items = append(items, it)
	}

	e.mu.Lock()
	e.lastRoot = root
	e.mu.Unlock()

	mcfg := manifest.Config{Root: root, ChangedFiles: append(append([]string{}, changed...), created...)}
	if e.manifests.DirtyCachesIfNeeded(mcfg) {
		e.results.Purge()
	}
	e.tsconfigs.DirtyCachesIfNeeded(changed, created)
	if discovered {
		// Without statuses nothing tells us which manifests changed.
		e.tsconfigs.ClearCache()
		e.results.Purge()
	}
	if discovered || !e.manifests.IsInitialized(mcfg) {
		if err := e.manifests.Build(ctx, mcfg, e.excluder); err != nil {
			return nil, fmt.Errorf("understory: manifest store: %w", err)
		}
	}
	return items, nil
}

// analyzeTyped builds one program per tsconfig and analyses the files it
// contains, deleting the program once its files are done. A tsconfig that
// cannot be built is recorded and its files stay pending. It returns the
// files no program claimed.
func (r *projectRun) analyzeTyped(ctx context.Context, root string, overrides []string, items []workItem) ([]workItem, error) {
	e := r.engine
	if len(items) > e.cfg.Analysis.MaxFilesForTypeChecking {
		r.log.WithFields(logrus.Fields{
			"files": len(items),
			"limit": e.cfg.Analysis.MaxFilesForTypeChecking,
		}).Warn("too many files for type checking, analysing without type information")
		return items, nil
	}

	configs, err := e.tsconfigs.GetConfigs(ctx, root, overrides)
	if err != nil {
		return nil, fmt.Errorf("understory: tsconfig store: %w", err)
	}
	if len(configs) == 0 && len(items) > 0 {
		files := make([]string, len(items))
		for i, it := range items {
			files[i] = it.path
		}
		entry, err := e.tsconfigs.WriteFallback(files)
		if err != nil {
			return nil, fmt.Errorf("understory: fallback tsconfig: %w", err)
		}
		// The program built from it is deleted before this returns.
		defer func() {
			if err := e.tsconfigs.Remove(entry.Path); err != nil {
				r.log.WithError(err).Warn("could not remove fallback tsconfig")
			}
		}()
		configs = []tsconfig.ConfigEntry{entry}
	}

	pending := items
	for _, c := range configs {
		if ctx.Err() != nil || len(pending) == 0 {
			break
		}
		p, err := e.registry.CreateProgram(ctx, c.Path)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.configError(c.Path, err)
			continue
		}
		r.mu.Lock()
		r.result.Stats.Programs++
		r.mu.Unlock()

		var typed, rest []workItem
		for _, it := range pending {
			if p.HasFile(it.path) {
				it.actx = Typed(p)
				typed = append(typed, it)
			} else {
				rest = append(rest, it)
			}
		}
		pending = rest
		err = r.analyze(ctx, typed)
		_ = e.registry.DeleteProgram(p.ID())
		if err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func (r *projectRun) configError(path string, err error) {
	r.log.WithError(err).WithField("tsconfig", path).Warn("tsconfig unusable, its files are analysed without types")
	r.mu.Lock()
	r.result.ConfigErrors = append(r.result.ConfigErrors, ConfigError{Path: path, Error: uerrors.Serialize(err)})
	r.mu.Unlock()
}

// analyze runs items on the worker pool. Dispatch stops as soon as ctx is
// done or a worker fails; started files always run to completion.
func (r *projectRun) analyze(ctx context.Context, items []workItem) error {
	if len(items) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(r.engine.parallelism, len(items)))
	work := context.WithoutCancel(ctx)
	for _, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Go may have blocked for a slot while the run was canceled.
			if gctx.Err() != nil {
				return nil
			}
			res, err := r.engine.analyzeItem(work, r.rules, it)
			if err != nil {
				return err
			}
			r.collect(res)
			return nil
		})
	}
	return g.Wait()
}

// collect records a finished file and forwards it to the stream.
func (r *projectRun) collect(res FileResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Files = append(r.result.Files, res)
	switch {
	case res.Reused:
		r.result.Stats.Reused++
	case res.Skipped:
		r.result.Stats.Skipped++
	case res.ParsingError != nil || res.Error != nil:
		r.result.Stats.Failed++
	default:
		r.result.Stats.Parsed++
	}
	if r.stream != nil {
		r.stream <- res
	}
}

// stop finalizes the run. err is run-fatal unless it stems from
// cancellation.
func (r *projectRun) stop(ctx context.Context, start time.Time, err error) (*RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })
	res.Stats.Millis = time.Since(start).Milliseconds()

	fields := logrus.Fields{
		"files":    len(res.Files),
		"parsed":   res.Stats.Parsed,
		"reused":   res.Stats.Reused,
		"failed":   res.Stats.Failed,
		"programs": res.Stats.Programs,
		"ms":       res.Stats.Millis,
	}
	switch {
	case ctx.Err() != nil:
		res.Status = StatusCanceled
		r.log.WithFields(fields).Info("analysis canceled")
		return res, nil
	case err != nil:
		res.Status = StatusFailed
		res.Error = serialize(err)
		r.log.WithFields(fields).WithError(err).Error("analysis failed")
		return res, err
	}
	r.log.WithFields(fields).Info("analysis completed")
	return res, nil
}

// analyzeItem parses and checks one file. Only store failures are returned
// as errors; anything else about the file is recorded on its result.
func (e *Engine) analyzeItem(ctx context.Context, rs *rules.RuleSet, it workItem) (FileResult, error) {
	if it.kind == "" {
		it.kind = Main
	}
	res := FileResult{Path: it.path, Typed: it.actx.IsTyped()}
	log := e.log.WithField("path", it.path)

	src, err := readContent(it.path, it.content)
	if err != nil {
		log.WithError(err).Warn("skipping unreadable file")
		res.Error = serialize(err)
		return res, nil
	}
	if limit := e.cfg.Analysis.MaxFileSizeKB * 1024; limit > 0 && len(src) > limit {
		log.WithFields(logrus.Fields{"bytes": len(src), "limit_kb": e.cfg.Analysis.MaxFileSizeKB}).Warn("skipping file above size limit")
		res.Skipped = true
		return res, nil
	}

	var deps []string
	if it.root != "" {
		set, err := e.manifests.GetDependencies(paths.Dir(it.path))
		if err != nil {
			return res, fmt.Errorf("understory: dependencies of %s: %w", it.path, err)
		}
		deps = set.Sorted()
		res.Dependencies = deps
	}

	key := resultKey(it, src, rs.Version())
	if it.status == Same {
		if cached, ok := e.results.Get(key); ok {
			log.Debug("reusing cached result")
			cached.Reused = true
			cached.Dependencies = deps
			return cached, nil
		}
	}

	tree, err := e.parser.Parse(ctx, parser.Input{
		Path:     it.path,
		Content:  src,
		Language: it.language,
		Typed:    it.actx.IsTyped(),
	})
	if err != nil {
		var perr *ParseError
		if !uerrors.As(err, &perr) {
			res.Error = serialize(err)
			return res, nil
		}
		log.WithError(err).Debug("parse failed")
		res.ParsingError = perr
		e.results.Add(key, res)
		return res, nil
	}
	defer tree.Close()
	res.Strategy = tree.Strategy

	c := &rules.Context{
		Tree:    tree,
		Path:    it.path,
		Kind:    it.kind,
		Program: it.actx.view(),
	}
	if it.root != "" {
		c.Dependencies = func() ([]string, error) { return deps, nil }
	}
	issues, err := rs.Check(ctx, c)
	if err != nil {
		log.WithError(err).Warn("rule evaluation failed")
		res.Error = serialize(err)
		return res, nil
	}
	if issues == nil {
		issues = []Issue{}
	}
	res.Issues = issues
	e.results.Add(key, res)
	return res, nil
}

// resultKey identifies a result by everything it depends on besides the
// manifest data, which purges the cache when it changes.
func resultKey(it workItem, src []byte, version string) string {
	return strings.Join([]string{
		it.path,
		string(it.kind),
		string(it.language),
		it.root,
		fmt.Sprintf("%016x", xxh3.Hash(src)),
		version,
		it.actx.Fingerprint(),
	}, "\x00")
}

var testFilePattern = regexp.MustCompile(`(^|/)(__tests__|__mocks__|test|tests)/|\.(test|spec)\.[cm]?[jt]sx?$`)

// kindForPath classifies a root-relative path by naming convention.
func kindForPath(p string) FileKind {
	if testFilePattern.MatchString(p) {
		return Test
	}
	return Main
}

// discoverFiles lists the analysable files under root. Inside a git
// repository it uses git ls-files so that .gitignore is honoured, otherwise
// it walks the tree. Both honour the configured exclusions.
func (e *Engine) discoverFiles(root string) ([]FileRecord, error) {
	files, err := e.gitListFiles(root)
	if err != nil {
		e.log.WithError(err).Debug("git unavailable, walking the tree")
		files, err = e.walkListFiles(root)
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	records := make([]FileRecord, len(files))
	for i, f := range files {
		records[i] = FileRecord{Path: f, Status: Changed}
	}
	return records, nil
}

func (e *Engine) analysable(root, p string) bool {
	if !tsconfig.IsSourceFile(p) {
		return false
	}
	return !e.sourceExcluder.Excluded(paths.Rel(root, p), false)
}

func (e *Engine) gitListFiles(root string) ([]string, error) {
	// --cached: tracked files, --others: untracked files,
	// --exclude-standard: respect .gitignore and global excludes.
	cmd := exec.Command("git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = filepath.FromSlash(root)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var files []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p := paths.Join(root, line)
		if e.analysable(root, p) {
			files = append(files, p)
		}
	}
	return files, nil
}

func (e *Engine) walkListFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(filepath.FromSlash(root), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		np := paths.Normalize(p)
		if d.IsDir() {
			if e.excluder.Excluded(paths.Rel(root, np), true) {
				return filepath.SkipDir
			}
			return nil
		}
		if e.analysable(root, np) {
			files = append(files, np)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("understory: walk %s: %w", root, err)
	}
	return files, nil
}
