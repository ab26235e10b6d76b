package program

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jward/understory/internal/paths"
	"github.com/jward/understory/internal/store"
)

// Handle is the caller-visible description of a program.
type Handle struct {
	ID                string   `json:"programId"`
	ConfigPath        string   `json:"tsconfig"`
	RootFiles         []string `json:"files"`
	ProjectReferences []string `json:"projectReferences"`
	MissingTsConfig   bool     `json:"missingTsConfig"`
}

// Program is a set of root files with a declaration index. Methods are safe
// for concurrent use while the program is held.
type Program struct {
	handle      Handle
	options     CompilerOptions
	store       *store.Store
	files       map[string]int64
	fingerprint string

	refs      atomic.Int32
	closeOnce sync.Once
}

func (p *Program) Handle() Handle { return p.handle }

func (p *Program) ID() string { return p.handle.ID }

// Store exposes the declaration index.
func (p *Program) Store() *store.Store { return p.store }

// Fingerprint is a hash of every root file's content, stable while the files
// are unchanged.
func (p *Program) Fingerprint() string { return p.fingerprint }

// HasFile reports whether file is one of the program's root files.
func (p *Program) HasFile(file string) bool {
	_, ok := p.files[paths.Normalize(file)]
	return ok
}

// Exports returns the sorted names file exposes to importers, following
// `export * from` chains inside the program. Files outside the program
// yield nil.
func (p *Program) Exports(file string) ([]string, error) {
	set := map[string]struct{}{}
	if err := p.collectExports(paths.Normalize(file), set, map[string]bool{}, true); err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, nil
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (p *Program) collectExports(file string, set map[string]struct{}, seen map[string]bool, top bool) error {
	if seen[file] {
		return nil
	}
	seen[file] = true
	id, ok := p.files[file]
	if !ok {
		return nil
	}
	names, err := p.store.ExportedNames(id)
	if err != nil {
		return fmt.Errorf("program: exports of %s: %w", file, err)
	}
	for _, n := range names {
		// export * never forwards a default export.
		if n == "default" && !top {
			continue
		}
		set[n] = struct{}{}
	}
	imps, err := p.store.ImportsByFile(id)
	if err != nil {
		return fmt.Errorf("program: imports of %s: %w", file, err)
	}
	for _, imp := range imps {
		if imp.Kind != store.ImportReexport || imp.LocalAlias != nil || imp.ImportedName == nil || *imp.ImportedName != "*" {
			continue
		}
		target, ok := p.ResolveImport(file, imp.Source)
		if !ok {
			continue
		}
		if err := p.collectExports(target, set, seen, false); err != nil {
			return err
		}
	}
	return nil
}

// Imports returns the import rows of file, or nil when it is not in the
// program.
func (p *Program) Imports(file string) ([]*store.Import, error) {
	id, ok := p.files[paths.Normalize(file)]
	if !ok {
		return nil, nil
	}
	imps, err := p.store.ImportsByFile(id)
	if err != nil {
		return nil, fmt.Errorf("program: imports of %s: %w", file, err)
	}
	return imps, nil
}

var resolveExtensions = []string{".ts", ".tsx", ".d.ts", ".mts", ".cts", ".js", ".jsx", ".mjs", ".cjs"}

// ResolveImport maps a module specifier used in fromFile to a root file of
// the program. Relative specifiers resolve from fromFile's directory, bare
// ones through compilerOptions paths and baseUrl. Specifiers that resolve
// outside the program report false.
func (p *Program) ResolveImport(fromFile, source string) (string, bool) {
	var bases []string
	switch {
	case strings.HasPrefix(source, "./"), strings.HasPrefix(source, "../"), source == ".", source == "..":
		bases = append(bases, paths.Join(paths.Dir(paths.Normalize(fromFile)), source))
	case strings.HasPrefix(source, "/"):
		bases = append(bases, paths.Normalize(source))
	default:
		bases = p.mappedBases(source)
	}
	for _, b := range bases {
		if f, ok := p.probe(b); ok {
			return f, true
		}
	}
	return "", false
}

func (p *Program) mappedBases(source string) []string {
	var out []string
	opts := p.options
	for pattern, targets := range opts.Paths {
		star, ok := matchPathPattern(pattern, source)
		if !ok {
			continue
		}
		for _, t := range targets {
			out = append(out, paths.Join(opts.BaseURL, strings.Replace(t, "*", star, 1)))
		}
	}
	sort.Strings(out)
	if opts.BaseURL != "" {
		out = append(out, paths.Join(opts.BaseURL, source))
	}
	return out
}

// matchPathPattern matches a compilerOptions.paths key with at most one
// wildcard and returns what the wildcard captured.
func matchPathPattern(pattern, source string) (string, bool) {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return "", pattern == source
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	if len(source) < len(prefix)+len(suffix) || !strings.HasPrefix(source, prefix) || !strings.HasSuffix(source, suffix) {
		return "", false
	}
	return source[len(prefix) : len(source)-len(suffix)], true
}

func (p *Program) probe(base string) (string, bool) {
	if _, ok := p.files[base]; ok {
		return base, true
	}
	stem := base
	// ESM TypeScript imports name the emitted .js file.
	switch ext := path.Ext(base); ext {
	case ".js", ".jsx", ".mjs", ".cjs":
		stem = strings.TrimSuffix(base, ext)
	}
	for _, ext := range resolveExtensions {
		if _, ok := p.files[stem+ext]; ok {
			return stem + ext, true
		}
	}
	for _, ext := range resolveExtensions {
		idx := base + "/index" + ext
		if _, ok := p.files[idx]; ok {
			return idx, true
		}
	}
	return "", false
}

func (p *Program) close() error {
	var err error
	p.closeOnce.Do(func() { err = p.store.Close() })
	return err
}
