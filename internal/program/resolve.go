package program

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/paths"
	"github.com/jward/understory/internal/suggest"
	"github.com/jward/understory/internal/tsconfig"
)

// CompilerOptions holds the options that shape a program's file set and
// module resolution.
type CompilerOptions struct {
	AllowJS bool
	BaseURL string
	Paths   map[string][]string
	OutDir  string
}

// resolvedConfig is a tsconfig with its extends chain applied.
type resolvedConfig struct {
	Path       string
	Options    CompilerOptions
	Files      []string
	Include    []string
	Exclude    []string
	References []string
	Missing    bool
}

// listSetting is a files/include/exclude value together with the directory
// its patterns are relative to.
type listSetting struct {
	values []string
	base   string
	set    bool
}

type mergedConfig struct {
	options    map[string]json.RawMessage
	optionBase map[string]string
	files      listSetting
	include    listSetting
	exclude    listSetting
	references []tsconfig.Reference
}

var defaultExcludes = []string{"node_modules", "bower_components", "jspm_packages"}

// resolveConfig reads configPath and its extends chain.
func resolveConfig(configPath string) (*resolvedConfig, error) {
	configPath = paths.Normalize(configPath)
	merged, err := loadMerged(configPath, nil)
	if err != nil {
		return nil, err
	}

	opts, err := decodeOptions(configPath, merged)
	if err != nil {
		return nil, err
	}
	rc := &resolvedConfig{Path: configPath, Options: opts}
	dir := paths.Dir(configPath)

	for _, f := range merged.files.values {
		rc.Files = append(rc.Files, resolveAgainst(merged.files.base, f))
	}
	switch {
	case merged.include.set:
		for _, inc := range merged.include.values {
			rc.Include = append(rc.Include, resolveAgainst(merged.include.base, inc))
		}
	case !merged.files.set:
		rc.Include = []string{paths.Join(dir, "**/*")}
	}
	if merged.exclude.set {
		for _, ex := range merged.exclude.values {
			rc.Exclude = append(rc.Exclude, resolveAgainst(merged.exclude.base, ex))
		}
	} else {
		for _, ex := range defaultExcludes {
			rc.Exclude = append(rc.Exclude, paths.Join(dir, ex))
		}
		if opts.OutDir != "" {
			rc.Exclude = append(rc.Exclude, opts.OutDir)
		}
	}

	for _, ref := range merged.references {
		p := resolveAgainst(dir, ref.Path)
		info, err := os.Stat(filepath.FromSlash(p))
		if err == nil && info.IsDir() {
			p = paths.Join(p, tsconfig.FileName)
			info, err = os.Stat(filepath.FromSlash(p))
		}
		if err != nil || info.IsDir() {
			rc.Missing = true
			continue
		}
		rc.References = append(rc.References, p)
	}
	return rc, nil
}

func loadMerged(configPath string, chain []string) (*mergedConfig, error) {
	if slices.Contains(chain, configPath) {
		return nil, &uerrors.ConfigSemanticError{
			Path:   chain[0],
			Option: "extends",
			Reason: fmt.Sprintf("circularity detected while resolving %s", configPath),
		}
	}
	chain = append(chain, configPath)

	raw, err := tsconfig.ReadConfig(filepath.FromSlash(configPath))
	if err != nil {
		var syn *uerrors.ConfigSyntaxError
		if uerrors.As(err, &syn) {
			syn.Path = configPath
			return nil, syn
		}
		if len(chain) > 1 {
			return nil, &uerrors.ConfigSemanticError{Path: chain[0], Option: "extends", Reason: err.Error()}
		}
		return nil, err
	}
	if err := validateOptionKeys(configPath, raw.CompilerOptions); err != nil {
		return nil, err
	}

	merged := &mergedConfig{
		options:    map[string]json.RawMessage{},
		optionBase: map[string]string{},
	}
	dir := paths.Dir(configPath)

	bases, err := tsconfig.ExtendsList(raw.Extends)
	if err != nil {
		return nil, &uerrors.ConfigSemanticError{Path: configPath, Option: "extends", Reason: "must be a string or an array of strings"}
	}
	for _, b := range bases {
		basePath, err := locateBase(dir, b)
		if err != nil {
			return nil, &uerrors.ConfigSemanticError{Path: configPath, Option: "extends", Reason: err.Error()}
		}
		parent, err := loadMerged(basePath, chain)
		if err != nil {
			return nil, err
		}
		merged.inherit(parent)
	}

	for k, v := range raw.CompilerOptions {
		merged.options[k] = v
		merged.optionBase[k] = dir
	}
	for _, field := range []struct {
		name string
		raw  json.RawMessage
		dst  *listSetting
	}{
		{"files", raw.Files, &merged.files},
		{"include", raw.Include, &merged.include},
		{"exclude", raw.Exclude, &merged.exclude},
	} {
		values, present, err := tsconfig.StringList(field.raw)
		if err != nil {
			return nil, &uerrors.ConfigSemanticError{Path: configPath, Option: field.name, Reason: "must be an array of strings"}
		}
		if present {
			*field.dst = listSetting{values: values, base: dir, set: true}
		}
	}
	// references are never inherited.
	merged.references = raw.References
	return merged, nil
}

func (m *mergedConfig) inherit(parent *mergedConfig) {
	for k, v := range parent.options {
		m.options[k] = v
		m.optionBase[k] = parent.optionBase[k]
	}
	if parent.files.set {
		m.files = parent.files
	}
	if parent.include.set {
		m.include = parent.include
	}
	if parent.exclude.set {
		m.exclude = parent.exclude
	}
}

// locateBase finds an extended config: relative and absolute specifiers are
// resolved from dir, bare specifiers through node_modules.
func locateBase(dir, spec string) (string, error) {
	var candidates []string
	if strings.HasPrefix(spec, ".") || filepath.IsAbs(filepath.FromSlash(spec)) {
		p := resolveAgainst(dir, spec)
		candidates = append(candidates, p)
		if !strings.HasSuffix(p, ".json") {
			candidates = append(candidates, p+".json")
		}
	} else {
		for d := dir; ; d = paths.Dir(d) {
			nm := paths.Join(d, "node_modules", spec)
			candidates = append(candidates, nm, nm+".json", paths.Join(nm, tsconfig.FileName))
			if paths.Dir(d) == d {
				break
			}
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(filepath.FromSlash(c)); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("cannot find base config %q", spec)
}

func resolveAgainst(base, p string) string {
	if filepath.IsAbs(filepath.FromSlash(p)) {
		return paths.Normalize(p)
	}
	return paths.Join(base, p)
}

func decodeOptions(configPath string, m *mergedConfig) (CompilerOptions, error) {
	var opts CompilerOptions
	bad := func(option string) error {
		return &uerrors.ConfigSemanticError{Path: configPath, Option: option, Reason: "has an invalid value"}
	}
	if raw, ok := m.options["allowJs"]; ok {
		if err := json.Unmarshal(raw, &opts.AllowJS); err != nil {
			return opts, bad("allowJs")
		}
	}
	if raw, ok := m.options["baseUrl"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return opts, bad("baseUrl")
		}
		opts.BaseURL = resolveAgainst(m.optionBase["baseUrl"], v)
	}
	if raw, ok := m.options["outDir"]; ok {
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return opts, bad("outDir")
		}
		opts.OutDir = resolveAgainst(m.optionBase["outDir"], v)
	}
	if raw, ok := m.options["paths"]; ok {
		if err := json.Unmarshal(raw, &opts.Paths); err != nil {
			return opts, bad("paths")
		}
		if opts.BaseURL == "" {
			opts.BaseURL = m.optionBase["paths"]
		}
	}
	return opts, nil
}

func validateOptionKeys(configPath string, options map[string]json.RawMessage) error {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if knownCompilerOptions[k] {
			continue
		}
		reason := "unknown compiler option"
		if s := suggest.Closest(k, knownOptionList, 0.7); s != "" {
			reason = fmt.Sprintf("unknown compiler option, did you mean %q?", s)
		}
		return &uerrors.ConfigSemanticError{Path: configPath, Option: k, Reason: reason}
	}
	return nil
}

// rootFiles expands the resolved config into the sorted list of files that
// belong to the program.
func rootFiles(rc *resolvedConfig) ([]string, error) {
	exts := slices.Clone(tsconfig.TSExtensions)
	if rc.Options.AllowJS {
		exts = append(exts, tsconfig.JSExtensions...)
	}
	accept := func(p string) bool {
		return slices.Contains(exts, strings.ToLower(path.Ext(p)))
	}

	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, f := range rc.Files {
		info, err := os.Stat(filepath.FromSlash(f))
		if err != nil || info.IsDir() {
			return nil, &uerrors.ConfigSemanticError{Path: rc.Path, Option: "files", Reason: fmt.Sprintf("file %s not found", f)}
		}
		add(f)
	}

	includes := make([]string, 0, len(rc.Include))
	for _, inc := range rc.Include {
		includes = append(includes, expandDirPattern(inc))
	}
	excludes := make([]string, 0, len(rc.Exclude))
	for _, ex := range rc.Exclude {
		excludes = append(excludes, expandDirPattern(ex))
	}
	excluded := func(p string) bool {
		for _, ex := range excludes {
			if ok, _ := doublestar.Match(ex, p); ok {
				return true
			}
		}
		return false
	}

	for _, walkRoot := range includeRoots(rc.Include) {
		err := filepath.WalkDir(filepath.FromSlash(walkRoot), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			np := paths.Normalize(p)
			if d.IsDir() {
				if np == walkRoot {
					return nil
				}
				// Wildcards never descend into package folders or hidden
				// directories.
				if slices.Contains(defaultExcludes, d.Name()) || strings.HasPrefix(d.Name(), ".") || excluded(np) {
					return filepath.SkipDir
				}
				return nil
			}
			if !accept(np) || excluded(np) {
				return nil
			}
			for _, inc := range includes {
				if ok, _ := doublestar.Match(inc, np); ok {
					add(np)
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", walkRoot, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// expandDirPattern turns a pattern naming a directory ("src") into one that
// matches everything below it, as tsconfig does.
func expandDirPattern(p string) string {
	last := path.Base(p)
	if strings.ContainsAny(last, "*?") || path.Ext(last) != "" {
		return p
	}
	return p + "/**/*"
}

// includeRoots returns the non-wildcard prefix directories of the include
// patterns, with nested roots removed.
func includeRoots(includes []string) []string {
	var roots []string
	for _, inc := range includes {
		base, _ := doublestar.SplitPattern(expandDirPattern(inc))
		roots = append(roots, base)
	}
	sort.Strings(roots)
	var out []string
	for _, r := range roots {
		if len(out) > 0 && paths.IsWithin(r, out[len(out)-1]) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// ConfigFiles lists the files and project references of configPath without
// building a program.
func ConfigFiles(configPath string) (Handle, error) {
	rc, err := resolveConfig(configPath)
	if err != nil {
		return Handle{}, err
	}
	files, err := rootFiles(rc)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{
		ConfigPath:        rc.Path,
		RootFiles:         files,
		ProjectReferences: rc.References,
		MissingTsConfig:   rc.Missing,
	}
	if h.ProjectReferences == nil {
		h.ProjectReferences = []string{}
	}
	return h, nil
}
