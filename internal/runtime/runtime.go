// Package runtime embeds a Risor VM and exposes tree-sitter and analysis
// host functions to rule scripts.
package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"
	"github.com/sirupsen/logrus"

	"github.com/jward/understory/internal/logging"
)

// Runtime runs Risor scripts with tree-sitter host functions. A Runtime may
// be shared by goroutines; each run gets a fresh VM.
type Runtime struct {
	scriptsDir string
	fsys       fs.FS
	sources    *sourceStore
	log        *logrus.Entry
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS loads scripts and resolves Risor imports from fsys instead
// of scriptsDir.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithLogger sets the logger behind the scripts' log object.
func WithLogger(l *logrus.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.log = logging.Component(l, "runtime")
	}
}

// NewRuntime creates a Runtime reading scripts from scriptsDir.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		scriptsDir: scriptsDir,
		sources:    newSourceStore(),
		log:        logging.Component(nil, "runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunScript loads and executes a Risor script with the standard globals
// plus extraGlobals.
func (r *Runtime) RunScript(ctx context.Context, scriptPath string, extraGlobals map[string]any) error {
	src, err := r.LoadScript(scriptPath)
	if err != nil {
		return err
	}
	return r.eval(ctx, src, scriptPath, r.log, extraGlobals)
}

// RunSource executes Risor source directly. Useful for tests.
func (r *Runtime) RunSource(ctx context.Context, source string, extraGlobals map[string]any) error {
	return r.eval(ctx, source, "<inline>", r.log, extraGlobals)
}

func (r *Runtime) eval(ctx context.Context, source, label string, log *logrus.Entry, extraGlobals map[string]any) error {
	globals := r.buildGlobals(log, extraGlobals)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	_, err := risor.Eval(ctx, source, opts...)
	if err != nil {
		return fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return nil
}

// buildImporter returns a Risor importer for the Runtime's script source, or
// nil when neither an fs.FS nor a scripts directory is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file from the configured fs.FS or, without one,
// from scriptsDir.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// RuleScriptPath returns the path of a rule's script.
func RuleScriptPath(ruleID string) string {
	return "rules/" + ruleID + ".risor"
}

func (r *Runtime) buildGlobals(log *logrus.Entry, extra map[string]any) map[string]any {
	globals := map[string]any{
		"parse_src":    makeParseSrcFn(r.sources),
		"node_text":    makeNodeTextFn(r.sources),
		"node_child":   makeNodeChildFn(),
		"node_line":    makeNodeLineFn(),
		"string_value": makeStringValueFn(r.sources),
		"query":        makeQueryFn(r.sources),
		"package_name": makePackageNameFn(),
		"log":          mustProxy(&logObject{entry: log}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
