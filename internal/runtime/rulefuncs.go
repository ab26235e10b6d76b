package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/risor-io/risor/object"
	"github.com/sirupsen/logrus"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/understory/internal/parser"
)

// ProgramView is the part of a typed program rules may consult.
type ProgramView interface {
	HasFile(path string) bool
	Exports(path string) ([]string, error)
	ResolveImport(fromFile, source string) (string, bool)
}

// FileEnv is what a rule script sees of the file under analysis.
type FileEnv struct {
	Tree    *parser.SyntaxTree
	Path    string
	Kind    string
	Options map[string]any
	// Dependencies lists the package names declared by the manifests that
	// apply to Path. Nil means no manifest information.
	Dependencies func() ([]string, error)
	// Program is nil for untyped analysis.
	Program ProgramView
}

// Location is a 1-based line, 0-based column range with an optional message.
type Location struct {
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"endLine"`
	EndColumn int    `json:"endColumn"`
	Message   string `json:"message,omitempty"`
}

// Report is one finding produced by a script through report().
type Report struct {
	Location
	Secondary []Location `json:"secondaryLocations,omitempty"`
}

func nodeLocation(n *sitter.Node) Location {
	start, end := n.StartPoint(), n.EndPoint()
	return Location{
		Line:      int(start.Row) + 1,
		Column:    int(start.Column),
		EndLine:   int(end.Row) + 1,
		EndColumn: int(end.Column),
	}
}

// RunRule runs the rule script at scriptPath against env and returns its
// reports ordered by position. The tree is registered for the duration of
// the run.
func (r *Runtime) RunRule(ctx context.Context, ruleID, scriptPath string, env *FileEnv) ([]Report, error) {
	src, err := r.LoadScript(scriptPath)
	if err != nil {
		return nil, err
	}
	r.Register(env.Tree)
	defer r.Forget(env.Tree)

	col := &collector{}
	root, err := object.NewProxy(env.Tree.Root)
	if err != nil {
		return nil, fmt.Errorf("runtime: rule %s: proxy root: %w", ruleID, err)
	}
	opts := toObject(env.Options)
	if opts == object.Nil {
		opts = object.NewMap(map[string]object.Object{})
	}
	globals := map[string]any{
		"root":            root,
		"file_path":       object.NewString(env.Path),
		"file_kind":       object.NewString(env.Kind),
		"options":         opts,
		"option":          makeOptionFn(env.Options),
		"report":          col.builtin(),
		"dependencies":    makeDependenciesFn(env.Dependencies),
		"is_typed":        makeIsTypedFn(env.Program != nil),
		"program_has":     makeProgramHasFn(env.Program),
		"program_exports": makeProgramExportsFn(env.Program),
		"resolve_import":  makeResolveImportFn(env.Program, env.Path),
	}
	log := r.log.WithFields(logrus.Fields{"rule": ruleID, "file": env.Path})
	if err := r.eval(ctx, src, scriptPath, log, globals); err != nil {
		return nil, err
	}
	return col.sorted(), nil
}

// collector gathers report() calls.
type collector struct {
	mu      sync.Mutex
	reports []Report
}

func (c *collector) sorted() []Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.reports
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// report(node, message[, secondary]) where secondary is a list of nodes or
// of {"node": n, "message": m} maps.
func (c *collector) builtin() *object.Builtin {
	return object.NewBuiltin("report", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) < 2 || len(args) > 3 {
			return object.Errorf("report: expected 2 or 3 arguments, got %d", len(args))
		}
		node, errObj := nodeArg("report", args[0])
		if errObj != nil {
			return errObj
		}
		msg, err := toString(args[1])
		if err != nil {
			return object.Errorf("report: message: %v", err)
		}
		rep := Report{Location: nodeLocation(node)}
		rep.Message = msg
		if len(args) == 3 && args[2] != object.Nil {
			list, ok := args[2].(*object.List)
			if !ok {
				return object.Errorf("report: secondary locations must be a list, got %s", args[2].Type())
			}
			for _, item := range list.Value() {
				loc, errObj := secondaryLocation(item)
				if errObj != nil {
					return errObj
				}
				rep.Secondary = append(rep.Secondary, loc)
			}
		}
		c.mu.Lock()
		c.reports = append(c.reports, rep)
		c.mu.Unlock()
		return object.Nil
	})
}

func secondaryLocation(item object.Object) (Location, *object.Error) {
	if m, err := extractMap(item); err == nil {
		n, errObj := nodeArg("report", m["node"])
		if errObj != nil {
			return Location{}, errObj
		}
		loc := nodeLocation(n)
		loc.Message = getString(m, "message")
		return loc, nil
	}
	n, errObj := nodeArg("report", item)
	if errObj != nil {
		return Location{}, errObj
	}
	return nodeLocation(n), nil
}

// option(name, default) → value
func makeOptionFn(opts map[string]any) *object.Builtin {
	return object.NewBuiltin("option", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("option", 2, len(args))
		}
		name, err := toString(args[0])
		if err != nil {
			return object.Errorf("option: name: %v", err)
		}
		v, ok := opts[name]
		if !ok || v == nil {
			return args[1]
		}
		return toObject(v)
	})
}

// dependencies() → list of package names, or nil without manifests
func makeDependenciesFn(deps func() ([]string, error)) *object.Builtin {
	return object.NewBuiltin("dependencies", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 0 {
			return object.NewArgsError("dependencies", 0, len(args))
		}
		if deps == nil {
			return object.Nil
		}
		names, err := deps()
		if err != nil {
			return object.Errorf("dependencies: %v", err)
		}
		if names == nil {
			return object.Nil
		}
		return stringList(names)
	})
}

func makeIsTypedFn(typed bool) *object.Builtin {
	return object.NewBuiltin("is_typed", func(ctx context.Context, args ...object.Object) object.Object {
		return object.NewBool(typed)
	})
}

func makeProgramHasFn(p ProgramView) *object.Builtin {
	return object.NewBuiltin("program_has", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("program_has", 1, len(args))
		}
		path, err := toString(args[0])
		if err != nil {
			return object.Errorf("program_has: %v", err)
		}
		return object.NewBool(p != nil && p.HasFile(path))
	})
}

// program_exports(path) → list of names, or nil when untyped
func makeProgramExportsFn(p ProgramView) *object.Builtin {
	return object.NewBuiltin("program_exports", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("program_exports", 1, len(args))
		}
		path, err := toString(args[0])
		if err != nil {
			return object.Errorf("program_exports: %v", err)
		}
		if p == nil {
			return object.Nil
		}
		names, err := p.Exports(path)
		if err != nil {
			return object.Errorf("program_exports: %v", err)
		}
		return stringList(names)
	})
}

// resolve_import(source) → path of a program file, or nil
func makeResolveImportFn(p ProgramView, from string) *object.Builtin {
	return object.NewBuiltin("resolve_import", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("resolve_import", 1, len(args))
		}
		source, err := toString(args[0])
		if err != nil {
			return object.Errorf("resolve_import: %v", err)
		}
		if p == nil {
			return object.Nil
		}
		target, ok := p.ResolveImport(from, unquote(source))
		if !ok {
			return object.Nil
		}
		return object.NewString(target)
	})
}

// --- Conversion helpers ---

func stringList(items []string) *object.List {
	out := make([]object.Object, len(items))
	for i, s := range items {
		out[i] = object.NewString(s)
	}
	return object.NewList(out)
}

// toObject converts decoded configuration values (JSON, YAML or TOML) into
// Risor objects.
func toObject(v any) object.Object {
	switch val := v.(type) {
	case nil:
		return object.Nil
	case object.Object:
		return val
	case string:
		return object.NewString(val)
	case bool:
		return object.NewBool(val)
	case int:
		return object.NewInt(int64(val))
	case int64:
		return object.NewInt(val)
	case float64:
		return object.NewFloat(val)
	case []string:
		return stringList(val)
	case []any:
		items := make([]object.Object, len(val))
		for i, item := range val {
			items[i] = toObject(item)
		}
		return object.NewList(items)
	case map[string]any:
		m := make(map[string]object.Object, len(val))
		for k, item := range val {
			m[k] = toObject(item)
		}
		return object.NewMap(m)
	default:
		return object.NewString(fmt.Sprint(val))
	}
}

func extractMap(obj object.Object) (map[string]object.Object, error) {
	m, ok := obj.(*object.Map)
	if !ok {
		return nil, fmt.Errorf("expected map, got %s", obj.Type())
	}
	return m.Value(), nil
}

func getString(m map[string]object.Object, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	if s, ok := v.(*object.String); ok {
		return s.Value()
	}
	return ""
}

func toString(obj object.Object) (string, error) {
	if s, ok := obj.(*object.String); ok {
		return s.Value(), nil
	}
	return "", fmt.Errorf("expected string, got %s", obj.Type())
}
