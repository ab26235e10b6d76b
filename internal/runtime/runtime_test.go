package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/parser"
)

const tsTestSource = `import { readFile } from "fs";
import lodash from 'lodash';

export function greet(name: string): string {
	return "Hello, " + name;
}

export function add(a: number, b: number): number {
	debugger;
	return a + b;
}

class Server {
	address(): string {
		return "localhost";
	}
}
`

func newTestRuntime(t *testing.T, opts ...RuntimeOption) *Runtime {
	t.Helper()
	return NewRuntime("", append([]RuntimeOption{WithLogger(logging.Discard())}, opts...)...)
}

// parseTS parses src as TypeScript and registers the tree with rt.
func parseTS(t *testing.T, rt *Runtime, path, src string) *parser.SyntaxTree {
	t.Helper()
	tree, err := parser.New(parser.WithLogger(logging.Discard())).Parse(context.Background(), parser.Input{
		Path:    path,
		Content: []byte(src),
	})
	require.NoError(t, err)
	rt.Register(tree)
	t.Cleanup(func() {
		rt.Forget(tree)
		tree.Close()
	})
	return tree
}

func findNamed(n *sitter.Node, typ string) *sitter.Node {
	if n.Type() == typ {
		return n
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := findNamed(n.NamedChild(i), typ); found != nil {
			return found
		}
	}
	return nil
}

// --- sourceStore tests ---

func TestSourceStore_NodeTextFromNestedNode(t *testing.T) {
	rt := newTestRuntime(t)
	tree := parseTS(t, rt, "a.ts", tsTestSource)

	fn := findNamed(tree.Root, "function_declaration")
	require.NotNil(t, fn)
	name := fn.ChildByFieldName("name")
	require.NotNil(t, name)

	src, ok := rt.sources.sourceForNode(name)
	require.True(t, ok)
	assert.Equal(t, "greet", name.Content(src))

	lang, ok := rt.sources.languageForNode(name)
	require.True(t, ok)
	assert.NotNil(t, lang)
}

func TestSourceStore_Forget(t *testing.T) {
	rt := newTestRuntime(t)
	tree, err := parser.New().Parse(context.Background(), parser.Input{Path: "a.ts", Content: []byte("let x = 1;")})
	require.NoError(t, err)
	defer tree.Close()

	rt.Register(tree)
	_, ok := rt.sources.sourceForNode(tree.Root)
	require.True(t, ok)

	rt.Forget(tree)
	_, ok = rt.sources.sourceForNode(tree.Root)
	assert.False(t, ok)
}

// --- Risor integration tests (via RunSource) ---

func TestRunSource_ParseSrcAndNodeText(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
tree := parse_src(source, "typescript")
root := tree.RootNode()

assert(root.Type() == "program", 'expected program, got {root.Type()}')

names := []
count := int(root.NamedChildCount())
for i := 0; i < count; i++ {
    child := root.NamedChild(i)
    if child.Type() == "export_statement" {
        decl := node_child(child, "declaration")
        names.append(node_text(node_child(decl, "name")))
    }
}

assert(len(names) == 2, 'expected 2 functions, got {len(names)}')
assert(names[0] == "greet", 'expected greet, got {names[0]}')
assert(names[1] == "add", 'expected add, got {names[1]}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{"source": tsTestSource})
	require.NoError(t, err)
}

func TestRunSource_ParseSrcUnknownGrammar(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.RunSource(context.Background(), `parse_src("x", "cobol")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported grammar")
}

func TestRunSource_QueryHostFunction(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
root := parse_src(source, "typescript").RootNode()

matches := query("(function_declaration name: (identifier) @name)", root)
assert(len(matches) == 2, 'expected 2 matches, got {len(matches)}')
assert(node_text(matches[0]["name"]) == "greet", "first match")
assert(node_text(matches[1]["name"]) == "add", "second match")

methods := query("(method_definition name: (property_identifier) @name)", root)
assert(len(methods) == 1, 'expected 1 method, got {len(methods)}')
assert(node_text(methods[0]["name"]) == "address", "method name")
`
	err := rt.RunSource(context.Background(), script, map[string]any{"source": tsTestSource})
	require.NoError(t, err)
}

func TestRunSource_QueryNoMatches(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
root := parse_src("var x = 1;", "javascript").RootNode()
matches := query("(function_declaration name: (identifier) @name)", root)
assert(len(matches) == 0, 'expected 0 matches, got {len(matches)}')
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestRunSource_QueryInvalidPattern(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
root := parse_src("var x = 1;", "javascript").RootNode()
query("(not_a_real_node_type @x)", root)
`
	err := rt.RunSource(context.Background(), script, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid pattern")
}

func TestRunSource_NodeHelpers(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
root := parse_src(source, "typescript").RootNode()

imports := query("(import_statement source: (string) @src)", root)
assert(len(imports) == 2, 'expected 2 imports, got {len(imports)}')
assert(string_value(imports[0]["src"]) == "fs", "double-quoted specifier")
assert(string_value(imports[1]["src"]) == "lodash", "single-quoted specifier")
assert(node_line(imports[1]["src"]) == 2, 'expected line 2, got {node_line(imports[1]["src"])}')

fn := query("(function_declaration) @fn", root)[0]["fn"]
assert(node_child(fn, "type_parameters") == nil, "missing field is nil")
assert(node_child(fn, "name") != nil, "name field present")

first := root.NamedChild(0)
assert(first.Parent().Type() == "program", "parent should be program")
sp := root.StartPoint()
assert(int(sp.Row) == 0, 'expected row 0, got {int(sp.Row)}')
`
	err := rt.RunSource(context.Background(), script, map[string]any{"source": tsTestSource})
	require.NoError(t, err)
}

func TestRunSource_PackageName(t *testing.T) {
	rt := newTestRuntime(t)

	script := `
assert(package_name("'lodash/fp'") == "lodash", "subpath")
assert(package_name("@scope/pkg/deep") == "@scope/pkg", "scoped")
assert(package_name("./local") == nil, "relative")
assert(package_name("node:fs") == nil, "node scheme")
assert(package_name("path") == nil, "builtin")
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestPackageName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		spec string
		want string
	}{
		{"react", "react"},
		{"react-dom/client", "react-dom"},
		{`"@babel/core"`, "@babel/core"},
		{"@babel/core/lib/x", "@babel/core"},
		{"@scope", ""},
		{"../up", ""},
		{"/abs/file", ""},
		{"fs", ""},
		{"fs/promises", ""},
		{"node:path", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PackageName(tt.spec), tt.spec)
	}
}

func TestRunSource_LogObject(t *testing.T) {
	rt := newTestRuntime(t)
	err := rt.RunSource(context.Background(), `
log.Info("hello")
log.Debug("quiet")
`, nil)
	require.NoError(t, err)
}

// --- RunRule tests ---

const debuggerRule = `
matches := query("(debugger_statement) @d", root)
for i := 0; i < len(matches); i++ {
    report(matches[i]["d"], "Remove this debugger statement.")
}
`

func TestRunRule_ReportsAndForgetsTree(t *testing.T) {
	fsys := fstest.MapFS{
		"rules/no-debugger.risor": &fstest.MapFile{Data: []byte(debuggerRule)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(fsys))
	tree, err := parser.New().Parse(context.Background(), parser.Input{Path: "/p/a.ts", Content: []byte(tsTestSource)})
	require.NoError(t, err)
	defer tree.Close()

	reports, err := rt.RunRule(context.Background(), "no-debugger", RuleScriptPath("no-debugger"), &FileEnv{
		Tree: tree,
		Path: "/p/a.ts",
		Kind: "MAIN",
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, Location{Line: 9, Column: 1, EndLine: 9, EndColumn: 10, Message: "Remove this debugger statement."}, reports[0].Location)

	_, ok := rt.sources.sourceForNode(tree.Root)
	assert.False(t, ok, "tree should be forgotten after the run")
}

func TestRunRule_OptionsAndFileGlobals(t *testing.T) {
	fsys := fstest.MapFS{
		"rules/opts.risor": &fstest.MapFile{Data: []byte(`
allow := option("allow", [])
assert(len(allow) == 2, 'expected 2 allowed, got {len(allow)}')
assert(allow[1] == "warn", "second allowed")
assert(option("missing", 7) == 7, "default used")
assert(options["allow"][0] == "error", "options map")
assert(file_path == "/p/a.ts", file_path)
assert(file_kind == "TEST", file_kind)
assert(!is_typed(), "untyped")
assert(dependencies() == nil, "no manifest info")
assert(program_exports("/p/b.ts") == nil, "no program")
assert(resolve_import("./b") == nil, "no program")
`)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(fsys))
	tree := parseTS(t, rt, "/p/a.ts", "let x = 1;")

	reports, err := rt.RunRule(context.Background(), "opts", "rules/opts.risor", &FileEnv{
		Tree:    tree,
		Path:    "/p/a.ts",
		Kind:    "TEST",
		Options: map[string]any{"allow": []any{"error", "warn"}},
	})
	require.NoError(t, err)
	assert.Empty(t, reports)
}

type fakeProgram struct {
	files   map[string][]string
	resolve map[string]string
}

func (f *fakeProgram) HasFile(path string) bool {
	_, ok := f.files[path]
	return ok
}

func (f *fakeProgram) Exports(path string) ([]string, error) { return f.files[path], nil }

func (f *fakeProgram) ResolveImport(from, source string) (string, bool) {
	target, ok := f.resolve[source]
	return target, ok
}

func TestRunRule_ProgramAndDependencies(t *testing.T) {
	fsys := fstest.MapFS{
		"rules/typed.risor": &fstest.MapFile{Data: []byte(`
assert(is_typed(), "typed")
assert(program_has("/p/b.ts"), "b in program")
target := resolve_import("'./b'")
assert(target == "/p/b.ts", 'resolved {target}')
names := program_exports(target)
assert(len(names) == 2 && names[0] == "default", 'exports {names}')
deps := dependencies()
assert(len(deps) == 1 && deps[0] == "lodash", 'deps {deps}')

src := query("(import_statement source: (string) @src) @imp", root)[0]
report(src["imp"], "primary", [src["src"], {"node": src["src"], "message": "here"}])
`)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(fsys))
	tree := parseTS(t, rt, "/p/a.ts", `import x from './b';`)

	reports, err := rt.RunRule(context.Background(), "typed", "rules/typed.risor", &FileEnv{
		Tree: tree,
		Path: "/p/a.ts",
		Kind: "MAIN",
		Dependencies: func() ([]string, error) {
			return []string{"lodash"}, nil
		},
		Program: &fakeProgram{
			files:   map[string][]string{"/p/b.ts": {"default", "x"}},
			resolve: map[string]string{"./b": "/p/b.ts"},
		},
	})
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Len(t, reports[0].Secondary, 2)
	assert.Equal(t, "", reports[0].Secondary[0].Message)
	assert.Equal(t, "here", reports[0].Secondary[1].Message)
	assert.Equal(t, 14, reports[0].Secondary[1].Column)
}

func TestRunRule_ScriptErrorIsReturned(t *testing.T) {
	fsys := fstest.MapFS{
		"rules/broken.risor": &fstest.MapFile{Data: []byte(`report(root)`)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(fsys))
	tree := parseTS(t, rt, "/p/a.ts", "let x = 1;")

	_, err := rt.RunRule(context.Background(), "broken", "rules/broken.risor", &FileEnv{Tree: tree, Path: "/p/a.ts"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report")
}

func TestRunRule_MissingScript(t *testing.T) {
	rt := newTestRuntime(t, WithRuntimeFS(fstest.MapFS{}))
	tree := parseTS(t, rt, "/p/a.ts", "let x = 1;")

	_, err := rt.RunRule(context.Background(), "nope", RuleScriptPath("nope"), &FileEnv{Tree: tree})
	require.Error(t, err)
}

// --- Script loading tests ---

func TestRunScript_LoadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(`result := 1 + 1`), 0o644))

	rt := NewRuntime(dir)
	require.NoError(t, rt.RunScript(context.Background(), "test.risor", nil))
}

func TestRunScript_MissingFile(t *testing.T) {
	rt := NewRuntime(t.TempDir())
	err := rt.RunScript(context.Background(), "nonexistent.risor", nil)
	require.Error(t, err)
}

func TestRuleScriptPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "rules/no-with.risor", RuleScriptPath("no-with"))
}

func TestLoadScript_FromFS(t *testing.T) {
	t.Parallel()

	mapFS := fstest.MapFS{
		"rules/no-with.risor": &fstest.MapFile{Data: []byte(`x := 42`)},
	}
	rt := NewRuntime("", WithRuntimeFS(mapFS))

	got, err := rt.LoadScript("rules/no-with.risor")
	require.NoError(t, err)
	assert.Equal(t, `x := 42`, got)

	// Absolute-style path should be resolved within the FS.
	got, err = rt.LoadScript("/rules/no-with.risor")
	require.NoError(t, err)
	assert.Equal(t, `x := 42`, got)

	_, err = rt.LoadScript("nonexistent.risor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from fs")
}

func TestLoadScript_FallsBackToDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.risor"), []byte(`z := 7`), 0o644))

	rt := NewRuntime(dir)
	got, err := rt.LoadScript("test.risor")
	require.NoError(t, err)
	assert.Equal(t, `z := 7`, got)
}

// --- Importer wiring tests ---

func TestImport_FSImporter(t *testing.T) {
	// Risor's FSImporter resolves "lib_helpers" by trying name + ".risor".
	mapFS := fstest.MapFS{
		"lib_helpers.risor": &fstest.MapFile{Data: []byte(`
func greet(name) {
	return "hello " + name
}
`)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(mapFS))

	script := `
import lib_helpers

msg := lib_helpers.greet("world")
assert(msg == "hello world", 'expected "hello world", got ' + msg)
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestImport_LocalImporter(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "math_utils.risor"), []byte(`
func double(x) {
	return x * 2
}
`), 0o644))

	rt := NewRuntime(dir, WithLogger(logging.Discard()))

	script := `
import math_utils

result := math_utils.double(21)
assert(result == 42, 'expected 42, got {result}')
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestImport_GlobalsAvailableInImportedModules(t *testing.T) {
	// The imported module references host globals; the importer must know
	// their names to compile it.
	mapFS := fstest.MapFS{
		"helper.risor": &fstest.MapFile{Data: []byte(`
func first_name(root) {
	log.Debug("looking up first function")
	m := query("(function_declaration name: (identifier) @name)", root)
	return node_text(m[0]["name"])
}
`)},
	}
	rt := newTestRuntime(t, WithRuntimeFS(mapFS))

	script := `
import helper
root := parse_src("function f() {}", "javascript").RootNode()
assert(helper.first_name(root) == "f", "helper result")
`
	require.NoError(t, rt.RunSource(context.Background(), script, nil))
}

func TestNewRuntime_Defaults(t *testing.T) {
	t.Parallel()

	rt := NewRuntime("/some/dir")
	require.NotNil(t, rt)
	assert.Nil(t, rt.fsys)
	assert.Equal(t, "/some/dir", rt.scriptsDir)
	assert.NotNil(t, rt.buildImporter(nil))
	assert.Nil(t, NewRuntime("").buildImporter(nil))
}
