package runtime

import (
	"context"
	"strings"
	"sync"
	"unsafe"

	"github.com/risor-io/risor/object"
	"github.com/sirupsen/logrus"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/understory/internal/parser"
)

// sourceStore tracks source bytes and language for each registered tree.
// smacker/go-tree-sitter doesn't expose Node.Tree(), so node_text and query
// recover them from the root node pointer, found by walking Parent().
type sourceStore struct {
	mu      sync.RWMutex
	sources map[uintptr][]byte
	langs   map[uintptr]*sitter.Language
}

func newSourceStore() *sourceStore {
	return &sourceStore{
		sources: make(map[uintptr][]byte),
		langs:   make(map[uintptr]*sitter.Language),
	}
}

func (s *sourceStore) store(root *sitter.Node, src []byte, lang *sitter.Language) {
	key := uintptr(unsafe.Pointer(root))
	s.mu.Lock()
	s.sources[key] = src
	s.langs[key] = lang
	s.mu.Unlock()
}

func (s *sourceStore) forget(root *sitter.Node) {
	key := uintptr(unsafe.Pointer(root))
	s.mu.Lock()
	delete(s.sources, key)
	delete(s.langs, key)
	s.mu.Unlock()
}

func rootOf(node *sitter.Node) *sitter.Node {
	for node.Parent() != nil {
		node = node.Parent()
	}
	return node
}

func (s *sourceStore) sourceForNode(node *sitter.Node) ([]byte, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	src, ok := s.sources[key]
	s.mu.RUnlock()
	return src, ok
}

func (s *sourceStore) languageForNode(node *sitter.Node) (*sitter.Language, bool) {
	key := uintptr(unsafe.Pointer(rootOf(node)))
	s.mu.RLock()
	lang, ok := s.langs[key]
	s.mu.RUnlock()
	return lang, ok
}

// Register makes tree's nodes usable with node_text and query.
func (r *Runtime) Register(tree *parser.SyntaxTree) {
	lang, _ := parser.Grammar(tree.Grammar)
	r.sources.store(tree.Root, tree.Source, lang)
}

// Forget drops a tree registered with Register.
func (r *Runtime) Forget(tree *parser.SyntaxTree) {
	r.sources.forget(tree.Root)
}

// nodeArg unwraps a proxied *sitter.Node argument.
func nodeArg(fn string, arg object.Object) (*sitter.Node, *object.Error) {
	if arg == nil {
		return nil, object.Errorf("%s: expected proxy (Node), got nothing", fn)
	}
	proxy, ok := arg.(*object.Proxy)
	if !ok {
		return nil, object.Errorf("%s: expected proxy (Node), got %s", fn, arg.Type())
	}
	node, ok := proxy.Interface().(*sitter.Node)
	if !ok {
		return nil, object.Errorf("%s: expected *sitter.Node, got %T", fn, proxy.Interface())
	}
	return node, nil
}

// makeParseSrcFn creates "parse_src".
//
// parse_src(source, grammar) → *sitter.Tree
func makeParseSrcFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("parse_src", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("parse_src", 2, len(args))
		}
		srcStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("parse_src: source must be a string, got %s", args[0].Type())
		}
		grammar, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("parse_src: grammar must be a string, got %s", args[1].Type())
		}
		lang, found := parser.Grammar(grammar.Value())
		if !found {
			return object.Errorf("parse_src: unsupported grammar %q", grammar.Value())
		}

		p := sitter.NewParser()
		defer p.Close()
		p.SetLanguage(lang)
		src := []byte(srcStr.Value())
		tree, err := p.ParseCtx(ctx, nil, src)
		if err != nil {
			return object.Errorf("parse_src: tree-sitter parse failed: %v", err)
		}
		ss.store(tree.RootNode(), src, lang)

		proxy, err := object.NewProxy(tree)
		if err != nil {
			return object.Errorf("parse_src: proxy error: %v", err)
		}
		return proxy
	})
}

// makeNodeTextFn creates "node_text". Risor's proxies cannot pass the
// []byte that Node.Content needs.
//
// node_text(node) → string
func makeNodeTextFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("node_text", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_text", 1, len(args))
		}
		node, errObj := nodeArg("node_text", args[0])
		if errObj != nil {
			return errObj
		}
		src, found := ss.sourceForNode(node)
		if !found {
			return object.Errorf("node_text: no source found for node's tree")
		}
		return object.NewString(node.Content(src))
	})
}

// makeStringValueFn creates "string_value", the text of a string literal
// without its quotes.
//
// string_value(node) → string
func makeStringValueFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("string_value", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("string_value", 1, len(args))
		}
		node, errObj := nodeArg("string_value", args[0])
		if errObj != nil {
			return errObj
		}
		src, found := ss.sourceForNode(node)
		if !found {
			return object.Errorf("string_value: no source found for node's tree")
		}
		return object.NewString(unquote(node.Content(src)))
	})
}

func unquote(s string) string {
	if len(s) >= 2 && strings.ContainsRune(`"'`+"`", rune(s[0])) && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// makeQueryFn creates "query".
//
// query(pattern, node) → []map[string]Node
func makeQueryFn(ss *sourceStore) *object.Builtin {
	return object.NewBuiltin("query", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("query", 2, len(args))
		}
		patternStr, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("query: pattern must be a string, got %s", args[0].Type())
		}
		node, errObj := nodeArg("query", args[1])
		if errObj != nil {
			return errObj
		}
		lang, found := ss.languageForNode(node)
		if !found {
			return object.Errorf("query: no language found for node's tree")
		}
		src, found := ss.sourceForNode(node)
		if !found {
			return object.Errorf("query: no source found for node's tree")
		}

		q, err := sitter.NewQuery([]byte(patternStr.Value()), lang)
		if err != nil {
			return object.Errorf("query: invalid pattern: %v", err)
		}
		defer q.Close()

		cursor := sitter.NewQueryCursor()
		defer cursor.Close()
		cursor.Exec(q, node)

		results := []object.Object{}
		for {
			match, ok := cursor.NextMatch()
			if !ok {
				break
			}
			match = cursor.FilterPredicates(match, src)
			if len(match.Captures) == 0 {
				continue
			}
			matchMap := make(map[string]object.Object)
			for _, capture := range match.Captures {
				name := q.CaptureNameForId(capture.Index)
				nodeP, err := object.NewProxy(capture.Node)
				if err != nil {
					return object.Errorf("query: proxy error for capture %q: %v", name, err)
				}
				matchMap[name] = nodeP
			}
			results = append(results, object.NewMap(matchMap))
		}
		return object.NewList(results)
	})
}

// makeNodeChildFn creates "node_child", a ChildByFieldName that returns
// Risor nil instead of a proxied Go nil pointer.
//
// node_child(node, fieldName) → Node or nil
func makeNodeChildFn() *object.Builtin {
	return object.NewBuiltin("node_child", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 2 {
			return object.NewArgsError("node_child", 2, len(args))
		}
		node, errObj := nodeArg("node_child", args[0])
		if errObj != nil {
			return errObj
		}
		fieldStr, ok := args[1].(*object.String)
		if !ok {
			return object.Errorf("node_child: field must be a string, got %s", args[1].Type())
		}
		child := node.ChildByFieldName(fieldStr.Value())
		if child == nil {
			return object.Nil
		}
		p, err := object.NewProxy(child)
		if err != nil {
			return object.Errorf("node_child: proxy error: %v", err)
		}
		return p
	})
}

// node_line(node) → int, 1-based
func makeNodeLineFn() *object.Builtin {
	return object.NewBuiltin("node_line", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("node_line", 1, len(args))
		}
		node, errObj := nodeArg("node_line", args[0])
		if errObj != nil {
			return errObj
		}
		return object.NewInt(int64(node.StartPoint().Row) + 1)
	})
}

// logObject provides log.Debug/Info/Warn/Error for Risor scripts.
type logObject struct {
	entry *logrus.Entry
}

func (l *logObject) Debug(msg string) { l.entry.Debug(msg) }
func (l *logObject) Info(msg string)  { l.entry.Info(msg) }
func (l *logObject) Warn(msg string)  { l.entry.Warn(msg) }
func (l *logObject) Error(msg string) { l.entry.Error(msg) }

// nodeBuiltins are Node.js core modules, which never need a manifest entry.
var nodeBuiltins = map[string]bool{
	"assert": true, "async_hooks": true, "buffer": true, "child_process": true,
	"cluster": true, "console": true, "constants": true, "crypto": true,
	"dgram": true, "dns": true, "domain": true, "events": true, "fs": true,
	"http": true, "http2": true, "https": true, "inspector": true,
	"module": true, "net": true, "os": true, "path": true, "perf_hooks": true,
	"process": true, "punycode": true, "querystring": true, "readline": true,
	"repl": true, "stream": true, "string_decoder": true, "timers": true,
	"tls": true, "trace_events": true, "tty": true, "url": true, "util": true,
	"v8": true, "vm": true, "wasi": true, "worker_threads": true, "zlib": true,
}

// PackageName returns the package an import specifier refers to, or "" for
// relative, absolute and Node.js builtin specifiers.
func PackageName(spec string) string {
	spec = unquote(spec)
	if spec == "" || strings.HasPrefix(spec, ".") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "node:") {
		return ""
	}
	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(name, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		return name + "/" + parts[1]
	}
	if nodeBuiltins[name] {
		return ""
	}
	return name
}

// package_name(specifier) → string or nil
func makePackageNameFn() *object.Builtin {
	return object.NewBuiltin("package_name", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("package_name", 1, len(args))
		}
		s, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("package_name: specifier must be a string, got %s", args[0].Type())
		}
		name := PackageName(s.Value())
		if name == "" {
			return object.Nil
		}
		return object.NewString(name)
	})
}
