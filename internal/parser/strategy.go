package parser

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	sitter "github.com/smacker/go-tree-sitter"
	fastparser "github.com/t14raptor/go-fast/parser"

	uerrors "github.com/jward/understory/internal/errors"
)

// Strategy is one way of turning source into a SyntaxTree. A failed parse
// returns a *errors.ParseError.
type Strategy interface {
	Name() string
	Parse(ctx context.Context, path string, src []byte) (*SyntaxTree, error)
}

// Strategy names, as recorded on SyntaxTree.Strategy.
const (
	StrategyPrimary = "primary"
	StrategyModule  = "module"
	StrategyScript  = "script"
)

// TreeSitterStrategy parses with a fixed or path-derived grammar and, for
// module parsing, rejects constructs that are not valid in module code.
type TreeSitterStrategy struct {
	name         string
	grammarFor   func(path string) string
	moduleChecks bool
}

// NewPrimaryStrategy parses with the TypeScript-family grammar as a module.
func NewPrimaryStrategy() *TreeSitterStrategy {
	return &TreeSitterStrategy{name: StrategyPrimary, grammarFor: PrimaryGrammar, moduleChecks: true}
}

// NewModuleStrategy parses with the JavaScript grammar as a module.
func NewModuleStrategy() *TreeSitterStrategy {
	return &TreeSitterStrategy{
		name:         StrategyModule,
		grammarFor:   func(string) string { return GrammarJavaScript },
		moduleChecks: true,
	}
}

func (s *TreeSitterStrategy) Name() string { return s.name }

func (s *TreeSitterStrategy) Parse(ctx context.Context, path string, src []byte) (*SyntaxTree, error) {
	grammar := s.grammarFor(path)
	tree, err := parseTree(ctx, grammar, src)
	if err != nil {
		return nil, err
	}
	root := tree.RootNode()
	if bad := firstSyntaxError(root); bad != nil {
		perr := syntaxError(bad, src)
		tree.Close()
		return nil, perr
	}
	if s.moduleChecks {
		if perr := moduleViolation(root, src); perr != nil {
			tree.Close()
			return nil, perr
		}
	}
	return newSyntaxTree(tree, src, grammar, s.name), nil
}

// ScriptStrategy validates sloppy-mode script syntax with go-fast and then
// builds the tree with the JavaScript grammar.
type ScriptStrategy struct{}

func NewScriptStrategy() *ScriptStrategy { return &ScriptStrategy{} }

func (s *ScriptStrategy) Name() string { return StrategyScript }

func (s *ScriptStrategy) Parse(ctx context.Context, path string, src []byte) (*SyntaxTree, error) {
	if _, err := fastparser.ParseFile(string(src)); err != nil {
		return nil, uerrors.NewParseError(scriptErrorLine(err.Error()), err.Error())
	}
	tree, err := parseTree(ctx, GrammarJavaScript, src)
	if err != nil {
		return nil, err
	}
	return newSyntaxTree(tree, src, GrammarJavaScript, StrategyScript), nil
}

var scriptLineRe = regexp.MustCompile(`Line (\d+):(\d+)`)

func scriptErrorLine(msg string) int {
	m := scriptLineRe.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	line, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return line
}

func parseTree(ctx context.Context, grammar string, src []byte) (*sitter.Tree, error) {
	lang, ok := Grammar(grammar)
	if !ok {
		return nil, fmt.Errorf("parser: unsupported grammar %q", grammar)
	}
	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(lang)
	tree, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("parser: tree-sitter parse failed: %w", err)
	}
	return tree, nil
}
