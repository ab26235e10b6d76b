package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
)

type fakeStrategy struct {
	name  string
	err   error
	calls *[]string
}

func (f fakeStrategy) Name() string { return f.name }

func (f fakeStrategy) Parse(ctx context.Context, path string, src []byte) (*SyntaxTree, error) {
	*f.calls = append(*f.calls, f.name)
	if f.err != nil {
		return nil, f.err
	}
	return &SyntaxTree{Strategy: f.name}, nil
}

func newFakeEngine(calls *[]string, primaryErr, moduleErr, scriptErr error, opts ...Option) *Engine {
	opts = append([]Option{
		WithLogger(logging.Discard()),
		WithStrategies(
			fakeStrategy{name: StrategyPrimary, err: primaryErr, calls: calls},
			fakeStrategy{name: StrategyModule, err: moduleErr, calls: calls},
			fakeStrategy{name: StrategyScript, err: scriptErr, calls: calls},
		),
	}, opts...)
	return New(opts...)
}

func TestParse_TSPrimaryErrorSurfacesImmediately(t *testing.T) {
	var calls []string
	primaryErr := uerrors.NewParseError(3, "primary")
	e := newFakeEngine(&calls, primaryErr, nil, nil)

	_, err := e.Parse(context.Background(), Input{Path: "a.ts"})
	require.Error(t, err)
	assert.Same(t, primaryErr, err)
	assert.Equal(t, []string{StrategyPrimary}, calls)
}

func TestParse_JSFallsBackToScript(t *testing.T) {
	var calls []string
	e := newFakeEngine(&calls, uerrors.NewParseError(1, "p"), uerrors.NewParseError(1, "m"), nil)

	tree, err := e.Parse(context.Background(), Input{Path: "a.js"})
	require.NoError(t, err)
	assert.Equal(t, StrategyScript, tree.Strategy)
	assert.Equal(t, JS, tree.Language)
	assert.Equal(t, []string{StrategyPrimary, StrategyModule, StrategyScript}, calls)
}

func TestParse_AllFailReturnsModuleError(t *testing.T) {
	var calls []string
	moduleErr := uerrors.NewParseError(2, "module")
	e := newFakeEngine(&calls, uerrors.NewParseError(1, "primary"), moduleErr, uerrors.NewParseError(5, "script"))

	_, err := e.Parse(context.Background(), Input{Path: "a.js"})
	assert.Same(t, moduleErr, err)
}

func TestParse_ModuleSucceedsAfterPrimary(t *testing.T) {
	var calls []string
	e := newFakeEngine(&calls, uerrors.NewParseError(1, "p"), nil, nil)

	tree, err := e.Parse(context.Background(), Input{Path: "a.jsx"})
	require.NoError(t, err)
	assert.Equal(t, StrategyModule, tree.Strategy)
	assert.Equal(t, []string{StrategyPrimary, StrategyModule}, calls)
}

func TestParse_TSParserDisabledForJS(t *testing.T) {
	var calls []string
	e := newFakeEngine(&calls, nil, nil, nil, WithAllowTSParserForJS(false))

	tree, err := e.Parse(context.Background(), Input{Path: "a.js"})
	require.NoError(t, err)
	assert.Equal(t, StrategyModule, tree.Strategy)
	assert.Equal(t, []string{StrategyModule}, calls)

	calls = nil
	_, err = e.Parse(context.Background(), Input{Path: "a.ts"})
	require.NoError(t, err)
	assert.Equal(t, []string{StrategyPrimary}, calls)
}

func TestParse_LanguageHintOverridesExtension(t *testing.T) {
	var calls []string
	e := newFakeEngine(&calls, uerrors.NewParseError(1, "p"), nil, nil)

	_, err := e.Parse(context.Background(), Input{Path: "a.js", Language: TS})
	require.Error(t, err)
	assert.Equal(t, []string{StrategyPrimary}, calls)
}

func TestParse_CanceledContext(t *testing.T) {
	var calls []string
	e := newFakeEngine(&calls, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Parse(ctx, Input{Path: "a.js"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, calls)
}

func TestParse_RealTypeScript(t *testing.T) {
	e := New(WithLogger(logging.Discard()))
	src := "// header\nconst a: number = 1;\nexport function f(x: string): string { return x; }\n"

	tree, err := e.Parse(context.Background(), Input{Path: "a.ts", Content: []byte(src)})
	require.NoError(t, err)
	defer tree.Close()

	assert.Equal(t, StrategyPrimary, tree.Strategy)
	assert.Equal(t, GrammarTypeScript, tree.Grammar)
	assert.Equal(t, "program", tree.Root.Type())
	assert.Equal(t, 4, tree.LineCount)
	require.Len(t, tree.Comments, 1)
	assert.Equal(t, "// header", tree.Comments[0].Text)
	assert.Equal(t, 1, tree.Comments[0].Line)
	assert.Positive(t, tree.TokenCount)
}

func TestParse_RealTypeScriptSyntaxError(t *testing.T) {
	e := New(WithLogger(logging.Discard()))
	src := "const ok = 1;\nlet x: = 1;\n"

	_, err := e.Parse(context.Background(), Input{Path: "a.ts", Content: []byte(src)})
	var perr *uerrors.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
	assert.Equal(t, uerrors.CodeParsing, perr.Code())
}

func TestParse_RealWithStatementFallsBackToScript(t *testing.T) {
	e := New(WithLogger(logging.Discard()))
	src := "var obj = { a: 1 };\nwith (obj) {\n  console.log(a);\n}\n"

	tree, err := e.Parse(context.Background(), Input{Path: "legacy.js", Content: []byte(src)})
	require.NoError(t, err)
	defer tree.Close()
	assert.Equal(t, StrategyScript, tree.Strategy)
	assert.Equal(t, GrammarJavaScript, tree.Grammar)
}

func TestModuleStrategy_RejectsStrictModeViolations(t *testing.T) {
	s := NewModuleStrategy()

	_, err := s.Parse(context.Background(), "a.js", []byte("var x = 1;\nvar y = 010;\n"))
	var perr *uerrors.ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
	assert.Contains(t, perr.Message, "Octal")

	_, err = s.Parse(context.Background(), "a.js", []byte("var static = 1;\n"))
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Message, "static")

	tree, err := s.Parse(context.Background(), "a.js", []byte("export const v = 0o10;\n"))
	require.NoError(t, err)
	tree.Close()
}

func TestScriptErrorLine(t *testing.T) {
	assert.Equal(t, 7, scriptErrorLine("(anonymous): Line 7:12 Unexpected token"))
	assert.Equal(t, 0, scriptErrorLine("something went wrong"))
}

func TestLanguageForFile(t *testing.T) {
	lang, ok := LanguageForFile("/p/a.mts")
	require.True(t, ok)
	assert.Equal(t, TS, lang)
	_, ok = LanguageForFile("/p/a.css")
	assert.False(t, ok)
	assert.Equal(t, GrammarTSX, PrimaryGrammar("/p/a.jsx"))
	assert.Equal(t, GrammarTypeScript, PrimaryGrammar("/p/a.ts"))
	assert.Equal(t, GrammarJavaScript, IndexGrammar("/p/a.js"))
}
