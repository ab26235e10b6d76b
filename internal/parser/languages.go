package parser

import (
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language is the source language of a file as the caller sees it.
type Language string

const (
	JS Language = "js"
	TS Language = "ts"
)

// Grammar names.
const (
	GrammarTypeScript = "typescript"
	GrammarTSX        = "tsx"
	GrammarJavaScript = "javascript"
)

var grammars = map[string]func() *sitter.Language{
	GrammarTypeScript: ts.GetLanguage,
	GrammarTSX:        tsx.GetLanguage,
	GrammarJavaScript: javascript.GetLanguage,
}

// Grammar returns the tree-sitter language for a grammar name.
func Grammar(name string) (*sitter.Language, bool) {
	get, ok := grammars[name]
	if !ok {
		return nil, false
	}
	return get(), true
}

var extToLanguage = map[string]Language{
	".ts":  TS,
	".mts": TS,
	".cts": TS,
	".tsx": TS,
	".js":  JS,
	".mjs": JS,
	".cjs": JS,
	".jsx": JS,
	".vue": JS,
}

// LanguageForFile returns the language implied by path's extension.
func LanguageForFile(path string) (Language, bool) {
	lang, ok := extToLanguage[strings.ToLower(filepath.Ext(path))]
	return lang, ok
}

// PrimaryGrammar returns the TypeScript-family grammar used first for path:
// plain TypeScript for .ts files, TSX for everything else, so JSX in .js
// files parses.
func PrimaryGrammar(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return GrammarTypeScript
	default:
		return GrammarTSX
	}
}

// IndexGrammar returns the grammar used to build declaration indexes.
func IndexGrammar(path string) string {
	if lang, _ := LanguageForFile(path); lang == TS {
		return PrimaryGrammar(path)
	}
	return GrammarJavaScript
}
