package parser

import (
	"fmt"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	uerrors "github.com/jward/understory/internal/errors"
)

// strictReserved are identifiers reserved only in strict mode code, which
// module code always is.
var strictReserved = map[string]bool{
	"implements": true,
	"interface":  true,
	"let":        true,
	"package":    true,
	"private":    true,
	"protected":  true,
	"public":     true,
	"static":     true,
	"yield":      true,
}

var legacyOctal = regexp.MustCompile(`^0[0-7]+$`)

// firstSyntaxError returns the first error or missing node in document
// order, or nil when the tree is clean.
func firstSyntaxError(n *sitter.Node) *sitter.Node {
	if n.IsMissing() || n.Type() == "ERROR" {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if bad := firstSyntaxError(n.Child(i)); bad != nil {
			return bad
		}
	}
	return n
}

func syntaxError(n *sitter.Node, src []byte) *uerrors.ParseError {
	line := int(n.StartPoint().Row) + 1
	if n.IsMissing() {
		return uerrors.NewParseError(line, fmt.Sprintf("'%s' expected.", n.Type()))
	}
	text := strings.TrimSpace(n.Content(src))
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = text[:i]
	}
	if len(text) > 40 {
		text = text[:40]
	}
	if text == "" {
		return uerrors.NewParseError(line, "Unexpected end of input.")
	}
	return uerrors.NewParseError(line, fmt.Sprintf("Unexpected token '%s'.", text))
}

// moduleViolation reports the first construct that is legal in sloppy
// scripts but not in module code.
func moduleViolation(n *sitter.Node, src []byte) *uerrors.ParseError {
	line := int(n.StartPoint().Row) + 1
	switch n.Type() {
	case "with_statement":
		return uerrors.NewParseError(line, "'with' statements are not allowed in strict mode.")
	case "number":
		if legacyOctal.MatchString(n.Content(src)) {
			return uerrors.NewParseError(line, "Octal literals are not allowed in strict mode.")
		}
	case "identifier":
		if name := n.Content(src); strictReserved[name] {
			return uerrors.NewParseError(line, fmt.Sprintf("'%s' is a reserved word in strict mode.", name))
		}
	case "html_comment":
		return uerrors.NewParseError(line, "HTML comments are not allowed in modules.")
	case "comment":
		text := n.Content(src)
		if strings.HasPrefix(text, "<!--") || strings.HasPrefix(text, "-->") {
			return uerrors.NewParseError(line, "HTML comments are not allowed in modules.")
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if v := moduleViolation(n.Child(i), src); v != nil {
			return v
		}
	}
	return nil
}
