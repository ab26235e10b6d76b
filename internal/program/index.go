package program

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/understory/internal/store"
)

// declKinds maps top-level declaration nodes to symbol kinds.
var declKinds = map[string]string{
	"function_declaration":           "function",
	"generator_function_declaration": "function",
	"function_signature":             "function",
	"class_declaration":              "class",
	"abstract_class_declaration":     "class",
	"lexical_declaration":            "variable",
	"variable_declaration":           "variable",
	"interface_declaration":          "interface",
	"type_alias_declaration":         "type",
	"enum_declaration":               "enum",
	"internal_module":                "namespace",
	"module":                         "namespace",
}

// extractor records the top-level declarations, exports and imports of one
// file into a DataStore.
type extractor struct {
	src    []byte
	fileID int64
	ds     store.DataStore
	err    error
}

func extractDeclarations(root *sitter.Node, src []byte, fileID int64, ds store.DataStore) error {
	x := &extractor{src: src, fileID: fileID, ds: ds}
	for i := 0; i < int(root.NamedChildCount()); i++ {
		x.statement(root.NamedChild(i))
	}
	x.requires(root)
	return x.err
}

func (x *extractor) text(n *sitter.Node) string { return n.Content(x.src) }

func (x *extractor) symbol(n *sitter.Node, name, kind string, exported, isDefault bool) {
	if x.err != nil || name == "" {
		return
	}
	sp, ep := n.StartPoint(), n.EndPoint()
	_, x.err = x.ds.InsertSymbol(&store.Symbol{
		FileID:    x.fileID,
		Name:      name,
		Kind:      kind,
		Exported:  exported,
		IsDefault: isDefault,
		StartLine: int(sp.Row) + 1,
		StartCol:  int(sp.Column),
		EndLine:   int(ep.Row) + 1,
		EndCol:    int(ep.Column),
	})
}

func (x *extractor) importRow(n *sitter.Node, source, kind string, imported, alias *string, typeOnly bool) {
	if x.err != nil {
		return
	}
	_, x.err = x.ds.InsertImport(&store.Import{
		FileID:       x.fileID,
		Source:       source,
		ImportedName: imported,
		LocalAlias:   alias,
		Kind:         kind,
		TypeOnly:     typeOnly,
		Line:         int(n.StartPoint().Row) + 1,
	})
}

func (x *extractor) statement(n *sitter.Node) {
	switch n.Type() {
	case "export_statement":
		x.exportStatement(n)
	case "import_statement":
		x.importStatement(n)
	case "ambient_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			x.statement(n.NamedChild(i))
		}
	case "expression_statement":
		x.commonJSExport(n)
	default:
		x.declaration(n, false, false)
	}
}

func (x *extractor) declaration(n *sitter.Node, exported, isDefault bool) {
	kind, ok := declKinds[n.Type()]
	if !ok {
		return
	}
	if kind == "variable" {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			d := n.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			if name := d.ChildByFieldName("name"); name != nil {
				for _, id := range x.bindingNames(name) {
					x.symbol(d, id, kind, exported, false)
				}
			}
		}
		return
	}
	name := ""
	if nn := n.ChildByFieldName("name"); nn != nil {
		name = x.text(nn)
	}
	if isDefault && name == "" {
		name = "default"
	}
	x.symbol(n, name, kind, exported, isDefault)
}

// bindingNames collects the identifiers bound by a declarator name, which
// may be a destructuring pattern.
func (x *extractor) bindingNames(n *sitter.Node) []string {
	switch n.Type() {
	case "identifier", "shorthand_property_identifier_pattern":
		return []string{x.text(n)}
	case "assignment_pattern", "object_assignment_pattern":
		if left := n.ChildByFieldName("left"); left != nil {
			return x.bindingNames(left)
		}
		return nil
	case "pair_pattern":
		if v := n.ChildByFieldName("value"); v != nil {
			return x.bindingNames(v)
		}
		return nil
	}
	var out []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, x.bindingNames(n.NamedChild(i))...)
	}
	return out
}

func hasToken(n *sitter.Node, token string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if !c.IsNamed() && c.Type() == token {
			return true
		}
	}
	return false
}

func childOfType(n *sitter.Node, typ string) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == typ {
			return c
		}
	}
	return nil
}

func unquote(s string) string {
	if len(s) >= 2 && strings.ContainsRune(`"'`+"`", rune(s[0])) && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (x *extractor) exportStatement(n *sitter.Node) {
	isDefault := hasToken(n, "default")
	source := ""
	if s := n.ChildByFieldName("source"); s != nil {
		source = unquote(x.text(s))
	}

	if decl := n.ChildByFieldName("declaration"); decl != nil {
		x.declaration(decl, true, isDefault)
		return
	}
	if isDefault {
		x.symbol(n, "default", "value", true, true)
		return
	}

	if ns := childOfType(n, "namespace_export"); ns != nil {
		if ns.NamedChildCount() > 0 {
			name := unquote(x.text(ns.NamedChild(0)))
			x.symbol(n, name, "reexport", true, false)
			x.importRow(n, source, store.ImportReexport, ptr("*"), &name, false)
		}
		return
	}
	if clause := childOfType(n, "export_clause"); clause != nil {
		for i := 0; i < int(clause.NamedChildCount()); i++ {
			spec := clause.NamedChild(i)
			if spec.Type() != "export_specifier" {
				continue
			}
			nameNode := spec.ChildByFieldName("name")
			if nameNode == nil {
				continue
			}
			local := unquote(x.text(nameNode))
			exported := local
			if alias := spec.ChildByFieldName("alias"); alias != nil {
				exported = unquote(x.text(alias))
			}
			kind := "alias"
			if source != "" {
				kind = "reexport"
				x.importRow(spec, source, store.ImportReexport, ptr(local), ptr(exported), hasToken(n, "type"))
			}
			x.symbol(spec, exported, kind, true, exported == "default")
		}
		return
	}
	if source != "" && hasToken(n, "*") {
		x.importRow(n, source, store.ImportReexport, ptr("*"), nil, false)
	}
}

func (x *extractor) importStatement(n *sitter.Node) {
	srcNode := n.ChildByFieldName("source")
	if srcNode == nil {
		return
	}
	source := unquote(x.text(srcNode))
	typeOnly := hasToken(n, "type")

	if req := childOfType(n, "import_require_clause"); req != nil {
		var alias *string
		if id := childOfType(req, "identifier"); id != nil {
			alias = ptr(x.text(id))
		}
		if s := req.ChildByFieldName("source"); s != nil {
			source = unquote(x.text(s))
		}
		x.importRow(n, source, store.ImportRequire, nil, alias, typeOnly)
		return
	}

	clause := childOfType(n, "import_clause")
	if clause == nil {
		x.importRow(n, source, store.ImportSideEffect, nil, nil, typeOnly)
		return
	}
	for i := 0; i < int(clause.NamedChildCount()); i++ {
		c := clause.NamedChild(i)
		switch c.Type() {
		case "identifier":
			x.importRow(c, source, store.ImportDefault, ptr("default"), ptr(x.text(c)), typeOnly)
		case "namespace_import":
			var alias *string
			if id := childOfType(c, "identifier"); id != nil {
				alias = ptr(x.text(id))
			}
			x.importRow(c, source, store.ImportNamespace, ptr("*"), alias, typeOnly)
		case "named_imports":
			for j := 0; j < int(c.NamedChildCount()); j++ {
				spec := c.NamedChild(j)
				if spec.Type() != "import_specifier" {
					continue
				}
				nameNode := spec.ChildByFieldName("name")
				if nameNode == nil {
					continue
				}
				name := unquote(x.text(nameNode))
				local := name
				if alias := spec.ChildByFieldName("alias"); alias != nil {
					local = x.text(alias)
				}
				x.importRow(spec, source, store.ImportNamed, ptr(name), ptr(local), typeOnly || hasToken(spec, "type"))
			}
		}
	}
}

// commonJSExport records module.exports and exports.x assignments.
func (x *extractor) commonJSExport(n *sitter.Node) {
	if n.NamedChildCount() == 0 {
		return
	}
	assign := n.NamedChild(0)
	if assign.Type() != "assignment_expression" {
		return
	}
	left := assign.ChildByFieldName("left")
	if left == nil || left.Type() != "member_expression" {
		return
	}
	target := x.text(left)
	switch {
	case target == "module.exports":
		x.symbol(n, "default", "commonjs", true, true)
	case strings.HasPrefix(target, "module.exports."):
		x.symbol(n, strings.TrimPrefix(target, "module.exports."), "commonjs", true, false)
	case strings.HasPrefix(target, "exports."):
		x.symbol(n, strings.TrimPrefix(target, "exports."), "commonjs", true, false)
	}
}

// requires records every require("x") call with a literal argument.
func (x *extractor) requires(n *sitter.Node) {
	if n.Type() == "call_expression" {
		fn := n.ChildByFieldName("function")
		args := n.ChildByFieldName("arguments")
		if fn != nil && args != nil && fn.Type() == "identifier" && x.text(fn) == "require" &&
			args.NamedChildCount() == 1 && args.NamedChild(0).Type() == "string" {
			x.importRow(n, unquote(x.text(args.NamedChild(0))), store.ImportRequire, nil, nil, false)
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		x.requires(n.NamedChild(i))
	}
}

func ptr[T any](v T) *T { return &v }
