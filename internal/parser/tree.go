package parser

import (
	"bytes"

	sitter "github.com/smacker/go-tree-sitter"
)

// Comment is one source comment.
type Comment struct {
	Text   string `json:"text"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// SyntaxTree is a successful parse. Root stays valid until Close.
type SyntaxTree struct {
	Root       *sitter.Node
	Source     []byte
	Grammar    string
	Language   Language
	Strategy   string
	TokenCount int
	Comments   []Comment
	LineCount  int
	Typed      bool

	tree *sitter.Tree
}

func newSyntaxTree(tree *sitter.Tree, src []byte, grammar, strategy string) *SyntaxTree {
	st := &SyntaxTree{
		Root:      tree.RootNode(),
		Source:    src,
		Grammar:   grammar,
		Strategy:  strategy,
		LineCount: bytes.Count(src, []byte("\n")) + 1,
		tree:      tree,
	}
	st.collectTokens(st.Root)
	return st
}

func (st *SyntaxTree) collectTokens(n *sitter.Node) {
	if n.Type() == "comment" || n.Type() == "html_comment" {
		p := n.StartPoint()
		st.Comments = append(st.Comments, Comment{
			Text:   n.Content(st.Source),
			Line:   int(p.Row) + 1,
			Column: int(p.Column),
		})
		return
	}
	count := int(n.ChildCount())
	if count == 0 {
		if n.EndByte() > n.StartByte() {
			st.TokenCount++
		}
		return
	}
	for i := 0; i < count; i++ {
		st.collectTokens(n.Child(i))
	}
}

// Close releases the underlying tree-sitter tree.
func (st *SyntaxTree) Close() {
	if st.tree != nil {
		st.tree.Close()
		st.tree = nil
	}
}
