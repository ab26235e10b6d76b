package rules

import (
	"context"
	"sort"

	"github.com/jward/understory/internal/parser"
)

// ruleMeta describes a built-in rule.
type ruleMeta struct {
	// typed rules need a program.
	typed bool
}

var catalog = map[string]ruleMeta{
	"no-debugger":                {},
	"no-with":                    {},
	"no-console":                 {},
	"no-implicit-dependencies":   {},
	"no-unresolved-named-import": {typed: true},
	"no-empty-block":             {},
}

// Available returns the built-in rule keys, sorted.
func Available() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsTyped reports whether key needs type information.
func IsTyped(key string) bool { return catalog[key].typed }

// Decorator refines a rule.
type Decorator func(Rule) Rule

// decorators are applied once, when a RuleSet is built.
var decorators = map[string]Decorator{
	"no-console":     MainFilesOnly,
	"no-empty-block": IgnoreCommented,
}

// MainFilesOnly silences a rule on test files.
func MainFilesOnly(r Rule) Rule {
	return RuleFunc{Key: r.ID(), Fn: func(ctx context.Context, c *Context) ([]Issue, error) {
		if c.Kind == Test {
			return nil, nil
		}
		return r.Check(ctx, c)
	}}
}

// IgnoreCommented drops issues whose range contains a comment.
func IgnoreCommented(r Rule) Rule {
	return RuleFunc{Key: r.ID(), Fn: func(ctx context.Context, c *Context) ([]Issue, error) {
		issues, err := r.Check(ctx, c)
		if err != nil || len(issues) == 0 {
			return issues, err
		}
		kept := issues[:0]
		for _, is := range issues {
			if !containsComment(is, c.Tree.Comments) {
				kept = append(kept, is)
			}
		}
		return kept, nil
	}}
}

func containsComment(is Issue, comments []parser.Comment) bool {
	for _, cm := range comments {
		if after(cm.Line, cm.Column, is.Line, is.Column) && after(is.EndLine, is.EndColumn, cm.Line, cm.Column) {
			return true
		}
	}
	return false
}

// after reports whether (l1, c1) is at or after (l2, c2).
func after(l1, c1, l2, c2 int) bool {
	return l1 > l2 || (l1 == l2 && c1 >= c2)
}
