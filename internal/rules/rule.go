// Package rules turns a rule configuration into a set of checks run against
// parsed files. Built-in rules are Risor scripts; a few are wrapped by
// decorators that refine their behaviour.
package rules

import (
	"context"
	"fmt"

	"github.com/jward/understory/internal/parser"
	"github.com/jward/understory/internal/runtime"
)

// FileKind separates production code from test code.
type FileKind string

const (
	Main FileKind = "MAIN"
	Test FileKind = "TEST"
)

// Issue is one finding.
type Issue struct {
	RuleID    string             `json:"ruleId"`
	Line      int                `json:"line"`
	Column    int                `json:"column"`
	EndLine   int                `json:"endLine"`
	EndColumn int                `json:"endColumn"`
	Message   string             `json:"message"`
	Secondary []runtime.Location `json:"secondaryLocations,omitempty"`
}

// Context is the file a rule checks. Program is nil for untyped analysis.
type Context struct {
	Tree         *parser.SyntaxTree
	Path         string
	Kind         FileKind
	Program      runtime.ProgramView
	Dependencies func() ([]string, error)
}

// Rule checks one file. Rules must not modify the tree.
type Rule interface {
	ID() string
	Check(ctx context.Context, c *Context) ([]Issue, error)
}

// ScriptRule runs rules/<id>.risor.
type ScriptRule struct {
	id      string
	typed   bool
	options map[string]any
	rt      *runtime.Runtime
}

// NewScriptRule returns the script rule id. A typed rule produces nothing
// for files analysed without a program.
func NewScriptRule(rt *runtime.Runtime, id string, typed bool, options map[string]any) *ScriptRule {
	return &ScriptRule{id: id, typed: typed, options: options, rt: rt}
}

func (r *ScriptRule) ID() string { return r.id }

func (r *ScriptRule) Check(ctx context.Context, c *Context) ([]Issue, error) {
	if r.typed && c.Program == nil {
		return nil, nil
	}
	env := &runtime.FileEnv{
		Tree:         c.Tree,
		Path:         c.Path,
		Kind:         string(c.Kind),
		Options:      r.options,
		Dependencies: c.Dependencies,
		Program:      c.Program,
	}
	reports, err := r.rt.RunRule(ctx, r.id, runtime.RuleScriptPath(r.id), env)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", r.id, err)
	}
	issues := make([]Issue, 0, len(reports))
	for _, rep := range reports {
		issues = append(issues, Issue{
			RuleID:    r.id,
			Line:      rep.Line,
			Column:    rep.Column,
			EndLine:   rep.EndLine,
			EndColumn: rep.EndColumn,
			Message:   rep.Message,
			Secondary: rep.Secondary,
		})
	}
	return issues, nil
}

// RuleFunc adapts a function to Rule.
type RuleFunc struct {
	Key string
	Fn  func(ctx context.Context, c *Context) ([]Issue, error)
}

func (f RuleFunc) ID() string { return f.Key }

func (f RuleFunc) Check(ctx context.Context, c *Context) ([]Issue, error) { return f.Fn(ctx, c) }
