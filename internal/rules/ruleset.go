package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
	"github.com/jward/understory/internal/parser"
	"github.com/jward/understory/internal/runtime"
	"github.com/jward/understory/internal/suggest"
	"github.com/jward/understory/scripts"
)

// RuleConfig activates one rule. Configurations are merged in order into
// the options the rule sees. An empty FileTypeTarget means main files only;
// an empty Language means both languages.
type RuleConfig struct {
	Key            string           `json:"key" yaml:"key" toml:"key"`
	Configurations []map[string]any `json:"configurations,omitempty" yaml:"configurations,omitempty" toml:"configurations,omitempty"`
	FileTypeTarget []FileKind       `json:"fileTypeTarget,omitempty" yaml:"fileTypeTarget,omitempty" toml:"fileTypeTarget,omitempty"`
	Language       string           `json:"language,omitempty" yaml:"language,omitempty" toml:"language,omitempty"`
}

type entry struct {
	rule     Rule
	targets  map[FileKind]bool
	language parser.Language
	typed    bool
}

// RuleSet is an immutable, initialized collection of rules. Safe for
// concurrent use.
type RuleSet struct {
	entries []entry
	version string
	log     *logrus.Entry
}

type setOptions struct {
	fsys   fs.FS
	logger *logrus.Logger
	rt     *runtime.Runtime
	extra  map[string]Rule
}

// Option configures NewRuleSet.
type Option func(*setOptions)

// WithFS loads rule scripts from fsys instead of the embedded scripts.
func WithFS(fsys fs.FS) Option {
	return func(o *setOptions) { o.fsys = fsys }
}

// WithRuntime runs scripts on rt.
func WithRuntime(rt *runtime.Runtime) Option {
	return func(o *setOptions) { o.rt = rt }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *setOptions) { o.logger = l }
}

// WithRule registers a Go rule under its ID, available to configurations
// alongside the built-in ones.
func WithRule(r Rule) Option {
	return func(o *setOptions) {
		if o.extra == nil {
			o.extra = make(map[string]Rule)
		}
		o.extra[r.ID()] = r
	}
}

// NewRuleSet validates configs and builds the rules they activate. Unknown
// keys, file types or languages are reported as configuration errors.
func NewRuleSet(configs []RuleConfig, opts ...Option) (*RuleSet, error) {
	o := &setOptions{fsys: scripts.FS}
	for _, opt := range opts {
		opt(o)
	}
	if o.rt == nil {
		o.rt = runtime.NewRuntime("", runtime.WithRuntimeFS(o.fsys), runtime.WithLogger(o.logger))
	}

	known := Available()
	for k := range o.extra {
		known = append(known, k)
	}

	rs := &RuleSet{log: logging.Component(o.logger, "rules")}
	hash := xxh3.New()
	for _, cfg := range configs {
		meta, builtin := catalog[cfg.Key]
		custom, isCustom := o.extra[cfg.Key]
		if !builtin && !isCustom {
			reason := "unknown rule"
			if s := suggest.Closest(cfg.Key, known, suggest.DefaultThreshold); s != "" {
				reason = fmt.Sprintf("unknown rule, did you mean %q?", s)
			}
			return nil, &uerrors.ConfigSemanticError{Path: "rules", Option: cfg.Key, Reason: reason}
		}
		targets, err := fileTargets(cfg)
		if err != nil {
			return nil, err
		}
		lang := parser.Language(cfg.Language)
		if lang != "" && lang != parser.JS && lang != parser.TS {
			return nil, &uerrors.ConfigSemanticError{Path: "rules", Option: cfg.Key, Reason: fmt.Sprintf("unknown language %q", cfg.Language)}
		}

		var r Rule
		if isCustom {
			r = custom
		} else {
			r = NewScriptRule(o.rt, cfg.Key, meta.typed, mergeConfigurations(cfg.Configurations))
			script, err := o.rt.LoadScript(runtime.RuleScriptPath(cfg.Key))
			if err != nil {
				return nil, fmt.Errorf("rules: load %s: %w", cfg.Key, err)
			}
			hash.WriteString(script)
		}
		if d, ok := decorators[cfg.Key]; ok {
			r = d(r)
		}
		rs.entries = append(rs.entries, entry{rule: r, targets: targets, language: lang, typed: meta.typed})

		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("rules: encode %s: %w", cfg.Key, err)
		}
		hash.Write(data)
	}
	rs.version = strconv.FormatUint(hash.Sum64(), 16)
	rs.log.WithField("rules", len(rs.entries)).Debug("rule set initialized")
	return rs, nil
}

func fileTargets(cfg RuleConfig) (map[FileKind]bool, error) {
	targets := map[FileKind]bool{}
	if len(cfg.FileTypeTarget) == 0 {
		targets[Main] = true
		return targets, nil
	}
	for _, k := range cfg.FileTypeTarget {
		if k != Main && k != Test {
			return nil, &uerrors.ConfigSemanticError{Path: "rules", Option: cfg.Key, Reason: fmt.Sprintf("unknown file type %q", k)}
		}
		targets[k] = true
	}
	return targets, nil
}

func mergeConfigurations(cs []map[string]any) map[string]any {
	out := map[string]any{}
	for _, c := range cs {
		for k, v := range c {
			out[k] = v
		}
	}
	return out
}

// Version identifies the configuration and scripts. Cached results computed
// under another version are stale.
func (rs *RuleSet) Version() string { return rs.version }

// Len is the number of active rules.
func (rs *RuleSet) Len() int { return len(rs.entries) }

// Typed reports whether any active rule needs a program.
func (rs *RuleSet) Typed() bool {
	for _, e := range rs.entries {
		if e.typed {
			return true
		}
	}
	return false
}

// Check runs every rule that applies to c's file kind and language. Issues
// are ordered by position then rule. The first rule error aborts the check.
func (rs *RuleSet) Check(ctx context.Context, c *Context) ([]Issue, error) {
	kind := c.Kind
	if kind == "" {
		kind = Main
	}
	var out []Issue
	for _, e := range rs.entries {
		if !e.targets[kind] {
			continue
		}
		if e.language != "" && c.Tree != nil && e.language != c.Tree.Language {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issues, err := e.rule.Check(ctx, c)
		if err != nil {
			rs.log.WithFields(logrus.Fields{"rule": e.rule.ID(), "path": c.Path}).WithError(err).Debug("rule failed")
			return nil, err
		}
		out = append(out, issues...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.RuleID < b.RuleID
	})
	return out, nil
}
