// Package parser turns JavaScript and TypeScript source into tree-sitter
// syntax trees, falling back from TypeScript module parsing to JavaScript
// module parsing to sloppy-mode script parsing.
package parser

import (
	"context"

	"github.com/sirupsen/logrus"

	uerrors "github.com/jward/understory/internal/errors"
	"github.com/jward/understory/internal/logging"
)

// Input is one file to parse. Language is derived from Path when empty.
type Input struct {
	Path     string
	Content  []byte
	Language Language
	Typed    bool
}

// Engine runs the parse strategies in order.
type Engine struct {
	primary            Strategy
	fallbacks          []Strategy
	allowTSParserForJS bool
	log                *logrus.Entry
}

// Option configures an Engine.
type Option func(*Engine)

// WithStrategies replaces the primary strategy and the JavaScript fallbacks.
func WithStrategies(primary Strategy, fallbacks ...Strategy) Option {
	return func(e *Engine) {
		e.primary = primary
		e.fallbacks = fallbacks
	}
}

// WithAllowTSParserForJS controls whether JavaScript is first tried with the
// TypeScript grammar.
func WithAllowTSParserForJS(allow bool) Option {
	return func(e *Engine) { e.allowTSParserForJS = allow }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.log = logging.Component(l, "parser") }
}

// New returns an Engine with the tree-sitter and go-fast strategies.
func New(opts ...Option) *Engine {
	e := &Engine{
		primary:            NewPrimaryStrategy(),
		fallbacks:          []Strategy{NewModuleStrategy(), NewScriptStrategy()},
		allowTSParserForJS: true,
		log:                logging.Component(nil, "parser"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Parse returns a tree or the error of the most authoritative attempt.
// TypeScript must parse with the primary strategy. JavaScript tries the
// primary strategy, then each fallback, and reports the error of the first
// fallback (module mode) when every attempt fails. The returned error is a
// *errors.ParseError unless ctx was canceled.
func (e *Engine) Parse(ctx context.Context, in Input) (*SyntaxTree, error) {
	lang := in.Language
	if lang == "" {
		lang, _ = LanguageForFile(in.Path)
		if lang == "" {
			lang = JS
		}
	}

	var attempts []Strategy
	usePrimary := lang == TS || e.allowTSParserForJS
	if usePrimary {
		attempts = append(attempts, e.primary)
	}
	if lang == JS {
		attempts = append(attempts, e.fallbacks...)
	}

	var primaryErr, moduleErr error
	for i, s := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tree, err := s.Parse(ctx, in.Path, in.Content)
		if err == nil {
			tree.Language = lang
			tree.Typed = in.Typed
			return tree, nil
		}
		var perr *uerrors.ParseError
		if !uerrors.As(err, &perr) {
			return nil, err
		}
		if lang == TS {
			return nil, err
		}
		if usePrimary && i == 0 {
			primaryErr = err
		} else if moduleErr == nil {
			moduleErr = err
		}
		if i+1 < len(attempts) {
			e.log.WithFields(logrus.Fields{
				"path":     in.Path,
				"strategy": s.Name(),
				"next":     attempts[i+1].Name(),
				"error":    err.Error(),
			}).Debug("parse failed, trying fallback")
		}
	}
	if moduleErr != nil {
		return nil, moduleErr
	}
	if primaryErr != nil {
		return nil, primaryErr
	}
	return nil, uerrors.NewParseError(0, "no parse strategy available")
}
