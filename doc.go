// Package understory analyses JavaScript and TypeScript projects with
// tree-sitter and a set of Risor-scripted rules. It keeps per-directory
// manifest data, tsconfig discovery and parse results between runs so that
// incremental analyses only redo the work their changes require.
//
// # Pipeline
//
// A project run goes through three stages:
//
//  1. Prepare: dirty and rebuild the manifest and tsconfig stores for the
//     root, then build one program per tsconfig when the active rules need
//     type information.
//
//  2. Analyse: a bounded worker pool parses each file (TypeScript grammar,
//     then JavaScript module mode, then sloppy script mode) and runs the
//     rule set against the tree. Unchanged files whose cached result is
//     still valid are not parsed at all.
//
//  3. Collect: results are streamed in completion order when the caller
//     supplies a channel and gathered into a [RunResult] sorted by path.
//
// # Usage
//
//	e, err := understory.New(understory.WithConfig(cfg))
//	if err != nil { ... }
//	defer e.Close()
//
//	if err := e.Initialize([]understory.RuleConfig{{Key: "no-debugger"}}); err != nil { ... }
//	res, err := e.AnalyzeProject(ctx, understory.ProjectInput{Root: "path/to/project"}, nil)
//
// [Engine.Cancel] stops dispatching new files; files already being analysed
// finish and the run ends with status [StatusCanceled].
//
// # Rules
//
// Built-in rules live in scripts/rules/{key}.risor. Scripts receive the
// syntax tree through host functions; see the internal/runtime package for
// the globals exposed to them.
package understory
