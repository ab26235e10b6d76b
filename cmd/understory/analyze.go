package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jward/understory"
	"github.com/jward/understory/internal/paths"
	"github.com/jward/understory/internal/rules"
)

var (
	flagRulesProfile string
	flagTSConfigs    []string
	flagStream       bool
	flagSkipTypes    bool
	flagRuleFilter   []string
	flagPathPrefix   string
	flagLimit        int
	flagOffset       int
	flagSort         string
	flagOrder        string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [path]",
	Short: "Analyse a JavaScript/TypeScript project",
	Long:  "Discovers the project's source files, checks them with the active rules and reports issues. Interrupting the command cancels the run and reports what was analysed.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&flagRulesProfile, "rules", "", "rule profile (.json, .yaml or .toml); default activates every built-in rule")
	analyzeCmd.Flags().StringSliceVar(&flagTSConfigs, "tsconfig", nil, "tsconfig files to use instead of discovery")
	analyzeCmd.Flags().BoolVar(&flagStream, "stream", false, "print each file result as soon as it is analysed")
	analyzeCmd.Flags().BoolVar(&flagSkipTypes, "skip-types", false, "never build programs, analyse every file untyped")
	analyzeCmd.Flags().StringSliceVar(&flagRuleFilter, "rule", nil, "only report issues of these rules")
	analyzeCmd.Flags().StringVar(&flagPathPrefix, "path-prefix", "", "only report issues under this directory")
	analyzeCmd.Flags().IntVar(&flagLimit, "limit", 50, "pagination limit (max 500)")
	analyzeCmd.Flags().IntVar(&flagOffset, "offset", 0, "pagination offset")
	analyzeCmd.Flags().StringVar(&flagSort, "sort", "", "sort field: file|rule|line")
	analyzeCmd.Flags().StringVar(&flagOrder, "order", "asc", "sort order: asc|desc")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	w := stdout(cmd)
	root, err := resolveTargetDir(args)
	if err != nil {
		return outputError(w, "analyze", err)
	}
	sorting, err := buildSort(flagSort, flagOrder)
	if err != nil {
		return outputError(w, "analyze", err)
	}
	configs, err := loadRuleConfigs(flagRulesProfile)
	if err != nil {
		return outputError(w, "analyze", err)
	}

	engine, err := understory.New(
		understory.WithConfig(appConfig),
		understory.WithLogger(logrus.StandardLogger()),
	)
	if err != nil {
		return outputError(w, "analyze", err)
	}
	defer engine.Close()
	if err := engine.Initialize(configs); err != nil {
		return outputError(w, "analyze", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := understory.ProjectInput{Root: root, TSConfigs: flagTSConfigs, SkipTypes: flagSkipTypes}
	var stream chan understory.FileResult
	streamed := make(chan struct{})
	if flagStream {
		stream = make(chan understory.FileResult, 64)
		go func() {
			defer close(streamed)
			printStream(w, root, stream)
		}()
	} else {
		close(streamed)
	}

	res, runErr := engine.AnalyzeProject(ctx, in, stream)
	if stream != nil {
		close(stream)
	}
	<-streamed
	if res == nil {
		return outputError(w, "analyze", runErr)
	}

	filter := understory.IssueFilter{Rules: flagRuleFilter, PathPrefix: flagPathPrefix}
	page := res.Issues(filter, sorting, understory.Pagination{Limit: flagLimit, Offset: flagOffset})
	total := page.TotalCount
	if err := outputResult(w, CLIResult{
		Command:    "analyze",
		Results:    toCLIAnalysis(res, page),
		TotalCount: &total,
	}); err != nil {
		return err
	}
	if runErr != nil {
		// The run error is part of the printed result.
		errorHandled = true
		return runErr
	}
	return nil
}

// printStream writes one line per file result: a JSON object, or the file's
// issues in text mode.
func printStream(w io.Writer, root string, stream <-chan understory.FileResult) {
	enc := json.NewEncoder(w)
	for res := range stream {
		if flagFormat == "text" {
			formatFileText(w, root, res)
			continue
		}
		_ = enc.Encode(res)
	}
}

// loadRuleConfigs reads a rule profile, or activates every built-in rule
// with default options.
func loadRuleConfigs(profile string) ([]understory.RuleConfig, error) {
	if profile != "" {
		return rules.LoadProfile(profile)
	}
	keys := rules.Available()
	configs := make([]understory.RuleConfig, len(keys))
	for i, k := range keys {
		configs[i] = understory.RuleConfig{Key: k}
	}
	return configs, nil
}

// buildSort creates a Sort from CLI flags.
func buildSort(field, order string) (understory.Sort, error) {
	var s understory.Sort
	switch field {
	case "", "file":
		s.Field = understory.SortByFile
	case "rule":
		s.Field = understory.SortByRule
	case "line":
		s.Field = understory.SortByLine
	default:
		return s, fmt.Errorf("invalid sort field %q: must be file, rule or line", field)
	}
	switch order {
	case "", "asc":
		s.Order = understory.Asc
	case "desc":
		s.Order = understory.Desc
	default:
		return s, fmt.Errorf("invalid sort order %q: must be asc or desc", order)
	}
	return s, nil
}

// toCLIAnalysis converts a run and one page of its issues.
func toCLIAnalysis(res *understory.RunResult, page *understory.PagedResult[understory.IssueResult]) CLIAnalysis {
	summary := res.Summary(0)
	out := CLIAnalysis{
		Root:       res.Root,
		Status:     string(res.Status),
		Files:      len(res.Files),
		Parsed:     res.Stats.Parsed,
		Reused:     res.Stats.Reused,
		Skipped:    res.Stats.Skipped,
		Programs:   res.Stats.Programs,
		DurationMs: res.Stats.Millis,
		ByRule:     make([]CLIRuleCount, len(summary.ByRule)),
		Issues:     make([]CLIIssue, len(page.Items)),
	}
	for i, rc := range summary.ByRule {
		out.ByRule[i] = CLIRuleCount{Rule: rc.RuleID, Count: rc.Count}
	}
	for i, it := range page.Items {
		out.Issues[i] = CLIIssue{
			File:    paths.Rel(res.Root, it.FilePath),
			Rule:    it.RuleID,
			Line:    it.Line,
			Col:     it.Column,
			EndLine: it.EndLine,
			EndCol:  it.EndColumn,
			Message: it.Message,
		}
	}
	for _, f := range res.Files {
		switch {
		case f.ParsingError != nil:
			out.FileErrors = append(out.FileErrors, CLIFileError{
				File:    paths.Rel(res.Root, f.Path),
				Code:    f.ParsingError.Code(),
				Line:    f.ParsingError.Line,
				Message: f.ParsingError.Message,
			})
		case f.Error != nil:
			out.FileErrors = append(out.FileErrors, CLIFileError{
				File:    paths.Rel(res.Root, f.Path),
				Code:    f.Error.Code,
				Line:    f.Error.Line,
				Message: f.Error.Message,
			})
		}
	}
	for _, ce := range res.ConfigErrors {
		out.ConfigErrors = append(out.ConfigErrors, CLIFileError{
			File:    paths.Rel(res.Root, ce.Path),
			Code:    ce.Error.Code,
			Message: ce.Error.Message,
		})
	}
	if res.Error != nil {
		out.RunError = res.Error.Message
	}
	return out
}
